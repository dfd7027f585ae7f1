// Package keystore holds the peers a process trusts, the symmetric keys
// derived with them, and the rotating system-wide shared keys.
package keystore

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/postalsys/fleetbus/internal/crypto"
	"github.com/postalsys/fleetbus/internal/identity"
)

var (
	// ErrUnknownIdentity is returned when a hash is not in the keystore.
	ErrUnknownIdentity = errors.New("unknown identity")

	// ErrDuplicateIdentity is returned when Add is given a different record
	// for a hash that is already present.
	ErrDuplicateIdentity = errors.New("duplicate identity")
)

// Keystore is safe for concurrent use. The peer table is read-mostly and
// each derived key is inserted once and never changed.
type Keystore struct {
	self *identity.Identity
	svc  *crypto.Service

	mu    sync.RWMutex
	peers map[string]*PeerRecord

	derivedMu sync.RWMutex
	derived   map[string][]byte
}

// New creates a keystore for self. The local identity is always resolvable
// so a session can verify traffic it receives from itself.
func New(self *identity.Identity, svc *crypto.Service) *Keystore {
	if svc == nil {
		svc = crypto.NewService(nil)
	}
	ks := &Keystore{
		self:    self,
		svc:     svc,
		peers:   make(map[string]*PeerRecord),
		derived: make(map[string][]byte),
	}
	rec := RecordFromIdentity(self)
	ks.peers[rec.Hash] = rec
	return ks
}

// Self returns the local identity.
func (ks *Keystore) Self() *identity.Identity {
	return ks.self
}

// Add registers a peer. Adding an identical record again is a no-op;
// a different record under the same hash is ErrDuplicateIdentity.
func (ks *Keystore) Add(rec *PeerRecord) error {
	if rec == nil || rec.PublicKey == nil {
		return fmt.Errorf("keystore: nil peer record")
	}
	if !identity.IsValidHash(rec.Hash) {
		return fmt.Errorf("keystore: malformed identity hash %q", rec.Hash)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	if existing, ok := ks.peers[rec.Hash]; ok {
		if existing.Equal(rec) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrDuplicateIdentity, rec.QualifiedName())
	}
	ks.peers[rec.Hash] = rec
	return nil
}

// Remove forgets a peer and its derived key. The local identity cannot
// be removed.
func (ks *Keystore) Remove(hash string) bool {
	if hash == ks.self.Hash() {
		return false
	}

	ks.mu.Lock()
	_, ok := ks.peers[hash]
	delete(ks.peers, hash)
	ks.mu.Unlock()

	ks.derivedMu.Lock()
	if key, found := ks.derived[hash]; found {
		crypto.ZeroBytes(key)
		delete(ks.derived, hash)
	}
	ks.derivedMu.Unlock()

	return ok
}

// Lookup returns the record for hash.
func (ks *Keystore) Lookup(hash string) (*PeerRecord, error) {
	ks.mu.RLock()
	rec, ok := ks.peers[hash]
	ks.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, identity.ShortHash(hash))
	}
	return rec, nil
}

// Contains reports whether hash is known.
func (ks *Keystore) Contains(hash string) bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	_, ok := ks.peers[hash]
	return ok
}

// VerificationKey returns the public key messages from hash are signed with.
func (ks *Keystore) VerificationKey(hash string) (*ecdsa.PublicKey, error) {
	rec, err := ks.Lookup(hash)
	if err != nil {
		return nil, err
	}
	return rec.PublicKey, nil
}

// SymmetricKeyFor returns the key shared with the peer, deriving it on
// first use. Derived keys live only in memory.
func (ks *Keystore) SymmetricKeyFor(hash string) ([]byte, error) {
	ks.derivedMu.RLock()
	key, ok := ks.derived[hash]
	ks.derivedMu.RUnlock()
	if ok {
		return key, nil
	}

	rec, err := ks.Lookup(hash)
	if err != nil {
		return nil, err
	}

	ks.derivedMu.Lock()
	defer ks.derivedMu.Unlock()

	// Another caller may have derived it while we waited.
	if key, ok := ks.derived[hash]; ok {
		return key, nil
	}

	key, err = ks.svc.DeriveSymmetricKey(ks.self.PrivateKey(), rec.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("derive key for %s: %w", rec.QualifiedName(), err)
	}
	ks.derived[hash] = key
	return key, nil
}

// Peers returns all known records except the local identity, ordered by
// qualified name.
func (ks *Keystore) Peers() []*PeerRecord {
	self := ks.self.Hash()

	ks.mu.RLock()
	out := make([]*PeerRecord, 0, len(ks.peers))
	for hash, rec := range ks.peers {
		if hash != self {
			out = append(out, rec)
		}
	}
	ks.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].QualifiedName() < out[j].QualifiedName()
	})
	return out
}

// Len returns the number of peers, excluding the local identity.
func (ks *Keystore) Len() int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.peers) - 1
}

// LoadFrom adds every record in store and returns how many were added.
func (ks *Keystore) LoadFrom(store PeerStore) (int, error) {
	records, err := store.List()
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		if err := ks.Add(rec); err != nil {
			return 0, err
		}
	}
	return len(records), nil
}
