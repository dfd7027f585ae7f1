package keystore

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/postalsys/fleetbus/internal/crypto"
)

// MaxSharedKeyID is the largest id the 9-bit envelope field can carry.
const MaxSharedKeyID = 1<<9 - 1

var (
	// ErrRotationCeiling is returned when rotating past the configured maximum id.
	ErrRotationCeiling = errors.New("shared key rotation ceiling reached")

	// ErrNoSharedKey is returned when a shared key id is not held.
	ErrNoSharedKey = errors.New("no shared key")
)

// SharedKey is one entry in a SharedKeySet.
type SharedKey struct {
	ID      uint16
	Key     []byte
	Created time.Time
}

func (k SharedKey) clone() SharedKey {
	k.Key = append([]byte(nil), k.Key...)
	return k
}

// SharedKeySet is the id-indexed sequence of system-wide keys. The server
// rotates it and clients install what the server sends. Keys more than
// Retain ids behind the current one are retired; Retain of zero keeps
// every key.
type SharedKeySet struct {
	mu         sync.RWMutex
	keys       map[uint16]SharedKey
	current    uint16
	hasCurrent bool
	maxID      uint16
	retain     int
	now        func() time.Time
}

// NewSharedKeySet returns an empty set.
func NewSharedKeySet(maxID uint16, retain int) (*SharedKeySet, error) {
	if maxID > MaxSharedKeyID {
		return nil, fmt.Errorf("shared key max id %d exceeds %d", maxID, MaxSharedKeyID)
	}
	if retain < 0 {
		return nil, fmt.Errorf("shared key retain must not be negative")
	}
	return &SharedKeySet{
		keys:   make(map[uint16]SharedKey),
		maxID:  maxID,
		retain: retain,
		now:    time.Now,
	}, nil
}

// Rotate generates a new key with the next id and makes it current.
func (s *SharedKeySet) Rotate(svc *crypto.Service) (SharedKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next uint16
	if s.hasCurrent {
		if s.current >= s.maxID {
			return SharedKey{}, fmt.Errorf("%w: current id %d, max %d", ErrRotationCeiling, s.current, s.maxID)
		}
		next = s.current + 1
	}

	key, err := svc.NewSymmetricKey()
	if err != nil {
		return SharedKey{}, err
	}

	sk := SharedKey{ID: next, Key: key, Created: s.now()}
	s.keys[next] = sk
	s.current = next
	s.hasCurrent = true
	s.retireLocked()

	return sk.clone(), nil
}

// Install stores a key received from a new server lifetime and makes it
// current. Keys with higher ids belong to the earlier lifetime and are
// dropped.
func (s *SharedKeySet) Install(id uint16, key []byte) error {
	if err := checkReceived(id, key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for existing := range s.keys {
		if existing > id {
			crypto.ZeroBytes(s.keys[existing].Key)
			delete(s.keys, existing)
		}
	}
	s.keys[id] = SharedKey{ID: id, Key: append([]byte(nil), key...), Created: s.now()}
	s.current = id
	s.hasCurrent = true
	s.retireLocked()

	return nil
}

// Add stores a key from the current server lifetime. It becomes current
// unless a newer key is already held, so keys arriving out of order never
// roll the set back.
func (s *SharedKeySet) Add(id uint16, key []byte) error {
	if err := checkReceived(id, key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasCurrent && id < s.current {
		if s.retain != 0 && int(s.current)-int(id) >= s.retain {
			return nil
		}
	} else {
		s.current = id
		s.hasCurrent = true
	}
	if _, ok := s.keys[id]; !ok {
		s.keys[id] = SharedKey{ID: id, Key: append([]byte(nil), key...), Created: s.now()}
	}
	s.retireLocked()

	return nil
}

func checkReceived(id uint16, key []byte) error {
	if id > MaxSharedKeyID {
		return fmt.Errorf("shared key id %d exceeds %d", id, MaxSharedKeyID)
	}
	if len(key) != crypto.KeySize {
		return fmt.Errorf("%w: shared key is %d bytes", crypto.ErrInvalidKeySize, len(key))
	}
	return nil
}

// Retired keys are zeroed. Callers only ever hold copies.
func (s *SharedKeySet) retireLocked() {
	if s.retain == 0 {
		return
	}
	for id, sk := range s.keys {
		if int(s.current)-int(id) >= s.retain {
			crypto.ZeroBytes(sk.Key)
			delete(s.keys, id)
		}
	}
}

// Current returns the key new messages should use.
func (s *SharedKeySet) Current() (SharedKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.hasCurrent {
		return SharedKey{}, ErrNoSharedKey
	}
	return s.keys[s.current].clone(), nil
}

// CurrentID returns the current id and whether one is set.
func (s *SharedKeySet) CurrentID() (uint16, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.hasCurrent
}

// Get returns the key bytes for id.
func (s *SharedKeySet) Get(id uint16) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sk, ok := s.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNoSharedKey, id)
	}
	return append([]byte(nil), sk.Key...), nil
}

// IDs returns the held ids in ascending order.
func (s *SharedKeySet) IDs() []uint16 {
	s.mu.RLock()
	ids := make([]uint16, 0, len(s.keys))
	for id := range s.keys {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// MaxID returns the rotation ceiling.
func (s *SharedKeySet) MaxID() uint16 {
	return s.maxID
}
