package keystore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/postalsys/fleetbus/internal/crypto"
)

const (
	metadataBucket = "metadata"
	peersBucket    = "peers"
	versionKey     = "version"
	storeVersion   = 0
)

// ErrStoreVersion is returned when opening a database written by an
// incompatible release.
var ErrStoreVersion = errors.New("incompatible peer store version")

// PeerStore persists provisioned peers.
type PeerStore interface {
	Put(rec *PeerRecord) error
	Get(hash string) (*PeerRecord, error)
	Delete(hash string) error
	List() ([]*PeerRecord, error)
	Close() error
}

// storedPeer is the CBOR value kept per hash.
type storedPeer struct {
	SystemName string       `cbor:"1,keyasint"`
	ClientName string       `cbor:"2,keyasint"`
	Curve      crypto.Curve `cbor:"3,keyasint"`
	X          []byte       `cbor:"4,keyasint"`
	Y          []byte       `cbor:"5,keyasint"`
}

// BoltStore is a PeerStore backed by a bbolt database.
type BoltStore struct {
	sync.Mutex
	db *bolt.DB
}

// OpenBoltStore creates or opens the database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open peer store: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(peersBucket)); err != nil {
			return err
		}
		if b := meta.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != storeVersion {
				return fmt.Errorf("%w: %v", ErrStoreVersion, b)
			}
			return nil
		}
		return meta.Put([]byte(versionKey), []byte{storeVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Put adds or replaces a record.
func (s *BoltStore) Put(rec *PeerRecord) error {
	x, y, err := crypto.PointBytes(rec.PublicKey)
	if err != nil {
		return err
	}
	value, err := cbor.Marshal(storedPeer{
		SystemName: rec.SystemName,
		ClientName: rec.ClientName,
		Curve:      rec.Curve,
		X:          x,
		Y:          y,
	})
	if err != nil {
		return fmt.Errorf("encode peer %s: %w", rec.QualifiedName(), err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(peersBucket)).Put([]byte(rec.Hash), value)
	})
}

// Get returns the record for hash.
func (s *BoltStore) Get(hash string) (*PeerRecord, error) {
	var rec *PeerRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket([]byte(peersBucket)).Get([]byte(hash))
		if value == nil {
			return fmt.Errorf("%w: %s", ErrUnknownIdentity, hash)
		}
		var err error
		rec, err = decodePeer(hash, value)
		return err
	})
	return rec, err
}

// Delete removes the record for hash. Deleting a missing record is not an error.
func (s *BoltStore) Delete(hash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(peersBucket)).Delete([]byte(hash))
	})
}

// List returns every stored record in key order.
func (s *BoltStore) List() ([]*PeerRecord, error) {
	var out []*PeerRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(peersBucket)).ForEach(func(k, v []byte) error {
			rec, err := decodePeer(string(k), v)
			if err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// Close flushes and closes the database.
func (s *BoltStore) Close() error {
	s.Lock()
	defer s.Unlock()
	if s.db == nil {
		return nil
	}
	s.db.Sync()
	err := s.db.Close()
	s.db = nil
	return err
}

func decodePeer(hash string, value []byte) (*PeerRecord, error) {
	var sp storedPeer
	if err := cbor.Unmarshal(value, &sp); err != nil {
		return nil, fmt.Errorf("decode peer %s: %w", hash, err)
	}
	pub, err := crypto.PublicKeyFromPoint(sp.Curve, sp.X, sp.Y)
	if err != nil {
		return nil, fmt.Errorf("decode peer %s: %w", hash, err)
	}
	rec, err := NewPeerRecord(sp.SystemName, sp.ClientName, pub)
	if err != nil {
		return nil, err
	}
	if rec.Hash != hash {
		return nil, fmt.Errorf("peer store entry %s does not match its contents", hash)
	}
	return rec, nil
}
