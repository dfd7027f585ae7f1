package keystore

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/postalsys/fleetbus/internal/crypto"
	"github.com/postalsys/fleetbus/internal/identity"
)

// PeerRecord is the public half of a known identity.
type PeerRecord struct {
	SystemName string
	ClientName string
	Curve      crypto.Curve
	PublicKey  *ecdsa.PublicKey
	Hash       string
}

// NewPeerRecord validates the names and computes the identity hash.
func NewPeerRecord(systemName, clientName string, pub *ecdsa.PublicKey) (*PeerRecord, error) {
	if err := identity.ValidateName(systemName); err != nil {
		return nil, fmt.Errorf("system name: %w", err)
	}
	if err := identity.ValidateName(clientName); err != nil {
		return nil, fmt.Errorf("client name: %w", err)
	}
	curve, err := crypto.CurveOf(pub)
	if err != nil {
		return nil, err
	}
	hash, err := identity.ComputeHash(systemName, clientName, pub)
	if err != nil {
		return nil, err
	}
	return &PeerRecord{
		SystemName: systemName,
		ClientName: clientName,
		Curve:      curve,
		PublicKey:  pub,
		Hash:       hash,
	}, nil
}

// RecordFromDocument builds a record from a public or private identity
// document. The document hash is checked against its contents.
func RecordFromDocument(doc *identity.Document) (*PeerRecord, error) {
	pub, err := doc.PublicKey()
	if err != nil {
		return nil, err
	}
	return NewPeerRecord(doc.SystemName, doc.ClientName, pub)
}

// RecordFromIdentity returns the public record for a local identity.
func RecordFromIdentity(id *identity.Identity) *PeerRecord {
	return &PeerRecord{
		SystemName: id.SystemName(),
		ClientName: id.ClientName(),
		Curve:      id.Curve(),
		PublicKey:  id.PublicKey(),
		Hash:       id.Hash(),
	}
}

// QualifiedName returns "system:client".
func (r *PeerRecord) QualifiedName() string {
	return r.SystemName + ":" + r.ClientName
}

// Equal reports whether two records describe the same identity.
func (r *PeerRecord) Equal(o *PeerRecord) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.Hash == o.Hash &&
		r.SystemName == o.SystemName &&
		r.ClientName == o.ClientName &&
		r.Curve == o.Curve &&
		r.PublicKey.Equal(o.PublicKey)
}

// Document returns the public identity document for the record.
func (r *PeerRecord) Document() *identity.Document {
	x, y, _ := crypto.PointBytes(r.PublicKey)
	return &identity.Document{
		SystemName: r.SystemName,
		ClientName: r.ClientName,
		Curve:      r.Curve,
		X:          x,
		Y:          y,
		Hash:       r.Hash,
	}
}
