// Package identity provides the named keypairs fleetbus peers authenticate with.
//
// An Identity binds a system name and client name to one NIST-curve keypair
// used for both ECDSA signing and ECDH key agreement. Its hash is the
// stable address other peers know it by.
package identity

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/postalsys/fleetbus/internal/crypto"
)

// HashLength is the length of a rendered identity hash: 32 bytes as
// two hex digits each, separated by dashes.
const HashLength = sha256.Size*3 - 1

var (
	// ErrNameInvalid is returned when a system or client name is unusable.
	ErrNameInvalid = errors.New("invalid identity name")

	// ErrHashMismatch is returned when a document's hash does not match its contents.
	ErrHashMismatch = errors.New("identity hash mismatch")

	nameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)
)

// Identity is a named keypair. It is immutable after construction apart
// from the memoized hash.
type Identity struct {
	systemName string
	clientName string
	curve      crypto.Curve
	key        *ecdsa.PrivateKey

	hashOnce sync.Once
	hash     string
	hashErr  error
}

// ValidateName checks a system or client name. Names are used in broker
// queue names so they are limited to a conservative character set.
func ValidateName(name string) error {
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrNameInvalid, name)
	}
	return nil
}

// New binds an existing private key to a system and client name.
func New(systemName, clientName string, key *ecdsa.PrivateKey) (*Identity, error) {
	if err := ValidateName(systemName); err != nil {
		return nil, fmt.Errorf("system name: %w", err)
	}
	if err := ValidateName(clientName); err != nil {
		return nil, fmt.Errorf("client name: %w", err)
	}
	if key == nil {
		return nil, fmt.Errorf("identity %s:%s: missing private key", systemName, clientName)
	}
	curve, err := crypto.CurveOf(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	return &Identity{
		systemName: systemName,
		clientName: clientName,
		curve:      curve,
		key:        key,
	}, nil
}

// Generate creates a new identity with a fresh keypair on curve.
func Generate(svc *crypto.Service, systemName, clientName string, curve crypto.Curve) (*Identity, error) {
	if err := ValidateName(systemName); err != nil {
		return nil, fmt.Errorf("system name: %w", err)
	}
	if err := ValidateName(clientName); err != nil {
		return nil, fmt.Errorf("client name: %w", err)
	}
	key, err := svc.GenerateKey(curve)
	if err != nil {
		return nil, err
	}
	return New(systemName, clientName, key)
}

// SystemName returns the fleet the identity belongs to.
func (id *Identity) SystemName() string { return id.systemName }

// ClientName returns the member name within the system.
func (id *Identity) ClientName() string { return id.clientName }

// Curve returns the key curve.
func (id *Identity) Curve() crypto.Curve { return id.curve }

// PrivateKey returns the signing and key-agreement private key.
func (id *Identity) PrivateKey() *ecdsa.PrivateKey { return id.key }

// PublicKey returns the public half of the keypair.
func (id *Identity) PublicKey() *ecdsa.PublicKey { return &id.key.PublicKey }

// QualifiedName returns "system:client".
func (id *Identity) QualifiedName() string {
	return id.systemName + ":" + id.clientName
}

// Hash returns the identity hash, computing it on first use.
func (id *Identity) Hash() string {
	id.hashOnce.Do(func() {
		id.hash, id.hashErr = ComputeHash(id.systemName, id.clientName, &id.key.PublicKey)
	})
	return id.hash
}

// String returns a short description for logs.
func (id *Identity) String() string {
	return fmt.Sprintf("%s (%s)", id.QualifiedName(), ShortHash(id.Hash()))
}

// ComputeHash hashes UTF-8("system:client") followed by the fixed-width X
// and Y coordinates of the public key, rendered as dash-grouped hex.
func ComputeHash(systemName, clientName string, pub *ecdsa.PublicKey) (string, error) {
	x, y, err := crypto.PointBytes(pub)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(systemName + ":" + clientName))
	h.Write(x)
	h.Write(y)

	return FormatHash(h.Sum(nil)), nil
}

// FormatHash renders digest bytes as upper-case hex pairs joined by dashes.
func FormatHash(sum []byte) string {
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = strings.ToUpper(hex.EncodeToString([]byte{b}))
	}
	return strings.Join(parts, "-")
}

// IsValidHash reports whether s has the shape of a rendered identity hash.
func IsValidHash(s string) bool {
	if len(s) != HashLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if i%3 == 2 {
			if c != '-' {
				return false
			}
			continue
		}
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

// ShortHash returns the first four byte groups of a hash for log output.
func ShortHash(hash string) string {
	if len(hash) < 11 {
		return hash
	}
	return hash[:11]
}
