package identity

import (
	"crypto/cipher"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/postalsys/fleetbus/internal/crypto"
)

// Protection selects how the private scalar is stored in a Document.
type Protection string

const (
	// ProtectionNone stores the scalar in the clear.
	ProtectionNone Protection = "none"

	// ProtectionPassword encrypts the scalar with an Argon2id-derived key.
	ProtectionPassword Protection = "password"

	// ProtectionPlatform seals the scalar to the host key in the data directory.
	ProtectionPlatform Protection = "platform"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	saltSize     = 16
)

var (
	// ErrPasswordRequired is returned when a password-protected document is
	// opened without a password.
	ErrPasswordRequired = errors.New("password required")

	// ErrHostKeyRequired is returned when a platform-protected document is
	// opened without the host key.
	ErrHostKeyRequired = errors.New("host key required")

	// ErrNoPrivateKey is returned when a public-only document is opened as an identity.
	ErrNoPrivateKey = errors.New("document has no private key")

	// ErrWrongPassword is returned when the private scalar fails to decrypt.
	ErrWrongPassword = errors.New("private key decryption failed")
)

// Document is the persisted form of an identity. Public documents omit D
// and are what servers provision; private documents carry D in one of
// the Protection encodings.
type Document struct {
	SystemName string       `json:"systemName"`
	ClientName string       `json:"clientName"`
	Curve      crypto.Curve `json:"curve"`
	X          []byte       `json:"x"`
	Y          []byte       `json:"y"`
	D          []byte       `json:"d,omitempty"`
	Protection Protection   `json:"protection,omitempty"`
	Salt       []byte       `json:"salt,omitempty"`
	Nonce      []byte       `json:"nonce,omitempty"`
	Hash       string       `json:"hash"`
}

// ExportOptions controls private key export.
type ExportOptions struct {
	Protection Protection
	Password   []byte
	HostKey    *crypto.SealedBox
	Rand       io.Reader
}

// ImportOptions supplies the secrets needed to open a private document.
type ImportOptions struct {
	Password []byte
	HostKey  *crypto.SealedBox
}

// PublicDocument returns the shareable document for id.
func (id *Identity) PublicDocument() *Document {
	x, y, _ := crypto.PointBytes(id.PublicKey())
	return &Document{
		SystemName: id.systemName,
		ClientName: id.clientName,
		Curve:      id.curve,
		X:          x,
		Y:          y,
		Hash:       id.Hash(),
	}
}

// Export returns a document including the private scalar protected as
// requested. Exporting private material is always explicit.
func (id *Identity) Export(opts ExportOptions) (*Document, error) {
	doc := id.PublicDocument()
	d := id.key.D.FillBytes(make([]byte, id.curve.CoordinateSize()))
	defer crypto.ZeroBytes(d)

	svc := crypto.NewService(opts.Rand)

	switch opts.Protection {
	case ProtectionNone, "":
		doc.Protection = ProtectionNone
		doc.D = append([]byte(nil), d...)

	case ProtectionPassword:
		if len(opts.Password) == 0 {
			return nil, ErrPasswordRequired
		}
		salt, err := svc.RandomBytes(saltSize)
		if err != nil {
			return nil, err
		}
		nonce, err := svc.RandomBytes(chacha20poly1305.NonceSize)
		if err != nil {
			return nil, err
		}
		aead, err := passwordAEAD(opts.Password, salt)
		if err != nil {
			return nil, err
		}
		doc.Protection = ProtectionPassword
		doc.Salt = salt
		doc.Nonce = nonce
		doc.D = aead.Seal(nil, nonce, d, []byte(doc.Hash))

	case ProtectionPlatform:
		if opts.HostKey == nil {
			return nil, ErrHostKeyRequired
		}
		sealed, err := opts.HostKey.Seal(d)
		if err != nil {
			return nil, fmt.Errorf("seal private key: %w", err)
		}
		doc.Protection = ProtectionPlatform
		doc.D = sealed

	default:
		return nil, fmt.Errorf("unknown protection mode %q", opts.Protection)
	}

	return doc, nil
}

// HasPrivateKey reports whether the document carries a private scalar.
func (d *Document) HasPrivateKey() bool {
	return len(d.D) > 0
}

// PublicKey rebuilds and validates the document's public key, checking
// that the stored hash matches the names and point.
func (d *Document) PublicKey() (*ecdsa.PublicKey, error) {
	if err := ValidateName(d.SystemName); err != nil {
		return nil, fmt.Errorf("system name: %w", err)
	}
	if err := ValidateName(d.ClientName); err != nil {
		return nil, fmt.Errorf("client name: %w", err)
	}
	pub, err := crypto.PublicKeyFromPoint(d.Curve, d.X, d.Y)
	if err != nil {
		return nil, err
	}
	hash, err := ComputeHash(d.SystemName, d.ClientName, pub)
	if err != nil {
		return nil, err
	}
	if d.Hash != "" && d.Hash != hash {
		return nil, fmt.Errorf("%w: document says %s, computed %s", ErrHashMismatch, ShortHash(d.Hash), ShortHash(hash))
	}
	return pub, nil
}

// Identity opens the private scalar and returns the full identity.
func (d *Document) Identity(opts ImportOptions) (*Identity, error) {
	pub, err := d.PublicKey()
	if err != nil {
		return nil, err
	}
	if !d.HasPrivateKey() {
		return nil, ErrNoPrivateKey
	}

	var scalar []byte
	switch d.Protection {
	case ProtectionNone, "":
		scalar = append([]byte(nil), d.D...)

	case ProtectionPassword:
		if len(opts.Password) == 0 {
			return nil, ErrPasswordRequired
		}
		aead, err := passwordAEAD(opts.Password, d.Salt)
		if err != nil {
			return nil, err
		}
		if len(d.Nonce) != aead.NonceSize() {
			return nil, fmt.Errorf("invalid nonce length %d", len(d.Nonce))
		}
		scalar, err = aead.Open(nil, d.Nonce, d.D, []byte(d.Hash))
		if err != nil {
			return nil, ErrWrongPassword
		}

	case ProtectionPlatform:
		if opts.HostKey == nil {
			return nil, ErrHostKeyRequired
		}
		scalar, err = opts.HostKey.Open(d.D)
		if err != nil {
			return nil, fmt.Errorf("open private key: %w", err)
		}

	default:
		return nil, fmt.Errorf("unknown protection mode %q", d.Protection)
	}
	defer crypto.ZeroBytes(scalar)

	key, err := crypto.PrivateKeyFromScalar(d.Curve, scalar)
	if err != nil {
		return nil, err
	}
	if !key.PublicKey.Equal(pub) {
		return nil, fmt.Errorf("private key does not match public point")
	}

	return New(d.SystemName, d.ClientName, key)
}

func passwordAEAD(password, salt []byte) (cipher.AEAD, error) {
	if len(salt) != saltSize {
		return nil, fmt.Errorf("invalid salt length %d", len(salt))
	}
	key := argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
	defer crypto.ZeroBytes(key)
	return chacha20poly1305.New(key)
}

// SaveDocument writes doc as indented JSON, atomically replacing path.
func SaveDocument(path string, doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode identity document: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create identity directory: %w", err)
	}

	mode := os.FileMode(0644)
	if doc.HasPrivateKey() {
		mode = 0600
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), mode); err != nil {
		return fmt.Errorf("write identity document: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("persist identity document: %w", err)
	}
	return nil
}

// LoadDocument reads a document written by SaveDocument.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("identity document not found at %s", path)
		}
		return nil, fmt.Errorf("read identity document: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse identity document %s: %w", path, err)
	}
	return &doc, nil
}

// Exists reports whether an identity document exists at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Files names the documents Create writes.
type Files struct {
	Private string
	Public  string
}

// PublicPath returns the path of the public document that accompanies
// the private document at path.
func PublicPath(path string) string {
	ext := filepath.Ext(path)
	return path[:len(path)-len(ext)] + ".pub" + ext
}

// Create writes id to path, protected as requested, and its public
// document next to it. Platform protection seals to the host key in
// dataDir, creating it when needed.
func Create(id *Identity, path, dataDir string, opts ExportOptions) (Files, error) {
	if opts.Protection == ProtectionPlatform && opts.HostKey == nil {
		host, _, err := crypto.LoadOrCreateHostKey(dataDir)
		if err != nil {
			return Files{}, err
		}
		defer host.Zero()
		opts.HostKey = host
	}

	doc, err := id.Export(opts)
	if err != nil {
		return Files{}, err
	}
	files := Files{Private: path, Public: PublicPath(path)}
	if err := SaveDocument(files.Private, doc); err != nil {
		return Files{}, err
	}
	if err := SaveDocument(files.Public, id.PublicDocument()); err != nil {
		return Files{}, err
	}
	return files, nil
}

// Open loads the private identity at path. The host key in dataDir is
// only read for platform-protected documents.
func Open(path string, password []byte, dataDir string) (*Identity, error) {
	doc, err := LoadDocument(path)
	if err != nil {
		return nil, err
	}

	opts := ImportOptions{Password: password}
	if doc.Protection == ProtectionPlatform {
		host, _, err := crypto.LoadOrCreateHostKey(dataDir)
		if err != nil {
			return nil, err
		}
		defer host.Zero()
		opts.HostKey = host
	}
	return doc.Identity(opts)
}
