package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// BoxKeySize is the size of X25519 keys used by sealed boxes.
	BoxKeySize = 32

	// BoxNonceSize is the size of ChaCha20-Poly1305 nonces.
	BoxNonceSize = chacha20poly1305.NonceSize

	// BoxTagSize is the size of Poly1305 authentication tags.
	BoxTagSize = 16

	// SealedBoxOverhead is the total overhead added to each sealed message:
	// ephemeral public key (32) + nonce (12) + auth tag (16) = 60 bytes
	SealedBoxOverhead = BoxKeySize + BoxNonceSize + BoxTagSize

	sealedBoxInfo = "fleetbus-sealed-v1"

	hostKeyFileName = "host.key"
)

var (
	// ErrNoPrivateKey is returned when opening a sealed box without the private key.
	ErrNoPrivateKey = errors.New("host private key not available")

	// ErrSealedTooShort is returned when a sealed message is shorter than the overhead.
	ErrSealedTooShort = errors.New("sealed box ciphertext too short")

	// ErrDecryptionFailed is returned when authentication fails.
	ErrDecryptionFailed = errors.New("sealed box decryption failed")
)

// SealedBox encrypts data to a long-lived X25519 key. It backs the
// platform-protected private key mode: identity scalars are sealed to a host
// key that never leaves the machine's data directory.
type SealedBox struct {
	publicKey  [BoxKeySize]byte
	privateKey [BoxKeySize]byte
	hasPrivate bool
	rand       io.Reader
}

// NewSealedBox creates an encrypt-only sealed box.
func NewSealedBox(publicKey [BoxKeySize]byte) *SealedBox {
	return &SealedBox{publicKey: publicKey, rand: rand.Reader}
}

// NewSealedBoxWithPrivate creates a sealed box that can both seal and open.
func NewSealedBoxWithPrivate(publicKey, privateKey [BoxKeySize]byte) *SealedBox {
	return &SealedBox{
		publicKey:  publicKey,
		privateKey: privateKey,
		hasPrivate: true,
		rand:       rand.Reader,
	}
}

// WithRand replaces the random source used for ephemeral keys and nonces.
func (s *SealedBox) WithRand(r io.Reader) *SealedBox {
	if r != nil {
		s.rand = r
	}
	return s
}

// CanOpen reports whether this box holds the private key.
func (s *SealedBox) CanOpen() bool {
	return s.hasPrivate
}

// PublicKey returns the recipient public key.
func (s *SealedBox) PublicKey() [BoxKeySize]byte {
	return s.publicKey
}

// Seal encrypts plaintext for the box's public key. Output format:
//
//	ephemeral_public_key (32) || nonce (12) || ciphertext || tag (16)
func (s *SealedBox) Seal(plaintext []byte) ([]byte, error) {
	ephPriv, ephPub, err := generateBoxKeypair(s.rand)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	defer zeroBoxKey(&ephPriv)

	key, err := s.boxKey(ephPriv, s.publicKey, ephPub)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(key)

	var nonce [BoxNonceSize]byte
	if _, err := io.ReadFull(s.rand, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	out := make([]byte, BoxKeySize+BoxNonceSize, SealedBoxOverhead+len(plaintext))
	copy(out, ephPub[:])
	copy(out[BoxKeySize:], nonce[:])
	return aead.Seal(out, nonce[:], plaintext, nil), nil
}

// Open decrypts a message produced by Seal.
func (s *SealedBox) Open(sealed []byte) ([]byte, error) {
	if !s.hasPrivate {
		return nil, ErrNoPrivateKey
	}
	if len(sealed) < SealedBoxOverhead {
		return nil, ErrSealedTooShort
	}

	var ephPub [BoxKeySize]byte
	copy(ephPub[:], sealed[:BoxKeySize])
	nonce := sealed[BoxKeySize : BoxKeySize+BoxNonceSize]

	key, err := s.boxKey(s.privateKey, ephPub, ephPub)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, sealed[BoxKeySize+BoxNonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// boxKey runs X25519 between priv and peer and expands the secret with HKDF,
// salted by ephemeral||recipient public keys.
func (s *SealedBox) boxKey(priv, peer, ephPub [BoxKeySize]byte) ([]byte, error) {
	secret, err := curve25519.X25519(priv[:], peer[:])
	if err != nil {
		return nil, fmt.Errorf("compute X25519: %w", err)
	}
	defer ZeroBytes(secret)

	salt := make([]byte, 0, 2*BoxKeySize)
	salt = append(salt, ephPub[:]...)
	salt = append(salt, s.publicKey[:]...)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(sealedBoxInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Zero clears the private key from memory.
func (s *SealedBox) Zero() {
	zeroBoxKey(&s.privateKey)
	s.hasPrivate = false
}

func generateBoxKeypair(r io.Reader) (priv, pub [BoxKeySize]byte, err error) {
	if _, err = io.ReadFull(r, priv[:]); err != nil {
		return priv, pub, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	curve25519.ScalarBaseMult(&pub, &priv)
	return priv, pub, nil
}

func zeroBoxKey(k *[BoxKeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}

// LoadOrCreateHostKey returns a sealed box bound to the host key stored in
// dataDir, generating and persisting a new key if none exists.
func LoadOrCreateHostKey(dataDir string) (*SealedBox, bool, error) {
	path := filepath.Join(dataDir, hostKeyFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(raw) != BoxKeySize {
			return nil, false, fmt.Errorf("malformed host key %s", path)
		}
		var priv, pub [BoxKeySize]byte
		copy(priv[:], raw)
		curve25519.ScalarBaseMult(&pub, &priv)
		return NewSealedBoxWithPrivate(pub, priv), false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("read host key: %w", err)
	}

	priv, pub, err := generateBoxKeypair(rand.Reader)
	if err != nil {
		return nil, false, fmt.Errorf("generate host key: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, false, fmt.Errorf("create data directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(base64.StdEncoding.EncodeToString(priv[:])+"\n"), 0600); err != nil {
		return nil, false, fmt.Errorf("write host key: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, false, fmt.Errorf("persist host key: %w", err)
	}

	return NewSealedBoxWithPrivate(pub, priv), true, nil
}
