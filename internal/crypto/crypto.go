// Package crypto provides the cryptographic primitives used by fleetbus:
// ECDSA signatures over NIST curves, ECDH-derived symmetric keys and
// AES-256-CBC payload encryption.
//
// All randomness flows through a Service so sessions can inject a
// deterministic reader in tests instead of sharing a process-wide source.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the size of derived and shared symmetric keys (AES-256).
	KeySize = 32

	// IVSize is the size of the CBC initialization vector.
	IVSize = aes.BlockSize

	// BlockSize is the cipher block size used for padding.
	BlockSize = aes.BlockSize
)

var (
	// ErrInvalidKeySize is returned when a symmetric key is not KeySize bytes.
	ErrInvalidKeySize = errors.New("invalid symmetric key size")

	// ErrInvalidIV is returned when an IV is not IVSize bytes.
	ErrInvalidIV = errors.New("invalid initialization vector")

	// ErrInvalidPadding is returned when decrypted data has malformed PKCS#7 padding.
	ErrInvalidPadding = errors.New("invalid padding")

	// ErrInvalidCiphertext is returned when ciphertext is not a whole number of blocks.
	ErrInvalidCiphertext = errors.New("invalid ciphertext length")

	// ErrCurveMismatch is returned when key agreement is attempted across curves.
	ErrCurveMismatch = errors.New("key agreement curve mismatch")
)

// Service performs signing, key agreement and symmetric encryption.
// It is safe for concurrent use as long as its random source is.
type Service struct {
	rand io.Reader
}

// NewService creates a crypto service reading randomness from r.
// A nil reader selects crypto/rand.
func NewService(r io.Reader) *Service {
	if r == nil {
		r = rand.Reader
	}
	return &Service{rand: r}
}

// Rand returns the service's random source.
func (s *Service) Rand() io.Reader {
	return s.rand
}

// RandomBytes returns n random bytes.
func (s *Service) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(s.rand, b); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return b, nil
}

// NewSymmetricKey generates a fresh random symmetric key.
func (s *Service) NewSymmetricKey() ([]byte, error) {
	return s.RandomBytes(KeySize)
}

// DeriveSymmetricKey computes ECDH between self and peer and returns the
// SHA-256 digest of the shared secret. Both parties derive the same key.
func (s *Service) DeriveSymmetricKey(self *ecdsa.PrivateKey, peer *ecdsa.PublicKey) ([]byte, error) {
	if self == nil || peer == nil {
		return nil, fmt.Errorf("derive symmetric key: missing key")
	}
	if self.Curve != peer.Curve {
		return nil, ErrCurveMismatch
	}

	priv, err := self.ECDH()
	if err != nil {
		return nil, fmt.Errorf("convert private key: %w", err)
	}
	pub, err := peer.ECDH()
	if err != nil {
		return nil, fmt.Errorf("convert peer public key: %w", err)
	}

	secret, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("compute ECDH: %w", err)
	}
	defer ZeroBytes(secret)

	key := sha256.Sum256(secret)
	return key[:], nil
}

// Encrypt encrypts plaintext with AES-256-CBC under key using a fresh random IV.
// The plaintext is PKCS#7 padded, so the ciphertext is always at least one block.
func (s *Service) Encrypt(plaintext, key []byte) (ciphertext, iv []byte, err error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, nil, err
	}

	iv, err = s.RandomBytes(IVSize)
	if err != nil {
		return nil, nil, fmt.Errorf("generate iv: %w", err)
	}

	padded := pad(plaintext)
	ciphertext = make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	ZeroBytes(padded)

	return ciphertext, iv, nil
}

// Decrypt reverses Encrypt.
func (s *Service) Decrypt(ciphertext, key, iv []byte) ([]byte, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidIV, len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%BlockSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidCiphertext, len(ciphertext))
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return unpad(plaintext)
}

func newBlock(key []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeySize, len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return block, nil
}

func pad(b []byte) []byte {
	n := BlockSize - len(b)%BlockSize
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrInvalidPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > BlockSize || n > len(b) {
		return nil, ErrInvalidPadding
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrInvalidPadding
		}
	}
	return b[:len(b)-n], nil
}

// ZeroBytes zeroes out a byte slice so key material does not linger in memory.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
