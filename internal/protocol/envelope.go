package protocol

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/postalsys/fleetbus/internal/crypto"
	"github.com/postalsys/fleetbus/internal/identity"
	"github.com/postalsys/fleetbus/internal/keystore"
	"github.com/postalsys/fleetbus/internal/tag"
)

var (
	// ErrMalformedEnvelope is returned for structurally invalid envelopes.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrSignatureInvalid is returned when verification fails. Envelopes
	// that fail it are never handed to application code.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrUnknownIdentity is returned, together with ErrSignatureInvalid,
	// when the claimed sender is not in the keystore.
	ErrUnknownIdentity = keystore.ErrUnknownIdentity

	// ErrNoSharedKey is returned when the shared key id is not held.
	ErrNoSharedKey = keystore.ErrNoSharedKey

	// ErrDecryptFailed is returned when a verified payload does not decrypt.
	ErrDecryptFailed = errors.New("payload decryption failed")
)

// Envelope is a received message with its routing and crypto metadata.
// Recipient and Tags are filled in by the session from the delivery.
type Envelope struct {
	Flags           Flags
	Sender          string
	Recipient       string
	Timestamp       time.Time
	Mode            EncryptionMode
	SharedKeyID     uint16
	IV              []byte
	Signature       []byte
	Message         Message
	SignatureStatus SignatureStatus
	CorrelationID   string
	ReplyTo         string
	Tags            []tag.Tag
}

// KeyResolver is the read-only keystore view the codec needs.
type KeyResolver interface {
	VerificationKey(hash string) (*ecdsa.PublicKey, error)
	SymmetricKeyFor(hash string) ([]byte, error)
}

// SharedKeyring is the read-only shared key view the codec needs.
type SharedKeyring interface {
	Current() (keystore.SharedKey, error)
	Get(id uint16) ([]byte, error)
}

// Codec serializes and verifies envelopes for one local identity.
type Codec struct {
	self     *identity.Identity
	keys     KeyResolver
	shared   SharedKeyring
	svc      *crypto.Service
	registry *Registry
	now      func() time.Time
}

// NewCodec creates a codec. A nil registry uses NewRegistry.
func NewCodec(self *identity.Identity, keys KeyResolver, shared SharedKeyring, svc *crypto.Service, registry *Registry) *Codec {
	if svc == nil {
		svc = crypto.NewService(nil)
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Codec{
		self:     self,
		keys:     keys,
		shared:   shared,
		svc:      svc,
		registry: registry,
		now:      time.Now,
	}
}

// Registry returns the message registry the codec decodes with.
func (c *Codec) Registry() *Registry {
	return c.registry
}

// Serialize encodes msg, encrypts it per mode and signs the result.
// recipient is required for ModePrivateKey and ignored otherwise.
func (c *Codec) Serialize(msg Message, recipient string, mode EncryptionMode, flags Flags) ([]byte, error) {
	body, err := c.registry.Marshal(msg)
	if err != nil {
		return nil, err
	}

	var (
		payload  = body
		iv       []byte
		sharedID uint16
	)

	switch mode {
	case ModeNone:
	case ModePrivateKey:
		if recipient == "" {
			return nil, fmt.Errorf("private key encryption needs a recipient")
		}
		key, err := c.keys.SymmetricKeyFor(recipient)
		if err != nil {
			return nil, err
		}
		payload, iv, err = c.svc.Encrypt(body, key)
		if err != nil {
			return nil, err
		}
	case ModeSharedKey:
		if c.shared == nil {
			return nil, ErrNoSharedKey
		}
		sk, err := c.shared.Current()
		if err != nil {
			return nil, err
		}
		sharedID = sk.ID
		payload, iv, err = c.svc.Encrypt(body, sk.Key)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported encryption mode %s", mode)
	}

	sender := c.self.Hash()
	sigLen := c.self.Curve().SignatureSize()
	if len(sender) > MaxSenderHashLen {
		return nil, fmt.Errorf("sender hash too long: %d", len(sender))
	}
	if sharedID > MaxSharedKeyID {
		return nil, fmt.Errorf("shared key id %d exceeds %d", sharedID, MaxSharedKeyID)
	}

	size := HeaderSize + len(sender) + len(iv) + len(payload) + sigLen
	if size > MaxEnvelopeSize {
		return nil, fmt.Errorf("envelope size %d exceeds %d", size, MaxEnvelopeSize)
	}

	buf := make([]byte, HeaderSize, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(flags))
	binary.LittleEndian.PutUint32(buf[4:8], packLengths(sigLen, len(iv), mode, len(sender), sharedID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(TimeToTicks(c.now())))
	buf = append(buf, sender...)
	buf = append(buf, iv...)
	buf = append(buf, payload...)

	sig, err := c.svc.Sign(c.self.PrivateKey(), buf)
	if err != nil {
		return nil, fmt.Errorf("sign envelope: %w", err)
	}
	if len(sig) != sigLen {
		return nil, fmt.Errorf("signature length %d, expected %d", len(sig), sigLen)
	}
	return append(buf, sig...), nil
}

// header is the decoded fixed part of an envelope.
type header struct {
	flags    Flags
	sigLen   int
	ivLen    int
	mode     EncryptionMode
	hashLen  int
	sharedID uint16
	ticks    int64
}

func packLengths(sigLen, ivLen int, mode EncryptionMode, hashLen int, sharedID uint16) uint32 {
	return uint32(sigLen)<<sigLenShift |
		uint32(ivLen)<<ivLenShift |
		uint32(mode)<<modeShift |
		uint32(hashLen)<<hashLenShift |
		uint32(sharedID)<<sharedIDShift
}

func decodeHeader(data []byte) (header, error) {
	if len(data) < HeaderSize {
		return header{}, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformedEnvelope, len(data))
	}
	if len(data) > MaxEnvelopeSize {
		return header{}, fmt.Errorf("%w: %d bytes exceeds maximum", ErrMalformedEnvelope, len(data))
	}

	packed := binary.LittleEndian.Uint32(data[4:8])
	h := header{
		flags:    Flags(binary.LittleEndian.Uint32(data[0:4])),
		sigLen:   int(packed >> sigLenShift & MaxSignatureLen),
		ivLen:    int(packed >> ivLenShift & MaxIVLen),
		mode:     EncryptionMode(packed >> modeShift & (1<<modeBits - 1)),
		hashLen:  int(packed >> hashLenShift & MaxSenderHashLen),
		sharedID: uint16(packed >> sharedIDShift & MaxSharedKeyID),
		ticks:    int64(binary.LittleEndian.Uint64(data[8:16])),
	}

	switch h.mode {
	case ModeNone:
		if h.ivLen != 0 {
			return header{}, fmt.Errorf("%w: iv present on unencrypted payload", ErrMalformedEnvelope)
		}
	case ModePrivateKey, ModeSharedKey:
		if h.ivLen != crypto.IVSize {
			return header{}, fmt.Errorf("%w: iv length %d", ErrMalformedEnvelope, h.ivLen)
		}
	default:
		return header{}, fmt.Errorf("%w: encryption mode %d", ErrMalformedEnvelope, h.mode)
	}
	if h.sigLen == 0 {
		return header{}, fmt.Errorf("%w: missing signature", ErrMalformedEnvelope)
	}
	if h.hashLen == 0 {
		return header{}, fmt.Errorf("%w: missing sender", ErrMalformedEnvelope)
	}
	if HeaderSize+h.hashLen+h.ivLen+h.sigLen > len(data) {
		return header{}, fmt.Errorf("%w: lengths exceed %d bytes", ErrMalformedEnvelope, len(data))
	}
	return h, nil
}

// PeekSender returns the claimed sender hash without verifying anything.
func PeekSender(data []byte) (string, error) {
	h, err := decodeHeader(data)
	if err != nil {
		return "", err
	}
	sender := string(data[HeaderSize : HeaderSize+h.hashLen])
	if !identity.IsValidHash(sender) {
		return "", fmt.Errorf("%w: sender hash", ErrMalformedEnvelope)
	}
	return sender, nil
}

// Deserialize verifies and decodes an envelope. On signature failure the
// returned envelope carries the unverified header fields with
// SignatureInvalid status and no message.
func (c *Codec) Deserialize(data []byte) (*Envelope, error) {
	h, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}

	off := HeaderSize
	sender := string(data[off : off+h.hashLen])
	off += h.hashLen

	var iv []byte
	if h.ivLen > 0 {
		iv = data[off : off+h.ivLen]
		off += h.ivLen
	}
	sigStart := len(data) - h.sigLen
	payload := data[off:sigStart]
	sig := data[sigStart:]

	env := &Envelope{
		Flags:       h.flags,
		Sender:      sender,
		Timestamp:   TicksToTime(h.ticks),
		Mode:        h.mode,
		SharedKeyID: h.sharedID,
		IV:          append([]byte(nil), iv...),
		Signature:   append([]byte(nil), sig...),
	}

	pub, err := c.keys.VerificationKey(sender)
	if err != nil {
		env.SignatureStatus = SignatureInvalid
		return env, fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	}
	if !c.svc.Verify(pub, data[:sigStart], sig) {
		env.SignatureStatus = SignatureInvalid
		return env, fmt.Errorf("%w: sender %s", ErrSignatureInvalid, identity.ShortHash(sender))
	}
	env.SignatureStatus = SignatureValid

	body := payload
	switch h.mode {
	case ModePrivateKey:
		key, err := c.keys.SymmetricKeyFor(sender)
		if err != nil {
			return env, err
		}
		if body, err = c.svc.Decrypt(payload, key, iv); err != nil {
			return env, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
		}
	case ModeSharedKey:
		if c.shared == nil {
			return env, ErrNoSharedKey
		}
		key, err := c.shared.Get(h.sharedID)
		if err != nil {
			return env, err
		}
		if body, err = c.svc.Decrypt(payload, key, iv); err != nil {
			return env, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
		}
	}

	msg, err := c.registry.Unmarshal(body)
	if err != nil {
		return env, err
	}
	env.Message = msg
	return env, nil
}
