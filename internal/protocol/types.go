// Package protocol defines the fleetbus envelope wire format and the
// messages carried inside it.
package protocol

import (
	"fmt"
	"strings"
	"time"
)

// MessageType identifies the inner message of an envelope.
type MessageType uint16

// Message type constants
const (
	// Session control messages
	TypeClientAnnounce          MessageType = 0x01 // Client registers with the server
	TypeClientAnnounceResponse  MessageType = 0x02 // Server accepts or rejects an announce
	TypeHeartbeat               MessageType = 0x03 // Liveness signal
	TypeClientReannounceRequest MessageType = 0x04 // Server asks every client to announce again
	TypeClientDisconnect        MessageType = 0x05 // Client leaves gracefully
	TypeSharedKeyUpdate         MessageType = 0x06 // Server distributes a rotated shared key

	// Built-in application messages
	TypeText   MessageType = 0x20
	TypeBinary MessageType = 0x21

	// FirstApplicationType is the lowest id Register accepts.
	FirstApplicationType MessageType = 0x100
)

// String returns the message type name.
func (t MessageType) String() string {
	switch t {
	case TypeClientAnnounce:
		return "CLIENT_ANNOUNCE"
	case TypeClientAnnounceResponse:
		return "CLIENT_ANNOUNCE_RESPONSE"
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypeClientReannounceRequest:
		return "CLIENT_REANNOUNCE_REQUEST"
	case TypeClientDisconnect:
		return "CLIENT_DISCONNECT"
	case TypeSharedKeyUpdate:
		return "SHARED_KEY_UPDATE"
	case TypeText:
		return "TEXT"
	case TypeBinary:
		return "BINARY"
	default:
		if t >= FirstApplicationType {
			return fmt.Sprintf("APP_0x%04X", uint16(t))
		}
		return "UNKNOWN"
	}
}

// IsControl reports whether t is handled by the session layer.
func (t MessageType) IsControl() bool {
	return t >= TypeClientAnnounce && t <= TypeSharedKeyUpdate
}

// Flags is the 32-bit flag word at the start of every envelope.
type Flags uint32

// Envelope flags
const (
	FlagRPCRequest  Flags = 1 << 0 // Sender waits for a correlated reply
	FlagRPCResponse Flags = 1 << 1 // Reply to an RPC request
	FlagBroadcast   Flags = 1 << 2 // Published to every subscriber
)

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// String lists the set flags.
func (f Flags) String() string {
	var parts []string
	if f.Has(FlagRPCRequest) {
		parts = append(parts, "RPC_REQUEST")
	}
	if f.Has(FlagRPCResponse) {
		parts = append(parts, "RPC_RESPONSE")
	}
	if f.Has(FlagBroadcast) {
		parts = append(parts, "BROADCAST")
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// EncryptionMode selects how the payload is protected.
type EncryptionMode uint8

// Encryption modes. The mode occupies three bits on the wire.
const (
	ModeNone       EncryptionMode = 0 // Plain payload, still signed
	ModePrivateKey EncryptionMode = 1 // Key derived between sender and recipient
	ModeSharedKey  EncryptionMode = 2 // System-wide shared key named by id
)

// String returns the mode name.
func (m EncryptionMode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModePrivateKey:
		return "private"
	case ModeSharedKey:
		return "shared"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseEncryptionMode accepts the String forms.
func ParseEncryptionMode(s string) (EncryptionMode, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return ModeNone, nil
	case "private", "private_key", "privatekey":
		return ModePrivateKey, nil
	case "shared", "shared_key", "sharedkey":
		return ModeSharedKey, nil
	default:
		return 0, fmt.Errorf("unknown encryption mode %q", s)
	}
}

// SignatureStatus records the outcome of envelope verification.
type SignatureStatus uint8

const (
	SignatureUnverified SignatureStatus = iota
	SignatureValid
	SignatureInvalid
)

// String returns the status name.
func (s SignatureStatus) String() string {
	switch s {
	case SignatureValid:
		return "valid"
	case SignatureInvalid:
		return "invalid"
	default:
		return "unverified"
	}
}

// Wire layout constants
const (
	// HeaderSize is flags, packed lengths and timestamp.
	HeaderSize = 16

	// Packed length field widths.
	sigLenBits    = 8
	ivLenBits     = 5
	modeBits      = 3
	hashLenBits   = 7
	sharedIDBits  = 9
	sigLenShift   = 0
	ivLenShift    = sigLenShift + sigLenBits
	modeShift     = ivLenShift + ivLenBits
	hashLenShift  = modeShift + modeBits
	sharedIDShift = hashLenShift + hashLenBits

	MaxSignatureLen  = 1<<sigLenBits - 1
	MaxIVLen         = 1<<ivLenBits - 1
	MaxSenderHashLen = 1<<hashLenBits - 1
	MaxSharedKeyID   = 1<<sharedIDBits - 1

	// MaxEnvelopeSize bounds a serialized envelope.
	MaxEnvelopeSize = 16 * 1024 * 1024
)

// ticksEpochOffset is the number of 100ns ticks between 0001-01-01 and
// the Unix epoch.
const ticksEpochOffset int64 = 621355968000000000

// TimeToTicks converts t to 100ns ticks since 0001-01-01 UTC.
func TimeToTicks(t time.Time) int64 {
	return t.UnixNano()/100 + ticksEpochOffset
}

// TicksToTime reverses TimeToTicks.
func TicksToTime(ticks int64) time.Time {
	return time.Unix(0, (ticks-ticksEpochOffset)*100).UTC()
}
