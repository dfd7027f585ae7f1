package protocol

import (
	"time"

	"github.com/postalsys/fleetbus/internal/crypto"
)

// Message is implemented by everything an envelope can carry. Decoded
// messages are always pointers to the registered struct.
type Message interface {
	Type() MessageType
}

// AnnounceStatus is the server's verdict on an announce.
type AnnounceStatus uint8

const (
	AnnounceAccepted AnnounceStatus = 1
	AnnounceRejected AnnounceStatus = 2
)

// String returns the status name.
func (s AnnounceStatus) String() string {
	switch s {
	case AnnounceAccepted:
		return "accepted"
	case AnnounceRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ClientAnnounce registers a client with the server. It carries the
// key-agreement point so the server can check it against provisioning.
type ClientAnnounce struct {
	SystemName        string        `cbor:"1,keyasint"`
	ClientName        string        `cbor:"2,keyasint"`
	Curve             crypto.Curve  `cbor:"3,keyasint"`
	X                 []byte        `cbor:"4,keyasint"`
	Y                 []byte        `cbor:"5,keyasint"`
	HeartbeatInterval time.Duration `cbor:"6,keyasint"`
}

func (*ClientAnnounce) Type() MessageType { return TypeClientAnnounce }

// ClientAnnounceResponse answers a ClientAnnounce. Accepted responses
// are encrypted to the client and carry the current shared key.
type ClientAnnounceResponse struct {
	Status                  AnnounceStatus `cbor:"1,keyasint"`
	Reason                  string         `cbor:"2,keyasint,omitempty"`
	SharedKeyID             uint16         `cbor:"3,keyasint"`
	SharedKey               []byte         `cbor:"4,keyasint,omitempty"`
	ServerHeartbeatInterval time.Duration  `cbor:"5,keyasint"`

	// ServerEpoch changes every time the server process starts. Shared
	// key ids restart from 0 with a new epoch.
	ServerEpoch string `cbor:"6,keyasint,omitempty"`
}

func (*ClientAnnounceResponse) Type() MessageType { return TypeClientAnnounceResponse }

// Heartbeat signals liveness.
type Heartbeat struct {
	Sequence uint64 `cbor:"1,keyasint"`
}

func (*Heartbeat) Type() MessageType { return TypeHeartbeat }

// ClientReannounceRequest asks every client to run the announce flow again.
type ClientReannounceRequest struct {
	Reason string `cbor:"1,keyasint,omitempty"`
}

func (*ClientReannounceRequest) Type() MessageType { return TypeClientReannounceRequest }

// ClientDisconnect tells the server a client is leaving.
type ClientDisconnect struct {
	Reason string `cbor:"1,keyasint,omitempty"`
}

func (*ClientDisconnect) Type() MessageType { return TypeClientDisconnect }

// SharedKeyUpdate distributes a newly rotated shared key.
type SharedKeyUpdate struct {
	ID          uint16 `cbor:"1,keyasint"`
	Key         []byte `cbor:"2,keyasint"`
	ServerEpoch string `cbor:"3,keyasint,omitempty"`
}

func (*SharedKeyUpdate) Type() MessageType { return TypeSharedKeyUpdate }

// Text is a UTF-8 application message.
type Text struct {
	Text string `cbor:"1,keyasint"`
}

func (*Text) Type() MessageType { return TypeText }

// Binary is an opaque application message.
type Binary struct {
	Data []byte `cbor:"1,keyasint"`
}

func (*Binary) Type() MessageType { return TypeBinary }
