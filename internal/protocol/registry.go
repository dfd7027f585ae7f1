package protocol

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// ErrUnknownMessageType is returned when decoding a type with no factory.
var ErrUnknownMessageType = errors.New("unknown message type")

// wireMessage is the CBOR form of an inner message.
type wireMessage struct {
	Type MessageType     `cbor:"1,keyasint"`
	Body cbor.RawMessage `cbor:"2,keyasint"`
}

// Registry maps message types to the structs they decode into.
type Registry struct {
	mu        sync.RWMutex
	factories map[MessageType]func() Message
}

// NewRegistry returns a registry with the control and built-in
// application messages installed.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[MessageType]func() Message)}
	for _, f := range []func() Message{
		func() Message { return &ClientAnnounce{} },
		func() Message { return &ClientAnnounceResponse{} },
		func() Message { return &Heartbeat{} },
		func() Message { return &ClientReannounceRequest{} },
		func() Message { return &ClientDisconnect{} },
		func() Message { return &SharedKeyUpdate{} },
		func() Message { return &Text{} },
		func() Message { return &Binary{} },
	} {
		r.factories[f().Type()] = f
	}
	return r
}

// Register adds an application message type. factory must return a new
// pointer each call.
func (r *Registry) Register(factory func() Message) error {
	t := factory().Type()
	if t < FirstApplicationType {
		return fmt.Errorf("message type 0x%04X is reserved", uint16(t))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[t]; ok {
		return fmt.Errorf("message type %s already registered", t)
	}
	r.factories[t] = factory
	return nil
}

// Marshal encodes m with its type tag.
func (r *Registry) Marshal(m Message) ([]byte, error) {
	t := m.Type()

	r.mu.RLock()
	_, ok := r.factories[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, t)
	}

	body, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	return cbor.Marshal(&wireMessage{Type: t, Body: body})
}

// Unmarshal decodes a message produced by Marshal.
func (r *Registry) Unmarshal(b []byte) (Message, error) {
	var w wireMessage
	if err := cbor.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	r.mu.RLock()
	factory, ok := r.factories[w.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: 0x%04X", ErrUnknownMessageType, uint16(w.Type))
	}

	m := factory()
	if err := cbor.Unmarshal(w.Body, m); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrMalformedEnvelope, w.Type, err)
	}
	return m, nil
}
