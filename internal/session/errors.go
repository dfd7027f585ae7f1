package session

import (
	"errors"
	"fmt"

	"github.com/postalsys/fleetbus/internal/identity"
)

var (
	// ErrConnectionTimeout is returned when an announce gets no answer in time.
	ErrConnectionTimeout = errors.New("connection timeout")

	// ErrNotConnected is returned by sends before the session is connected.
	ErrNotConnected = errors.New("session not connected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")

	// ErrNoRoute is returned when a recipient has no known queue.
	ErrNoRoute = errors.New("no route to recipient")

	// ErrNoReplyTo is returned by Reply for envelopes that did not ask for one.
	ErrNoReplyTo = errors.New("envelope has no reply address")
)

// AnnounceRejectedError is returned by Connect when the server rejects
// the announce.
type AnnounceRejectedError struct {
	Reason string
}

func (e *AnnounceRejectedError) Error() string {
	if e.Reason == "" {
		return "announce rejected"
	}
	return "announce rejected: " + e.Reason
}

// AsyncError is a failure detected on a background path: a consumer
// callback, a heartbeat timer or a reconnect attempt.
type AsyncError struct {
	Op   string
	Peer string
	Err  error
}

func (e *AsyncError) Error() string {
	if e.Peer == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, identity.ShortHash(e.Peer), e.Err)
}

func (e *AsyncError) Unwrap() error {
	return e.Err
}
