package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/fleetbus/internal/broker"
	"github.com/postalsys/fleetbus/internal/crypto"
	"github.com/postalsys/fleetbus/internal/identity"
	"github.com/postalsys/fleetbus/internal/keystore"
	"github.com/postalsys/fleetbus/internal/logging"
	"github.com/postalsys/fleetbus/internal/protocol"
	"github.com/postalsys/fleetbus/internal/recovery"
	"github.com/postalsys/fleetbus/internal/rpc"
)

var (
	errAnnounceInProgress = errors.New("announce already in progress")
	errAnnounceCancelled  = errors.New("announce cancelled")
)

// Client announces to the server, keeps the shared key current and
// watches the server's heartbeats.
type Client struct {
	*Session

	server      *keystore.PeerRecord
	watchdog    *watchdog
	reconnector *Reconnector
	announcing  atomic.Bool
	seq         atomic.Uint64

	mu          sync.Mutex
	heartbeat   *pulse
	serverEpoch string
}

// NewClient creates a client session. cfg.Server is added to the
// keystore when it is not already there.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Server == nil {
		return nil, errors.New("session: server record is required")
	}
	if err := cfg.Keystore.Add(cfg.Server); err != nil {
		return nil, fmt.Errorf("session: add server: %w", err)
	}

	id := cfg.Identity
	c := &Client{
		Session: newSession(cfg, "client", cfg.Server.Hash, cfg.Server.SystemName,
			ClientQueue(id.SystemName(), id.ClientName())),
		server: cfg.Server,
	}
	c.role = c
	c.watchdog = newWatchdog(2*cfg.HeartbeatInterval, c.logger, c.onServerTimeout)
	c.reconnector = NewReconnector(cfg.Reconnect, c.reconnect)
	c.reconnector.OnGiveUp(func(attempts int, err error) {
		c.casState(StateReconnecting, StateDisconnected)
		c.reportAsync(&AsyncError{Op: "reconnect", Peer: c.serverHash,
			Err: fmt.Errorf("gave up after %d attempts: %w", attempts, err)})
	})
	return c, nil
}

// Server returns the server's record.
func (c *Client) Server() *keystore.PeerRecord { return c.server }

// Connect declares the client queues and announces to the server. It
// returns ErrConnectionTimeout when the server does not answer within
// AnnounceTimeout and an *AnnounceRejectedError when it refuses.
func (c *Client) Connect(ctx context.Context) error {
	switch c.State() {
	case StateClosed:
		return ErrClosed
	case StateConnected:
		return nil
	}
	c.setState(StateConnecting)

	if err := c.declare(broker.QueueOptions{Durable: true}); err != nil {
		c.casState(StateConnecting, StateDisconnected)
		return err
	}
	return c.announce(ctx)
}

// Close tells the server the client is leaving and stops the session.
func (c *Client) Close() error {
	if c.State() == StateConnected {
		err := c.sendUnicast(outbound{
			recipient: c.serverHash,
			msg:       &protocol.ClientDisconnect{Reason: "client closing"},
			mode:      protocol.ModePrivateKey,
		})
		if err != nil {
			c.logger.Debug("disconnect notice failed", logging.KeyError, err)
		}
	}
	c.reconnector.Close()
	c.stopLiveness()
	c.shutdown()
	return nil
}

// announce runs one announce exchange. A client that is already
// connected stays connected while it re-announces.
func (c *Client) announce(ctx context.Context) error {
	if !c.announcing.CompareAndSwap(false, true) {
		return errAnnounceInProgress
	}
	defer c.announcing.Store(false)

	prev := c.State()
	switch prev {
	case StateClosed:
		return ErrClosed
	case StateConnected:
	default:
		c.setState(StateAnnouncing)
	}

	started := time.Now()
	resp, err := c.exchangeAnnounce(ctx)
	if err != nil {
		c.metrics.RecordAnnounce(announceResult(err))
		failed := StateDisconnected
		if prev == StateReconnecting {
			failed = StateReconnecting
		}
		c.casState(StateAnnouncing, failed)
		c.logger.Warn("announce failed", logging.KeyError, err)
		return err
	}
	c.metrics.RecordAnnounce("accepted")
	c.metrics.RecordAnnounceLatency(time.Since(started).Seconds())

	if err := c.installSharedKey(resp.ServerEpoch, resp.SharedKeyID, resp.SharedKey); err != nil {
		c.casState(StateAnnouncing, StateDisconnected)
		return fmt.Errorf("install shared key: %w", err)
	}

	interval := resp.ServerHeartbeatInterval
	if interval <= 0 {
		interval = c.cfg.HeartbeatInterval
	}
	c.startLiveness(interval)

	for {
		st := c.State()
		if st == StateClosed {
			c.stopLiveness()
			return ErrClosed
		}
		if c.casState(st, StateConnected) {
			break
		}
	}
	c.reconnector.Cancel()

	c.logger.Info("connected to server",
		logging.KeyPeer, identity.ShortHash(c.serverHash),
		logging.KeySharedKeyID, resp.SharedKeyID,
		logging.KeyDuration, time.Since(started))
	return nil
}

// installSharedKey stores a shared key sent by the server. A key from a
// new server lifetime replaces the set; one from the known lifetime is
// added, so announce responses and updates may arrive in either order.
func (c *Client) installSharedKey(epoch string, id uint16, key []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if epoch != "" && epoch == c.serverEpoch {
		return c.shared.Add(id, key)
	}
	if err := c.shared.Install(id, key); err != nil {
		return err
	}
	c.serverEpoch = epoch
	return nil
}

func announceResult(err error) string {
	var rejected *AnnounceRejectedError
	switch {
	case errors.As(err, &rejected):
		return "rejected"
	case errors.Is(err, ErrConnectionTimeout):
		return "timeout"
	default:
		return "failed"
	}
}

func (c *Client) exchangeAnnounce(ctx context.Context) (*protocol.ClientAnnounceResponse, error) {
	x, y, err := crypto.PointBytes(c.self.PublicKey())
	if err != nil {
		return nil, err
	}
	msg := &protocol.ClientAnnounce{
		SystemName:        c.self.SystemName(),
		ClientName:        c.self.ClientName(),
		Curve:             c.self.Curve(),
		X:                 x,
		Y:                 y,
		HeartbeatInterval: c.cfg.HeartbeatInterval,
	}

	out, err := c.call(ctx, c.serverHash, msg, protocol.ModeNone, c.cfg.AnnounceTimeout)
	if err != nil {
		return nil, err
	}
	switch out.Result {
	case rpc.Success:
	case rpc.Timeout:
		return nil, ErrConnectionTimeout
	case rpc.BadSignature:
		return nil, fmt.Errorf("announce response: %w", protocol.ErrSignatureInvalid)
	default:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if c.State() == StateClosed {
			return nil, ErrClosed
		}
		return nil, errAnnounceCancelled
	}

	env := out.Envelope
	if env.Sender != c.serverHash {
		return nil, fmt.Errorf("announce answered by %s, not the server", identity.ShortHash(env.Sender))
	}
	resp, ok := env.Message.(*protocol.ClientAnnounceResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected announce answer %s", env.Message.Type())
	}
	if resp.Status != protocol.AnnounceAccepted {
		return nil, &AnnounceRejectedError{Reason: resp.Reason}
	}
	if env.Mode != protocol.ModePrivateKey {
		return nil, fmt.Errorf("accepted announce response sent %s", env.Mode)
	}
	return resp, nil
}

func (c *Client) startLiveness(serverInterval time.Duration) {
	c.mu.Lock()
	if c.heartbeat == nil {
		c.heartbeat = startPulse(c.cfg.HeartbeatInterval, c.logger, "server heartbeat", c.sendHeartbeat)
	}
	c.mu.Unlock()

	c.watchdog.SetTimeout(2 * serverInterval)
	c.watchdog.Reset()
}

func (c *Client) stopLiveness() {
	c.watchdog.Stop()
	c.stopHeartbeat()
}

func (c *Client) stopHeartbeat() {
	c.mu.Lock()
	hb := c.heartbeat
	c.heartbeat = nil
	c.mu.Unlock()
	hb.Stop()
}

func (c *Client) sendHeartbeat() {
	if c.State() != StateConnected {
		return
	}
	err := c.sendUnicast(outbound{
		recipient: c.serverHash,
		msg:       &protocol.Heartbeat{Sequence: c.seq.Add(1)},
		mode:      c.cfg.HeartbeatEncryption,
	})
	if err != nil {
		c.reportAsync(&AsyncError{Op: "heartbeat", Peer: c.serverHash, Err: err})
		return
	}
	c.metrics.RecordHeartbeatSent()
}

// onServerTimeout runs when the server has been silent for twice its
// heartbeat interval.
func (c *Client) onServerTimeout() {
	next := StateDisconnected
	if c.cfg.AutoReconnect {
		next = StateReconnecting
	}
	if !c.casState(StateConnected, next) {
		return
	}
	c.stopHeartbeat()

	c.metrics.RecordHeartbeatTimeout("client")
	c.logger.Warn("server heartbeat timeout",
		logging.KeyPeer, identity.ShortHash(c.serverHash),
		logging.KeyDuration, c.watchdog.Timeout(),
		"cancelled_calls", c.corr.CancelAll())
	c.reportAsync(&AsyncError{Op: "server heartbeat", Peer: c.serverHash, Err: ErrConnectionTimeout})

	if c.cfg.AutoReconnect {
		c.reconnector.Schedule()
	}
}

func (c *Client) reconnect() error {
	err := c.announce(c.ctx)
	switch {
	case err == nil, errors.Is(err, ErrClosed):
		return nil
	case errors.Is(err, errAnnounceInProgress):
		// Another announce is running and will settle the state.
		return nil
	}
	return err
}

func (c *Client) reannounce(reason string) {
	defer recovery.RecoverWithLog(c.logger, "re-announce")

	c.logger.Info("server requested re-announce", logging.KeyReason, reason)
	c.reconnector.Cancel()

	err := c.announce(c.ctx)
	if err == nil || errors.Is(err, errAnnounceInProgress) || errors.Is(err, ErrClosed) {
		return
	}
	c.reportAsync(&AsyncError{Op: "re-announce", Peer: c.serverHash, Err: err})
	if c.cfg.AutoReconnect && c.casState(StateDisconnected, StateReconnecting) {
		c.reconnector.Schedule()
	}
}

func (c *Client) observe(env *protocol.Envelope) {
	if env.Sender == c.serverHash {
		c.watchdog.Touch()
	}
}

func (c *Client) handleControl(env *protocol.Envelope) {
	fromServer := env.Sender == c.serverHash

	switch m := env.Message.(type) {
	case *protocol.Heartbeat:
		c.metrics.RecordHeartbeatReceived()
	case *protocol.ClientReannounceRequest:
		if !fromServer {
			c.logger.Warn("re-announce request not from server", logging.KeyPeer, identity.ShortHash(env.Sender))
			return
		}
		go c.reannounce(m.Reason)
	case *protocol.SharedKeyUpdate:
		if !fromServer || env.Mode != protocol.ModePrivateKey {
			c.logger.Warn("ignoring shared key update",
				logging.KeyPeer, identity.ShortHash(env.Sender),
				"mode", env.Mode.String())
			return
		}
		if err := c.installSharedKey(m.ServerEpoch, m.ID, m.Key); err != nil {
			c.reportAsync(&AsyncError{Op: "install shared key", Peer: env.Sender, Err: err})
			return
		}
		c.logger.Info("installed shared key", logging.KeySharedKeyID, m.ID)
	default:
		c.logger.Debug("ignoring control message",
			logging.KeyMessageType, env.Message.Type().String(),
			logging.KeyPeer, identity.ShortHash(env.Sender))
	}
}

func (c *Client) handleUnverified(*protocol.Envelope, error) {}
