// Package session runs the server and client sides of a fleetbus system
// over a broker: topology declaration, the announce handshake, heartbeat
// liveness, shared key distribution and correlated calls.
//
// A Session is never used on its own. NewServer and NewClient compose it
// with a role that handles control messages and liveness for that side.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/fleetbus/internal/broker"
	"github.com/postalsys/fleetbus/internal/crypto"
	"github.com/postalsys/fleetbus/internal/identity"
	"github.com/postalsys/fleetbus/internal/keystore"
	"github.com/postalsys/fleetbus/internal/logging"
	"github.com/postalsys/fleetbus/internal/metrics"
	"github.com/postalsys/fleetbus/internal/protocol"
	"github.com/postalsys/fleetbus/internal/recovery"
	"github.com/postalsys/fleetbus/internal/rpc"
	"github.com/postalsys/fleetbus/internal/tag"
)

// RecipientHeader carries the recipient identity hash on unicast publishes.
const RecipientHeader = "fleetbus-recipient"

// asyncErrorBuffer is the capacity of the AsyncErrors channel.
const asyncErrorBuffer = 64

// Config configures a session. Identity, Broker and Keystore are
// required; a client also needs Server.
type Config struct {
	Identity *identity.Identity
	Broker   broker.Broker
	Keystore *keystore.Keystore

	// Server is the server's public record. Client only.
	Server *keystore.PeerRecord

	// SharedKeys defaults to a new set bounded by MaxSharedKeyID and
	// SharedKeyRetain. A zero MaxSharedKeyID allows only key 0; start
	// from DefaultConfig for the full id range.
	SharedKeys      *keystore.SharedKeySet
	MaxSharedKeyID  uint16
	SharedKeyRetain int

	// SharedKeyRotation rotates the shared key periodically. Server only;
	// zero disables it.
	SharedKeyRotation time.Duration

	Crypto   *crypto.Service
	Registry *protocol.Registry

	// Tags are the initial subscriptions. Every session also receives
	// broadcasts.
	Tags []tag.Tag

	HeartbeatInterval     time.Duration
	HeartbeatEncryption   protocol.EncryptionMode
	AnnounceTimeout       time.Duration
	RPCTimeout            time.Duration
	ReannounceMinInterval time.Duration

	// AutoReconnect makes a client re-announce with backoff after it
	// loses the server.
	AutoReconnect bool
	Reconnect     ReconnectConfig

	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	RPCMetrics *rpc.Metrics

	// OnMessage receives verified application messages, requests
	// included. It runs on the consumer goroutine of the queue the
	// message arrived on, so it must not block on Call.
	OnMessage func(env *protocol.Envelope)

	// OnAsyncError is called for every asynchronous error, in addition
	// to the AsyncErrors channel.
	OnAsyncError func(err error)
}

// DefaultConfig returns the default timing and key settings.
func DefaultConfig() Config {
	return Config{
		MaxSharedKeyID:        keystore.MaxSharedKeyID,
		SharedKeyRetain:       2,
		HeartbeatInterval:     30 * time.Second,
		HeartbeatEncryption:   protocol.ModeSharedKey,
		AnnounceTimeout:       10 * time.Second,
		RPCTimeout:            30 * time.Second,
		ReannounceMinInterval: 5 * time.Second,
		Reconnect:             DefaultReconnectConfig(),
	}
}

func (c *Config) validate() error {
	if c.Identity == nil {
		return errors.New("session: identity is required")
	}
	if c.Broker == nil {
		return errors.New("session: broker is required")
	}
	if c.Keystore == nil {
		return errors.New("session: keystore is required")
	}
	if c.Keystore.Self().Hash() != c.Identity.Hash() {
		return errors.New("session: keystore belongs to a different identity")
	}

	def := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.AnnounceTimeout <= 0 {
		c.AnnounceTimeout = def.AnnounceTimeout
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = def.RPCTimeout
	}
	if c.ReannounceMinInterval <= 0 {
		c.ReannounceMinInterval = def.ReannounceMinInterval
	}
	if c.Reconnect.InitialDelay <= 0 {
		c.Reconnect = def.Reconnect
	}
	if c.Crypto == nil {
		c.Crypto = crypto.NewService(nil)
	}
	if c.Registry == nil {
		c.Registry = protocol.NewRegistry()
	}
	if c.SharedKeys == nil {
		set, err := keystore.NewSharedKeySet(c.MaxSharedKeyID, c.SharedKeyRetain)
		if err != nil {
			return fmt.Errorf("session: %w", err)
		}
		c.SharedKeys = set
	}
	return nil
}

// role is the server or client half of a session.
type role interface {
	// observe sees every verified envelope from a peer before dispatch.
	observe(env *protocol.Envelope)
	// handleControl processes a verified control message.
	handleControl(env *protocol.Envelope)
	// handleUnverified sees envelopes that were dropped after the
	// header decoded.
	handleUnverified(env *protocol.Envelope, err error)
}

// outbound is one message to publish.
type outbound struct {
	recipient     string
	msg           protocol.Message
	mode          protocol.EncryptionMode
	flags         protocol.Flags
	correlationID string
	replyTo       string
}

// Session is the state shared by both roles.
type Session struct {
	cfg     Config
	self    *identity.Identity
	broker  broker.Broker
	keys    *keystore.Keystore
	shared  *keystore.SharedKeySet
	svc     *crypto.Service
	codec   *protocol.Codec
	corr    *rpc.Correlator
	tags    *tag.Set
	logger  *slog.Logger
	metrics *metrics.Metrics
	role    role

	serverHash   string
	serverQueue  string
	unicastQueue string
	tagsQueue    string
	tagsExchange string

	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32

	mu       sync.Mutex
	declared bool
	subs     []broker.Subscription

	asyncErrs chan error
	closeOnce sync.Once
}

func newSession(cfg Config, component, serverHash, serverSystem, unicastQueue string) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	logger := logging.Component(cfg.Logger, component).With(
		logging.KeyIdentity, identity.ShortHash(cfg.Identity.Hash()),
	)

	s := &Session{
		cfg:          cfg,
		self:         cfg.Identity,
		broker:       cfg.Broker,
		keys:         cfg.Keystore,
		shared:       cfg.SharedKeys,
		svc:          cfg.Crypto,
		corr:         rpc.New(cfg.RPCMetrics),
		tags:         tag.NewSet(cfg.Tags...),
		logger:       logger,
		metrics:      cfg.Metrics,
		serverHash:   serverHash,
		serverQueue:  ServerQueue(serverSystem),
		unicastQueue: unicastQueue,
		tagsQueue:    SubscriptionQueue(unicastQueue),
		tagsExchange: TagsExchange(cfg.Identity.SystemName()),
		ctx:          ctx,
		cancel:       cancel,
		asyncErrs:    make(chan error, asyncErrorBuffer),
	}
	s.codec = protocol.NewCodec(cfg.Identity, cfg.Keystore, cfg.SharedKeys, cfg.Crypto, cfg.Registry)
	s.state.Store(int32(StateDisconnected))
	return s
}

// TagsExchange returns the headers exchange subscriptions bind to.
func TagsExchange(system string) string { return system + ".tags" }

// ServerQueue returns the server's well-known unicast queue.
func ServerQueue(system string) string { return system + ".server" }

// ClientQueue returns a client's unicast queue.
func ClientQueue(system, client string) string { return system + ".client." + client }

// SubscriptionQueue returns the tag subscription queue of a session.
func SubscriptionQueue(unicast string) string { return unicast + ".tags" }

// Hash returns the local identity hash.
func (s *Session) Hash() string { return s.self.Hash() }

// Identity returns the local identity.
func (s *Session) Identity() *identity.Identity { return s.self }

// Keystore returns the session keystore.
func (s *Session) Keystore() *keystore.Keystore { return s.keys }

// SharedKeys returns the shared key set.
func (s *Session) SharedKeys() *keystore.SharedKeySet { return s.shared }

// State returns the connection state.
func (s *Session) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

// UnicastQueue returns the queue unicast messages to this session arrive on.
func (s *Session) UnicastQueue() string { return s.unicastQueue }

// PendingCalls returns the number of calls awaiting a reply.
func (s *Session) PendingCalls() int { return s.corr.Pending() }

// AsyncErrors returns errors detected on background paths. The channel
// is buffered; errors that do not fit are dropped and counted. It is
// never closed.
func (s *Session) AsyncErrors() <-chan error {
	return s.asyncErrs
}

func (s *Session) setState(st ConnectionState) {
	s.state.Store(int32(st))
}

// casState moves from one state to another and reports whether it did.
func (s *Session) casState(from, to ConnectionState) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

func (s *Session) canSend() error {
	switch s.State() {
	case StateConnected:
		return nil
	case StateClosed:
		return ErrClosed
	default:
		return ErrNotConnected
	}
}

func (s *Session) reportAsync(err error) {
	if s.cfg.OnAsyncError != nil {
		func() {
			defer recovery.RecoverWithLog(s.logger, "async error callback")
			s.cfg.OnAsyncError(err)
		}()
	}
	select {
	case s.asyncErrs <- err:
		s.metrics.RecordAsyncError(false)
	default:
		s.metrics.RecordAsyncError(true)
		s.logger.Debug("async error dropped", logging.KeyError, err)
	}
}

// declare creates the exchange and queues and starts consuming. It runs
// once per session.
func (s *Session) declare(unicast broker.QueueOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.declared {
		return nil
	}

	if err := s.broker.DeclareExchange(s.tagsExchange, broker.Headers); err != nil {
		return fmt.Errorf("declare exchange %s: %w", s.tagsExchange, err)
	}
	if err := s.broker.DeclareQueue(s.unicastQueue, unicast); err != nil {
		return fmt.Errorf("declare queue %s: %w", s.unicastQueue, err)
	}
	if err := s.broker.DeclareQueue(s.tagsQueue, broker.QueueOptions{Exclusive: true, AutoDelete: true}); err != nil {
		return fmt.Errorf("declare queue %s: %w", s.tagsQueue, err)
	}
	for _, key := range s.tags.BindingKeys() {
		if err := s.bindLocked(key); err != nil {
			return err
		}
	}

	for _, q := range []string{s.unicastQueue, s.tagsQueue} {
		sub, err := s.broker.Consume(q, false, s.handleDelivery)
		if err != nil {
			s.cancelSubsLocked()
			return fmt.Errorf("consume %s: %w", q, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.declared = true
	s.logger.Debug("topology declared",
		logging.KeyQueue, s.unicastQueue,
		logging.KeyExchange, s.tagsExchange,
		logging.KeyTag, s.tags.String())
	return nil
}

func (s *Session) bindLocked(key string) error {
	if err := s.broker.BindQueue(s.tagsQueue, s.tagsExchange, "", broker.HeadersBinding(broker.MatchAny, key)); err != nil {
		return fmt.Errorf("bind %s to %s: %w", key, s.tagsQueue, err)
	}
	return nil
}

func (s *Session) cancelSubsLocked() {
	for _, sub := range s.subs {
		if err := sub.Cancel(); err != nil {
			s.logger.Debug("cancel consumer", logging.KeyError, err)
		}
	}
	s.subs = nil
}

// Subscribe adds a tag subscription.
func (s *Session) Subscribe(t tag.Tag) error {
	if t.IsZero() {
		return tag.ErrInvalidTag
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.tags.Add(t) || !s.declared {
		return nil
	}
	return s.bindLocked(t.Mangle())
}

// Unsubscribe removes a tag subscription. Broadcasts are always received.
func (s *Session) Unsubscribe(t tag.Tag) error {
	if t == tag.Broadcast {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.tags.Remove(t) || !s.declared {
		return nil
	}
	args := broker.HeadersBinding(broker.MatchAny, t.Mangle())
	if err := s.broker.UnbindQueue(s.tagsQueue, s.tagsExchange, "", args); err != nil {
		return fmt.Errorf("unbind %s from %s: %w", t, s.tagsQueue, err)
	}
	return nil
}

// Tags returns the current subscriptions.
func (s *Session) Tags() []tag.Tag {
	return s.tags.Tags()
}

// queueFor returns the unicast queue of a peer.
func (s *Session) queueFor(hash string) (string, error) {
	if hash == s.serverHash {
		return s.serverQueue, nil
	}
	rec, err := s.keys.Lookup(hash)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoRoute, err)
	}
	return ClientQueue(rec.SystemName, rec.ClientName), nil
}

func (s *Session) sendUnicast(o outbound) error {
	queue, err := s.queueFor(o.recipient)
	if err != nil {
		return err
	}
	return s.sendToQueue(queue, o)
}

func (s *Session) sendToQueue(queue string, o outbound) error {
	headers := broker.Table{RecipientHeader: o.recipient}
	return s.publish(broker.DefaultExchange, queue, headers, o)
}

func (s *Session) publishTags(o outbound, tags []tag.Tag) error {
	headers := broker.HeaderTable(tag.HeaderKeys(tags...)...)
	return s.publish(s.tagsExchange, "", headers, o)
}

func (s *Session) publish(exchange, routingKey string, headers broker.Table, o outbound) error {
	body, err := s.codec.Serialize(o.msg, o.recipient, o.mode, o.flags)
	if err != nil {
		return fmt.Errorf("serialize %s: %w", o.msg.Type(), err)
	}
	headers[tag.Sender(s.self.Hash()).Mangle()] = ""

	err = s.broker.Publish(exchange, routingKey, broker.Publishing{
		Headers:       headers,
		CorrelationID: o.correlationID,
		ReplyTo:       o.replyTo,
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", o.msg.Type(), err)
	}

	s.metrics.RecordSent(o.msg.Type().String(), o.mode.String(), len(body))
	s.logger.Debug("sent",
		logging.KeyMessageType, o.msg.Type().String(),
		logging.KeyPeer, identity.ShortHash(o.recipient),
		logging.KeyExchange, exchange,
		logging.KeyQueue, routingKey,
		logging.KeyCorrelationID, o.correlationID)
	return nil
}

// Send unicasts msg to recipient.
func (s *Session) Send(recipient string, msg protocol.Message, mode protocol.EncryptionMode) error {
	if err := s.canSend(); err != nil {
		return err
	}
	return s.sendUnicast(outbound{recipient: recipient, msg: msg, mode: mode})
}

// Publish sends msg to every session subscribed to one of tags.
func (s *Session) Publish(msg protocol.Message, mode protocol.EncryptionMode, tags ...tag.Tag) error {
	if err := s.canSend(); err != nil {
		return err
	}
	if len(tags) == 0 {
		return fmt.Errorf("publish %s: %w: no tags", msg.Type(), tag.ErrInvalidTag)
	}
	var flags protocol.Flags
	for _, t := range tags {
		if t == tag.Broadcast {
			flags |= protocol.FlagBroadcast
		}
	}
	return s.publishTags(outbound{msg: msg, mode: mode, flags: flags}, tags)
}

// Broadcast sends msg to every session in the system.
func (s *Session) Broadcast(msg protocol.Message, mode protocol.EncryptionMode) error {
	return s.Publish(msg, mode, tag.Broadcast)
}

// Call sends a request to recipient and waits for the reply, the timeout
// (RPCTimeout when zero) or ctx. The outcome's Result tells them apart;
// err is set only when the request could not be sent.
func (s *Session) Call(ctx context.Context, recipient string, msg protocol.Message, mode protocol.EncryptionMode, timeout time.Duration) (rpc.Outcome, error) {
	if err := s.canSend(); err != nil {
		return rpc.Outcome{Result: rpc.Cancelled}, err
	}
	if timeout <= 0 {
		timeout = s.cfg.RPCTimeout
	}
	return s.call(ctx, recipient, msg, mode, timeout)
}

func (s *Session) call(ctx context.Context, recipient string, msg protocol.Message, mode protocol.EncryptionMode, timeout time.Duration) (rpc.Outcome, error) {
	out, err := s.corr.Call(ctx, timeout, msg.Type().String(), func(id string) error {
		return s.sendUnicast(outbound{
			recipient:     recipient,
			msg:           msg,
			mode:          mode,
			flags:         protocol.FlagRPCRequest,
			correlationID: id,
			replyTo:       s.unicastQueue,
		})
	})
	if errors.Is(err, rpc.ErrClosed) {
		return out, ErrClosed
	}
	if err == nil && out.Result != rpc.Success {
		s.logger.Debug("call ended without reply",
			logging.KeyMessageType, msg.Type().String(),
			logging.KeyCorrelationID, out.CorrelationID,
			logging.KeyReason, out.Result.String())
	}
	return out, err
}

// CallNoWait sends a request without waiting. The reply, if any, reaches
// OnMessage. It returns the correlation id used.
func (s *Session) CallNoWait(recipient string, msg protocol.Message, mode protocol.EncryptionMode) (string, error) {
	if err := s.canSend(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	err := s.sendUnicast(outbound{
		recipient:     recipient,
		msg:           msg,
		mode:          mode,
		flags:         protocol.FlagRPCRequest,
		correlationID: id,
		replyTo:       s.unicastQueue,
	})
	return id, err
}

// Reply answers a request received through OnMessage.
func (s *Session) Reply(req *protocol.Envelope, msg protocol.Message, mode protocol.EncryptionMode) error {
	if err := s.canSend(); err != nil {
		return err
	}
	return s.reply(req, msg, mode)
}

func (s *Session) reply(req *protocol.Envelope, msg protocol.Message, mode protocol.EncryptionMode) error {
	o := outbound{
		recipient:     req.Sender,
		msg:           msg,
		mode:          mode,
		flags:         protocol.FlagRPCResponse,
		correlationID: req.CorrelationID,
	}
	if req.ReplyTo != "" {
		return s.sendToQueue(req.ReplyTo, o)
	}
	if req.CorrelationID == "" {
		return ErrNoReplyTo
	}
	return s.sendUnicast(o)
}

// handleDelivery is the consumer callback for both queues.
func (s *Session) handleDelivery(d broker.Delivery) {
	defer recovery.RecoverWithLog(s.logger, "delivery "+d.Queue)

	if sender, err := protocol.PeekSender(d.Body); err == nil && sender == s.self.Hash() {
		s.ack(d)
		return
	}

	env, err := s.codec.Deserialize(d.Body)
	if env != nil {
		env.CorrelationID = d.CorrelationID
		env.ReplyTo = d.ReplyTo
		env.Recipient = d.Headers.String(RecipientHeader)
		env.Tags = tagsFromHeaders(d.Headers)
	}
	if err != nil {
		s.drop(d, env, err)
		return
	}

	msgType := env.Message.Type()
	s.metrics.RecordReceived(msgType.String(), len(d.Body))
	s.logger.Debug("received",
		logging.KeyMessageType, msgType.String(),
		logging.KeyPeer, identity.ShortHash(env.Sender),
		logging.KeyQueue, d.Queue,
		logging.KeyCorrelationID, env.CorrelationID)

	s.role.observe(env)

	if env.Flags.Has(protocol.FlagRPCResponse) && env.CorrelationID != "" && s.corr.Resolve(env.CorrelationID, env) {
		s.ack(d)
		return
	}

	switch {
	case msgType.IsControl():
		s.role.handleControl(env)
	case s.cfg.OnMessage != nil:
		s.cfg.OnMessage(env)
	}
	s.ack(d)
}

func (s *Session) drop(d broker.Delivery, env *protocol.Envelope, err error) {
	peer := ""
	if env != nil {
		peer = env.Sender
	}

	switch {
	case errors.Is(err, protocol.ErrUnknownIdentity):
		s.metrics.RecordSignatureFailure("unknown_identity")
	case errors.Is(err, protocol.ErrSignatureInvalid):
		s.metrics.RecordSignatureFailure("bad_signature")
	case errors.Is(err, protocol.ErrMalformedEnvelope):
		s.metrics.RecordMalformed()
	default:
		s.metrics.RecordSignatureFailure("undecodable")
	}
	s.logger.Warn("dropping envelope",
		logging.KeyQueue, d.Queue,
		logging.KeyPeer, identity.ShortHash(peer),
		logging.KeyError, err)

	if env != nil {
		if env.Flags.Has(protocol.FlagRPCResponse) && env.CorrelationID != "" {
			s.corr.Fail(env.CorrelationID, rpc.BadSignature)
		}
		s.role.handleUnverified(env, err)
	}

	s.reportAsync(&AsyncError{Op: "receive", Peer: peer, Err: err})
	if rerr := s.broker.Reject(d.DeliveryTag, false); rerr != nil {
		s.logger.Debug("reject delivery", logging.KeyError, rerr)
	}
}

func (s *Session) ack(d broker.Delivery) {
	if err := s.broker.Ack(d.DeliveryTag); err != nil {
		s.logger.Debug("ack delivery", logging.KeyError, err)
	}
}

// tagsFromHeaders recovers the tags a message was published with. Bare
// keys that only accompany a value tag are folded away.
func tagsFromHeaders(h broker.Table) []tag.Tag {
	var (
		tags   []tag.Tag
		valued = make(map[string]bool)
	)
	for key := range h {
		if key == RecipientHeader {
			continue
		}
		t, err := tag.Parse(key)
		if err != nil || t.Name() == tag.SenderName {
			continue
		}
		if t.HasValue() {
			valued[t.Name()] = true
		}
		tags = append(tags, t)
	}

	out := tags[:0]
	for _, t := range tags {
		if !t.HasValue() && valued[t.Name()] {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// shutdown cancels calls and consumers. The broker connection stays open.
func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		s.cancel()
		s.corr.Close()

		s.mu.Lock()
		s.cancelSubsLocked()
		s.mu.Unlock()
	})
}
