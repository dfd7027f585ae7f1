package session

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/postalsys/fleetbus/internal/broker"
	"github.com/postalsys/fleetbus/internal/crypto"
	"github.com/postalsys/fleetbus/internal/identity"
	"github.com/postalsys/fleetbus/internal/keystore"
	"github.com/postalsys/fleetbus/internal/logging"
	"github.com/postalsys/fleetbus/internal/protocol"
	"github.com/postalsys/fleetbus/internal/tag"
)

// Rejection reasons sent to clients.
const (
	ReasonUnknownIdentity = "unknown identity"
	ReasonSystemMismatch  = "system name mismatch"
	ReasonNameMismatch    = "name does not match provisioned identity"
	ReasonKeyMismatch     = "key does not match provisioned identity"
	ReasonNoSharedKey     = "server has no shared key"
)

// ClientInfo describes an announced client.
type ClientInfo struct {
	Hash              string
	SystemName        string
	ClientName        string
	Announced         time.Time
	LastSeen          time.Time
	HeartbeatInterval time.Duration
}

// clientRecord is the server's state for one announced client.
type clientRecord struct {
	peer      *keystore.PeerRecord
	timeout   *watchdog
	heartbeat *pulse

	mu        sync.Mutex
	announced time.Time
	lastSeen  time.Time
	interval  time.Duration
	seq       uint64
}

func (r *clientRecord) info() ClientInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ClientInfo{
		Hash:              r.peer.Hash,
		SystemName:        r.peer.SystemName,
		ClientName:        r.peer.ClientName,
		Announced:         r.announced,
		LastSeen:          r.lastSeen,
		HeartbeatInterval: r.interval,
	}
}

func (r *clientRecord) touch() {
	r.mu.Lock()
	r.lastSeen = time.Now()
	r.mu.Unlock()
	r.timeout.Touch()
}

func (r *clientRecord) stop() {
	r.timeout.Stop()
	r.heartbeat.Stop()
}

// Server accepts client announces, tracks their liveness and owns the
// shared key set.
type Server struct {
	*Session

	epoch    string
	limiter  *rate.Limiter
	rotation *pulse

	mu      sync.RWMutex
	clients map[string]*clientRecord
	removed map[string]struct{}
}

// NewServer creates a server session. Clients must be provisioned in
// cfg.Keystore to be accepted.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	id := cfg.Identity
	s := &Server{
		Session: newSession(cfg, "server", id.Hash(), id.SystemName(), ServerQueue(id.SystemName())),
		epoch:   uuid.NewString(),
		limiter: rate.NewLimiter(rate.Every(cfg.ReannounceMinInterval), 1),
		clients: make(map[string]*clientRecord),
		removed: make(map[string]struct{}),
	}
	s.role = s
	return s, nil
}

// Start declares the topology, makes sure a shared key exists and asks
// every client to announce.
func (s *Server) Start() error {
	switch s.State() {
	case StateClosed:
		return ErrClosed
	case StateConnected:
		return nil
	}
	s.setState(StateConnecting)

	if _, ok := s.shared.CurrentID(); !ok {
		sk, err := s.shared.Rotate(s.svc)
		if err != nil {
			s.setState(StateDisconnected)
			return fmt.Errorf("create shared key: %w", err)
		}
		s.metrics.RecordSharedKeyRotation(sk.ID)
	}

	if err := s.declare(broker.QueueOptions{Durable: true}); err != nil {
		s.setState(StateDisconnected)
		return err
	}
	if !s.casState(StateConnecting, StateConnected) {
		return ErrClosed
	}

	s.limiter.Allow()
	if err := s.RequestReannounce("server started"); err != nil {
		s.logger.Warn("re-announce request failed", logging.KeyError, err)
	}

	if s.cfg.SharedKeyRotation > 0 {
		s.rotation = startPulse(s.cfg.SharedKeyRotation, s.logger, "shared key rotation", func() {
			if _, err := s.RotateSharedKey(); err != nil {
				s.reportAsync(&AsyncError{Op: "rotate shared key", Err: err})
			}
		})
	}

	s.logger.Info("server started",
		logging.KeyQueue, s.unicastQueue,
		logging.KeyCount, s.keys.Len())
	return nil
}

// Close stops every client timer and the consumers.
func (s *Server) Close() error {
	s.rotation.Stop()

	s.mu.Lock()
	records := make([]*clientRecord, 0, len(s.clients))
	for _, r := range s.clients {
		records = append(records, r)
	}
	s.clients = make(map[string]*clientRecord)
	s.mu.Unlock()

	for _, r := range records {
		r.stop()
	}
	s.metrics.SetClientsAnnounced(0)
	s.shutdown()
	return nil
}

// RequestReannounce broadcasts a ClientReannounceRequest. It is sent
// unencrypted so clients without the current shared key can read it.
func (s *Server) RequestReannounce(reason string) error {
	if err := s.canSend(); err != nil {
		return err
	}
	err := s.publishTags(outbound{
		msg:   &protocol.ClientReannounceRequest{Reason: reason},
		mode:  protocol.ModeNone,
		flags: protocol.FlagBroadcast,
	}, []tag.Tag{tag.Broadcast})
	if err != nil {
		return err
	}
	s.metrics.RecordReannounceRequest()
	s.logger.Info("requested client re-announce", logging.KeyReason, reason)
	return nil
}

// RotateSharedKey adds a shared key and sends it to every announced client.
func (s *Server) RotateSharedKey() (keystore.SharedKey, error) {
	sk, err := s.shared.Rotate(s.svc)
	if err != nil {
		return keystore.SharedKey{}, err
	}
	s.metrics.RecordSharedKeyRotation(sk.ID)
	s.logger.Info("rotated shared key", logging.KeySharedKeyID, sk.ID)

	if s.canSend() != nil {
		return sk, nil
	}
	for _, r := range s.snapshot() {
		err := s.sendUnicast(outbound{
			recipient: r.peer.Hash,
			msg:       &protocol.SharedKeyUpdate{ID: sk.ID, Key: sk.Key, ServerEpoch: s.epoch},
			mode:      protocol.ModePrivateKey,
		})
		if err != nil {
			s.reportAsync(&AsyncError{Op: "send shared key", Peer: r.peer.Hash, Err: err})
		}
	}
	return sk, nil
}

// Epoch identifies this server lifetime in announce responses.
func (s *Server) Epoch() string { return s.epoch }

// Clients returns the announced clients ordered by name.
func (s *Server) Clients() []ClientInfo {
	records := s.snapshot()
	out := make([]ClientInfo, len(records))
	for i, r := range records {
		out[i] = r.info()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClientName != out[j].ClientName {
			return out[i].ClientName < out[j].ClientName
		}
		return out[i].Hash < out[j].Hash
	})
	return out
}

// ClientState returns the registration state of a client.
func (s *Server) ClientState(hash string) ClientState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.clients[hash]; ok {
		return ClientAnnounced
	}
	if _, ok := s.removed[hash]; ok {
		return ClientRemoved
	}
	return ClientUnannounced
}

func (s *Server) snapshot() []*clientRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*clientRecord, 0, len(s.clients))
	for _, r := range s.clients {
		out = append(out, r)
	}
	return out
}

func (s *Server) client(hash string) *clientRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients[hash]
}

func (s *Server) observe(env *protocol.Envelope) {
	if r := s.client(env.Sender); r != nil {
		r.touch()
		return
	}
	switch env.Message.(type) {
	case *protocol.ClientAnnounce, *protocol.ClientDisconnect:
		return
	}
	s.requestReannounceFrom(env.Sender)
}

// requestReannounceFrom handles traffic from a provisioned client that is
// not announced, typically after a server restart.
func (s *Server) requestReannounceFrom(hash string) {
	if !s.keys.Contains(hash) || !s.limiter.Allow() {
		return
	}
	if err := s.RequestReannounce("unannounced client " + identity.ShortHash(hash)); err != nil {
		s.reportAsync(&AsyncError{Op: "request re-announce", Peer: hash, Err: err})
	}
}

func (s *Server) handleControl(env *protocol.Envelope) {
	switch m := env.Message.(type) {
	case *protocol.ClientAnnounce:
		s.handleAnnounce(env, m)
	case *protocol.Heartbeat:
		s.metrics.RecordHeartbeatReceived()
	case *protocol.ClientDisconnect:
		if s.removeClient(env.Sender, nil, "disconnect") {
			s.logger.Info("client disconnected",
				logging.KeyPeer, identity.ShortHash(env.Sender),
				logging.KeyReason, m.Reason)
		}
	default:
		s.logger.Debug("ignoring control message",
			logging.KeyMessageType, env.Message.Type().String(),
			logging.KeyPeer, identity.ShortHash(env.Sender))
	}
}

func (s *Server) handleUnverified(env *protocol.Envelope, err error) {
	switch {
	case errors.Is(err, protocol.ErrUnknownIdentity):
		if env.Flags.Has(protocol.FlagRPCRequest) && env.ReplyTo != "" {
			s.rejectAnnounce(env, ReasonUnknownIdentity)
		}
	case env.SignatureStatus == protocol.SignatureValid && s.client(env.Sender) == nil:
		// Signed by a known client but sealed with a key this server
		// never issued.
		s.requestReannounceFrom(env.Sender)
	}
}

func (s *Server) handleAnnounce(env *protocol.Envelope, ann *protocol.ClientAnnounce) {
	rec, err := s.keys.Lookup(env.Sender)
	if err != nil {
		s.rejectAnnounce(env, ReasonUnknownIdentity)
		return
	}
	if reason := s.checkAnnounce(rec, ann); reason != "" {
		s.rejectAnnounce(env, reason)
		return
	}
	sk, err := s.shared.Current()
	if err != nil {
		s.reportAsync(&AsyncError{Op: "announce", Peer: env.Sender, Err: err})
		s.rejectAnnounce(env, ReasonNoSharedKey)
		return
	}

	interval := ann.HeartbeatInterval
	if interval <= 0 {
		interval = s.cfg.HeartbeatInterval
	}
	refreshed := s.register(rec, interval)

	resp := &protocol.ClientAnnounceResponse{
		Status:                  protocol.AnnounceAccepted,
		SharedKeyID:             sk.ID,
		SharedKey:               sk.Key,
		ServerHeartbeatInterval: s.cfg.HeartbeatInterval,
		ServerEpoch:             s.epoch,
	}
	if err := s.reply(env, resp, protocol.ModePrivateKey); err != nil {
		s.reportAsync(&AsyncError{Op: "announce reply", Peer: env.Sender, Err: err})
		return
	}

	result := "accepted"
	if refreshed {
		result = "refreshed"
	}
	s.metrics.RecordAnnounce(result)
	s.logger.Info("client announced",
		logging.KeyPeer, identity.ShortHash(env.Sender),
		"client", rec.QualifiedName(),
		logging.KeyReason, result,
		logging.KeyDuration, interval)
}

// checkAnnounce compares the announce with the provisioned record and
// returns a rejection reason, or "" when it matches.
func (s *Server) checkAnnounce(rec *keystore.PeerRecord, ann *protocol.ClientAnnounce) string {
	if ann.SystemName != s.self.SystemName() || rec.SystemName != s.self.SystemName() {
		return ReasonSystemMismatch
	}
	if ann.SystemName != rec.SystemName || ann.ClientName != rec.ClientName {
		return ReasonNameMismatch
	}
	if ann.Curve != rec.Curve {
		return ReasonKeyMismatch
	}
	x, y, err := crypto.PointBytes(rec.PublicKey)
	if err != nil || !bytes.Equal(x, ann.X) || !bytes.Equal(y, ann.Y) {
		return ReasonKeyMismatch
	}
	return ""
}

func (s *Server) rejectAnnounce(env *protocol.Envelope, reason string) {
	s.metrics.RecordAnnounce("rejected")
	s.logger.Warn("announce rejected",
		logging.KeyPeer, identity.ShortHash(env.Sender),
		logging.KeyReason, reason)

	resp := &protocol.ClientAnnounceResponse{
		Status:                  protocol.AnnounceRejected,
		Reason:                  reason,
		ServerHeartbeatInterval: s.cfg.HeartbeatInterval,
	}
	if err := s.reply(env, resp, protocol.ModeNone); err != nil {
		s.reportAsync(&AsyncError{Op: "announce reply", Peer: env.Sender, Err: err})
	}
}

// register creates or refreshes the record for rec and reports whether
// it already existed.
func (s *Server) register(rec *keystore.PeerRecord, interval time.Duration) bool {
	now := time.Now()

	s.mu.Lock()
	r, exists := s.clients[rec.Hash]
	if !exists {
		r = &clientRecord{peer: rec, announced: now, lastSeen: now, interval: interval}
		r.timeout = newWatchdog(2*interval, s.logger, func() { s.expireClient(r) })
		r.heartbeat = startPulse(s.cfg.HeartbeatInterval, s.logger, "client heartbeat", func() { s.sendHeartbeat(r) })
		s.clients[rec.Hash] = r
		delete(s.removed, rec.Hash)
	}
	n := len(s.clients)
	s.mu.Unlock()

	if exists {
		r.mu.Lock()
		r.announced = now
		r.lastSeen = now
		r.interval = interval
		r.mu.Unlock()
		r.timeout.SetTimeout(2 * interval)
	}
	r.timeout.Reset()

	s.metrics.SetClientsAnnounced(n)
	return exists
}

// removeClient drops the record for hash. When r is set the record is
// removed only if it is still the current one.
func (s *Server) removeClient(hash string, r *clientRecord, reason string) bool {
	s.mu.Lock()
	cur, ok := s.clients[hash]
	if !ok || (r != nil && cur != r) {
		s.mu.Unlock()
		return false
	}
	delete(s.clients, hash)
	s.removed[hash] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()

	cur.stop()
	s.metrics.RecordClientRemoved(reason)
	s.metrics.SetClientsAnnounced(n)
	return true
}

func (s *Server) expireClient(r *clientRecord) {
	if !s.removeClient(r.peer.Hash, r, "timeout") {
		return
	}
	s.metrics.RecordHeartbeatTimeout("server")
	s.logger.Warn("client heartbeat timeout, removed",
		logging.KeyPeer, identity.ShortHash(r.peer.Hash),
		"client", r.peer.QualifiedName(),
		logging.KeyDuration, r.timeout.Timeout())
}

func (s *Server) sendHeartbeat(r *clientRecord) {
	if s.canSend() != nil {
		return
	}
	r.mu.Lock()
	r.seq++
	seq := r.seq
	r.mu.Unlock()

	err := s.sendUnicast(outbound{
		recipient: r.peer.Hash,
		msg:       &protocol.Heartbeat{Sequence: seq},
		mode:      s.cfg.HeartbeatEncryption,
	})
	if err != nil {
		s.reportAsync(&AsyncError{Op: "heartbeat", Peer: r.peer.Hash, Err: err})
		return
	}
	s.metrics.RecordHeartbeatSent()
}
