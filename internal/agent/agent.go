// Package agent runs one fleetbus node: it opens the identity and
// keystore, connects to the broker and drives a server or client session.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/fleetbus/internal/broker"
	"github.com/postalsys/fleetbus/internal/broker/amqpbroker"
	"github.com/postalsys/fleetbus/internal/config"
	"github.com/postalsys/fleetbus/internal/crypto"
	"github.com/postalsys/fleetbus/internal/health"
	"github.com/postalsys/fleetbus/internal/identity"
	"github.com/postalsys/fleetbus/internal/keystore"
	"github.com/postalsys/fleetbus/internal/logging"
	"github.com/postalsys/fleetbus/internal/metrics"
	"github.com/postalsys/fleetbus/internal/protocol"
	"github.com/postalsys/fleetbus/internal/recovery"
	"github.com/postalsys/fleetbus/internal/rpc"
	"github.com/postalsys/fleetbus/internal/session"
)

// MessageHandler receives verified application messages.
type MessageHandler func(a *Agent, env *protocol.Envelope)

// Agent is one running fleetbus node.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger
	svc    *crypto.Service

	id     *identity.Identity
	keys   *keystore.Keystore
	store  *keystore.BoltStore
	server *keystore.PeerRecord // client only

	broker     broker.Broker
	ownsBroker bool

	registry *prometheus.Registry
	handler  MessageHandler
	password []byte
	extra    []*keystore.PeerRecord

	srv  *session.Server
	cli  *session.Client
	sess *session.Session

	healthServer *health.Server
	provider     *health.SessionProvider

	started  atomic.Bool
	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Option customizes New.
type Option func(*Agent)

// WithBroker uses b instead of dialing cfg.Broker. The agent does not
// close it.
func WithBroker(b broker.Broker) Option {
	return func(a *Agent) { a.broker = b }
}

// WithIdentity uses id instead of opening cfg.Identity.File.
func WithIdentity(id *identity.Identity) Option {
	return func(a *Agent) { a.id = id }
}

// WithPeers provisions records in addition to the configured ones.
func WithPeers(recs ...*keystore.PeerRecord) Option {
	return func(a *Agent) { a.extra = append(a.extra, recs...) }
}

// WithServer sets the server record for a client instead of reading
// cfg.Server.IdentityFile.
func WithServer(rec *keystore.PeerRecord) Option {
	return func(a *Agent) { a.server = rec }
}

// WithPassword opens a password-protected identity. It takes precedence
// over cfg.Identity.Password.
func WithPassword(pw []byte) Option {
	return func(a *Agent) { a.password = pw }
}

// WithLogger replaces the logger built from cfg.Logging.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *Agent) { a.registry = reg }
}

// WithMessageHandler replaces the default handler, which answers text
// requests with an echo and logs everything else.
func WithMessageHandler(h MessageHandler) Option {
	return func(a *Agent) { a.handler = h }
}

// New creates an agent from cfg. Nothing is sent until Start.
func New(cfg *config.Config, opts ...Option) (*Agent, error) {
	a := &Agent{
		cfg:     cfg,
		svc:     crypto.NewService(nil),
		handler: EchoHandler,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	}
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
	}

	if err := a.initComponents(); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *Agent) initComponents() error {
	if err := a.openIdentity(); err != nil {
		return err
	}
	if err := a.loadKeystore(); err != nil {
		return err
	}
	if err := a.connectBroker(); err != nil {
		return err
	}

	sc, err := a.cfg.SessionConfig()
	if err != nil {
		return err
	}
	sc.Identity = a.id
	sc.Broker = a.broker
	sc.Keystore = a.keys
	sc.Crypto = a.svc
	sc.Logger = a.logger
	sc.Metrics = metrics.NewMetricsWithRegistry(a.registry)
	sc.RPCMetrics = rpc.NewMetrics(a.registry)
	sc.OnMessage = a.dispatch

	switch a.cfg.Role {
	case config.RoleServer:
		a.srv, err = session.NewServer(sc)
		if err != nil {
			return fmt.Errorf("create server session: %w", err)
		}
		a.sess = a.srv.Session
		a.provider = health.ForServer(a.srv)
	default:
		if a.server == nil {
			if a.server, err = loadRecord(a.cfg.Server.IdentityFile); err != nil {
				return fmt.Errorf("load server identity: %w", err)
			}
		}
		sc.Server = a.server
		a.cli, err = session.NewClient(sc)
		if err != nil {
			return fmt.Errorf("create client session: %w", err)
		}
		a.sess = a.cli.Session
		a.provider = health.ForClient(a.cli)
	}

	if a.cfg.Health.Enabled {
		hcfg := health.DefaultServerConfig()
		hcfg.Address = a.cfg.Health.Address
		if a.cfg.Health.ReadTimeout > 0 {
			hcfg.ReadTimeout = a.cfg.Health.ReadTimeout
		}
		if a.cfg.Health.WriteTimeout > 0 {
			hcfg.WriteTimeout = a.cfg.Health.WriteTimeout
		}
		hcfg.Gatherer = a.registry
		a.healthServer = health.NewServer(hcfg, a.provider)
		a.provider.Attach(a.healthServer)
	}
	return nil
}

func (a *Agent) openIdentity() error {
	if a.id == nil {
		pw := a.password
		if pw == nil && a.cfg.Identity.Password != "" {
			pw = []byte(a.cfg.Identity.Password)
		}
		id, err := identity.Open(a.cfg.Identity.File, pw, a.cfg.Identity.DataDir)
		if err != nil {
			return fmt.Errorf("open identity: %w", err)
		}
		a.id = id
	}

	if a.id.SystemName() != a.cfg.SystemName || a.id.ClientName() != a.cfg.ClientName {
		return fmt.Errorf("identity %s does not match configured %s:%s",
			a.id.QualifiedName(), a.cfg.SystemName, a.cfg.ClientName)
	}
	return nil
}

// loadKeystore provisions peers from the bolt store, the configured
// public documents and WithPeers, in that order.
func (a *Agent) loadKeystore() error {
	a.keys = keystore.New(a.id, a.svc)

	if a.cfg.Keystore.Path != "" {
		store, err := keystore.OpenBoltStore(a.cfg.Keystore.Path)
		if err != nil {
			return err
		}
		a.store = store
		n, err := a.keys.LoadFrom(store)
		if err != nil {
			return fmt.Errorf("load peer store: %w", err)
		}
		a.logger.Debug("loaded peer store", logging.KeyCount, n)
	}

	for _, path := range a.cfg.Keystore.Peers {
		rec, err := loadRecord(path)
		if err != nil {
			return fmt.Errorf("load peer %s: %w", path, err)
		}
		if err := a.keys.Add(rec); err != nil {
			return err
		}
	}
	for _, rec := range a.extra {
		if err := a.keys.Add(rec); err != nil {
			return err
		}
	}

	a.logger.Info("keystore ready",
		logging.KeyIdentity, a.id.QualifiedName(),
		logging.KeyCount, a.keys.Len())
	return nil
}

func (a *Agent) connectBroker() error {
	if a.broker != nil {
		return nil
	}
	switch a.cfg.Broker.Kind {
	case config.BrokerAMQP:
		var (
			conn *amqpbroker.Conn
			err  error
		)
		if opts := a.cfg.Broker.TLS.Options(); !opts.IsZero() {
			tlsCfg, terr := opts.ClientConfig()
			if terr != nil {
				return fmt.Errorf("broker tls: %w", terr)
			}
			conn, err = amqpbroker.DialTLS(a.cfg.Broker.URL, tlsCfg, a.logger)
		} else {
			conn, err = amqpbroker.Dial(a.cfg.Broker.URL, a.logger)
		}
		if err != nil {
			return fmt.Errorf("connect to broker: %w", err)
		}
		a.broker = conn
		a.ownsBroker = true
		return nil
	default:
		return fmt.Errorf("broker kind %q needs an in-process broker", a.cfg.Broker.Kind)
	}
}

func loadRecord(path string) (*keystore.PeerRecord, error) {
	doc, err := identity.LoadDocument(path)
	if err != nil {
		return nil, err
	}
	return keystore.RecordFromDocument(doc)
}

// Start starts the session and the health server. A client returns once
// its first announce is accepted. An agent starts at most once.
func (a *Agent) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return fmt.Errorf("agent already started")
	}

	a.logger.Info("starting agent",
		logging.KeyIdentity, identity.ShortHash(a.id.Hash()),
		logging.KeyComponent, "agent",
		"role", a.cfg.Role)

	a.wg.Add(1)
	go a.asyncErrorLoop()

	var err error
	if a.srv != nil {
		err = a.srv.Start()
	} else {
		err = a.cli.Connect(ctx)
	}
	if err != nil {
		close(a.stopCh)
		a.wg.Wait()
		return err
	}
	a.running.Store(true)

	if a.healthServer != nil {
		if err := a.healthServer.Start(); err != nil {
			a.logger.Error("failed to start HTTP server",
				"address", a.cfg.Health.Address,
				logging.KeyError, err)
			a.Stop()
			return fmt.Errorf("start HTTP server: %w", err)
		}
		a.logger.Info("HTTP server started", "address", a.healthServer.Address())
	}

	a.logger.Info("agent started",
		logging.KeyIdentity, identity.ShortHash(a.id.Hash()),
		"tags", len(a.sess.Tags()))
	return nil
}

// asyncErrorLoop drains the session's asynchronous errors into the log.
func (a *Agent) asyncErrorLoop() {
	defer a.wg.Done()
	defer recovery.RecoverWithLog(a.logger, "agent.asyncErrorLoop")

	errs := a.sess.AsyncErrors()
	for {
		select {
		case <-a.stopCh:
			return
		case err := <-errs:
			a.logger.Warn("session error", logging.KeyError, err)
		}
	}
}

func (a *Agent) dispatch(env *protocol.Envelope) {
	if a.handler != nil {
		a.handler(a, env)
	}
}

// EchoHandler answers text requests with the same text and logs other
// messages.
func EchoHandler(a *Agent, env *protocol.Envelope) {
	text, isText := env.Message.(*protocol.Text)
	if env.Flags.Has(protocol.FlagRPCRequest) && isText {
		if err := a.sess.Reply(env, &protocol.Text{Text: text.Text}, env.Mode); err != nil {
			a.logger.Warn("echo reply failed",
				logging.KeyPeer, identity.ShortHash(env.Sender),
				logging.KeyError, err)
		}
		return
	}

	attrs := []any{
		logging.KeyPeer, identity.ShortHash(env.Sender),
		logging.KeyMessageType, env.Message.Type().String(),
		"mode", env.Mode.String(),
	}
	if isText {
		attrs = append(attrs, "text", text.Text)
	}
	a.logger.Info("message received", attrs...)
}

// Stop closes the session and releases the broker and peer store.
func (a *Agent) Stop() error {
	var err error
	a.stopOnce.Do(func() {
		a.logger.Info("stopping agent", logging.KeyIdentity, identity.ShortHash(a.id.Hash()))
		wasRunning := a.running.Swap(false)

		if a.healthServer != nil {
			a.healthServer.Stop()
		}

		if a.srv != nil {
			err = a.srv.Close()
		} else if a.cli != nil {
			err = a.cli.Close()
		}

		if wasRunning {
			close(a.stopCh)
			a.wg.Wait()
		}
		if cerr := a.closeResources(); err == nil {
			err = cerr
		}

		a.logger.Info("agent stopped", logging.KeyIdentity, identity.ShortHash(a.id.Hash()))
	})
	return err
}

func (a *Agent) closeResources() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	if a.ownsBroker && a.broker != nil {
		errs = append(errs, a.broker.Close())
		a.broker = nil
	}
	return errors.Join(errs...)
}

// StopWithContext stops with a timeout.
func (a *Agent) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- a.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the agent is running.
func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// Identity returns the node's identity.
func (a *Agent) Identity() *identity.Identity { return a.id }

// Session returns the shared session surface.
func (a *Agent) Session() *session.Session { return a.sess }

// Server returns the server session, or nil on a client.
func (a *Agent) Server() *session.Server { return a.srv }

// Client returns the client session, or nil on a server.
func (a *Agent) Client() *session.Client { return a.cli }

// Keystore returns the node's keystore.
func (a *Agent) Keystore() *keystore.Keystore { return a.keys }

// Registry returns the registry the agent's metrics live on.
func (a *Agent) Registry() *prometheus.Registry { return a.registry }

// Stats returns the health snapshot of the session.
func (a *Agent) Stats() health.Stats { return a.provider.Stats() }

// HealthAddress returns the health server's listen address, or "" when
// it is disabled.
func (a *Agent) HealthAddress() string {
	if a.healthServer == nil || a.healthServer.Address() == nil {
		return ""
	}
	return a.healthServer.Address().String()
}
