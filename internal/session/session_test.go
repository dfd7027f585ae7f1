package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/postalsys/fleetbus/internal/broker"
	"github.com/postalsys/fleetbus/internal/broker/memory"
	"github.com/postalsys/fleetbus/internal/crypto"
	"github.com/postalsys/fleetbus/internal/identity"
	"github.com/postalsys/fleetbus/internal/keystore"
	"github.com/postalsys/fleetbus/internal/logging"
	"github.com/postalsys/fleetbus/internal/metrics"
	"github.com/postalsys/fleetbus/internal/protocol"
	"github.com/postalsys/fleetbus/internal/rpc"
	"github.com/postalsys/fleetbus/internal/tag"
)

const (
	testSystem = "fleet"
	waitFor    = 3 * time.Second
	tick       = 5 * time.Millisecond
)

type testFleet struct {
	t          *testing.T
	mem        *memory.Server
	svc        *crypto.Service
	server     *identity.Identity
	serverKeys *keystore.Keystore
}

func newTestFleet(t *testing.T) *testFleet {
	t.Helper()
	svc := crypto.NewService(nil)
	srvID, err := identity.Generate(svc, testSystem, "server", crypto.CurveP256)
	require.NoError(t, err)
	return &testFleet{
		t:          t,
		mem:        memory.NewServer(logging.NopLogger()),
		svc:        svc,
		server:     srvID,
		serverKeys: keystore.New(srvID, svc),
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.AnnounceTimeout = time.Second
	cfg.RPCTimeout = time.Second
	cfg.ReannounceMinInterval = 10 * time.Millisecond
	cfg.Logger = logging.NopLogger()
	cfg.Reconnect = ReconnectConfig{InitialDelay: 20 * time.Millisecond, MaxDelay: 100 * time.Millisecond, Multiplier: 2}
	return cfg
}

func (f *testFleet) conn() broker.Broker {
	c := f.mem.Connect()
	f.t.Cleanup(func() { _ = c.Close() })
	return c
}

func (f *testFleet) identity(system, name string) *identity.Identity {
	f.t.Helper()
	id, err := identity.Generate(f.svc, system, name, crypto.CurveP256)
	require.NoError(f.t, err)
	return id
}

func (f *testFleet) provision(id *identity.Identity) {
	f.t.Helper()
	require.NoError(f.t, f.serverKeys.Add(keystore.RecordFromIdentity(id)))
}

func (f *testFleet) startServer(opts ...func(*Config)) *Server {
	f.t.Helper()
	cfg := testConfig()
	cfg.Identity = f.server
	cfg.Broker = f.conn()
	cfg.Keystore = f.serverKeys
	cfg.Crypto = f.svc
	for _, opt := range opts {
		opt(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(f.t, err)
	require.NoError(f.t, srv.Start())
	f.t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func (f *testFleet) newClient(id *identity.Identity, opts ...func(*Config)) *Client {
	f.t.Helper()
	cfg := testConfig()
	cfg.Identity = id
	cfg.Broker = f.conn()
	cfg.Keystore = keystore.New(id, f.svc)
	cfg.Server = keystore.RecordFromIdentity(f.server)
	cfg.Crypto = f.svc
	for _, opt := range opts {
		opt(&cfg)
	}
	c, err := NewClient(cfg)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { _ = c.Close() })
	return c
}

// connectClient provisions and connects a new client.
func (f *testFleet) connectClient(name string, opts ...func(*Config)) *Client {
	f.t.Helper()
	id := f.identity(testSystem, name)
	f.provision(id)
	c := f.newClient(id, opts...)
	require.NoError(f.t, c.Connect(context.Background()))
	return c
}

func withMetrics(m *metrics.Metrics) func(*Config) {
	return func(c *Config) { c.Metrics = m }
}

func withInbox(b *inbox) func(*Config) {
	return func(c *Config) { c.OnMessage = b.add }
}

func withTags(tags ...tag.Tag) func(*Config) {
	return func(c *Config) { c.Tags = tags }
}

// inbox collects application messages.
type inbox struct {
	mu   sync.Mutex
	envs []*protocol.Envelope
}

func (b *inbox) add(env *protocol.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.envs = append(b.envs, env)
}

func (b *inbox) all() []*protocol.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*protocol.Envelope(nil), b.envs...)
}

func (b *inbox) texts() []string {
	var out []string
	for _, env := range b.all() {
		if m, ok := env.Message.(*protocol.Text); ok {
			out = append(out, m.Text)
		}
	}
	return out
}

func (b *inbox) has(text string) bool {
	for _, t := range b.texts() {
		if t == text {
			return true
		}
	}
	return false
}

func waitAsync(t *testing.T, ch <-chan error, target error) error {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case err := <-ch:
			if errors.Is(err, target) {
				return err
			}
		case <-deadline:
			t.Fatalf("no async error matching %v", target)
			return nil
		}
	}
}

func TestHandshake_Accepted(t *testing.T) {
	f := newTestFleet(t)
	srv := f.startServer()
	c := f.connectClient("worker-1")

	require.Equal(t, StateConnected, c.State())

	clients := srv.Clients()
	require.Len(t, clients, 1)
	require.Equal(t, "worker-1", clients[0].ClientName)
	require.Equal(t, c.Hash(), clients[0].Hash)
	require.Equal(t, 50*time.Millisecond, clients[0].HeartbeatInterval)
	require.Equal(t, ClientAnnounced, srv.ClientState(c.Hash()))

	srvID, ok := srv.SharedKeys().CurrentID()
	require.True(t, ok)
	cliID, ok := c.SharedKeys().CurrentID()
	require.True(t, ok)
	require.Equal(t, srvID, cliID)

	srvKey, err := srv.SharedKeys().Get(srvID)
	require.NoError(t, err)
	cliKey, err := c.SharedKeys().Get(cliID)
	require.NoError(t, err)
	require.Equal(t, srvKey, cliKey)
}

func TestHandshake_UnknownIdentityRejected(t *testing.T) {
	f := newTestFleet(t)
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	srv := f.startServer(withMetrics(m))

	c := f.newClient(f.identity(testSystem, "stranger"))
	err := c.Connect(context.Background())

	var rejected *AnnounceRejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, ReasonUnknownIdentity, rejected.Reason)
	require.Equal(t, StateDisconnected, c.State())
	require.Empty(t, srv.Clients())
	require.Equal(t, ClientUnannounced, srv.ClientState(c.Hash()))
	require.Equal(t, 1.0, testutil.ToFloat64(m.AnnouncesTotal.WithLabelValues("rejected")))

	asyncErr := waitAsync(t, srv.AsyncErrors(), protocol.ErrUnknownIdentity)
	require.ErrorIs(t, asyncErr, protocol.ErrSignatureInvalid)
	var ae *AsyncError
	require.ErrorAs(t, asyncErr, &ae)
	require.Equal(t, c.Hash(), ae.Peer)
}

func TestHandshake_SystemMismatchRejected(t *testing.T) {
	f := newTestFleet(t)
	srv := f.startServer()

	id := f.identity("other", "worker-1")
	f.provision(id)
	c := f.newClient(id)

	var rejected *AnnounceRejectedError
	require.ErrorAs(t, c.Connect(context.Background()), &rejected)
	require.Equal(t, ReasonSystemMismatch, rejected.Reason)
	require.Empty(t, srv.Clients())
}

func TestHandshake_NoServerTimesOut(t *testing.T) {
	f := newTestFleet(t)
	id := f.identity(testSystem, "worker-1")
	c := f.newClient(id, func(cfg *Config) { cfg.AnnounceTimeout = 100 * time.Millisecond })

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnectionTimeout)
	require.Equal(t, StateDisconnected, c.State())
	require.Zero(t, c.PendingCalls())
}

func TestHandshake_DuplicateAnnounceRefreshes(t *testing.T) {
	f := newTestFleet(t)
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	srv := f.startServer(withMetrics(m))
	c := f.connectClient("worker-1")

	first := srv.Clients()[0].Announced
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, c.announce(context.Background()))
	require.Equal(t, StateConnected, c.State())

	clients := srv.Clients()
	require.Len(t, clients, 1)
	require.True(t, clients[0].Announced.After(first))
	require.Equal(t, 1.0, testutil.ToFloat64(m.AnnouncesTotal.WithLabelValues("accepted")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.AnnouncesTotal.WithLabelValues("refreshed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ClientsAnnounced))
}

func TestHeartbeat_KeepsSessionAlive(t *testing.T) {
	f := newTestFleet(t)
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	srv := f.startServer(withMetrics(m))
	c := f.connectClient("worker-1")

	time.Sleep(400 * time.Millisecond)

	require.Equal(t, StateConnected, c.State())
	require.Len(t, srv.Clients(), 1)
	require.Greater(t, testutil.ToFloat64(m.HeartbeatsReceived), 0.0)
	require.Greater(t, testutil.ToFloat64(m.HeartbeatsSent), 0.0)
	require.Zero(t, testutil.ToFloat64(m.HeartbeatTimeouts.WithLabelValues("server")))
}

func TestHeartbeat_ServerRemovesSilentClient(t *testing.T) {
	f := newTestFleet(t)
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	srv := f.startServer(withMetrics(m))
	c := f.connectClient("worker-1")

	c.stopHeartbeat()

	require.Eventually(t, func() bool { return len(srv.Clients()) == 0 }, waitFor, tick)
	require.Equal(t, ClientRemoved, srv.ClientState(c.Hash()))
	require.Equal(t, 1.0, testutil.ToFloat64(m.HeartbeatTimeouts.WithLabelValues("server")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ClientRemovals.WithLabelValues("timeout")))
}

func TestHeartbeat_ClientDetectsServerLoss(t *testing.T) {
	f := newTestFleet(t)
	srv := f.startServer()
	c := f.connectClient("worker-1")

	require.NoError(t, srv.Close())

	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, waitFor, tick)
	waitAsync(t, c.AsyncErrors(), ErrConnectionTimeout)

	err := c.Send(srv.Hash(), &protocol.Text{Text: "late"}, protocol.ModeNone)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestReconnect_AfterServerLoss(t *testing.T) {
	f := newTestFleet(t)
	srv := f.startServer()
	c := f.connectClient("worker-1", func(cfg *Config) {
		cfg.AutoReconnect = true
		cfg.AnnounceTimeout = 200 * time.Millisecond
	})

	require.NoError(t, srv.Close())
	require.Eventually(t, func() bool { return c.State() == StateReconnecting || c.State() == StateAnnouncing }, waitFor, tick)

	restarted := f.startServer()
	require.Eventually(t, func() bool {
		return c.State() == StateConnected && len(restarted.Clients()) == 1
	}, waitFor, tick)
}

func TestReannounce_AfterServerRestart(t *testing.T) {
	f := newTestFleet(t)
	srv := f.startServer()
	c := f.connectClient("worker-1")

	require.NoError(t, srv.Close())
	restarted := f.startServer()

	require.Eventually(t, func() bool { return len(restarted.Clients()) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, waitFor, tick)

	srvKey, err := restarted.SharedKeys().Get(0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		key, err := c.SharedKeys().Get(0)
		return err == nil && string(key) == string(srvKey)
	}, waitFor, tick)
}

func TestReannounce_TriggeredByUnannouncedTraffic(t *testing.T) {
	f := newTestFleet(t)
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	srv := f.startServer(withMetrics(m))
	c := f.connectClient("worker-1")

	require.True(t, srv.removeClient(c.Hash(), nil, "test"))
	require.Empty(t, srv.Clients())

	// The client keeps sending heartbeats, which the server answers
	// with a re-announce request.
	require.Eventually(t, func() bool { return len(srv.Clients()) == 1 }, waitFor, tick)
	require.GreaterOrEqual(t, testutil.ToFloat64(m.ReannounceRequests), 2.0)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, waitFor, tick)
}

func TestClientClose_RemovesRecord(t *testing.T) {
	f := newTestFleet(t)
	srv := f.startServer()
	c := f.connectClient("worker-1")

	require.NoError(t, c.Close())
	require.Equal(t, StateClosed, c.State())

	require.Eventually(t, func() bool { return srv.ClientState(c.Hash()) == ClientRemoved }, waitFor, tick)
	require.ErrorIs(t, c.Send(srv.Hash(), &protocol.Text{Text: "x"}, protocol.ModeNone), ErrClosed)
	require.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
}

func TestSharedKey_RetainedKeyStillDecrypts(t *testing.T) {
	f := newTestFleet(t)
	var got inbox
	srv := f.startServer(withInbox(&got))
	c := f.connectClient("worker-1")

	// Move the server to id 1 without telling the client.
	sk, err := srv.SharedKeys().Rotate(f.svc)
	require.NoError(t, err)
	require.Equal(t, uint16(1), sk.ID)

	require.NoError(t, c.Send(srv.Hash(), &protocol.Text{Text: "old key"}, protocol.ModeSharedKey))
	require.Eventually(t, func() bool { return got.has("old key") }, waitFor, tick)
	require.Equal(t, uint16(0), got.all()[0].SharedKeyID)
	require.Equal(t, protocol.ModeSharedKey, got.all()[0].Mode)

	sk, err = srv.RotateSharedKey()
	require.NoError(t, err)
	require.Equal(t, uint16(2), sk.ID)
	require.Eventually(t, func() bool {
		id, ok := c.SharedKeys().CurrentID()
		return ok && id == 2
	}, waitFor, tick)

	require.NoError(t, c.Send(srv.Hash(), &protocol.Text{Text: "new key"}, protocol.ModeSharedKey))
	require.Eventually(t, func() bool { return got.has("new key") }, waitFor, tick)
	envs := got.all()
	require.Equal(t, uint16(2), envs[len(envs)-1].SharedKeyID)
}

func TestSharedKey_RotationCeiling(t *testing.T) {
	f := newTestFleet(t)
	srv := f.startServer(func(c *Config) { c.MaxSharedKeyID = 1 })

	sk, err := srv.RotateSharedKey()
	require.NoError(t, err)
	require.Equal(t, uint16(1), sk.ID)

	_, err = srv.RotateSharedKey()
	require.ErrorIs(t, err, keystore.ErrRotationCeiling)
}

func TestSharedKey_ZeroMaxIDAllowsOnlyFirstKey(t *testing.T) {
	f := newTestFleet(t)
	srv := f.startServer(func(c *Config) { c.MaxSharedKeyID = 0 })

	require.Equal(t, uint16(0), srv.SharedKeys().MaxID())
	id, ok := srv.SharedKeys().CurrentID()
	require.True(t, ok)
	require.Equal(t, uint16(0), id)

	_, err := srv.RotateSharedKey()
	require.ErrorIs(t, err, keystore.ErrRotationCeiling)
}

func TestSharedKey_StaleAnnounceKeepsNewerKey(t *testing.T) {
	f := newTestFleet(t)
	srv := f.startServer()
	c := f.connectClient("press")

	key0, err := srv.SharedKeys().Get(0)
	require.NoError(t, err)
	_, err = srv.RotateSharedKey()
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		id, ok := c.SharedKeys().CurrentID()
		return ok && id == 1
	}, waitFor, tick)

	// An announce answered before the rotation is applied after it.
	require.NoError(t, c.installSharedKey(srv.Epoch(), 0, key0))
	id, _ := c.SharedKeys().CurrentID()
	require.Equal(t, uint16(1), id)
	require.Equal(t, []uint16{0, 1}, c.SharedKeys().IDs())

	// A restarted server starts again from key 0.
	fresh, err := f.svc.NewSymmetricKey()
	require.NoError(t, err)
	require.NoError(t, c.installSharedKey("next-lifetime", 0, fresh))
	require.Equal(t, []uint16{0}, c.SharedKeys().IDs())
	got, err := c.SharedKeys().Get(0)
	require.NoError(t, err)
	require.Equal(t, fresh, got)
}

func TestSharedKey_UpdateBeforeAnnounceResponse(t *testing.T) {
	f := newTestFleet(t)
	id := f.identity(testSystem, "lathe")
	c := f.newClient(id)

	k0, err := f.svc.NewSymmetricKey()
	require.NoError(t, err)
	k1, err := f.svc.NewSymmetricKey()
	require.NoError(t, err)

	require.NoError(t, c.installSharedKey("lifetime", 1, k1))
	require.NoError(t, c.installSharedKey("lifetime", 0, k0))

	cur, err := c.SharedKeys().Current()
	require.NoError(t, err)
	require.Equal(t, uint16(1), cur.ID)
	require.Equal(t, k1, cur.Key)
}

func TestTagRouting(t *testing.T) {
	f := newTestFleet(t)
	srv := f.startServer()

	var odd, even, none, painter inbox
	f.connectClient("odd", withInbox(&odd), withTags(tag.MustNew("odd")))
	f.connectClient("even", withInbox(&even), withTags(tag.MustNew("even")))
	f.connectClient("none", withInbox(&none))
	f.connectClient("painter", withInbox(&painter), withTags(tag.MustNew("color")))

	require.NoError(t, srv.Publish(&protocol.Text{Text: "1"}, protocol.ModeSharedKey, tag.MustNew("odd")))
	require.NoError(t, srv.Publish(&protocol.Text{Text: "2"}, protocol.ModeSharedKey, tag.MustNew("even")))
	require.NoError(t, srv.Publish(&protocol.Text{Text: "red"}, protocol.ModeNone, tag.MustNewValue("color", "red")))
	require.NoError(t, srv.Broadcast(&protocol.Text{Text: "all"}, protocol.ModeNone))

	for _, b := range []*inbox{&odd, &even, &none, &painter} {
		require.Eventually(t, func() bool { return b.has("all") }, waitFor, tick)
	}

	require.Equal(t, []string{"1", "all"}, odd.texts())
	require.Equal(t, []string{"2", "all"}, even.texts())
	require.Equal(t, []string{"all"}, none.texts())
	require.Equal(t, []string{"red", "all"}, painter.texts())

	red := painter.all()[0]
	require.Equal(t, []tag.Tag{tag.MustNewValue("color", "red")}, red.Tags)
	require.Equal(t, srv.Hash(), red.Sender)

	all := none.all()[0]
	require.True(t, all.Flags.Has(protocol.FlagBroadcast))
	require.Equal(t, []tag.Tag{tag.Broadcast}, all.Tags)
}

func TestSubscribe_AfterConnect(t *testing.T) {
	f := newTestFleet(t)
	srv := f.startServer()

	var got inbox
	c := f.connectClient("worker-1", withInbox(&got))

	late := tag.MustNew("late")
	require.NoError(t, c.Subscribe(late))
	require.Contains(t, c.Tags(), late)

	require.NoError(t, srv.Publish(&protocol.Text{Text: "first"}, protocol.ModeNone, late))
	require.Eventually(t, func() bool { return got.has("first") }, waitFor, tick)

	require.NoError(t, c.Unsubscribe(late))
	require.NoError(t, srv.Publish(&protocol.Text{Text: "second"}, protocol.ModeNone, late))
	require.NoError(t, srv.Broadcast(&protocol.Text{Text: "marker"}, protocol.ModeNone))
	require.Eventually(t, func() bool { return got.has("marker") }, waitFor, tick)

	require.Equal(t, []string{"first", "marker"}, got.texts())
}

func TestCall_OutOfOrderReplies(t *testing.T) {
	f := newTestFleet(t)

	// The server holds the first request until the second arrives and
	// answers them in reverse order.
	var (
		srv  *Server
		held *protocol.Envelope
	)
	echo := func(env *protocol.Envelope) {
		text := env.Message.(*protocol.Text).Text
		if err := srv.Reply(env, &protocol.Text{Text: "echo:" + text}, protocol.ModePrivateKey); err != nil {
			t.Errorf("reply %s: %v", text, err)
		}
	}
	srv = f.startServer(func(c *Config) {
		c.OnMessage = func(env *protocol.Envelope) {
			if env.ReplyTo == "" {
				return
			}
			if held == nil {
				held = env
				return
			}
			echo(env)
			echo(held)
			held = nil
		}
	})
	c := f.connectClient("worker-1")

	var wg sync.WaitGroup
	results := make([]rpc.Outcome, 2)
	errs := make([]error, 2)
	for i, text := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Call(context.Background(), srv.Hash(), &protocol.Text{Text: text}, protocol.ModePrivateKey, 2*time.Second)
		}()
	}
	wg.Wait()
	require.NoError(t, errors.Join(errs...))

	for i, text := range []string{"a", "b"} {
		require.Equal(t, rpc.Success, results[i].Result)
		require.Equal(t, "echo:"+text, results[i].Envelope.Message.(*protocol.Text).Text)
		require.Equal(t, srv.Hash(), results[i].Envelope.Sender)
		require.True(t, results[i].Envelope.Flags.Has(protocol.FlagRPCResponse))
	}
	require.NotEqual(t, results[0].CorrelationID, results[1].CorrelationID)
	require.Zero(t, c.PendingCalls())
}

func TestCall_Timeout(t *testing.T) {
	f := newTestFleet(t)
	srv := f.startServer()
	c := f.connectClient("worker-1")

	out, err := c.Call(context.Background(), srv.Hash(), &protocol.Text{Text: "ignored"}, protocol.ModeNone, 100*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, rpc.Timeout, out.Result)
	require.Nil(t, out.Envelope)
	require.Zero(t, c.PendingCalls())
}

func TestCallNoWait_ReplyReachesHandler(t *testing.T) {
	f := newTestFleet(t)
	var srv *Server
	srv = f.startServer(func(c *Config) {
		c.OnMessage = func(env *protocol.Envelope) {
			_ = srv.Reply(env, &protocol.Text{Text: "pong"}, protocol.ModeNone)
		}
	})
	var got inbox
	c := f.connectClient("worker-1", withInbox(&got))

	id, err := c.CallNoWait(srv.Hash(), &protocol.Text{Text: "ping"}, protocol.ModeNone)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool { return got.has("pong") }, waitFor, tick)
	require.Equal(t, id, got.all()[0].CorrelationID)
}

func TestClose_CancelsPendingCalls(t *testing.T) {
	f := newTestFleet(t)
	srv := f.startServer()
	c := f.connectClient("worker-1")

	done := make(chan rpc.Outcome, 1)
	go func() {
		out, _ := c.Call(context.Background(), srv.Hash(), &protocol.Text{Text: "never answered"}, protocol.ModeNone, 10*time.Second)
		done <- out
	}()

	require.Eventually(t, func() bool { return c.PendingCalls() == 1 }, waitFor, tick)
	require.NoError(t, c.Close())

	select {
	case out := <-done:
		require.Equal(t, rpc.Cancelled, out.Result)
	case <-time.After(waitFor):
		t.Fatal("call not cancelled by Close")
	}
}

func TestSend_RequiresConnection(t *testing.T) {
	f := newTestFleet(t)
	c := f.newClient(f.identity(testSystem, "worker-1"))

	err := c.Send(f.server.Hash(), &protocol.Text{Text: "x"}, protocol.ModeNone)
	require.ErrorIs(t, err, ErrNotConnected)

	_, err = c.Call(context.Background(), f.server.Hash(), &protocol.Text{Text: "x"}, protocol.ModeNone, 0)
	require.ErrorIs(t, err, ErrNotConnected)

	require.ErrorIs(t, c.Broadcast(&protocol.Text{Text: "x"}, protocol.ModeNone), ErrNotConnected)
}

func TestSend_UnknownRecipient(t *testing.T) {
	f := newTestFleet(t)
	srv := f.startServer()

	err := srv.Send(f.identity(testSystem, "ghost").Hash(), &protocol.Text{Text: "x"}, protocol.ModeNone)
	require.ErrorIs(t, err, ErrNoRoute)
	require.ErrorIs(t, err, keystore.ErrUnknownIdentity)
}

func TestReply_RequiresReplyAddress(t *testing.T) {
	f := newTestFleet(t)
	srv := f.startServer()

	err := srv.Reply(&protocol.Envelope{Sender: f.server.Hash()}, &protocol.Text{Text: "x"}, protocol.ModeNone)
	require.ErrorIs(t, err, ErrNoReplyTo)
}

func TestAsyncErrors_OverflowIsDropped(t *testing.T) {
	f := newTestFleet(t)
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())

	var calls int
	var mu sync.Mutex
	srv := f.startServer(withMetrics(m), func(c *Config) {
		c.OnAsyncError = func(error) {
			mu.Lock()
			calls++
			mu.Unlock()
		}
	})

	for i := 0; i < asyncErrorBuffer+3; i++ {
		srv.reportAsync(errors.New("boom"))
	}

	require.Len(t, srv.AsyncErrors(), asyncErrorBuffer)
	require.Equal(t, 3.0, testutil.ToFloat64(m.AsyncErrorsDropped))
	mu.Lock()
	require.Equal(t, asyncErrorBuffer+3, calls)
	mu.Unlock()
}

func TestTagsFromHeaders(t *testing.T) {
	h := broker.HeaderTable(tag.HeaderKeys(tag.MustNewValue("color", "red"), tag.MustNew("odd"))...)
	h[RecipientHeader] = "ABC"
	h[tag.Sender("AB-CD").Mangle()] = ""

	require.Equal(t, []tag.Tag{tag.MustNewValue("color", "red"), tag.MustNew("odd")}, tagsFromHeaders(h))
}

func TestConfig_Validate(t *testing.T) {
	f := newTestFleet(t)

	_, err := NewServer(Config{})
	require.Error(t, err)

	other := f.identity(testSystem, "other")
	_, err = NewServer(Config{Identity: f.server, Broker: f.conn(), Keystore: keystore.New(other, f.svc)})
	require.Error(t, err)

	cfg := testConfig()
	cfg.Identity = other
	cfg.Broker = f.conn()
	cfg.Keystore = keystore.New(other, f.svc)
	_, err = NewClient(cfg)
	require.Error(t, err)
}
