package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/fleetbus/internal/agent"
	"github.com/postalsys/fleetbus/internal/broker"
	"github.com/postalsys/fleetbus/internal/broker/memory"
	"github.com/postalsys/fleetbus/internal/config"
	"github.com/postalsys/fleetbus/internal/crypto"
	"github.com/postalsys/fleetbus/internal/identity"
	"github.com/postalsys/fleetbus/internal/keystore"
	"github.com/postalsys/fleetbus/internal/logging"
	"github.com/postalsys/fleetbus/internal/protocol"
	"github.com/postalsys/fleetbus/internal/tag"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF79C6"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#50FA7B"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555"))
)

type demoOptions struct {
	clients   int
	brokerURL string
	logLevel  string
	heartbeat time.Duration
}

func demoCmd() *cobra.Command {
	var opts demoOptions

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a server and clients in one process",
		Long: `Start a server and several clients with throwaway identities.
Odd-numbered clients subscribe to the "odd" tag and even-numbered clients
to "even". The server publishes to both tags with the shared key and
every client calls the server's echo handler.

Without --broker-url everything runs on an in-process broker.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			return runDemo(ctx, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.clients, "clients", "n", 4, "Number of clients")
	cmd.Flags().StringVar(&opts.brokerURL, "broker-url", "", "AMQP URL (default: in-process broker)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "warn", "Log level")
	cmd.Flags().DurationVar(&opts.heartbeat, "heartbeat", 2*time.Second, "Heartbeat interval")

	return cmd
}

type demoNode struct {
	*agent.Agent
	name string
}

func runDemo(ctx context.Context, opts demoOptions) error {
	if opts.clients < 1 {
		return fmt.Errorf("need at least one client")
	}
	logger := logging.NewLoggerWithWriter(opts.logLevel, "text", os.Stderr)
	svc := crypto.NewService(nil)

	var mem *memory.Server
	if opts.brokerURL == "" {
		mem = memory.NewServer(logger)
	}
	var conns []*memory.Conn
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	connect := func() broker.Broker {
		if mem == nil {
			return nil
		}
		c := mem.Connect()
		conns = append(conns, c)
		return c
	}

	srvID, err := identity.Generate(svc, "demo", "server", crypto.CurveP256)
	if err != nil {
		return err
	}
	clientIDs := make([]*identity.Identity, opts.clients)
	peers := make([]*keystore.PeerRecord, opts.clients)
	for i := range clientIDs {
		if clientIDs[i], err = identity.Generate(svc, "demo", fmt.Sprintf("client-%02d", i+1), crypto.CurveP256); err != nil {
			return err
		}
		peers[i] = keystore.RecordFromIdentity(clientIDs[i])
	}

	fmt.Println(headingStyle.Render("Starting server"))
	srvCfg := demoConfig(opts, srvID, config.RoleServer)
	srv, err := newDemoNode(srvCfg, srvID, connect(), logger, agent.WithPeers(peers...))
	if err != nil {
		return err
	}
	defer srv.Stop()
	if err := srv.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("  %s %s\n", srv.name, identity.ShortHash(srvID.Hash()))

	fmt.Println(headingStyle.Render("Connecting clients"))
	received := newInbox()
	clients := make([]*demoNode, 0, opts.clients)
	for i, id := range clientIDs {
		cfg := demoConfig(opts, id, config.RoleClient)
		if i%2 == 0 {
			cfg.Subscriptions = []string{"odd"}
		} else {
			cfg.Subscriptions = []string{"even"}
		}

		c, err := newDemoNode(cfg, id, connect(), logger,
			agent.WithServer(keystore.RecordFromIdentity(srvID)),
			agent.WithMessageHandler(received.handler(id.ClientName())))
		if err != nil {
			return err
		}
		defer c.Stop()

		start := time.Now()
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
		fmt.Printf("  %s subscribed to %v, announced in %s\n", c.name, cfg.Subscriptions, time.Since(start).Round(time.Millisecond))
		clients = append(clients, c)
	}

	fmt.Println(headingStyle.Render("Publishing by tag"))
	for _, name := range []string{"odd", "even"} {
		t, err := tag.New(name)
		if err != nil {
			return err
		}
		msg := &protocol.Text{Text: "hello " + name + " clients"}
		if err := srv.Session().Publish(msg, protocol.ModeSharedKey, t); err != nil {
			return fmt.Errorf("publish %s: %w", name, err)
		}
	}
	received.wait(opts.clients, 5*time.Second)
	for _, line := range received.lines() {
		fmt.Println("  " + line)
	}

	fmt.Println(headingStyle.Render("Calling server echo"))
	for _, c := range clients {
		out, err := c.Session().Call(ctx, srvID.Hash(), &protocol.Text{Text: "ping from " + c.name}, protocol.ModePrivateKey, 0)
		if err != nil {
			fmt.Printf("  %s %s: %v\n", failStyle.Render("✗"), c.name, err)
			continue
		}
		reply := ""
		if out.Envelope != nil {
			if txt, ok := out.Envelope.Message.(*protocol.Text); ok {
				reply = txt.Text
			}
		}
		mark := okStyle.Render("✓")
		if reply == "" {
			mark = failStyle.Render("✗")
		}
		fmt.Printf("  %s %s: %s %q in %s\n", mark, c.name, out.Result, reply, out.Duration.Round(time.Microsecond))
	}

	fmt.Println(headingStyle.Render("Server view"))
	st := srv.Stats()
	fmt.Printf("  %d clients, shared key %d, %d pending calls\n", st.ClientCount, st.SharedKeyID, st.PendingCalls)
	for _, info := range srv.Server().Clients() {
		fmt.Printf("  %s %-10s announced %s\n", identity.ShortHash(info.Hash), info.ClientName, humanize.Time(info.Announced))
	}
	return nil
}

func newDemoNode(cfg *config.Config, id *identity.Identity, b broker.Broker, logger *slog.Logger, opts ...agent.Option) (*demoNode, error) {
	opts = append(opts, agent.WithIdentity(id), agent.WithLogger(logger))
	if b != nil {
		opts = append(opts, agent.WithBroker(b))
	}
	a, err := agent.New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &demoNode{Agent: a, name: id.ClientName()}, nil
}

func demoConfig(opts demoOptions, id *identity.Identity, role string) *config.Config {
	cfg := config.Default()
	cfg.SystemName = id.SystemName()
	cfg.ClientName = id.ClientName()
	cfg.Role = role
	cfg.Keystore.Path = ""
	cfg.Session.HeartbeatInterval = opts.heartbeat
	cfg.Broker.Kind = config.BrokerMemory
	if opts.brokerURL != "" {
		cfg.Broker.Kind = config.BrokerAMQP
		cfg.Broker.URL = opts.brokerURL
	}
	return cfg
}

// inbox collects the messages delivered to demo clients.
type inbox struct {
	mu    sync.Mutex
	got   []string
	count chan struct{}
}

func newInbox() *inbox {
	return &inbox{count: make(chan struct{}, 1024)}
}

func (b *inbox) handler(name string) agent.MessageHandler {
	return func(a *agent.Agent, env *protocol.Envelope) {
		txt, ok := env.Message.(*protocol.Text)
		if !ok {
			return
		}
		b.mu.Lock()
		b.got = append(b.got, fmt.Sprintf("%s got %q (%s, key %d)", name, txt.Text, env.Mode, env.SharedKeyID))
		b.mu.Unlock()
		b.count <- struct{}{}
	}
}

func (b *inbox) wait(n int, timeout time.Duration) {
	deadline := time.After(timeout)
	for i := 0; i < n; i++ {
		select {
		case <-b.count:
		case <-deadline:
			return
		}
	}
}

func (b *inbox) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.got...)
}
