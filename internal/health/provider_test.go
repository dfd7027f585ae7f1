package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/postalsys/fleetbus/internal/broker/memory"
	"github.com/postalsys/fleetbus/internal/crypto"
	"github.com/postalsys/fleetbus/internal/identity"
	"github.com/postalsys/fleetbus/internal/keystore"
	"github.com/postalsys/fleetbus/internal/logging"
	"github.com/postalsys/fleetbus/internal/session"
)

func newSessionConfig(t *testing.T, svc *crypto.Service, mem *memory.Server, id *identity.Identity) session.Config {
	t.Helper()
	conn := mem.Connect()
	t.Cleanup(func() { conn.Close() })

	cfg := session.DefaultConfig()
	cfg.Identity = id
	cfg.Broker = conn
	cfg.Keystore = keystore.New(id, svc)
	cfg.Crypto = svc
	cfg.Logger = logging.NopLogger()
	cfg.HeartbeatInterval = time.Second
	cfg.AnnounceTimeout = 2 * time.Second
	return cfg
}

func generate(t *testing.T, svc *crypto.Service, name string) *identity.Identity {
	t.Helper()
	id, err := identity.Generate(svc, "plant", name, crypto.CurveP256)
	if err != nil {
		t.Fatalf("Generate(%s): %v", name, err)
	}
	return id
}

func TestSessionProvider(t *testing.T) {
	svc := crypto.NewService(nil)
	mem := memory.NewServer(logging.NopLogger())

	srvID := generate(t, svc, "control")
	cliID := generate(t, svc, "press-01")

	srvCfg := newSessionConfig(t, svc, mem, srvID)
	if err := srvCfg.Keystore.Add(keystore.RecordFromIdentity(cliID)); err != nil {
		t.Fatalf("provision: %v", err)
	}
	srv, err := session.NewServer(srvCfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Close()

	cliCfg := newSessionConfig(t, svc, mem, cliID)
	cliCfg.Server = keystore.RecordFromIdentity(srvID)
	cli, err := session.NewClient(cliCfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer cli.Close()

	cp := ForClient(cli)
	if cp.IsRunning() {
		t.Error("client provider running before Connect")
	}
	if cp.Stats().SharedKeyID != -1 {
		t.Errorf("SharedKeyID = %d before Connect, want -1", cp.Stats().SharedKeyID)
	}

	if err := cli.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if !cp.IsRunning() {
		t.Error("client provider not running after Connect")
	}
	cs := cp.Stats()
	if cs.Role != "client" || cs.State != "CONNECTED" || cs.SharedKeyID != 0 {
		t.Errorf("client stats = %+v", cs)
	}
	if cp.Clients() != nil {
		t.Error("client provider should not list clients")
	}

	sp := ForServer(srv)
	ss := sp.Stats()
	if ss.Role != "server" || ss.ClientCount != 1 || ss.Identity != srvID.Hash() {
		t.Errorf("server stats = %+v", ss)
	}

	hs := NewServer(DefaultServerConfig(), sp)
	sp.Attach(hs)

	req := httptest.NewRequest(http.MethodGet, "/clients/"+cliID.Hash(), nil)
	rec := httptest.NewRecorder()
	hs.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	var c ClientStatus
	if err := json.NewDecoder(rec.Body).Decode(&c); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if c.ClientName != "press-01" {
		t.Errorf("ClientName = %s, want press-01", c.ClientName)
	}
}
