// Package main provides the CLI entry point for fleetbus nodes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/fleetbus/internal/agent"
	"github.com/postalsys/fleetbus/internal/config"
	"github.com/postalsys/fleetbus/internal/crypto"
	"github.com/postalsys/fleetbus/internal/health"
	"github.com/postalsys/fleetbus/internal/identity"
	"github.com/postalsys/fleetbus/internal/keystore"
	"github.com/postalsys/fleetbus/internal/sysinfo"
	"github.com/postalsys/fleetbus/internal/wizard"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fleetbus",
		Short: "fleetbus - signed, encrypted messaging over a shared broker",
		Long: `fleetbus connects a server and its provisioned clients over a
message broker. Every message is signed by its sender and optionally
encrypted with a per-peer or system-wide shared key. Clients receive
broadcasts by subscribing to tags.`,
		Version:       sysinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(peersCmd())
	rootCmd.AddCommand(certCmd())
	rootCmd.AddCommand(demoCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard",
		Long:  "Generate an identity and write a configuration file interactively.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return errors.New("init needs a terminal; use keygen for scripted setup")
			}
			_, err := wizard.New().Run()
			return err
		},
	}
}

func keygenCmd() *cobra.Command {
	var (
		systemName string
		clientName string
		out        string
		dataDir    string
		curveName  string
		protection string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an identity",
		Long: `Generate a signing identity and write its private and public documents.
The public document (*.pub.json) is what the server provisions.

For password protection the password is read from FLEETBUS_PASSWORD or
prompted for on the terminal.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if identity.Exists(out) && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", out)
			}
			curve, err := crypto.ParseCurve(curveName)
			if err != nil {
				return err
			}

			opts := identity.ExportOptions{Protection: identity.Protection(protection)}
			switch opts.Protection {
			case identity.ProtectionNone, identity.ProtectionPlatform:
			case identity.ProtectionPassword:
				pw, err := newPassword()
				if err != nil {
					return err
				}
				defer crypto.ZeroBytes(pw)
				opts.Password = pw
			default:
				return fmt.Errorf("unknown protection %q (none, password, platform)", protection)
			}

			id, err := identity.Generate(crypto.NewService(nil), systemName, clientName, curve)
			if err != nil {
				return err
			}
			files, err := identity.Create(id, out, dataDir, opts)
			if err != nil {
				return fmt.Errorf("failed to write identity: %w", err)
			}

			fmt.Printf("Identity: %s\n", id.QualifiedName())
			fmt.Printf("Hash:     %s\n", id.Hash())
			fmt.Printf("Private:  %s (%s)\n", files.Private, protection)
			fmt.Printf("Public:   %s\n", files.Public)
			return nil
		},
	}

	cmd.Flags().StringVarP(&systemName, "system", "s", "", "System name")
	cmd.Flags().StringVarP(&clientName, "client", "n", "", "Client name")
	cmd.Flags().StringVarP(&out, "out", "o", "./data/identity.json", "Private document path")
	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for the host key")
	cmd.Flags().StringVar(&curveName, "curve", crypto.CurveP256.String(), "Signing curve (P-256, P-384, P-521)")
	cmd.Flags().StringVar(&protection, "protection", string(identity.ProtectionNone), "Private key protection (none, password, platform)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing identity")
	cmd.MarkFlagRequired("system")
	cmd.MarkFlagRequired("client")

	return cmd
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a fleetbus node",
		Long:  "Start a server or client node with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			var opts []agent.Option
			pw, err := identityPassword(cfg)
			if err != nil {
				return err
			}
			if pw != nil {
				defer crypto.ZeroBytes(pw)
				opts = append(opts, agent.WithPassword(pw))
			}

			a, err := agent.New(cfg, opts...)
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}

			fmt.Printf("Starting fleetbus %s...\n", cfg.Role)
			fmt.Printf("Identity: %s (%s)\n", a.Identity().QualifiedName(), a.Identity().Hash())

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := a.Start(ctx); err != nil {
				a.Stop()
				return fmt.Errorf("failed to start agent: %w", err)
			}

			stats := a.Stats()
			if addr := a.HealthAddress(); addr != "" {
				fmt.Printf("HTTP server: %s\n", addr)
			}
			fmt.Printf("Status: %s (tags: %d, peers: %d)\n", stats.State, stats.Tags, a.Keystore().Len())

			<-ctx.Done()
			fmt.Println("\nShutting down...")

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()

			if err := a.StopWithContext(stopCtx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Node stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./fleetbus.yaml", "Path to configuration file (.yaml or .toml)")

	return cmd
}

// identityPassword prompts for the identity password when the configured
// document needs one and the config does not supply it.
func identityPassword(cfg *config.Config) ([]byte, error) {
	if cfg.Identity.Password != "" {
		return nil, nil
	}
	doc, err := identity.LoadDocument(cfg.Identity.File)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}
	if doc.Protection != identity.ProtectionPassword {
		return nil, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, fmt.Errorf("identity %s is password protected; set identity.password", cfg.Identity.File)
	}
	return readPassword("Identity password: ")
}

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return pw, nil
}

func newPassword() ([]byte, error) {
	if env := os.Getenv("FLEETBUS_PASSWORD"); env != "" {
		return []byte(env), nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, errors.New("set FLEETBUS_PASSWORD or run on a terminal")
	}
	pw, err := readPassword("New password: ")
	if err != nil {
		return nil, err
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(confirm)
	if string(pw) != string(confirm) {
		crypto.ZeroBytes(pw)
		return nil, errors.New("passwords do not match")
	}
	if len(pw) < 8 {
		crypto.ZeroBytes(pw)
		return nil, errors.New("password must be at least 8 characters")
	}
	return pw, nil
}

func statusCmd() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show node status",
		Long:  "Query the HTTP endpoint of a running node and print its state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			base := strings.TrimSuffix(address, "/")
			if !strings.Contains(base, "://") {
				base = "http://" + base
			}
			client := &http.Client{Timeout: 5 * time.Second}

			var st struct {
				Status string `json:"status"`
				health.Stats
			}
			if err := getJSON(client, base+"/healthz", &st); err != nil {
				return err
			}

			var info sysinfo.Info
			if err := getJSON(client, base+"/info", &info); err != nil {
				return err
			}

			fmt.Printf("Status:   %s\n", st.Status)
			fmt.Printf("Node:     %s (%s %s/%s), up %s since %s\n", info.Hostname, info.Version,
				info.OS, info.Arch, info.Uptime, humanize.Time(info.StartTime))
			fmt.Printf("Role:     %s\n", st.Role)
			fmt.Printf("State:    %s\n", st.State)
			fmt.Printf("Identity: %s\n", st.Identity)
			fmt.Printf("Tags:     %d\n", st.Tags)
			fmt.Printf("Pending:  %d calls\n", st.PendingCalls)
			if st.SharedKeyID >= 0 {
				fmt.Printf("Key ID:   %d\n", st.SharedKeyID)
			}
			if st.Role != "server" {
				return nil
			}

			var clients []health.ClientStatus
			if err := getJSON(client, base+"/clients", &clients); err != nil {
				return err
			}
			fmt.Printf("Clients:  %d\n", len(clients))
			for _, c := range clients {
				fmt.Printf("  %s  %s:%s  announced %s, seen %s\n",
					identity.ShortHash(c.Hash), c.SystemName, c.ClientName,
					humanize.Time(c.Announced), humanize.Time(c.LastSeen))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "localhost:8080", "HTTP address of the node")

	return cmd
}

// getJSON decodes the body of url into v. A 503 from /healthz still
// carries stats, so only other non-2xx codes fail.
func getJSON(client *http.Client, url string, v any) error {
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to reach node: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusServiceUnavailable {
		return fmt.Errorf("%s: %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Inspect identity documents",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <file>",
		Short: "Show an identity document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			doc, err := identity.LoadDocument(path)
			if err != nil {
				return err
			}
			info, err := os.Stat(path)
			if err != nil {
				return err
			}

			kind := "public"
			if doc.HasPrivateKey() {
				kind = "private (" + string(doc.Protection) + ")"
			}
			fmt.Printf("Name:     %s:%s\n", doc.SystemName, doc.ClientName)
			fmt.Printf("Hash:     %s\n", doc.Hash)
			fmt.Printf("Curve:    %s\n", doc.Curve)
			fmt.Printf("Document: %s\n", kind)
			fmt.Printf("File:     %s, modified %s\n", humanize.Bytes(uint64(info.Size())), humanize.Time(info.ModTime()))
			return nil
		},
	})

	return cmd
}

func peersCmd() *cobra.Command {
	var storePath string

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Manage provisioned peers",
		Long:  "List, add and remove the peer records a node loads from its peer store.",
	}
	cmd.PersistentFlags().StringVarP(&storePath, "store", "s", "./data/peers.db", "Path to the peer store")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List provisioned peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := keystore.OpenBoltStore(storePath)
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.List()
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("No peers provisioned.")
				return nil
			}
			for _, rec := range recs {
				fmt.Printf("%s  %s\n", rec.Hash, rec.QualifiedName())
			}
			fmt.Printf("%s peers\n", humanize.Comma(int64(len(recs))))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <public-document>...",
		Short: "Provision peers from public documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := keystore.OpenBoltStore(storePath)
			if err != nil {
				return err
			}
			defer store.Close()

			for _, path := range args {
				doc, err := identity.LoadDocument(path)
				if err != nil {
					return err
				}
				rec, err := keystore.RecordFromDocument(doc)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				if err := store.Put(rec); err != nil {
					return err
				}
				fmt.Printf("Provisioned %s (%s)\n", rec.QualifiedName(), identity.ShortHash(rec.Hash))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <hash>",
		Short: "Remove a provisioned peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := keystore.OpenBoltStore(storePath)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed %s\n", identity.ShortHash(args[0]))
			return nil
		},
	})

	return cmd
}
