package main

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/fleetbus/internal/certutil"
	"github.com/postalsys/fleetbus/internal/crypto"
)

func certCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Manage broker TLS certificates",
		Long: `Issue and inspect certificates for amqps brokers.

A development CA can sign the broker's server certificate and one client
certificate per node; nodes reference them under broker.tls.`,
	}

	cmd.AddCommand(certIssueCmd())
	cmd.AddCommand(certInfoCmd())
	return cmd
}

func certIssueCmd() *cobra.Command {
	var (
		kindName string
		name     string
		outDir   string
		caCert   string
		caKey    string
		validFor time.Duration
		dnsNames []string
		ips      []string
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a CA, server or client certificate",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := certutil.ParseKind(kindName)
			if err != nil {
				return err
			}

			opts := certutil.DefaultOptions(kind, name)
			if validFor > 0 {
				opts.ValidFor = validFor
			}
			opts.DNSNames = append(opts.DNSNames, dnsNames...)
			for _, s := range ips {
				ip := net.ParseIP(s)
				if ip == nil {
					return fmt.Errorf("invalid IP address %q", s)
				}
				opts.IPAddresses = append(opts.IPAddresses, ip)
			}

			if kind != certutil.KindCA {
				if caCert == "" || caKey == "" {
					return fmt.Errorf("--ca-cert and --ca-key are required for %s certificates", kind)
				}
				if opts.Issuer, err = certutil.Load(caCert, caKey); err != nil {
					return fmt.Errorf("failed to load CA: %w", err)
				}
			}

			cert, err := certutil.Generate(crypto.NewService(nil), opts)
			if err != nil {
				return err
			}

			base := strings.ReplaceAll(name, " ", "-")
			certPath := filepath.Join(outDir, base+".crt")
			keyPath := filepath.Join(outDir, base+".key")
			if err := cert.Save(certPath, keyPath); err != nil {
				return err
			}

			fmt.Printf("Issued %s certificate for %s\n", kind, name)
			fmt.Printf("Certificate: %s\n", certPath)
			fmt.Printf("Key:         %s\n", keyPath)
			fmt.Printf("Fingerprint: %s\n", cert.Fingerprint())
			fmt.Printf("Expires:     %s\n", humanize.Time(cert.Certificate.NotAfter))
			return nil
		},
	}

	cmd.Flags().StringVarP(&kindName, "kind", "k", "client", "Certificate kind (ca, server, client)")
	cmd.Flags().StringVarP(&name, "name", "n", "", "Common name")
	cmd.Flags().StringVarP(&outDir, "out", "o", "./certs", "Output directory")
	cmd.Flags().StringVar(&caCert, "ca-cert", "", "CA certificate for signing")
	cmd.Flags().StringVar(&caKey, "ca-key", "", "CA private key for signing")
	cmd.Flags().DurationVar(&validFor, "valid-for", 0, "Validity period (default 90 days, 1 year for a CA)")
	cmd.Flags().StringSliceVar(&dnsNames, "dns", nil, "Additional DNS names")
	cmd.Flags().StringSliceVar(&ips, "ip", nil, "Additional IP addresses")
	cmd.MarkFlagRequired("name")

	return cmd
}

func certInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <cert-file>",
		Short: "Show certificate details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := certutil.DescribeFile(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Subject:     %s\n", info.Subject)
			fmt.Printf("Issuer:      %s\n", info.Issuer)
			fmt.Printf("CA:          %v\n", info.IsCA)
			fmt.Printf("Valid:       %s to %s\n", info.NotBefore.Format(time.RFC3339), info.NotAfter.Format(time.RFC3339))
			fmt.Printf("Expires:     %s\n", humanize.Time(info.NotAfter))
			fmt.Printf("Fingerprint: %s\n", info.Fingerprint)
			if len(info.DNSNames) > 0 {
				fmt.Printf("DNS names:   %s\n", strings.Join(info.DNSNames, ", "))
			}
			if len(info.IPAddresses) > 0 {
				fmt.Printf("IPs:         %s\n", strings.Join(info.IPAddresses, ", "))
			}
			return nil
		},
	}
}
