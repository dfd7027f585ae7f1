// Package certutil builds TLS configuration for amqps broker connections
// and issues certificates for development brokers.
package certutil

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/postalsys/fleetbus/internal/crypto"
)

// TLSOptions names the files an amqps connection is configured from.
// All fields are optional; an empty value keeps the system default.
type TLSOptions struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// IsZero reports whether no option is set.
func (o TLSOptions) IsZero() bool {
	return o == TLSOptions{}
}

// Validate checks that the client certificate and key are given together.
func (o TLSOptions) Validate() error {
	if (o.CertFile == "") != (o.KeyFile == "") {
		return errors.New("cert_file and key_file must be set together")
	}
	return nil
}

// ClientConfig loads the files and returns a client TLS configuration.
func (o TLSOptions) ClientConfig() (*tls.Config, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         o.ServerName,
		InsecureSkipVerify: o.InsecureSkipVerify,
	}

	if o.CAFile != "" {
		pool, err := CertPoolFromFiles(o.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if o.CertFile != "" {
		pair, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}

// Kind selects the key usage of an issued certificate.
type Kind int

const (
	KindCA Kind = iota
	KindServer
	KindClient
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindCA:
		return "ca"
	case KindServer:
		return "server"
	case KindClient:
		return "client"
	default:
		return "unknown"
	}
}

// ParseKind parses "ca", "server" or "client".
func ParseKind(s string) (Kind, error) {
	switch s {
	case "ca":
		return KindCA, nil
	case "server":
		return KindServer, nil
	case "client":
		return KindClient, nil
	}
	return 0, fmt.Errorf("unknown certificate kind %q", s)
}

// Options configures certificate generation.
type Options struct {
	CommonName  string
	ValidFor    time.Duration
	Kind        Kind
	DNSNames    []string
	IPAddresses []net.IP

	// Issuer signs the certificate. Nil means self-signed.
	Issuer *Cert
}

// DefaultOptions returns the options for kind. Server certificates are
// valid for localhost as well as commonName.
func DefaultOptions(kind Kind, commonName string) Options {
	opts := Options{
		CommonName: commonName,
		ValidFor:   90 * 24 * time.Hour,
		Kind:       kind,
	}
	switch kind {
	case KindCA:
		opts.ValidFor = 365 * 24 * time.Hour
	case KindServer:
		opts.DNSNames = []string{commonName, "localhost"}
		opts.IPAddresses = []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}
	}
	return opts
}

// Cert is a certificate with its private key.
type Cert struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
	CertPEM     []byte
	KeyPEM      []byte
}

// Fingerprint returns the SHA-256 fingerprint of the certificate.
func (c *Cert) Fingerprint() string {
	return Fingerprint(c.Certificate)
}

// Save writes the certificate and key. The key file is private.
func (c *Cert) Save(certPath, keyPath string) error {
	for _, p := range []string{certPath, keyPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if err := os.WriteFile(certPath, c.CertPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, c.KeyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

// Generate creates a P-256 certificate as described by opts.
func Generate(svc *crypto.Service, opts Options) (*Cert, error) {
	if opts.CommonName == "" {
		return nil, errors.New("common name is required")
	}
	if opts.Issuer != nil && !opts.Issuer.Certificate.IsCA {
		return nil, errors.New("issuer is not a CA")
	}

	key, err := svc.GenerateKey(crypto.CurveP256)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(svc.Rand(), new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: []string{"fleetbus"},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(opts.ValidFor),
		BasicConstraintsValid: true,
		DNSNames:              opts.DNSNames,
		IPAddresses:           opts.IPAddresses,
		KeyUsage:              x509.KeyUsageDigitalSignature,
	}
	switch opts.Kind {
	case KindCA:
		tmpl.IsCA = true
		tmpl.KeyUsage |= x509.KeyUsageCertSign | x509.KeyUsageCRLSign
		tmpl.MaxPathLen = 0
		tmpl.MaxPathLenZero = true
	case KindServer:
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	case KindClient:
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	parent, signer := tmpl, key
	if opts.Issuer != nil {
		parent, signer = opts.Issuer.Certificate, opts.Issuer.PrivateKey
	}
	der, err := x509.CreateCertificate(svc.Rand(), tmpl, parent, &key.PublicKey, signer)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	return &Cert{
		Certificate: cert,
		PrivateKey:  key,
		CertPEM:     pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:      pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// Load reads a PEM certificate and EC private key.
func Load(certPath, keyPath string) (*Cert, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	cert, err := parseCertificate(certPEM)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("failed to decode private key PEM")
	}

	var key *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		var k any
		if k, err = x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
			var ok bool
			if key, ok = k.(*ecdsa.PrivateKey); !ok {
				return nil, errors.New("private key is not ECDSA")
			}
		}
	default:
		return nil, fmt.Errorf("unsupported private key type: %s", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return &Cert{Certificate: cert, PrivateKey: key, CertPEM: certPEM, KeyPEM: keyPEM}, nil
}

func parseCertificate(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, errors.New("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// Fingerprint returns "sha256:" followed by the hex digest of cert.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Info summarizes a certificate for display.
type Info struct {
	Subject     string
	Issuer      string
	NotBefore   time.Time
	NotAfter    time.Time
	Fingerprint string
	IsCA        bool
	DNSNames    []string
	IPAddresses []string
}

// Describe returns the Info of cert.
func Describe(cert *x509.Certificate) Info {
	info := Info{
		Subject:     cert.Subject.String(),
		Issuer:      cert.Issuer.String(),
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
		Fingerprint: Fingerprint(cert),
		IsCA:        cert.IsCA,
		DNSNames:    cert.DNSNames,
	}
	for _, ip := range cert.IPAddresses {
		info.IPAddresses = append(info.IPAddresses, ip.String())
	}
	return info
}

// DescribeFile returns the Info of the first certificate in a PEM file.
func DescribeFile(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("failed to read certificate: %w", err)
	}
	cert, err := parseCertificate(data)
	if err != nil {
		return Info{}, err
	}
	return Describe(cert), nil
}

// CertPoolFromFiles returns a pool holding every certificate in paths.
func CertPoolFromFiles(paths ...string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates in %s", path)
		}
	}
	return pool, nil
}
