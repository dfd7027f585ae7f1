package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Curve identifies the NIST curve an identity's keys live on.
type Curve uint8

const (
	CurveP256 Curve = iota + 1
	CurveP384
	CurveP521
)

// ErrUnsupportedCurve is returned for unknown curve identifiers or keys.
var ErrUnsupportedCurve = errors.New("unsupported curve")

// String returns the identifier used in identity documents.
func (c Curve) String() string {
	switch c {
	case CurveP256:
		return "nistP256"
	case CurveP384:
		return "nistP384"
	case CurveP521:
		return "nistP521"
	default:
		return "unknown"
	}
}

// ParseCurve accepts the document identifier (nistP256) as well as the
// short forms P-256, p256 and 256.
func ParseCurve(s string) (Curve, error) {
	norm := strings.ToLower(strings.NewReplacer("-", "", "_", "").Replace(strings.TrimSpace(s)))
	norm = strings.TrimPrefix(norm, "nist")
	norm = strings.TrimPrefix(norm, "p")
	switch norm {
	case "256":
		return CurveP256, nil
	case "384":
		return CurveP384, nil
	case "521":
		return CurveP521, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedCurve, s)
}

// MarshalText implements encoding.TextMarshaler.
func (c Curve) MarshalText() ([]byte, error) {
	if c.Elliptic() == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedCurve, c)
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Curve) UnmarshalText(text []byte) error {
	parsed, err := ParseCurve(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Elliptic returns the curve implementation, or nil for unknown curves.
func (c Curve) Elliptic() elliptic.Curve {
	switch c {
	case CurveP256:
		return elliptic.P256()
	case CurveP384:
		return elliptic.P384()
	case CurveP521:
		return elliptic.P521()
	default:
		return nil
	}
}

// CoordinateSize is the fixed byte width of a point coordinate or scalar.
func (c Curve) CoordinateSize() int {
	if ec := c.Elliptic(); ec != nil {
		return (ec.Params().BitSize + 7) / 8
	}
	return 0
}

// SignatureSize is the fixed length of an r||s signature on this curve.
func (c Curve) SignatureSize() int {
	return 2 * c.CoordinateSize()
}

func (c Curve) hash() crypto.Hash {
	switch c {
	case CurveP384:
		return crypto.SHA384
	case CurveP521:
		return crypto.SHA512
	default:
		return crypto.SHA256
	}
}

// CurveOf reports which supported curve a public key uses.
func CurveOf(pub *ecdsa.PublicKey) (Curve, error) {
	if pub == nil || pub.Curve == nil {
		return 0, fmt.Errorf("%w: nil key", ErrUnsupportedCurve)
	}
	switch pub.Curve.Params().Name {
	case "P-256":
		return CurveP256, nil
	case "P-384":
		return CurveP384, nil
	case "P-521":
		return CurveP521, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedCurve, pub.Curve.Params().Name)
}

// GenerateKey creates a keypair usable for both signing and key agreement.
func (s *Service) GenerateKey(c Curve) (*ecdsa.PrivateKey, error) {
	ec := c.Elliptic()
	if ec == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedCurve, c)
	}
	key, err := ecdsa.GenerateKey(ec, s.rand)
	if err != nil {
		return nil, fmt.Errorf("generate %s key: %w", c, err)
	}
	return key, nil
}

// Sign returns a fixed-length r||s signature over data. The digest matches
// the curve strength: SHA-256, SHA-384 or SHA-512.
func (s *Service) Sign(priv *ecdsa.PrivateKey, data []byte) ([]byte, error) {
	c, err := CurveOf(&priv.PublicKey)
	if err != nil {
		return nil, err
	}

	h := c.hash().New()
	h.Write(data)

	r, sv, err := ecdsa.Sign(s.rand, priv, h.Sum(nil))
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	n := c.CoordinateSize()
	sig := make([]byte, 2*n)
	r.FillBytes(sig[:n])
	sv.FillBytes(sig[n:])
	return sig, nil
}

// Verify checks an r||s signature over data. Any malformed input verifies false.
func (s *Service) Verify(pub *ecdsa.PublicKey, data, sig []byte) bool {
	c, err := CurveOf(pub)
	if err != nil {
		return false
	}
	n := c.CoordinateSize()
	if len(sig) != 2*n {
		return false
	}

	h := c.hash().New()
	h.Write(data)

	r := new(big.Int).SetBytes(sig[:n])
	sv := new(big.Int).SetBytes(sig[n:])
	return ecdsa.Verify(pub, h.Sum(nil), r, sv)
}

// PointBytes returns the fixed-width big-endian X and Y coordinates of pub.
func PointBytes(pub *ecdsa.PublicKey) (x, y []byte, err error) {
	c, err := CurveOf(pub)
	if err != nil {
		return nil, nil, err
	}
	n := c.CoordinateSize()
	x = pub.X.FillBytes(make([]byte, n))
	y = pub.Y.FillBytes(make([]byte, n))
	return x, y, nil
}

// PublicKeyFromPoint rebuilds a public key from its coordinates and checks
// the point lies on the curve.
func PublicKeyFromPoint(c Curve, x, y []byte) (*ecdsa.PublicKey, error) {
	ec := c.Elliptic()
	if ec == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedCurve, c)
	}
	pub := &ecdsa.PublicKey{
		Curve: ec,
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}
	// ECDH() rejects points that are not on the curve.
	if _, err := pub.ECDH(); err != nil {
		return nil, fmt.Errorf("invalid public point: %w", err)
	}
	return pub, nil
}

// PrivateKeyFromScalar rebuilds a private key from its scalar D.
func PrivateKeyFromScalar(c Curve, d []byte) (*ecdsa.PrivateKey, error) {
	ec := c.Elliptic()
	if ec == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedCurve, c)
	}
	k := new(big.Int).SetBytes(d)
	if k.Sign() <= 0 || k.Cmp(ec.Params().N) >= 0 {
		return nil, fmt.Errorf("invalid private scalar")
	}
	priv := &ecdsa.PrivateKey{D: k}
	priv.PublicKey.Curve = ec
	priv.PublicKey.X, priv.PublicKey.Y = ec.ScalarBaseMult(d)
	return priv, nil
}
