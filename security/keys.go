package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// RSAKeyBits is the size of generated signing keys
	RSAKeyBits = 2048

	// ClockSkewLeeway is tolerated on exp, iat and nbf to absorb NTP drift between hosts
	ClockSkewLeeway = 5 * time.Second
)

var (
	// ErrInvalidToken indicates a JWT failed signature, structure or time validation
	ErrInvalidToken = errors.New("invalid token")

	// ErrUnknownKeyID indicates the token names a key this server does not hold
	ErrUnknownKeyID = errors.New("unknown signing key id")
)

// KeyManager holds the single active RSA signing key, signs RS256 tokens
// and publishes the public half as a JSON Web Key Set.
type KeyManager struct {
	privateKey *rsa.PrivateKey
	keyID      string

	// now is overridable for tests
	now func() time.Time
}

// NewKeyManager generates a fresh RSA-2048 key pair.
func NewKeyManager() (*KeyManager, error) {
	key, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return newKeyManager(key)
}

// LoadKeyManager loads a PEM-encoded RSA private key (PKCS#1 or PKCS#8).
func LoadKeyManager(pemBytes []byte) (*KeyManager, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in signing key")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return newKeyManager(key)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key is not an RSA key")
	}
	return newKeyManager(key)
}

func newKeyManager(key *rsa.PrivateKey) (*KeyManager, error) {
	if key.N.BitLen() < RSAKeyBits {
		return nil, fmt.Errorf("signing key must be at least %d bits, got %d", RSAKeyBits, key.N.BitLen())
	}
	return &KeyManager{
		privateKey: key,
		keyID:      thumbprint(&key.PublicKey),
		now:        time.Now,
	}, nil
}

// SetClock overrides the time source used when validating exp and iat.
func (m *KeyManager) SetClock(now func() time.Time) {
	m.now = now
}

// KeyID returns the kid published in token headers and the JWKS.
func (m *KeyManager) KeyID() string {
	return m.keyID
}

// PublicKey returns the verification key.
func (m *KeyManager) PublicKey() *rsa.PublicKey {
	return &m.privateKey.PublicKey
}

// Sign serializes claims as an RS256 JWT with the kid header set.
func (m *KeyManager) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = m.keyID

	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies signature and expiry of tokenString and decodes it into claims.
// Only RS256 with this manager's kid is accepted.
func (m *KeyManager) Parse(tokenString string, claims jwt.Claims) error {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(m.now),
		jwt.WithLeeway(ClockSkewLeeway),
	)

	_, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if kid, _ := t.Header["kid"].(string); kid != m.keyID {
			return nil, ErrUnknownKeyID
		}
		return &m.privateKey.PublicKey, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return nil
}

// JWK is a single RSA public key in JSON Web Key format (RFC 7517).
type JWK struct {
	KeyType   string `json:"kty"`
	Use       string `json:"use"`
	Algorithm string `json:"alg"`
	KeyID     string `json:"kid"`
	Modulus   string `json:"n"`
	Exponent  string `json:"e"`
}

// JWKSet is the document served at the JWKS endpoint.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// JWKS returns the public key set. There is exactly one key.
func (m *KeyManager) JWKS() JWKSet {
	pub := &m.privateKey.PublicKey
	return JWKSet{Keys: []JWK{{
		KeyType:   "RSA",
		Use:       "sig",
		Algorithm: jwt.SigningMethodRS256.Alg(),
		KeyID:     m.keyID,
		Modulus:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		Exponent:  base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}}
}

// PublicKeyFromJWK rebuilds an RSA public key from its JWK form.
func PublicKeyFromJWK(k JWK) (*rsa.PublicKey, error) {
	if k.KeyType != "RSA" {
		return nil, fmt.Errorf("unsupported key type %q", k.KeyType)
	}
	n, err := base64.RawURLEncoding.DecodeString(k.Modulus)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.Exponent)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(n),
		E: int(new(big.Int).SetBytes(e).Int64()),
	}, nil
}

// thumbprint computes the RFC 7638 JWK thumbprint used as kid.
func thumbprint(pub *rsa.PublicKey) string {
	// members in lexicographic order, no whitespace
	canonical, _ := json.Marshal(struct {
		E   string `json:"e"`
		Kty string `json:"kty"`
		N   string `json:"n"`
	}{
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		Kty: "RSA",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
	})
	sum := sha256.Sum256(canonical)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
