// ABOUTME: Public key sources for instance identity token verification
// ABOUTME: Static PEM keys for dev plus a caching JWKS fetcher for production

package identity

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"sync"
	"time"
)

// ErrUnknownKey is returned when no public key matches the token's key ID.
var ErrUnknownKey = errors.New("unknown signing key")

// KeyProvider resolves the public key for a token's key ID.
type KeyProvider interface {
	PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// StaticKeys is a fixed in-memory key set, used in dev and tests.
type StaticKeys struct {
	keys map[string]*rsa.PublicKey
}

// NewStaticKeys creates a provider from an explicit key set.
func NewStaticKeys(keys map[string]*rsa.PublicKey) *StaticKeys {
	return &StaticKeys{keys: keys}
}

// LoadKeyFile reads a PEM-encoded RSA public key and registers it under kid.
func LoadKeyFile(path, kid string) (*StaticKeys, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	key, err := ParsePublicKeyPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parsing key file %s: %w", path, err)
	}

	return NewStaticKeys(map[string]*rsa.PublicKey{kid: key}), nil
}

// ParsePublicKeyPEM parses a PEM-encoded RSA public key (PKIX or PKCS#1).
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("PEM block is not an RSA public key")
		}
		return rsaKey, nil
	}

	return x509.ParsePKCS1PublicKey(block.Bytes)
}

// PublicKey returns the key registered under kid. When the set holds exactly
// one key, an empty kid resolves to it; dev tokens often omit the header.
func (s *StaticKeys) PublicKey(_ context.Context, kid string) (*rsa.PublicKey, error) {
	if key, ok := s.keys[kid]; ok {
		return key, nil
	}
	if kid == "" && len(s.keys) == 1 {
		for _, key := range s.keys {
			return key, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
}

// JWKSKeys fetches signer public keys from a JWKS endpoint and caches them.
// An unknown kid forces a refresh once per request, so key rotation on the
// signer side is picked up without restarting.
type JWKSKeys struct {
	url    string
	client *http.Client
	ttl    time.Duration

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// NewJWKSKeys creates a JWKS-backed provider. ttl bounds how long a fetched
// key set is served without revalidation.
func NewJWKSKeys(url string, ttl time.Duration) *JWKSKeys {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &JWKSKeys{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		ttl:    ttl,
		keys:   make(map[string]*rsa.PublicKey),
	}
}

// PublicKey returns the key for kid, refreshing the cached set when it is
// stale or doesn't contain kid.
func (j *JWKSKeys) PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	fresh := time.Since(j.fetchedAt) < j.ttl
	if key, ok := j.keys[kid]; ok && fresh {
		return key, nil
	}

	if err := j.refreshLocked(ctx); err != nil {
		// A stale key still verifies signatures; rotation just lags until
		// the endpoint is reachable again.
		if key, ok := j.keys[kid]; ok {
			return key, nil
		}
		return nil, err
	}

	if key, ok := j.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
}

type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

type jwksKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (j *JWKSKeys) refreshLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.url, nil)
	if err != nil {
		return fmt.Errorf("building JWKS request: %w", err)
	}

	resp, err := j.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching JWKS: unexpected status %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decoding JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		key, err := parseJWKSKey(k)
		if err != nil {
			return fmt.Errorf("parsing JWKS key %q: %w", k.Kid, err)
		}
		keys[k.Kid] = key
	}

	j.keys = keys
	j.fetchedAt = time.Now()
	return nil
}

func parseJWKSKey(k jwksKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}

	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e <= 0 {
		return nil, errors.New("invalid exponent")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}
