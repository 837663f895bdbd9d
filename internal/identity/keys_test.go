// ABOUTME: Tests for the static and JWKS-backed key providers
// ABOUTME: Covers kid resolution, PEM parsing, JWKS caching, and rotation refresh

package identity

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticKeys(t *testing.T) {
	key := generateKey(t)
	provider := NewStaticKeys(map[string]*rsa.PublicKey{"key-1": &key.PublicKey})
	ctx := context.Background()

	got, err := provider.PublicKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, &key.PublicKey, got)

	// A single-key set resolves an empty kid to its only member.
	got, err = provider.PublicKey(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, &key.PublicKey, got)

	_, err = provider.PublicKey(ctx, "key-2")
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestLoadKeyFile(t *testing.T) {
	key := generateKey(t)

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pemData := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	path := filepath.Join(t.TempDir(), "signer.pem")
	require.NoError(t, os.WriteFile(path, pemData, 0600))

	provider, err := LoadKeyFile(path, "dev")
	require.NoError(t, err)

	got, err := provider.PublicKey(context.Background(), "dev")
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey.N, got.N)
}

func TestParsePublicKeyPEM_Invalid(t *testing.T) {
	_, err := ParsePublicKeyPEM([]byte("not pem at all"))
	assert.Error(t, err)
}

func jwksFor(t *testing.T, kid string, key *rsa.PublicKey) []byte {
	t.Helper()
	eBytes := big.NewInt(int64(key.E)).Bytes()
	doc := jwksDocument{Keys: []jwksKey{{
		Kty: "RSA",
		Kid: kid,
		Use: "sig",
		N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(eBytes),
	}}}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	return data
}

func TestJWKSKeys_FetchAndCache(t *testing.T) {
	key := generateKey(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write(jwksFor(t, "key-1", &key.PublicKey))
	}))
	defer srv.Close()

	provider := NewJWKSKeys(srv.URL, time.Hour)
	ctx := context.Background()

	got, err := provider.PublicKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, 0, key.PublicKey.N.Cmp(got.N))

	// Second lookup is served from cache.
	_, err = provider.PublicKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	// An unknown kid forces one refresh, then fails.
	_, err = provider.PublicKey(ctx, "rotated-away")
	assert.ErrorIs(t, err, ErrUnknownKey)
	assert.Equal(t, int32(2), hits.Load())
}

func TestJWKSKeys_RotationPickedUp(t *testing.T) {
	oldKey := generateKey(t)
	newKey := generateKey(t)

	var current atomic.Pointer[[]byte]
	oldDoc := jwksFor(t, "key-old", &oldKey.PublicKey)
	current.Store(&oldDoc)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(*current.Load())
	}))
	defer srv.Close()

	provider := NewJWKSKeys(srv.URL, time.Hour)
	ctx := context.Background()

	_, err := provider.PublicKey(ctx, "key-old")
	require.NoError(t, err)

	// The signer rotates; the next unknown-kid lookup refetches and finds it.
	newDoc := jwksFor(t, "key-new", &newKey.PublicKey)
	current.Store(&newDoc)

	got, err := provider.PublicKey(ctx, "key-new")
	require.NoError(t, err)
	assert.Equal(t, 0, newKey.PublicKey.N.Cmp(got.N))
}

func TestJWKSKeys_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	provider := NewJWKSKeys(srv.URL, time.Hour)
	_, err := provider.PublicKey(context.Background(), "key-1")
	assert.Error(t, err)
}

func TestVerifier_WithJWKSProvider(t *testing.T) {
	key := generateKey(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(jwksFor(t, testKid, &key.PublicKey))
	}))
	defer srv.Close()

	v := NewVerifier(NewJWKSKeys(srv.URL, time.Hour), Config{
		Issuer:      testIssuer,
		Audience:    testAudience,
		SignerEmail: testSigner,
	})

	inst, err := v.Verify(context.Background(), mintToken(t, key, testKid, nil))
	require.NoError(t, err)
	assert.Equal(t, "agent-abc123", inst.Name)
}
