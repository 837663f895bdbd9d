// ABOUTME: Test harness and end-to-end tests for the relay HTTP surface
// ABOUTME: Covers health, agent creation, the provision pipeline, and the full lifecycle flow

package relay

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paddock-run/paddock/internal/config"
	"github.com/paddock-run/paddock/internal/identity"
	"github.com/paddock-run/paddock/internal/store"
	"github.com/paddock-run/paddock/internal/vmcontrol"
)

const (
	testIssuer   = "https://accounts.google.com"
	testAudience = "https://paddock.test"
	testSigner   = "agent-vms@paddock-test.iam.gserviceaccount.com"
	testKid      = "test-key"
)

type testRelay struct {
	rl    *Relay
	ts    *httptest.Server
	store *store.MemoryStore
	vms   *vmcontrol.Fake
	key   *rsa.PrivateKey
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()

	st := store.NewMemoryStore()
	vms := vmcontrol.NewFake()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	provider := identity.NewStaticKeys(map[string]*rsa.PublicKey{testKid: &key.PublicKey})
	verifier := identity.NewVerifier(provider, identity.Config{
		Issuer:      testIssuer,
		Audience:    testAudience,
		SignerEmail: testSigner,
		Leeway:      30 * time.Second,
	})

	cfg := &config.Config{}
	cfg.Auth.SessionSecret = "test-secret"
	cfg.Auth.ReaperCaller = "reaper-cron"
	cfg.Terminal.AllowedOrigins = []string{"https://app.paddock.test"}
	cfg.Reaper.SuspendAfter = 30 * time.Minute
	cfg.Reaper.StopAfter = 24 * time.Hour
	cfg.Reaper.LeaseTTL = time.Minute
	cfg.VM.Zone = "eu-west3-a"
	cfg.VM.MachineType = "n2-standard-4"
	cfg.VM.Image = "paddock-agent-v1"
	cfg.VM.ProvisionTimeout = 5 * time.Second

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl, err := New(cfg, st, vms, verifier, logger)
	require.NoError(t, err)

	ts := httptest.NewServer(rl.httpServer.Handler)
	t.Cleanup(ts.Close)
	t.Cleanup(rl.broker.Close)

	return &testRelay{rl: rl, ts: ts, store: st, vms: vms, key: key}
}

func (tr *testRelay) sessionToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := tr.rl.sessions.Generate(userID, time.Hour)
	require.NoError(t, err)
	return token
}

// identityToken mints an instance identity token bound to the given
// instance name and zone, signed with the harness key.
func (tr *testRelay) identityToken(t *testing.T, instanceName, zone string) string {
	t.Helper()
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   testIssuer,
		"aud":   testAudience,
		"sub":   "108123456789",
		"email": testSigner,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"google": map[string]any{
			"compute_engine": map[string]any{
				"project_id":    "paddock-test",
				"instance_name": instanceName,
				"zone":          zone,
			},
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKid
	signed, err := token.SignedString(tr.key)
	require.NoError(t, err)
	return signed
}

// do issues a request against the test server. A non-empty token goes in
// the Authorization header; a non-nil body is marshaled as JSON.
func (tr *testRelay) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, tr.ts.URL+path, buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := tr.ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeAgent(t *testing.T, resp *http.Response) store.Agent {
	t.Helper()
	var a store.Agent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&a))
	return a
}

// seedAgent inserts an agent record directly, bypassing the API.
func (tr *testRelay) seedAgent(t *testing.T, agent *store.Agent) *store.Agent {
	t.Helper()
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if agent.Status == "" {
		agent.Status = store.StatusPending
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
		agent.UpdatedAt = now
	}
	require.NoError(t, tr.store.InsertAgent(context.Background(), agent))
	return agent
}

// getStored fetches the current record straight from the store.
func (tr *testRelay) getStored(t *testing.T, id string) *store.Agent {
	t.Helper()
	a, err := tr.store.GetAgent(context.Background(), id)
	require.NoError(t, err)
	return a
}

func TestHealth(t *testing.T) {
	tr := newTestRelay(t)

	resp := tr.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "OK", string(body))

	resp = tr.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

type failingPingStore struct {
	*store.MemoryStore
}

func (failingPingStore) Ping(ctx context.Context) error {
	return assert.AnError
}

func TestHealthReady_StoreDown(t *testing.T) {
	rl := &Relay{
		store:  failingPingStore{store.NewMemoryStore()},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	rec := httptest.NewRecorder()
	rl.handleReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCreateAgent(t *testing.T) {
	tr := newTestRelay(t)
	token := tr.sessionToken(t, "ana")

	resp := tr.do(t, http.MethodPost, "/api/agents", token, CreateAgentRequest{
		Name:   "fix-login-flow",
		Repo:   "github.com/acme/web",
		Prompt: "fix the login flow",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	created := decodeAgent(t, resp)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "ana", created.OwnerID)
	assert.Equal(t, store.StatusPending, created.Status)
	assert.Equal(t, int64(1), created.StatusVersion)
	assert.Empty(t, created.InstanceName)

	// The provision pipeline runs in the background and records
	// pending -> provisioning with the instance identity.
	require.Eventually(t, func() bool {
		a := tr.getStored(t, created.ID)
		return a.Status == store.StatusProvisioning
	}, 2*time.Second, 10*time.Millisecond)

	a := tr.getStored(t, created.ID)
	assert.Equal(t, int64(2), a.StatusVersion)
	assert.Equal(t, instanceNameFor(created.ID), a.InstanceName)
	assert.Equal(t, "eu-west3-a", a.InstanceZone)
	assert.Contains(t, tr.vms.Calls()[0], "provision")
}

func TestCreateAgent_Validation(t *testing.T) {
	tr := newTestRelay(t)
	token := tr.sessionToken(t, "ana")

	tests := []struct {
		name string
		body any
	}{
		{"missing name", CreateAgentRequest{Repo: "github.com/acme/web"}},
		{"missing repo", CreateAgentRequest{Name: "x"}},
		{"not json", "plain text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := tr.do(t, http.MethodPost, "/api/agents", token, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestCreateAgent_Unauthenticated(t *testing.T) {
	tr := newTestRelay(t)

	resp := tr.do(t, http.MethodPost, "/api/agents", "", CreateAgentRequest{Name: "x", Repo: "y"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = tr.do(t, http.MethodPost, "/api/agents", "garbage-token", CreateAgentRequest{Name: "x", Repo: "y"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateAgent_ProvisionFailure(t *testing.T) {
	tr := newTestRelay(t)
	tr.vms.FailWith("provision", assert.AnError)
	token := tr.sessionToken(t, "ana")

	resp := tr.do(t, http.MethodPost, "/api/agents", token, CreateAgentRequest{Name: "x", Repo: "github.com/acme/web"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	created := decodeAgent(t, resp)

	// The pipeline walks pending -> provisioning -> failed, keeping the
	// instance identity it asked for.
	require.Eventually(t, func() bool {
		return tr.getStored(t, created.ID).Status == store.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	a := tr.getStored(t, created.ID)
	assert.Equal(t, int64(3), a.StatusVersion)
	assert.Equal(t, instanceNameFor(created.ID), a.InstanceName)
	assert.Contains(t, a.ErrorMessage, assert.AnError.Error())
	assert.NotNil(t, a.FinishedAt)
}

func TestInstanceNameFor(t *testing.T) {
	name := instanceNameFor("1b4e28ba-2fa1-11d2-883f-0016d3cca427")
	assert.Equal(t, "agent-1b4e28ba2fa1", name)
	assert.Equal(t, "agent-abc123", instanceNameFor("abc123"))
}

// TestAgentLifecycle walks one agent through the whole flow: create,
// provision, boot callback, heartbeat, completion, delete.
func TestAgentLifecycle(t *testing.T) {
	tr := newTestRelay(t)
	token := tr.sessionToken(t, "ana")

	resp := tr.do(t, http.MethodPost, "/api/agents", token, CreateAgentRequest{
		Name:   "fix-login-flow",
		Repo:   "github.com/acme/web",
		Prompt: "fix the login flow",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	created := decodeAgent(t, resp)

	require.Eventually(t, func() bool {
		return tr.getStored(t, created.ID).Status == store.StatusProvisioning
	}, 2*time.Second, 10*time.Millisecond)
	provisioned := tr.getStored(t, created.ID)
	require.Equal(t, int64(2), provisioned.StatusVersion)

	// VM boots and reports running.
	vmToken := tr.identityToken(t, provisioned.InstanceName, provisioned.InstanceZone)
	ready := true
	resp = tr.do(t, http.MethodPost, "/api/agents/"+created.ID+"/report", vmToken, ReportRequest{
		Status:        string(store.StatusRunning),
		TerminalReady: &ready,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	running := decodeAgent(t, resp)
	assert.Equal(t, store.StatusRunning, running.Status)
	assert.Equal(t, int64(3), running.StatusVersion)
	assert.True(t, running.TerminalReady)
	require.NotNil(t, running.StartedAt)
	require.NotNil(t, running.LastHeartbeatAt)

	// A merge-only report keeps the version and refreshes the heartbeat.
	cloneDone := "done"
	resp = tr.do(t, http.MethodPost, "/api/agents/"+created.ID+"/report", vmToken, ReportRequest{
		CloneStatus: &cloneDone,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	beat := decodeAgent(t, resp)
	assert.Equal(t, int64(3), beat.StatusVersion)
	assert.Equal(t, "done", beat.CloneStatus)

	// The agent finishes its task.
	resp = tr.do(t, http.MethodPost, "/api/agents/"+created.ID+"/report", vmToken, ReportRequest{
		Status: string(store.StatusCompleted),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	completed := decodeAgent(t, resp)
	assert.Equal(t, store.StatusCompleted, completed.Status)
	assert.Equal(t, int64(4), completed.StatusVersion)
	require.NotNil(t, completed.FinishedAt)

	// The owner cleans up the record.
	resp = tr.do(t, http.MethodDelete, "/api/agents/"+created.ID, token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = tr.do(t, http.MethodGet, "/api/agents/"+created.ID, token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
