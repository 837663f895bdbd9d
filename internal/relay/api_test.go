// ABOUTME: Handler-level tests for the agent API
// ABOUTME: Covers visibility rules, cancel/delete/share, the VM callback, and the reaper trigger

package relay

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paddock-run/paddock/internal/reaper"
	"github.com/paddock-run/paddock/internal/store"
	"github.com/paddock-run/paddock/internal/vmcontrol"
)

func timePtr(t time.Time) *time.Time {
	return &t
}

func TestListAgents(t *testing.T) {
	tr := newTestRelay(t)
	now := time.Now().UTC()

	older := tr.seedAgent(t, &store.Agent{
		OwnerID: "ana", Name: "older", Repo: "r", Status: store.StatusRunning,
		CreatedAt: now.Add(-2 * time.Hour), UpdatedAt: now,
	})
	newer := tr.seedAgent(t, &store.Agent{
		OwnerID: "ana", Name: "newer", Repo: "r", Status: store.StatusPending,
		CreatedAt: now.Add(-time.Hour), UpdatedAt: now,
	})
	shared := tr.seedAgent(t, &store.Agent{
		OwnerID: "bo", Name: "shared", Repo: "r", Status: store.StatusRunning,
		SharedWith: []string{"ana"},
		CreatedAt:  now.Add(-30 * time.Minute), UpdatedAt: now,
	})
	tr.seedAgent(t, &store.Agent{
		OwnerID: "bo", Name: "private", Repo: "r", Status: store.StatusRunning,
		CreatedAt: now, UpdatedAt: now,
	})

	resp := tr.do(t, http.MethodGet, "/api/agents", tr.sessionToken(t, "ana"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var agents []store.Agent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&agents))
	require.Len(t, agents, 3)

	// Newest first; bo's private agent is absent.
	assert.Equal(t, shared.ID, agents[0].ID)
	assert.Equal(t, newer.ID, agents[1].ID)
	assert.Equal(t, older.ID, agents[2].ID)
}

func TestListAgents_Empty(t *testing.T) {
	tr := newTestRelay(t)

	resp := tr.do(t, http.MethodGet, "/api/agents", tr.sessionToken(t, "ana"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var agents []store.Agent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&agents))
	assert.Empty(t, agents)
}

func TestGetAgent_Visibility(t *testing.T) {
	tr := newTestRelay(t)
	agent := tr.seedAgent(t, &store.Agent{
		OwnerID: "ana", Name: "x", Repo: "r", Status: store.StatusRunning,
		SharedWith: []string{"bo"},
	})

	tests := []struct {
		name string
		user string
		want int
	}{
		{"owner", "ana", http.StatusOK},
		{"shared user", "bo", http.StatusOK},
		{"stranger", "eve", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := tr.do(t, http.MethodGet, "/api/agents/"+agent.ID, tr.sessionToken(t, tt.user), nil)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}

	t.Run("unknown id", func(t *testing.T) {
		resp := tr.do(t, http.MethodGet, "/api/agents/nope", tr.sessionToken(t, "ana"), nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestCancelAgent(t *testing.T) {
	tr := newTestRelay(t)
	agent := tr.seedAgent(t, &store.Agent{
		OwnerID: "ana", Name: "x", Repo: "r", Status: store.StatusRunning,
		InstanceName: "agent-abc123", InstanceZone: "eu-west3-a",
	})
	ref := vmcontrol.InstanceRef{Name: "agent-abc123", Zone: "eu-west3-a"}
	tr.vms.AddInstance(ref, vmcontrol.PowerRunning, "agent-abc123.internal:7070")

	resp := tr.do(t, http.MethodPost, "/api/agents/"+agent.ID+"/cancel", tr.sessionToken(t, "ana"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancelled := decodeAgent(t, resp)
	assert.Equal(t, store.StatusCancelled, cancelled.Status)
	assert.Equal(t, int64(2), cancelled.StatusVersion)
	require.NotNil(t, cancelled.FinishedAt)
	assert.Contains(t, tr.vms.Calls(), "delete eu-west3-a/agent-abc123")
}

func TestCancelAgent_Suspended(t *testing.T) {
	tr := newTestRelay(t)
	agent := tr.seedAgent(t, &store.Agent{
		OwnerID: "ana", Name: "x", Repo: "r", Status: store.StatusSuspended,
		InstanceName: "agent-abc123", InstanceZone: "eu-west3-a",
	})

	resp := tr.do(t, http.MethodPost, "/api/agents/"+agent.ID+"/cancel", tr.sessionToken(t, "ana"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, store.StatusCancelled, decodeAgent(t, resp).Status)
}

func TestCancelAgent_InstanceAlreadyGone(t *testing.T) {
	tr := newTestRelay(t)
	agent := tr.seedAgent(t, &store.Agent{
		OwnerID: "ana", Name: "x", Repo: "r", Status: store.StatusRunning,
		InstanceName: "agent-abc123", InstanceZone: "eu-west3-a",
	})
	tr.vms.FailWith("delete", vmcontrol.ErrInstanceNotFound)

	resp := tr.do(t, http.MethodPost, "/api/agents/"+agent.ID+"/cancel", tr.sessionToken(t, "ana"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, store.StatusCancelled, decodeAgent(t, resp).Status)
}

func TestCancelAgent_VMDeleteFails(t *testing.T) {
	tr := newTestRelay(t)
	agent := tr.seedAgent(t, &store.Agent{
		OwnerID: "ana", Name: "x", Repo: "r", Status: store.StatusRunning,
		InstanceName: "agent-abc123", InstanceZone: "eu-west3-a",
	})
	tr.vms.FailWith("delete", assert.AnError)

	resp := tr.do(t, http.MethodPost, "/api/agents/"+agent.ID+"/cancel", tr.sessionToken(t, "ana"), nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	// The record is untouched; the owner can retry.
	assert.Equal(t, store.StatusRunning, tr.getStored(t, agent.ID).Status)
}

func TestCancelAgent_InvalidStates(t *testing.T) {
	tr := newTestRelay(t)

	tests := []struct {
		name   string
		status store.Status
	}{
		{"pending", store.StatusPending},
		{"provisioning", store.StatusProvisioning},
		{"completed", store.StatusCompleted},
		{"cancelled", store.StatusCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent := tr.seedAgent(t, &store.Agent{
				OwnerID: "ana", Name: "x", Repo: "r", Status: tt.status,
			})
			resp := tr.do(t, http.MethodPost, "/api/agents/"+agent.ID+"/cancel", tr.sessionToken(t, "ana"), nil)
			assert.Equal(t, http.StatusConflict, resp.StatusCode)
		})
	}
}

func TestCancelAgent_SharedUserForbidden(t *testing.T) {
	tr := newTestRelay(t)
	agent := tr.seedAgent(t, &store.Agent{
		OwnerID: "ana", Name: "x", Repo: "r", Status: store.StatusRunning,
		SharedWith: []string{"bo"},
	})

	resp := tr.do(t, http.MethodPost, "/api/agents/"+agent.ID+"/cancel", tr.sessionToken(t, "bo"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, store.StatusRunning, tr.getStored(t, agent.ID).Status)
}

func TestDeleteAgent(t *testing.T) {
	tr := newTestRelay(t)
	agent := tr.seedAgent(t, &store.Agent{
		OwnerID: "ana", Name: "x", Repo: "r", Status: store.StatusCompleted,
	})

	resp := tr.do(t, http.MethodDelete, "/api/agents/"+agent.ID, tr.sessionToken(t, "ana"), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = tr.do(t, http.MethodGet, "/api/agents/"+agent.ID, tr.sessionToken(t, "ana"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteAgent_ActiveAgent(t *testing.T) {
	tr := newTestRelay(t)
	agent := tr.seedAgent(t, &store.Agent{
		OwnerID: "ana", Name: "x", Repo: "r", Status: store.StatusRunning,
	})

	resp := tr.do(t, http.MethodDelete, "/api/agents/"+agent.ID, tr.sessionToken(t, "ana"), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, store.StatusRunning, tr.getStored(t, agent.ID).Status)
}

func TestShareAgent(t *testing.T) {
	tr := newTestRelay(t)
	agent := tr.seedAgent(t, &store.Agent{
		OwnerID: "ana", Name: "x", Repo: "r", Status: store.StatusRunning,
	})

	resp := tr.do(t, http.MethodPost, "/api/agents/"+agent.ID+"/share", tr.sessionToken(t, "ana"),
		ShareAgentRequest{UserID: "bo"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sharedView := decodeAgent(t, resp)
	assert.Contains(t, sharedView.SharedWith, "bo")
	assert.Equal(t, int64(2), sharedView.StatusVersion)

	// bo can now see the agent.
	resp = tr.do(t, http.MethodGet, "/api/agents/"+agent.ID, tr.sessionToken(t, "bo"), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Sharing again is a no-op.
	resp = tr.do(t, http.MethodPost, "/api/agents/"+agent.ID+"/share", tr.sessionToken(t, "ana"),
		ShareAgentRequest{UserID: "bo"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(2), decodeAgent(t, resp).StatusVersion)

	// A later transition still lines up with the bumped version.
	resp = tr.do(t, http.MethodPost, "/api/agents/"+agent.ID+"/cancel", tr.sessionToken(t, "ana"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(3), decodeAgent(t, resp).StatusVersion)
}

func TestShareAgent_Validation(t *testing.T) {
	tr := newTestRelay(t)
	agent := tr.seedAgent(t, &store.Agent{
		OwnerID: "ana", Name: "x", Repo: "r", Status: store.StatusRunning,
		SharedWith: []string{"bo"},
	})

	tests := []struct {
		name string
		user string
		body ShareAgentRequest
		want int
	}{
		{"empty user_id", "ana", ShareAgentRequest{}, http.StatusBadRequest},
		{"share with owner", "ana", ShareAgentRequest{UserID: "ana"}, http.StatusBadRequest},
		{"shared user cannot reshare", "bo", ShareAgentRequest{UserID: "eve"}, http.StatusForbidden},
		{"stranger", "eve", ShareAgentRequest{UserID: "eve"}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := tr.do(t, http.MethodPost, "/api/agents/"+agent.ID+"/share", tr.sessionToken(t, tt.user), tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestReport_RequiresIdentityToken(t *testing.T) {
	tr := newTestRelay(t)
	agent := tr.seedAgent(t, &store.Agent{
		OwnerID: "ana", Name: "x", Repo: "r", Status: store.StatusProvisioning,
		InstanceName: "agent-abc123", InstanceZone: "eu-west3-a",
	})

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"garbage token", "garbage", http.StatusUnauthorized},
		{"wrong instance name", tr.identityToken(t, "agent-other", "eu-west3-a"), http.StatusForbidden},
		{"wrong zone", tr.identityToken(t, "agent-abc123", "us-east1-b"), http.StatusForbidden},
		{"valid", tr.identityToken(t, "agent-abc123", "eu-west3-a"), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := tr.do(t, http.MethodPost, "/api/agents/"+agent.ID+"/report", tt.token, ReportRequest{})
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestReport_AgentWithoutRecordedIdentity(t *testing.T) {
	tr := newTestRelay(t)
	agent := tr.seedAgent(t, &store.Agent{
		OwnerID: "ana", Name: "x", Repo: "r", Status: store.StatusPending,
	})

	// A real-looking token can't match an agent that has no instance yet.
	token := tr.identityToken(t, "agent-abc123", "eu-west3-a")
	resp := tr.do(t, http.MethodPost, "/api/agents/"+agent.ID+"/report", token, ReportRequest{})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestReport_UnknownAgent(t *testing.T) {
	tr := newTestRelay(t)

	token := tr.identityToken(t, "agent-abc123", "eu-west3-a")
	resp := tr.do(t, http.MethodPost, "/api/agents/nope/report", token, ReportRequest{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReport_SessionTokenRejected(t *testing.T) {
	tr := newTestRelay(t)
	agent := tr.seedAgent(t, &store.Agent{
		OwnerID: "ana", Name: "x", Repo: "r", Status: store.StatusRunning,
		InstanceName: "agent-abc123", InstanceZone: "eu-west3-a",
	})

	// A browser session token is not an instance identity.
	resp := tr.do(t, http.MethodPost, "/api/agents/"+agent.ID+"/report", tr.sessionToken(t, "ana"), ReportRequest{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestReport_InvalidStatus(t *testing.T) {
	tr := newTestRelay(t)
	agent := tr.seedAgent(t, &store.Agent{
		OwnerID: "ana", Name: "x", Repo: "r", Status: store.StatusRunning,
		InstanceName: "agent-abc123", InstanceZone: "eu-west3-a",
	})
	token := tr.identityToken(t, "agent-abc123", "eu-west3-a")

	resp := tr.do(t, http.MethodPost, "/api/agents/"+agent.ID+"/report", token,
		ReportRequest{Status: "warp"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReport_InvalidTransition(t *testing.T) {
	tr := newTestRelay(t)
	agent := tr.seedAgent(t, &store.Agent{
		OwnerID: "ana", Name: "x", Repo: "r", Status: store.StatusRunning,
		InstanceName: "agent-abc123", InstanceZone: "eu-west3-a",
	})
	token := tr.identityToken(t, "agent-abc123", "eu-west3-a")

	resp := tr.do(t, http.MethodPost, "/api/agents/"+agent.ID+"/report", token,
		ReportRequest{Status: string(store.StatusPending)})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, store.StatusRunning, tr.getStored(t, agent.ID).Status)
}

func TestReport_FailureWithMessage(t *testing.T) {
	tr := newTestRelay(t)
	agent := tr.seedAgent(t, &store.Agent{
		OwnerID: "ana", Name: "x", Repo: "r", Status: store.StatusRunning,
		InstanceName: "agent-abc123", InstanceZone: "eu-west3-a",
	})
	token := tr.identityToken(t, "agent-abc123", "eu-west3-a")

	msg := "agent process exited 137"
	resp := tr.do(t, http.MethodPost, "/api/agents/"+agent.ID+"/report", token,
		ReportRequest{Status: string(store.StatusFailed), ErrorMessage: &msg})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	failed := decodeAgent(t, resp)
	assert.Equal(t, store.StatusFailed, failed.Status)
	assert.Equal(t, msg, failed.ErrorMessage)
	require.NotNil(t, failed.FinishedAt)
}

func TestReport_HeartbeatOnly(t *testing.T) {
	tr := newTestRelay(t)
	agent := tr.seedAgent(t, &store.Agent{
		OwnerID: "ana", Name: "x", Repo: "r", Status: store.StatusRunning,
		InstanceName: "agent-abc123", InstanceZone: "eu-west3-a",
		LastHeartbeatAt: timePtr(time.Now().UTC().Add(-time.Hour)),
	})
	token := tr.identityToken(t, "agent-abc123", "eu-west3-a")

	resp := tr.do(t, http.MethodPost, "/api/agents/"+agent.ID+"/report", token, ReportRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	beat := decodeAgent(t, resp)
	assert.Equal(t, int64(1), beat.StatusVersion)
	require.NotNil(t, beat.LastHeartbeatAt)
	assert.WithinDuration(t, time.Now(), *beat.LastHeartbeatAt, 5*time.Second)
}

func TestReaperRun_Auth(t *testing.T) {
	tr := newTestRelay(t)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"wrong subject", tr.sessionToken(t, "ana"), http.StatusForbidden},
		{"reaper caller", tr.sessionToken(t, "reaper-cron"), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := tr.do(t, http.MethodPost, "/internal/reaper/run", tt.token, nil)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestReaperRun_SuspendsIdleAgent(t *testing.T) {
	tr := newTestRelay(t)
	now := time.Now().UTC()

	agent := tr.seedAgent(t, &store.Agent{
		OwnerID: "ana", Name: "x", Repo: "r", Status: store.StatusRunning,
		InstanceName: "agent-abc123", InstanceZone: "eu-west3-a",
		StartedAt:       timePtr(now.Add(-3 * time.Hour)),
		LastHeartbeatAt: timePtr(now.Add(-2 * time.Hour)),
	})
	ref := vmcontrol.InstanceRef{Name: "agent-abc123", Zone: "eu-west3-a"}
	tr.vms.AddInstance(ref, vmcontrol.PowerRunning, "agent-abc123.internal:7070")

	resp := tr.do(t, http.MethodPost, "/internal/reaper/run", tr.sessionToken(t, "reaper-cron"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result reaper.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, []string{agent.ID}, result.Suspended)
	assert.Empty(t, result.Stopped)
	assert.False(t, result.Skipped)

	assert.Equal(t, store.StatusSuspended, tr.getStored(t, agent.ID).Status)
	assert.Contains(t, tr.vms.Calls(), "suspend eu-west3-a/agent-abc123")
}
