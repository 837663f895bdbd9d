// ABOUTME: HTTP handlers for the agent lifecycle API
// ABOUTME: Create/list/get/cancel/delete/share, the VM status callback, and the reaper trigger

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/paddock-run/paddock/internal/auth"
	"github.com/paddock-run/paddock/internal/identity"
	"github.com/paddock-run/paddock/internal/lifecycle"
	"github.com/paddock-run/paddock/internal/store"
	"github.com/paddock-run/paddock/internal/vmcontrol"
)

// CreateAgentRequest is the JSON request body for POST /api/agents.
type CreateAgentRequest struct {
	Name   string `json:"name"`
	Repo   string `json:"repo"`
	Prompt string `json:"prompt,omitempty"`
}

// ShareAgentRequest is the JSON request body for POST /api/agents/{id}/share.
type ShareAgentRequest struct {
	UserID string `json:"user_id"`
}

// ReportRequest is the JSON request body for POST /api/agents/{id}/report,
// the VM's status callback. A present status drives a full state-machine
// transition; the remaining fields merge into the record without bumping
// the status version.
type ReportRequest struct {
	Status        string  `json:"status,omitempty"`
	TerminalReady *bool   `json:"terminal_ready,omitempty"`
	CloneStatus   *string `json:"clone_status,omitempty"`
	CloneError    *string `json:"clone_error,omitempty"`
	ErrorMessage  *string `json:"error_message,omitempty"`
}

// sendJSON writes a JSON response with the given status code.
func (rl *Relay) sendJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		rl.logger.Error("encoding response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (rl *Relay) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeTransitionError maps state machine sentinels onto HTTP statuses.
func (rl *Relay) writeTransitionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		rl.sendJSONError(w, http.StatusNotFound, "agent not found")
	case errors.Is(err, store.ErrConflict):
		rl.sendJSONError(w, http.StatusConflict, "agent changed, retry")
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		rl.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, lifecycle.ErrInstanceImmutable):
		rl.sendJSONError(w, http.StatusConflict, "instance identity already recorded")
	default:
		rl.logger.Error("transition failed", "error", err)
		rl.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// loadVisibleAgent fetches the agent and checks the caller may see it.
// Returns nil after writing the error response when they may not. Unknown
// IDs are 404; existing agents the caller has no claim on are 403.
func (rl *Relay) loadVisibleAgent(w http.ResponseWriter, r *http.Request, userID string) *store.Agent {
	agent, err := rl.store.GetAgent(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		rl.sendJSONError(w, http.StatusNotFound, "agent not found")
		return nil
	}
	if err != nil {
		rl.logger.Error("loading agent", "error", err)
		rl.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil
	}
	if agent.OwnerID != userID && !agent.SharedWithUser(userID) {
		rl.sendJSONError(w, http.StatusForbidden, "not your agent")
		return nil
	}
	return agent
}

// loadOwnedAgent is loadVisibleAgent for the mutating routes: shared users
// can look but not touch.
func (rl *Relay) loadOwnedAgent(w http.ResponseWriter, r *http.Request, userID string) *store.Agent {
	agent := rl.loadVisibleAgent(w, r, userID)
	if agent == nil {
		return nil
	}
	if agent.OwnerID != userID {
		rl.sendJSONError(w, http.StatusForbidden, "only the owner may do that")
		return nil
	}
	return agent
}

// parseCreateRequest decodes and validates an agent creation request.
func parseCreateRequest(r io.Reader) (*CreateAgentRequest, error) {
	var req CreateAgentRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.Name == "" {
		return nil, errors.New("name is required")
	}
	if req.Repo == "" {
		return nil, errors.New("repo is required")
	}
	return &req, nil
}

// instanceNameFor derives the VM instance name from an agent ID. Short and
// stable so retried provisions target the same instance.
func instanceNameFor(agentID string) string {
	short := strings.ReplaceAll(agentID, "-", "")
	if len(short) > 12 {
		short = short[:12]
	}
	return "agent-" + short
}

// handleCreateAgent inserts a pending agent record and kicks off the
// provision pipeline in the background. Responds 202 with the record;
// callers poll or open a terminal to follow progress.
func (rl *Relay) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	userID := auth.MustUserFromContext(r.Context())

	req, err := parseCreateRequest(r.Body)
	if err != nil {
		rl.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	agent := &store.Agent{
		ID:        uuid.New().String(),
		OwnerID:   userID,
		Name:      req.Name,
		Repo:      req.Repo,
		Prompt:    req.Prompt,
		Status:    store.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := rl.store.InsertAgent(r.Context(), agent); err != nil {
		rl.logger.Error("inserting agent", "error", err)
		rl.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	rl.logger.Info("agent created", "agent_id", agent.ID, "owner_id", userID, "repo", req.Repo)

	rl.provisions.Add(1)
	go rl.provisionAgent(agent.Clone())

	rl.sendJSON(w, http.StatusAccepted, agent)
}

// provisionAgent runs the async pipeline behind agent creation: provision
// the VM, then record pending -> provisioning with the instance identity.
// The VM reports running on its own once it boots.
func (rl *Relay) provisionAgent(agent *store.Agent) {
	defer rl.provisions.Done()

	timeout := rl.config.VM.ProvisionTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	spec := vmcontrol.ProvisionSpec{
		Name:        instanceNameFor(agent.ID),
		Zone:        rl.config.VM.Zone,
		MachineType: rl.config.VM.MachineType,
		Image:       rl.config.VM.Image,
		AgentID:     agent.ID,
		Repo:        agent.Repo,
		Prompt:      agent.Prompt,
	}

	ref, err := rl.vms.Provision(ctx, spec)
	switch {
	case err == nil:
	case errors.Is(err, vmcontrol.ErrOperationTimeout), errors.Is(err, context.DeadlineExceeded):
		// The VM may still come up under the name we asked for. Record the
		// intended identity and let the boot callback or the reaper settle
		// the agent; provisioning is not a terminal status.
		rl.logger.Warn("provision timed out", "agent_id", agent.ID, "instance", spec.Name)
		ref = vmcontrol.InstanceRef{Name: spec.Name, Zone: spec.Zone}
	default:
		rl.logger.Error("provisioning failed", "agent_id", agent.ID, "error", err)
		rl.failProvision(agent.ID, spec, err)
		return
	}

	if _, err := rl.machine.Transition(ctx, agent.ID, store.StatusPending, store.StatusProvisioning,
		lifecycle.TransitionMeta{InstanceName: ref.Name, InstanceZone: ref.Zone}); err != nil {
		// A concurrent cancel is the usual cause; the instance delete on
		// that path cleans up after us.
		rl.logger.Error("recording provision", "agent_id", agent.ID, "error", err)
	}
}

// failProvision walks the record to failed through provisioning, keeping
// the instance identity we asked for so a late-booting VM can still be
// matched to its agent.
func (rl *Relay) failProvision(agentID string, spec vmcontrol.ProvisionSpec, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	meta := lifecycle.TransitionMeta{InstanceName: spec.Name, InstanceZone: spec.Zone}
	if _, err := rl.machine.Transition(ctx, agentID, store.StatusPending, store.StatusProvisioning, meta); err != nil {
		rl.logger.Warn("recording failed provision", "agent_id", agentID, "error", err)
		return
	}
	if _, err := rl.machine.Transition(ctx, agentID, store.StatusProvisioning, store.StatusFailed,
		lifecycle.TransitionMeta{ErrorMessage: cause.Error()}); err != nil {
		rl.logger.Warn("recording provision failure", "agent_id", agentID, "error", err)
	}
}

// handleListAgents returns the caller's agents plus any shared with them,
// newest first.
func (rl *Relay) handleListAgents(w http.ResponseWriter, r *http.Request) {
	userID := auth.MustUserFromContext(r.Context())

	agents, err := rl.store.ListAgentsByOwner(r.Context(), userID)
	if err != nil {
		rl.logger.Error("listing agents", "error", err)
		rl.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if agents == nil {
		agents = []*store.Agent{}
	}
	rl.sendJSON(w, http.StatusOK, agents)
}

// handleGetAgent returns a single agent record.
func (rl *Relay) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	userID := auth.MustUserFromContext(r.Context())
	agent := rl.loadVisibleAgent(w, r, userID)
	if agent == nil {
		return
	}
	rl.sendJSON(w, http.StatusOK, agent)
}

// handleCancelAgent tears down the agent's VM and marks it cancelled. The
// VM is deleted before the record changes so a failure leaves the agent
// cancellable rather than orphaning the instance.
func (rl *Relay) handleCancelAgent(w http.ResponseWriter, r *http.Request) {
	userID := auth.MustUserFromContext(r.Context())
	agent := rl.loadOwnedAgent(w, r, userID)
	if agent == nil {
		return
	}

	if !lifecycle.CanTransition(agent.Status, store.StatusCancelled) {
		rl.sendJSONError(w, http.StatusConflict, fmt.Sprintf("agent is %s", agent.Status))
		return
	}

	// Kick any attached terminal before the VM goes away.
	rl.broker.Interrupt(agent.ID, "agent cancelled")

	if agent.InstanceName != "" {
		ref := vmcontrol.InstanceRef{Name: agent.InstanceName, Zone: agent.InstanceZone}
		if err := rl.vms.Delete(r.Context(), ref); err != nil && !errors.Is(err, vmcontrol.ErrInstanceNotFound) {
			rl.logger.Error("deleting instance", "agent_id", agent.ID, "instance", ref.Name, "error", err)
			rl.sendJSONError(w, http.StatusBadGateway, "failed to delete VM instance")
			return
		}
	}

	updated, err := rl.machine.Transition(r.Context(), agent.ID, agent.Status, store.StatusCancelled, lifecycle.TransitionMeta{})
	if err != nil {
		rl.writeTransitionError(w, err)
		return
	}

	rl.logger.Info("agent cancelled", "agent_id", agent.ID)
	rl.sendJSON(w, http.StatusOK, updated)
}

// handleDeleteAgent removes a terminal agent's record. Active agents must
// be cancelled first; their VM is still attached to the record.
func (rl *Relay) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	userID := auth.MustUserFromContext(r.Context())
	agent := rl.loadOwnedAgent(w, r, userID)
	if agent == nil {
		return
	}

	if !lifecycle.IsTerminal(agent.Status) {
		rl.sendJSONError(w, http.StatusConflict, fmt.Sprintf("agent is %s, cancel it first", agent.Status))
		return
	}

	if err := rl.store.DeleteAgent(r.Context(), agent.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		rl.logger.Error("deleting agent", "agent_id", agent.ID, "error", err)
		rl.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	rl.logger.Info("agent deleted", "agent_id", agent.ID)
	w.WriteHeader(http.StatusNoContent)
}

// handleShareAgent grants another user read and terminal access. The write
// is version-guarded so a racing transition can't silently drop the new
// viewer; it bumps the status version like any other guarded write.
func (rl *Relay) handleShareAgent(w http.ResponseWriter, r *http.Request) {
	userID := auth.MustUserFromContext(r.Context())
	agent := rl.loadOwnedAgent(w, r, userID)
	if agent == nil {
		return
	}

	var req ShareAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		rl.sendJSONError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.UserID == agent.OwnerID {
		rl.sendJSONError(w, http.StatusBadRequest, "cannot share an agent with its owner")
		return
	}

	if agent.SharedWithUser(req.UserID) {
		rl.sendJSON(w, http.StatusOK, agent)
		return
	}

	expect := agent.StatusVersion
	agent.SharedWith = append(agent.SharedWith, req.UserID)
	agent.StatusVersion = expect + 1
	agent.UpdatedAt = time.Now().UTC()
	if err := rl.store.CompareAndSwapAgent(r.Context(), agent, expect); err != nil {
		if errors.Is(err, store.ErrConflict) {
			rl.sendJSONError(w, http.StatusConflict, "agent changed, retry")
			return
		}
		rl.logger.Error("sharing agent", "agent_id", agent.ID, "error", err)
		rl.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	rl.logger.Info("agent shared", "agent_id", agent.ID, "with_user", req.UserID)
	rl.sendJSON(w, http.StatusOK, agent)
}

// writeIdentityError maps identity verification failures: mismatches are
// 403 (the token is real but for the wrong VM), everything else is 401.
func (rl *Relay) writeIdentityError(w http.ResponseWriter, agentID string, err error) {
	rl.logger.Warn("rejected status report", "agent_id", agentID, "error", err)
	if errors.Is(err, identity.ErrIdentityMismatch) {
		rl.sendJSONError(w, http.StatusForbidden, "instance identity mismatch")
		return
	}
	rl.sendJSONError(w, http.StatusUnauthorized, "invalid identity token")
}

// handleReport is the VM status callback. The caller proves it is the
// agent's VM with an instance identity token; no session is involved.
func (rl *Relay) handleReport(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	token, errMsg := auth.TokenFromRequest(r)
	if errMsg != "" {
		rl.sendJSONError(w, http.StatusUnauthorized, errMsg)
		return
	}

	agent, err := rl.store.GetAgent(r.Context(), agentID)
	if errors.Is(err, store.ErrNotFound) {
		rl.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		rl.logger.Error("loading agent", "error", err)
		rl.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if _, err := rl.verifier.VerifyForAgent(r.Context(), token, agent); err != nil {
		rl.writeIdentityError(w, agentID, err)
		return
	}

	var req ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rl.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Status != "" {
		to := store.Status(req.Status)
		if !to.Valid() {
			rl.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", req.Status))
			return
		}
		var meta lifecycle.TransitionMeta
		if req.ErrorMessage != nil {
			meta.ErrorMessage = *req.ErrorMessage
		}
		if _, err := rl.machine.Transition(r.Context(), agentID, agent.Status, to, meta); err != nil {
			rl.writeTransitionError(w, err)
			return
		}
	}

	fields := store.RuntimeFields{
		TerminalReady: req.TerminalReady,
		CloneStatus:   req.CloneStatus,
		CloneError:    req.CloneError,
	}
	if req.Status == "" {
		// A merge-only report is the VM's liveness signal; a transition
		// already stamps its own timestamps.
		now := time.Now().UTC()
		fields.LastHeartbeatAt = &now
		fields.ErrorMessage = req.ErrorMessage
	}
	if fields != (store.RuntimeFields{}) {
		if err := rl.store.MergeAgentRuntimeFields(r.Context(), agentID, fields); err != nil && !errors.Is(err, store.ErrNotFound) {
			rl.logger.Error("merging runtime fields", "agent_id", agentID, "error", err)
			rl.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
	}

	fresh, err := rl.store.GetAgent(r.Context(), agentID)
	if err != nil {
		rl.logger.Error("reloading agent", "agent_id", agentID, "error", err)
		rl.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	rl.sendJSON(w, http.StatusOK, fresh)
}

// handleReaperRun triggers a sweep on demand. The lease still applies, so
// a concurrent sweep reports skipped instead of running twice.
func (rl *Relay) handleReaperRun(w http.ResponseWriter, r *http.Request) {
	result, err := rl.reaper.Run(r.Context())
	if err != nil {
		rl.logger.Error("reaper run failed", "error", err)
		rl.sendJSONError(w, http.StatusInternalServerError, "reaper run failed")
		return
	}
	rl.sendJSON(w, http.StatusOK, result)
}
