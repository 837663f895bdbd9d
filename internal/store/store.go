// ABOUTME: Store interface and data models for agent documents and the reaper lease
// ABOUTME: Defines the CAS and pagination contracts the lifecycle machine and reaper build on

package store

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by Store implementations.
var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a compare-and-swap write loses a race.
	// The caller should re-read the document and decide whether to retry.
	ErrConflict = errors.New("version conflict")

	// ErrDuplicateAgent is returned when inserting an agent whose ID is taken
	ErrDuplicateAgent = errors.New("agent already exists")
)

// Status is the lifecycle state of an agent document. The transition rules
// between statuses live in the lifecycle package; the store only enforces
// that persisted values are members of this set.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusSuspended    Status = "suspended"
	StatusStopped      Status = "stopped"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProvisioning, StatusRunning, StatusSuspended,
		StatusStopped, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Agent is the persisted record for one coding-agent VM.
//
// InstanceName and InstanceZone identify the cloud VM backing the agent and
// are immutable once set during provisioning. StatusVersion starts at 1 on
// insert and increases by exactly 1 per successful status transition.
type Agent struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Name    string `json:"name"`
	Repo    string `json:"repo"`
	Prompt  string `json:"prompt,omitempty"`

	Status        Status `json:"status"`
	StatusVersion int64  `json:"status_version"`

	InstanceName string `json:"instance_name,omitempty"`
	InstanceZone string `json:"instance_zone,omitempty"`

	// TerminalReady is set by the VM's status callback once its relay
	// endpoint is listening. The terminal broker refuses connections until
	// it is true.
	TerminalReady bool `json:"terminal_ready"`

	CloneStatus  string `json:"clone_status,omitempty"`
	CloneError   string `json:"clone_error,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	SharedWith []string `json:"shared_with,omitempty"`

	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	SuspendedAt     *time.Time `json:"suspended_at,omitempty"`
	StoppedAt       *time.Time `json:"stopped_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
}

// Clone returns a deep copy of the agent.
func (a *Agent) Clone() *Agent {
	c := *a
	c.SharedWith = append([]string(nil), a.SharedWith...)
	copyTime := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		v := *t
		return &v
	}
	c.StartedAt = copyTime(a.StartedAt)
	c.SuspendedAt = copyTime(a.SuspendedAt)
	c.StoppedAt = copyTime(a.StoppedAt)
	c.FinishedAt = copyTime(a.FinishedAt)
	c.LastHeartbeatAt = copyTime(a.LastHeartbeatAt)
	return &c
}

// SharedWithUser reports whether the agent has been shared with userID.
func (a *Agent) SharedWithUser(userID string) bool {
	for _, id := range a.SharedWith {
		if id == userID {
			return true
		}
	}
	return false
}

// RuntimeFields is a partial update applied by MergeAgentRuntimeFields.
// Nil fields are left untouched. Merges never change status or bump
// status_version; VM status reports that carry a status go through the
// lifecycle machine instead.
type RuntimeFields struct {
	TerminalReady   *bool
	CloneStatus     *string
	CloneError      *string
	ErrorMessage    *string
	LastHeartbeatAt *time.Time
}

// IdleQuery selects agents in a given status whose last heartbeat is older
// than IdleBefore, ordered by last_heartbeat_at ascending (stalest first).
// Agents that have never heartbeated are excluded; they haven't reached
// running yet and are not reap candidates.
type IdleQuery struct {
	Status     Status
	IdleBefore time.Time
	Cursor     string // opaque cursor from a previous page, empty for the first page
	Limit      int    // max agents per page, default 100
}

// IdlePage is one page of idle-agent results.
type IdlePage struct {
	Agents     []*Agent
	NextCursor string // cursor for the next page, empty if HasMore is false
	HasMore    bool
}

// ReaperLease is the singleton arbitration row for reaper runs.
type ReaperLease struct {
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Store is the persistence interface for agent documents.
type Store interface {
	// InsertAgent creates a new agent document. StatusVersion is forced to 1.
	// Returns ErrDuplicateAgent if the ID is already present.
	InsertAgent(ctx context.Context, agent *Agent) error

	// GetAgent retrieves an agent by ID. Returns ErrNotFound if absent.
	GetAgent(ctx context.Context, id string) (*Agent, error)

	// ListAgentsByOwner returns agents owned by or shared with userID,
	// newest first.
	ListAgentsByOwner(ctx context.Context, userID string) ([]*Agent, error)

	// DeleteAgent removes an agent document. Returns ErrNotFound if absent.
	DeleteAgent(ctx context.Context, id string) error

	// CompareAndSwapAgent writes the full document if and only if the stored
	// status_version equals expectVersion. On success the stored version is
	// agent.StatusVersion (the caller sets it to expectVersion+1). A version
	// mismatch returns ErrConflict; a missing document returns ErrNotFound.
	CompareAndSwapAgent(ctx context.Context, agent *Agent, expectVersion int64) error

	// TouchAgentHeartbeat records liveness at time t. It only applies while
	// the agent is running and never bumps status_version. Touching a
	// non-running or missing agent is a no-op, not an error.
	TouchAgentHeartbeat(ctx context.Context, id string, t time.Time) error

	// MergeAgentRuntimeFields applies a partial update without changing
	// status or status_version. Returns ErrNotFound if the agent is absent.
	MergeAgentRuntimeFields(ctx context.Context, id string, fields RuntimeFields) error

	// ListIdleAgents returns one page of agents matching the query.
	ListIdleAgents(ctx context.Context, q IdleQuery) (*IdlePage, error)

	// AcquireReaperLease attempts to take the singleton reaper lease for ttl.
	// It succeeds only when the lease is absent or expired. Returns false
	// (with no error) when another holder has it.
	AcquireReaperLease(ctx context.Context, holder string, ttl time.Duration) (bool, error)

	// ReleaseReaperLease releases the lease if holder still owns it.
	// Releasing a lease owned by someone else is a no-op.
	ReleaseReaperLease(ctx context.Context, holder string) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases underlying resources.
	Close() error
}
