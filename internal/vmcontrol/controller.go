// ABOUTME: VM control interface for the cloud instances backing agents
// ABOUTME: Idempotent power operations with poll-to-completion semantics

package vmcontrol

import (
	"context"
	"errors"
)

// Controller errors
var (
	// ErrInstanceNotFound is returned when the named instance doesn't exist
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrUnavailable is returned when the VM manager can't be reached
	ErrUnavailable = errors.New("vm manager unavailable")

	// ErrOperationTimeout is returned when an operation doesn't settle
	// within the configured ceiling. The instance may still converge later.
	ErrOperationTimeout = errors.New("vm operation timed out")
)

// InstanceRef names a VM by instance name and zone.
type InstanceRef struct {
	Name string `json:"name"`
	Zone string `json:"zone"`
}

func (r InstanceRef) String() string {
	return r.Zone + "/" + r.Name
}

// PowerState is the lifecycle state of a VM as the manager reports it.
type PowerState string

const (
	PowerStaging    PowerState = "STAGING"
	PowerRunning    PowerState = "RUNNING"
	PowerSuspending PowerState = "SUSPENDING"
	PowerSuspended  PowerState = "SUSPENDED"
	PowerStopping   PowerState = "STOPPING"
	PowerTerminated PowerState = "TERMINATED"
)

// Instance is a VM description returned by Describe.
type Instance struct {
	Ref   InstanceRef `json:"ref"`
	State PowerState  `json:"state"`

	// Address is the host:port of the instance's terminal endpoint. It can
	// change across stop/start cycles, so callers resolve it fresh before
	// each connection attempt.
	Address string `json:"address"`
}

// ProvisionSpec describes the VM to create for a new agent.
type ProvisionSpec struct {
	Name        string `json:"name"`
	Zone        string `json:"zone"`
	MachineType string `json:"machine_type,omitempty"`
	Image       string `json:"image,omitempty"`

	// Agent bootstrap parameters passed through to the VM's startup config.
	AgentID string `json:"agent_id"`
	Repo    string `json:"repo"`
	Prompt  string `json:"prompt,omitempty"`
}

// Controller manages the VMs backing agents. All operations are idempotent:
// suspending a suspended instance or deleting a deleted one succeeds.
// Mutating operations block until the manager reports the operation done,
// bounded by the controller's operation timeout.
type Controller interface {
	// Provision creates a new instance and waits for creation to settle.
	// On ErrOperationTimeout the instance may still be coming up; the
	// caller is expected to leave the agent in a non-terminal state.
	Provision(ctx context.Context, spec ProvisionSpec) (InstanceRef, error)

	// Describe returns the instance's current state and address.
	Describe(ctx context.Context, ref InstanceRef) (*Instance, error)

	Start(ctx context.Context, ref InstanceRef) error
	Stop(ctx context.Context, ref InstanceRef) error
	Suspend(ctx context.Context, ref InstanceRef) error
	Resume(ctx context.Context, ref InstanceRef) error
	Delete(ctx context.Context, ref InstanceRef) error
}
