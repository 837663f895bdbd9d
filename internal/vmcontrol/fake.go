// ABOUTME: Scripted in-memory Controller implementation for tests
// ABOUTME: Tracks calls and lets tests inject per-operation failures

package vmcontrol

import (
	"context"
	"fmt"
	"sync"
)

// Fake is a Controller for tests. Operations mutate an in-memory instance
// table and are recorded in order; tests can script failures per operation
// name ("provision", "describe", "start", "stop", "suspend", "resume",
// "delete").
type Fake struct {
	mu        sync.Mutex
	instances map[InstanceRef]*Instance
	calls     []string
	failures  map[string]error
}

// NewFake creates an empty fake controller.
func NewFake() *Fake {
	return &Fake{
		instances: make(map[InstanceRef]*Instance),
		failures:  make(map[string]error),
	}
}

// AddInstance seeds an instance into the fake's table.
func (f *Fake) AddInstance(ref InstanceRef, state PowerState, address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[ref] = &Instance{Ref: ref, State: state, Address: address}
}

// RemoveInstance drops an instance, simulating out-of-band termination.
func (f *Fake) RemoveInstance(ref InstanceRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.instances, ref)
}

// FailWith scripts op to return err. Passing a nil err clears the failure.
func (f *Fake) FailWith(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, op)
		return
	}
	f.failures[op] = err
}

// Calls returns the operations performed so far, e.g. "suspend eu-west3-a/agent-abc123".
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *Fake) record(op string, ref InstanceRef) error {
	f.calls = append(f.calls, op+" "+ref.String())
	if err, ok := f.failures[op]; ok {
		return err
	}
	return nil
}

func (f *Fake) Provision(ctx context.Context, spec ProvisionSpec) (InstanceRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ref := InstanceRef{Name: spec.Name, Zone: spec.Zone}
	if err := f.record("provision", ref); err != nil {
		return InstanceRef{}, err
	}

	f.instances[ref] = &Instance{
		Ref:     ref,
		State:   PowerRunning,
		Address: fmt.Sprintf("%s.internal:7070", spec.Name),
	}
	return ref, nil
}

func (f *Fake) Describe(ctx context.Context, ref InstanceRef) (*Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("describe", ref); err != nil {
		return nil, err
	}

	inst, ok := f.instances[ref]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	copied := *inst
	return &copied, nil
}

func (f *Fake) Start(ctx context.Context, ref InstanceRef) error {
	return f.setState("start", ref, PowerRunning)
}

func (f *Fake) Stop(ctx context.Context, ref InstanceRef) error {
	return f.setState("stop", ref, PowerTerminated)
}

func (f *Fake) Suspend(ctx context.Context, ref InstanceRef) error {
	return f.setState("suspend", ref, PowerSuspended)
}

func (f *Fake) Resume(ctx context.Context, ref InstanceRef) error {
	return f.setState("resume", ref, PowerRunning)
}

func (f *Fake) Delete(ctx context.Context, ref InstanceRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("delete", ref); err != nil {
		return err
	}
	delete(f.instances, ref)
	return nil
}

func (f *Fake) setState(op string, ref InstanceRef, state PowerState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record(op, ref); err != nil {
		return err
	}

	inst, ok := f.instances[ref]
	if !ok {
		return ErrInstanceNotFound
	}
	inst.State = state
	return nil
}
