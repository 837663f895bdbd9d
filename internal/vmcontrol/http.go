// ABOUTME: HTTP client for the VM manager REST API
// ABOUTME: Issues instance operations and polls them to completion with backoff

package vmcontrol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// errOperationPending signals the poll loop that the operation isn't done.
var errOperationPending = errors.New("operation pending")

// HTTPController talks to a VM-manager REST endpoint.
type HTTPController struct {
	baseURL   string
	authToken string
	client    *http.Client
	logger    *slog.Logger

	pollInterval time.Duration
	opTimeout    time.Duration
}

// HTTPConfig configures the HTTP controller.
type HTTPConfig struct {
	BaseURL   string
	AuthToken string

	// PollInterval is the initial delay between operation status polls.
	PollInterval time.Duration

	// OpTimeout bounds how long a mutating operation is polled before
	// giving up with ErrOperationTimeout. Defaults to 5 minutes.
	OpTimeout time.Duration
}

// NewHTTPController creates a controller for the VM manager at cfg.BaseURL.
func NewHTTPController(cfg HTTPConfig, logger *slog.Logger) *HTTPController {
	if logger == nil {
		logger = slog.Default()
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	opTimeout := cfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = 5 * time.Minute
	}
	return &HTTPController{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		authToken:    cfg.AuthToken,
		client:       &http.Client{Timeout: 30 * time.Second},
		logger:       logger.With("component", "vmcontrol"),
		pollInterval: pollInterval,
		opTimeout:    opTimeout,
	}
}

type operationResponse struct {
	Operation string `json:"operation"`
	Done      bool   `json:"done"`
	Error     string `json:"error,omitempty"`
}

type instanceResponse struct {
	Name    string `json:"name"`
	Zone    string `json:"zone"`
	State   string `json:"state"`
	Address string `json:"address"`
}

// Provision creates a new instance and waits for the operation to settle.
func (c *HTTPController) Provision(ctx context.Context, spec ProvisionSpec) (InstanceRef, error) {
	ref := InstanceRef{Name: spec.Name, Zone: spec.Zone}

	var op operationResponse
	if err := c.do(ctx, http.MethodPost, "/v1/instances", spec, &op); err != nil {
		return InstanceRef{}, fmt.Errorf("provisioning %s: %w", ref, err)
	}

	if err := c.waitForOperation(ctx, op); err != nil {
		return ref, fmt.Errorf("provisioning %s: %w", ref, err)
	}

	c.logger.Info("instance provisioned", "instance", ref.Name, "zone", ref.Zone)
	return ref, nil
}

// Describe returns the instance's current state and terminal address.
func (c *HTTPController) Describe(ctx context.Context, ref InstanceRef) (*Instance, error) {
	var resp instanceResponse
	if err := c.do(ctx, http.MethodGet, c.instancePath(ref), nil, &resp); err != nil {
		return nil, fmt.Errorf("describing %s: %w", ref, err)
	}

	return &Instance{
		Ref:     InstanceRef{Name: resp.Name, Zone: resp.Zone},
		State:   PowerState(resp.State),
		Address: resp.Address,
	}, nil
}

func (c *HTTPController) Start(ctx context.Context, ref InstanceRef) error {
	return c.powerOp(ctx, ref, "start")
}

func (c *HTTPController) Stop(ctx context.Context, ref InstanceRef) error {
	return c.powerOp(ctx, ref, "stop")
}

func (c *HTTPController) Suspend(ctx context.Context, ref InstanceRef) error {
	return c.powerOp(ctx, ref, "suspend")
}

func (c *HTTPController) Resume(ctx context.Context, ref InstanceRef) error {
	return c.powerOp(ctx, ref, "resume")
}

// Delete removes the instance. Deleting an instance that is already gone
// succeeds, keeping the operation idempotent for retrying callers.
func (c *HTTPController) Delete(ctx context.Context, ref InstanceRef) error {
	var op operationResponse
	err := c.do(ctx, http.MethodDelete, c.instancePath(ref), nil, &op)
	if errors.Is(err, ErrInstanceNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting %s: %w", ref, err)
	}

	if err := c.waitForOperation(ctx, op); err != nil {
		return fmt.Errorf("deleting %s: %w", ref, err)
	}

	c.logger.Info("instance deleted", "instance", ref.Name, "zone", ref.Zone)
	return nil
}

func (c *HTTPController) powerOp(ctx context.Context, ref InstanceRef, verb string) error {
	var op operationResponse
	if err := c.do(ctx, http.MethodPost, c.instancePath(ref)+"/"+verb, nil, &op); err != nil {
		return fmt.Errorf("%s %s: %w", verb, ref, err)
	}

	if err := c.waitForOperation(ctx, op); err != nil {
		return fmt.Errorf("%s %s: %w", verb, ref, err)
	}

	c.logger.Debug("instance operation complete", "op", verb, "instance", ref.Name)
	return nil
}

// waitForOperation polls the operation until it reports done, the operation
// timeout elapses, or the context is cancelled.
func (c *HTTPController) waitForOperation(ctx context.Context, op operationResponse) error {
	if op.Done {
		return operationError(op)
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	poll := func() error {
		var status operationResponse
		if err := c.do(opCtx, http.MethodGet, "/v1/operations/"+op.Operation, nil, &status); err != nil {
			return backoff.Permanent(err)
		}
		if !status.Done {
			return errOperationPending
		}
		if err := operationError(status); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.pollInterval
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = c.opTimeout

	err := backoff.Retry(poll, backoff.WithContext(b, opCtx))
	if errors.Is(err, errOperationPending) || errors.Is(err, context.DeadlineExceeded) {
		return ErrOperationTimeout
	}
	return err
}

func operationError(op operationResponse) error {
	if op.Error == "" {
		return nil
	}
	return fmt.Errorf("operation %s failed: %s", op.Operation, op.Error)
}

func (c *HTTPController) instancePath(ref InstanceRef) string {
	return "/v1/instances/" + ref.Zone + "/" + ref.Name
}

// do issues one request and decodes the JSON response into out (when out is
// non-nil). 404s map to ErrInstanceNotFound, connection failures and 5xx to
// ErrUnavailable.
func (c *HTTPController) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrInstanceNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("vm manager returned status %d: %s", resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
