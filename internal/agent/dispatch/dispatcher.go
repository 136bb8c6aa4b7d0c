// Package dispatch invokes capability endpoints with validated arguments.
// It enforces at most one in-flight invocation per (turn, tool) pair and
// owns every ToolInvocation state transition out of pending.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	errx "github.com/pubx-real-estate/orchestrator/internal/core/error"
	logx "github.com/pubx-real-estate/orchestrator/pkg/logger"

	"github.com/pubx-real-estate/orchestrator/internal/agent/model"
	"github.com/pubx-real-estate/orchestrator/internal/observability/metrics"
)

const maxResponseBytes = 1 << 20

// Outcome is the structured result of one dispatch.
type Outcome struct {
	State   model.DispatchState
	Payload json.RawMessage
	Reason  string
}

// capabilityRequest is the uniform request shape for every capability.
type capabilityRequest struct {
	Arguments      map[string]any `json:"arguments"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// capabilityResponse is the uniform response shape.
type capabilityResponse struct {
	Status  string          `json:"status"` // ok | conflict | error
	Payload json.RawMessage `json:"payload,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// Config carries the dispatch policy knobs.
type Config struct {
	ReadDeadline  time.Duration // read-type capabilities
	WriteDeadline time.Duration // booking / voice capabilities
	MaxRetries    int           // idempotent capabilities only
	RetryBackoff  time.Duration // base for exponential backoff
}

// DefaultConfig mirrors the documented dispatch policy.
func DefaultConfig() Config {
	return Config{
		ReadDeadline:  10 * time.Second,
		WriteDeadline: 30 * time.Second,
		MaxRetries:    2,
		RetryBackoff:  200 * time.Millisecond,
	}
}

type Dispatcher struct {
	hc      *http.Client
	cfg     Config
	metrics *metrics.OrchestratorMetrics

	mu       sync.Mutex
	inflight map[string]*model.ToolInvocation

	// sleep is swappable so retry timing is testable
	sleep func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(hc *http.Client, cfg Config, m *metrics.OrchestratorMetrics) *Dispatcher {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Dispatcher{
		hc:       hc,
		cfg:      cfg,
		metrics:  m,
		inflight: make(map[string]*model.ToolInvocation),
		sleep:    sleepCtx,
	}
}

// Dispatch runs the invocation against desc.Endpoint and returns its
// terminal outcome. A second concurrent call for the same (turn, tool) pair
// fails with DuplicateDispatch before any network activity; the caller
// treats that as a no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, inv *model.ToolInvocation, desc model.ToolDescriptor) (Outcome, error) {
	if err := d.begin(inv); err != nil {
		return Outcome{}, err
	}

	outcome := d.call(ctx, inv, desc)
	d.finalize(inv, outcome)
	d.metrics.ObserveDispatch(inv.Tool, string(outcome.State))
	return outcome, nil
}

// begin atomically checks and claims the (turn, tool) slot.
func (d *Dispatcher) begin(inv *model.ToolInvocation) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.inflight[inv.Key()]; ok && !existing.State.Terminal() {
		return errx.DuplicateDispatch(inv.TurnID, inv.Tool)
	}
	inv.State = model.StatePending
	d.inflight[inv.Key()] = inv
	return nil
}

func (d *Dispatcher) finalize(inv *model.ToolInvocation, outcome Outcome) {
	d.mu.Lock()
	defer d.mu.Unlock()

	inv.State = outcome.State
	inv.Result = outcome.Payload
	inv.Reason = outcome.Reason
	inv.CompletedAt = time.Now().UTC()
	delete(d.inflight, inv.Key())
}

// call runs the attempt loop. Only idempotent (read-type) capabilities are
// retried; a failed booking or voice call needs a fresh user-visible
// decision, never an automatic retry.
func (d *Dispatcher) call(ctx context.Context, inv *model.ToolInvocation, desc model.ToolDescriptor) Outcome {
	deadline := d.cfg.WriteDeadline
	attempts := 1
	if desc.Idempotent {
		deadline = d.cfg.ReadDeadline
		attempts = 1 + d.cfg.MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := d.cfg.RetryBackoff << (attempt - 1)
			if err := d.sleep(ctx, backoff); err != nil {
				// caller cancelled while waiting: stop retrying
				lastErr = err
				break
			}
			d.metrics.ObserveDispatchRetry()
			logx.Debug().
				Str("tool", inv.Tool).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("retrying capability call")
		}

		outcome, err := d.attempt(ctx, inv, desc, deadline)
		if err == nil {
			return outcome
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	reason := "the capability is currently unavailable"
	if isTimeout(lastErr) {
		reason = "the capability did not respond in time"
	}
	logx.Error().
		Err(lastErr).
		Str("tool", inv.Tool).
		Str("turn_id", inv.TurnID).
		Msg("capability call failed after retries")
	return Outcome{State: model.StateFailed, Reason: reason}
}

// attempt performs one HTTP exchange under the per-call deadline.
// A transport-level error is returned for the retry loop; everything the
// endpoint actually answered becomes a terminal outcome.
func (d *Dispatcher) attempt(ctx context.Context, inv *model.ToolInvocation, desc model.ToolDescriptor, deadline time.Duration) (Outcome, error) {
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	body, err := json.Marshal(capabilityRequest{
		Arguments:      inv.Arguments,
		IdempotencyKey: inv.IdempotencyKey,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal capability request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, desc.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, fmt.Errorf("build capability request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.hc.Do(req)
	if err != nil {
		return Outcome{}, errx.Transport(err, "capability endpoint unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Outcome{}, errx.Transport(err, "capability response unreadable")
	}

	if resp.StatusCode >= 500 {
		return Outcome{}, errx.Transport(fmt.Errorf("endpoint status %d", resp.StatusCode), "capability endpoint error")
	}

	var capResp capabilityResponse
	if err := json.Unmarshal(raw, &capResp); err != nil {
		return Outcome{}, errx.Transport(err, "capability response malformed")
	}

	switch {
	case resp.StatusCode == http.StatusConflict || capResp.Status == "conflict":
		reason := capResp.Reason
		if reason == "" {
			reason = "the requested resource is no longer available"
		}
		return Outcome{State: model.StateConflict, Reason: reason}, nil
	case resp.StatusCode == http.StatusOK && capResp.Status == "ok":
		return Outcome{State: model.StateSucceeded, Payload: capResp.Payload}, nil
	default:
		reason := capResp.Reason
		if reason == "" {
			reason = fmt.Sprintf("capability rejected the request (status %d)", resp.StatusCode)
		}
		return Outcome{State: model.StateFailed, Reason: reason}, nil
	}
}

// PendingCount reports invocations currently awaiting an outcome.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, inv := range d.inflight {
		if inv.State == model.StatePending {
			n++
		}
	}
	return n
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
