package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/DialPilot/internal/models"
)

// LegResult is the observable outcome of one request leg: the prompt the
// endpoint spoke back and whether it hung up.
type LegResult struct {
	Prompt string `json:"prompt"`
	HungUp bool   `json:"hung_up"`
}

// Blank reports whether the leg carried no prompt text.
func (r LegResult) Blank() bool {
	return strings.TrimSpace(r.Prompt) == ""
}

// Leg records one request/response exchange within a dispatch.
type Leg struct {
	Input  string `json:"input"`
	Prompt string `json:"prompt"`
	HungUp bool   `json:"hung_up,omitempty"`
}

// EndpointClient is the transport the dispatcher drives request legs over.
// Implementations must be safe for concurrent use by multiple sessions.
type EndpointClient interface {
	// StartCall opens a new call and returns the greeting leg.
	StartCall(ctx context.Context, callID string) (LegResult, error)
	// SendInput presses DTMF digits on an open call.
	SendInput(ctx context.Context, callID, digits string) (LegResult, error)
	// ContinueCall sends an input-less leg, listening without pressing keys.
	ContinueCall(ctx context.Context, callID string) (LegResult, error)
	// EndCall reports a caller-side hang-up to the endpoint.
	EndCall(ctx context.Context, callID string) error
}

// DispatchError reports a failed request leg along with the legs that
// completed before it.
type DispatchError struct {
	CallID string
	Legs   []Leg
	Err    error
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch failed on call %s after %d legs: %v", e.CallID, len(e.Legs), e.Err)
}

// Unwrap returns the underlying leg failure.
func (e *DispatchError) Unwrap() error { return e.Err }

// Dispatch timing defaults. The inter-leg delay lets the endpoint's gather
// window roll over so the remaining digits arrive as a fresh request.
const (
	DefaultInterLegDelay = 2 * time.Second
	DefaultRecoveryDelay = 2 * time.Second
)

// DispatchOpts holds configuration options for a Dispatcher.
type DispatchOpts struct {
	InterLegDelay time.Duration
	RecoveryDelay time.Duration
}

// DispatchOption defines a functional option for configuring a Dispatcher.
type DispatchOption func(*DispatchOpts)

// WithInterLegDelay sets the pause between the first key and the remaining
// digits of a multi-key input.
func WithInterLegDelay(d time.Duration) DispatchOption {
	return func(o *DispatchOpts) {
		o.InterLegDelay = d
	}
}

// WithRecoveryDelay sets the pause before the blank-response recovery leg.
func WithRecoveryDelay(d time.Duration) DispatchOption {
	return func(o *DispatchOpts) {
		o.RecoveryDelay = d
	}
}

// Dispatcher turns a single action into its request legs. Inputs of zero or
// one key take one leg. Longer inputs split: the first key opens the entry,
// then after the inter-leg delay the remaining keys follow as one batch. If
// the batch comes back silent the dispatcher listens once more before giving
// the result back.
type Dispatcher struct {
	client        EndpointClient
	interLegDelay time.Duration
	recoveryDelay time.Duration
}

// NewDispatcher creates a Dispatcher over the given endpoint client.
func NewDispatcher(client EndpointClient, opts ...DispatchOption) *Dispatcher {
	cfg := DispatchOpts{
		InterLegDelay: DefaultInterLegDelay,
		RecoveryDelay: DefaultRecoveryDelay,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Dispatcher{
		client:        client,
		interLegDelay: cfg.InterLegDelay,
		recoveryDelay: cfg.RecoveryDelay,
	}
}

// Dispatch sends the action's input over one or more legs and returns the
// final leg's result. A remote hang-up on any leg ends the dispatch with that
// leg's result; a transport failure aborts with a DispatchError carrying the
// completed legs.
func (d *Dispatcher) Dispatch(ctx context.Context, callID string, action models.Action) (LegResult, error) {
	if err := action.Validate(); err != nil {
		return LegResult{}, &DispatchError{CallID: callID, Err: err}
	}

	input := action.Input
	if len(input) <= 1 {
		res, err := d.sendLeg(ctx, callID, input)
		if err != nil {
			return LegResult{}, &DispatchError{CallID: callID, Err: err}
		}
		return res, nil
	}

	slog.Debug("Dispatcher splitting multi-key input", "callID", callID, "action", action.Name, "keys", len(input))
	legs := make([]Leg, 0, 2)

	first, err := d.client.SendInput(ctx, callID, input[:1])
	if err != nil {
		return LegResult{}, &DispatchError{CallID: callID, Legs: legs, Err: err}
	}
	legs = append(legs, Leg{Input: input[:1], Prompt: first.Prompt, HungUp: first.HungUp})
	if first.HungUp {
		slog.Warn("Dispatcher remote hung up mid-entry", "callID", callID, "action", action.Name)
		return first, nil
	}

	time.Sleep(d.interLegDelay)

	rest, err := d.client.SendInput(ctx, callID, input[1:])
	if err != nil {
		return LegResult{}, &DispatchError{CallID: callID, Legs: legs, Err: err}
	}
	legs = append(legs, Leg{Input: input[1:], Prompt: rest.Prompt, HungUp: rest.HungUp})
	if rest.HungUp || !rest.Blank() {
		return rest, nil
	}

	// The endpoint said nothing after the full entry. Listen once; if the
	// line is still silent that result stands.
	slog.Debug("Dispatcher blank response after entry, listening once", "callID", callID, "action", action.Name)
	time.Sleep(d.recoveryDelay)
	recovered, err := d.client.ContinueCall(ctx, callID)
	if err != nil {
		return LegResult{}, &DispatchError{CallID: callID, Legs: legs, Err: err}
	}
	return recovered, nil
}

// Continue sends a single listen leg outside of an action dispatch.
func (d *Dispatcher) Continue(ctx context.Context, callID string) (LegResult, error) {
	res, err := d.client.ContinueCall(ctx, callID)
	if err != nil {
		return LegResult{}, &DispatchError{CallID: callID, Err: err}
	}
	return res, nil
}

func (d *Dispatcher) sendLeg(ctx context.Context, callID, input string) (LegResult, error) {
	if input == "" {
		return d.client.ContinueCall(ctx, callID)
	}
	return d.client.SendInput(ctx, callID, input)
}
