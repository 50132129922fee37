package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/DialPilot/internal/models"
	"github.com/BTreeMap/DialPilot/internal/util"
)

// DefaultMaxSteps bounds a session when no explicit budget is configured.
const DefaultMaxSteps = 30

// DriverOpts holds configuration options for a Driver.
type DriverOpts struct {
	Mode     models.SessionMode
	MaxSteps int
	Endpoint string
}

// DriverOption defines a functional option for configuring a Driver.
type DriverOption func(*DriverOpts)

// WithMode sets the action-selection mode for driven sessions.
func WithMode(mode models.SessionMode) DriverOption {
	return func(o *DriverOpts) {
		o.Mode = mode
	}
}

// WithMaxSteps sets the step budget per session.
func WithMaxSteps(n int) DriverOption {
	return func(o *DriverOpts) {
		o.MaxSteps = n
	}
}

// WithEndpoint sets the endpoint label recorded in call reports.
func WithEndpoint(endpoint string) DriverOption {
	return func(o *DriverOpts) {
		o.Endpoint = endpoint
	}
}

// Driver runs complete call sessions: it starts a call, then loops
// classify, decide, dispatch, record until the call ends or the step budget
// runs out. Each Run is a single sequential session; run concurrent sessions
// by calling Run from separate goroutines.
type Driver struct {
	client     EndpointClient
	dispatcher *Dispatcher
	mode       models.SessionMode
	maxSteps   int
	endpoint   string
}

// NewDriver creates a Driver over the given endpoint client and dispatcher.
func NewDriver(client EndpointClient, dispatcher *Dispatcher, opts ...DriverOption) *Driver {
	cfg := DriverOpts{
		Mode:     models.SessionModeScripted,
		MaxSteps: DefaultMaxSteps,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Driver{
		client:     client,
		dispatcher: dispatcher,
		mode:       cfg.Mode,
		maxSteps:   cfg.MaxSteps,
		endpoint:   cfg.Endpoint,
	}
}

// Run drives one complete session and returns its summary. Exhausting the
// step budget is a normal outcome, not an error: the summary comes back with
// Completed false and BudgetExhausted true. Cancellation is honored between
// steps only; an in-flight leg always completes.
func (dr *Driver) Run(ctx context.Context) (*models.SessionResult, error) {
	_, result, err := dr.run(ctx)
	return result, err
}

// RunReport drives one complete session and returns the persistable call
// report alongside the summary.
func (dr *Driver) RunReport(ctx context.Context) (*models.CallReport, *models.SessionResult, error) {
	sess, result, err := dr.run(ctx)
	if sess == nil {
		return nil, result, err
	}
	return sess.Report(dr.endpoint, result, err), result, err
}

func (dr *Driver) run(ctx context.Context) (*Session, *models.SessionResult, error) {
	if err := dr.mode.Validate(); err != nil {
		return nil, nil, err
	}
	if dr.maxSteps <= 0 {
		return nil, nil, models.ErrInvalidMaxSteps
	}

	callID := util.GenerateCallSID()
	sess := NewSession(callID, dr.mode)
	result := &models.SessionResult{CallID: callID, Mode: dr.mode}

	// Legs already in flight run to completion even if the session context
	// is canceled; cancellation is only observed between steps.
	legCtx := context.WithoutCancel(ctx)

	slog.Info("Driver starting session", "callID", callID, "mode", dr.mode, "maxSteps", dr.maxSteps, "endpoint", dr.endpoint)
	leg, err := dr.client.StartCall(legCtx, callID)
	if err != nil {
		result.FinalState = models.StateUnknown
		return sess, result, fmt.Errorf("start call %s: %w", callID, err)
	}

	for step := 0; step < dr.maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			slog.Warn("Driver session canceled between steps", "callID", callID, "step", step)
			dr.hangUp(legCtx, callID)
			dr.finish(sess, result)
			return sess, result, fmt.Errorf("session canceled at step %d: %w", step, err)
		}

		state := Classify(leg.Prompt, sess.Current(), sess.RegisteredPatterns())
		sess.Advance(state)

		if leg.HungUp {
			sess.RecordStep(models.Step{
				Index:  step,
				Prompt: leg.Prompt,
				State:  state,
				Action: models.WaitAction("remote hung up"),
				HungUp: true,
				At:     time.Now(),
			})
			result.Completed = true
			result.HungUp = true
			slog.Info("Driver session ended by remote hang-up", "callID", callID, "step", step, "state", state)
			break
		}

		action := NextAction(sess, state, step)
		slog.Debug("Driver step decided", "callID", callID, "step", step, "state", state, "action", action.Name, "input", action.Input)

		if action.IsHangUp() {
			dr.hangUp(legCtx, callID)
			sess.RecordStep(models.Step{Index: step, Prompt: leg.Prompt, State: state, Action: action, At: time.Now()})
			result.Completed = true
			slog.Info("Driver session completed", "callID", callID, "step", step, "state", state)
			break
		}

		next, err := dr.dispatcher.Dispatch(legCtx, callID, action)
		if err != nil {
			slog.Error("Driver dispatch failed", "callID", callID, "step", step, "state", state, "error", err)
			dr.finish(sess, result)
			return sess, result, err
		}

		// A silent prompt right after a multi-key entry usually means the
		// endpoint is still gathering. Listen once more before recording.
		if len(action.Input) >= 2 && !next.HungUp && next.Blank() {
			slog.Debug("Driver blank prompt after multi-key action, listening once", "callID", callID, "step", step)
			recovered, recErr := dr.dispatcher.Continue(legCtx, callID)
			if recErr != nil {
				slog.Error("Driver recovery leg failed", "callID", callID, "step", step, "error", recErr)
				dr.finish(sess, result)
				return sess, result, recErr
			}
			next = recovered
		}

		sess.RecordStep(models.Step{
			Index:    step,
			Prompt:   leg.Prompt,
			State:    state,
			Action:   action,
			Response: next.Prompt,
			HungUp:   next.HungUp,
			At:       time.Now(),
		})
		leg = next
	}

	if !result.Completed {
		result.BudgetExhausted = true
		dr.hangUp(legCtx, callID)
		slog.Info("Driver step budget exhausted", "callID", callID, "maxSteps", dr.maxSteps, "state", sess.Current())
	}
	dr.finish(sess, result)
	return sess, result, nil
}

func (dr *Driver) finish(sess *Session, result *models.SessionResult) {
	result.FinalState = sess.Current()
	result.Steps = sess.Steps()
}

func (dr *Driver) hangUp(ctx context.Context, callID string) {
	if err := dr.client.EndCall(ctx, callID); err != nil {
		slog.Warn("Driver end call failed", "callID", callID, "error", err)
	}
}
