// Package models defines the core data structures for DialPilot.
//
// It includes types for actions, call steps, and call reports, which are shared across modules.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SessionMode defines how the agent chooses its next action at each step.
type SessionMode string

const (
	// SessionModeScripted follows the canned per-state decision table.
	SessionModeScripted SessionMode = "scripted"
	// SessionModeExploratory rotates through per-state candidate inputs.
	SessionModeExploratory SessionMode = "exploratory"
)

// Validation constants for input validation
const (
	// DTMFAlphabet defines the symbols an action input may contain.
	DTMFAlphabet = "0123456789*#"
	// MaxActionInputDigits defines the maximum allowed length for a single action input.
	MaxActionInputDigits = 32
	// MaxPromptLength defines the maximum prompt text length retained in step records.
	MaxPromptLength = 4096
)

// Well-known action names
const (
	// HangUpActionName is the sentinel action name that ends the call without
	// dispatching a request leg.
	HangUpActionName = "hang up"
	// WaitActionName labels the empty-input listen-again action.
	WaitActionName = "wait"
)

// Error variables for better error handling and testability
var (
	ErrInvalidSessionMode = errors.New("invalid session mode")
	ErrInvalidDTMF        = errors.New("action input contains non-DTMF characters")
	ErrActionInputTooLong = errors.New("action input exceeds maximum length")
	ErrEmptyCallID        = errors.New("call ID cannot be empty")
	ErrEmptyEndpoint      = errors.New("endpoint URL cannot be empty")
	ErrInvalidMaxSteps    = errors.New("max steps must be positive")
)

// IsValidSessionMode checks if the given session mode is supported.
func IsValidSessionMode(m SessionMode) bool {
	switch m {
	case SessionModeScripted, SessionModeExploratory:
		return true
	default:
		return false
	}
}

// Validate checks that the session mode is one of the recognized values.
func (m SessionMode) Validate() error {
	if !IsValidSessionMode(m) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionMode, string(m))
	}
	return nil
}

// ValidateDTMF checks that input consists solely of DTMF symbols. An empty
// input is valid and denotes the wait action.
func ValidateDTMF(input string) error {
	if len(input) > MaxActionInputDigits {
		return fmt.Errorf("%w: %d digits", ErrActionInputTooLong, len(input))
	}
	for _, r := range input {
		if !strings.ContainsRune(DTMFAlphabet, r) {
			return fmt.Errorf("%w: %q", ErrInvalidDTMF, input)
		}
	}
	return nil
}

// Action represents a single decision produced by the action policy: what to
// press, under what name, and why.
type Action struct {
	Name      string `json:"name"`
	Input     string `json:"input"`
	Rationale string `json:"rationale,omitempty"`
}

// Validate performs validation on an Action structure.
func (a Action) Validate() error {
	return ValidateDTMF(a.Input)
}

// IsWait reports whether the action sends no digits and only listens.
func (a Action) IsWait() bool {
	return a.Input == ""
}

// IsHangUp reports whether the action is the terminal hang-up sentinel.
func (a Action) IsHangUp() bool {
	return a.Name == HangUpActionName
}

// WaitAction builds the empty-input listen action with the given rationale.
func WaitAction(rationale string) Action {
	return Action{Name: WaitActionName, Input: "", Rationale: rationale}
}

// Step records one completed iteration of the session driver loop: the prompt
// that was classified, the state it resolved to, the action taken, and the
// prompt the action produced.
type Step struct {
	Index    int       `json:"index"`
	Prompt   string    `json:"prompt"`
	State    State     `json:"state"`
	Action   Action    `json:"action"`
	Response string    `json:"response"`
	HungUp   bool      `json:"hung_up,omitempty"`
	At       time.Time `json:"at"`
}

// IllegalTransition records an observed state change that is absent from the
// legal successor table. Illegal transitions are diagnostic, never fatal.
type IllegalTransition struct {
	From State `json:"from"`
	To   State `json:"to"`
	Step int   `json:"step"`
}

// SessionResult summarizes one driven call.
type SessionResult struct {
	CallID          string      `json:"call_id"`
	Mode            SessionMode `json:"mode"`
	Completed       bool        `json:"completed"`
	BudgetExhausted bool        `json:"budget_exhausted"`
	HungUp          bool        `json:"hung_up"`
	FinalState      State       `json:"final_state"`
	Steps           []Step      `json:"steps"`
}

// CallReport is the persisted record of one driven call, including the
// session's observed transition coverage.
type CallReport struct {
	ID                 string              `json:"id"`
	Endpoint           string              `json:"endpoint"`
	Mode               SessionMode         `json:"mode"`
	Completed          bool                `json:"completed"`
	BudgetExhausted    bool                `json:"budget_exhausted"`
	HungUp             bool                `json:"hung_up"`
	FinalState         State               `json:"final_state"`
	Steps              []Step              `json:"steps"`
	TransitionCounts   map[string]int      `json:"transition_counts,omitempty"`
	IllegalTransitions []IllegalTransition `json:"illegal_transitions,omitempty"`
	DiscoveredStates   []State             `json:"discovered_states,omitempty"`
	ErrorMessage       string              `json:"error_message,omitempty"`
	StartedAt          time.Time           `json:"started_at"`
	EndedAt            time.Time           `json:"ended_at"`
	CreatedAt          time.Time           `json:"created_at"`
}

// Validate performs validation on a CallReport before it is stored.
func (r *CallReport) Validate() error {
	if r.ID == "" {
		return ErrEmptyCallID
	}
	if err := r.Mode.Validate(); err != nil {
		return err
	}
	return nil
}

// CallRequest describes one requested session launch. Zero-valued fields
// fall back to the caller's configured defaults.
type CallRequest struct {
	Endpoint string      `json:"endpoint,omitempty"`
	Mode     SessionMode `json:"mode,omitempty"`
	MaxSteps int         `json:"max_steps,omitempty"`
}

// Validate performs validation on a CallRequest. An empty mode is allowed
// and means the default mode.
func (cr CallRequest) Validate() error {
	if cr.Mode != "" {
		if err := cr.Mode.Validate(); err != nil {
			return err
		}
	}
	if cr.MaxSteps < 0 {
		return ErrInvalidMaxSteps
	}
	return nil
}

// TransitionKey renders a from/to pair as the canonical tally map key,
// e.g. "MAIN_MENU->PHARMACY_HOURS".
func TransitionKey(from, to State) string {
	return string(from) + "->" + string(to)
}

// ParseTransitionKey splits a tally key back into its from/to states.
func ParseTransitionKey(key string) (State, State, error) {
	from, to, ok := strings.Cut(key, "->")
	if !ok {
		return "", "", fmt.Errorf("malformed transition key %q", key)
	}
	return State(from), State(to), nil
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build returns the constructed APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Convenience functions for common response patterns

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
