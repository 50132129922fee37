// Package genai provides GenAI-enhanced operations using the OpenAI API.
//
// DialPilot uses language models in two places: picking the next key to
// press when an exploratory session faces a menu it has never seen, and
// turning a finished call report into a short operator summary. Both
// operations go through ClientInterface so callers can swap in MockClient
// during tests.
package genai

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/DialPilot/internal/models"
)

// ErrNoChoicesReturned is returned when the OpenAI API response contains no
// completion choices.
var ErrNoChoicesReturned = errors.New("no choices returned from OpenAI API")

// ErrNoKeyInReply is returned when a model reply contains no telephone keys.
var ErrNoKeyInReply = errors.New("no key press found in model reply")

const suggestSystemPrompt = "You are operating a telephone keypad against an automated phone menu. " +
	"Reply with the exact keys to press next and nothing else. " +
	"Valid keys are the digits 0 through 9, star (*), and pound (#)."

const summarizeSystemPrompt = "You are an operations engineer reviewing automated test calls placed " +
	"against a phone menu. Summarize the call in a few short sentences: what the session did, where it " +
	"ended, and anything unexpected."

// chatService defines the minimal interface for chat completions so tests can
// substitute a mock for the real OpenAI client.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// ClientInterface defines the GenAI operations used by the rest of DialPilot.
type ClientInterface interface {
	// SuggestKey asks the model which key to press next given the prompt an
	// endpoint just played and the goal of the session.
	SuggestKey(ctx context.Context, prompt, goal string) (string, error)
	// SummarizeReport asks the model for a short plain-text summary of a
	// finished call report.
	SummarizeReport(ctx context.Context, report *models.CallReport) (string, error)
}

// Client wraps the OpenAI API client.
type Client struct {
	chat  chatService
	model openai.ChatModel
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	// APIKey is the OpenAI API key. Falls back to OPENAI_API_KEY.
	APIKey string
	// Model is the chat model used for all completions.
	Model openai.ChatModel
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key explicitly.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithModel overrides the chat model used for completions.
func WithModel(model openai.ChatModel) Option {
	return func(o *Opts) {
		o.Model = model
	}
}

// NewClient creates a new GenAI client. The API key is taken from the options
// or the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	api := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{chat: &api.Chat.Completions, model: cfg.Model}, nil
}

// SuggestKey asks the model for the next key press given the text an endpoint
// just played and the goal of the session. The reply is reduced to the first
// run of telephone keys it contains.
func (c *Client) SuggestKey(ctx context.Context, prompt, goal string) (string, error) {
	user := fmt.Sprintf("The menu said:\n%s\n\nGoal: %s\n\nWhich keys should be pressed next?", prompt, goal)
	reply, err := c.complete(ctx, suggestSystemPrompt, user)
	if err != nil {
		return "", err
	}
	return ExtractKey(reply)
}

// SummarizeReport asks the model for a short summary of a finished call.
func (c *Client) SummarizeReport(ctx context.Context, report *models.CallReport) (string, error) {
	if report == nil {
		return "", fmt.Errorf("report is nil")
	}
	return c.complete(ctx, summarizeSystemPrompt, renderReport(report))
}

// complete performs a single chat completion and returns the reply text.
func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// ExtractKey returns the first contiguous run of telephone keys in a model
// reply. Replies like "Press 4." reduce to "4"; a reply with no keys at all
// is an error.
func ExtractKey(reply string) (string, error) {
	start := -1
	for i, r := range reply {
		if strings.ContainsRune(models.DTMFAlphabet, r) {
			if start == -1 {
				start = i
			}
			continue
		}
		if start != -1 {
			return reply[start:i], nil
		}
	}
	if start != -1 {
		return reply[start:], nil
	}
	return "", fmt.Errorf("%w: %q", ErrNoKeyInReply, reply)
}

// renderReport flattens a call report into the plain text handed to the model.
// Map iteration order is not stable, so transition tallies are sorted to keep
// the rendering deterministic.
func renderReport(report *models.CallReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Call %s to endpoint %s in %s mode.\n", report.ID, report.Endpoint, report.Mode)
	fmt.Fprintf(&b, "Completed: %t. Budget exhausted: %t. Remote hang-up: %t.\n",
		report.Completed, report.BudgetExhausted, report.HungUp)
	fmt.Fprintf(&b, "Final state: %s.\n", report.FinalState)
	for _, step := range report.Steps {
		switch {
		case step.Action.IsHangUp():
			fmt.Fprintf(&b, "Step %d: state %s, ended the call.\n", step.Index, step.State)
		case step.HungUp:
			fmt.Fprintf(&b, "Step %d: state %s, remote side hung up.\n", step.Index, step.State)
		case step.Action.IsWait():
			fmt.Fprintf(&b, "Step %d: state %s, waited.\n", step.Index, step.State)
		default:
			fmt.Fprintf(&b, "Step %d: state %s, pressed %q.\n", step.Index, step.State, step.Action.Input)
		}
	}
	if len(report.TransitionCounts) > 0 {
		keys := make([]string, 0, len(report.TransitionCounts))
		for key := range report.TransitionCounts {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(&b, "Transition %s seen %d time(s).\n", key, report.TransitionCounts[key])
		}
	}
	for _, illegal := range report.IllegalTransitions {
		fmt.Fprintf(&b, "Unexpected transition %s at step %d.\n",
			models.TransitionKey(illegal.From, illegal.To), illegal.Step)
	}
	if len(report.DiscoveredStates) > 0 {
		names := make([]string, len(report.DiscoveredStates))
		for i, state := range report.DiscoveredStates {
			names[i] = string(state)
		}
		fmt.Fprintf(&b, "Discovered states: %s.\n", strings.Join(names, ", "))
	}
	if report.ErrorMessage != "" {
		fmt.Fprintf(&b, "Error: %s.\n", report.ErrorMessage)
	}
	return b.String()
}

// MockClient is a mock implementation of ClientInterface for testing.
type MockClient struct {
	// SuggestKeyFn overrides SuggestKey when set.
	SuggestKeyFn func(ctx context.Context, prompt, goal string) (string, error)
	// SummarizeReportFn overrides SummarizeReport when set.
	SummarizeReportFn func(ctx context.Context, report *models.CallReport) (string, error)
}

// SuggestKey returns a canned key press unless SuggestKeyFn is set.
func (m *MockClient) SuggestKey(ctx context.Context, prompt, goal string) (string, error) {
	if m.SuggestKeyFn != nil {
		return m.SuggestKeyFn(ctx, prompt, goal)
	}
	return "1", nil
}

// SummarizeReport returns a canned summary unless SummarizeReportFn is set.
func (m *MockClient) SummarizeReport(ctx context.Context, report *models.CallReport) (string, error) {
	if m.SummarizeReportFn != nil {
		return m.SummarizeReportFn(ctx, report)
	}
	return "mock summary", nil
}
