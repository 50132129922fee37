// Package twilioivr drives a TwiML voice application over the Twilio webhook
// convention. Each request leg is a form POST carrying the standard call
// fields (CallSid, Digits, CallStatus, ...); the response is a TwiML document
// whose Say verbs form the prompt heard by the caller.
package twilioivr

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/DialPilot/internal/flow"
)

// Webhook conventions
const (
	apiVersion = "2010-04-01"

	callStatusRinging    = "ringing"
	callStatusInProgress = "in-progress"
	callStatusCompleted  = "completed"

	// maxRedirects bounds how many TwiML Redirect verbs a single leg follows.
	maxRedirects = 3

	// DefaultLegTimeout bounds one webhook round trip.
	DefaultLegTimeout = 15 * time.Second
)

// Opts holds configuration options for the TwiML endpoint client.
type Opts struct {
	Endpoint   string
	AccountSID string
	From       string
	To         string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Option defines a configuration option for the TwiML endpoint client.
type Option func(*Opts)

// WithEndpoint sets the webhook URL of the TwiML application.
func WithEndpoint(endpoint string) Option {
	return func(o *Opts) { o.Endpoint = endpoint }
}

// WithAccountSID sets the AccountSid form field presented to the application.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithFrom sets the caller number presented to the application.
func WithFrom(from string) Option {
	return func(o *Opts) { o.From = from }
}

// WithTo sets the called number presented to the application.
func WithTo(to string) Option {
	return func(o *Opts) { o.To = to }
}

// WithTimeout sets the per-leg HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithHTTPClient injects a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client speaks the voice webhook convention to one TwiML application. It is
// safe for concurrent use; per-call state lives on the remote side, keyed by
// CallSid.
type Client struct {
	endpoint   string
	accountSID string
	from       string
	to         string
	httpClient *http.Client
}

// NewClient creates a webhook client for the given TwiML application.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	// Fallback to environment variables if not provided via options
	if cfg.Endpoint == "" {
		cfg.Endpoint = os.Getenv("DIALPILOT_ENDPOINT")
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("DIALPILOT_FROM_NUMBER")
	}
	if cfg.To == "" {
		cfg.To = os.Getenv("DIALPILOT_TO_NUMBER")
	}
	slog.Debug("Twilio IVR client config loaded",
		"endpoint_set", cfg.Endpoint != "",
		"accountSID_set", cfg.AccountSID != "")

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint URL must be provided")
	}
	if _, err := url.ParseRequestURI(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint URL %q: %w", cfg.Endpoint, err)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = "AC00000000000000000000000000000000"
	}
	if cfg.From == "" {
		cfg.From = "+15005550006"
	}
	if cfg.To == "" {
		cfg.To = "+15005550100"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultLegTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		endpoint:   cfg.Endpoint,
		accountSID: cfg.AccountSID,
		from:       cfg.From,
		to:         cfg.To,
		httpClient: httpClient,
	}, nil
}

// Endpoint returns the webhook URL this client talks to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// StartCall opens a new call and returns the greeting leg.
func (c *Client) StartCall(ctx context.Context, callID string) (flow.LegResult, error) {
	form := c.baseForm(callID, callStatusRinging)
	return c.leg(ctx, callID, form)
}

// SendInput presses DTMF digits on an open call.
func (c *Client) SendInput(ctx context.Context, callID, digits string) (flow.LegResult, error) {
	form := c.baseForm(callID, callStatusInProgress)
	form.Set("Digits", digits)
	return c.leg(ctx, callID, form)
}

// ContinueCall sends an input-less leg, modeling a gather window that closed
// without key presses.
func (c *Client) ContinueCall(ctx context.Context, callID string) (flow.LegResult, error) {
	form := c.baseForm(callID, callStatusInProgress)
	form.Set("Digits", "")
	return c.leg(ctx, callID, form)
}

// EndCall reports a caller-side hang-up. The response document is ignored.
func (c *Client) EndCall(ctx context.Context, callID string) error {
	form := c.baseForm(callID, callStatusCompleted)
	resp, err := c.post(ctx, c.endpoint, form)
	if err != nil {
		return fmt.Errorf("end call %s: %w", callID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("end call %s: endpoint returned status %d", callID, resp.StatusCode)
	}
	slog.Debug("TwilioIVR call ended", "callID", callID)
	return nil
}

func (c *Client) baseForm(callID, callStatus string) url.Values {
	return url.Values{
		"CallSid":    {callID},
		"AccountSid": {c.accountSID},
		"From":       {c.from},
		"To":         {c.to},
		"ApiVersion": {apiVersion},
		"Direction":  {"inbound"},
		"CallStatus": {callStatus},
	}
}

// leg performs one webhook round trip, following TwiML redirects. Say verbs
// are played before a Redirect transfers control, so prompt text accumulates
// across hops. The call is considered ended only on an explicit Hangup verb.
func (c *Client) leg(ctx context.Context, callID string, form url.Values) (flow.LegResult, error) {
	target := c.endpoint
	var says []string
	for hop := 0; ; hop++ {
		resp, err := c.post(ctx, target, form)
		if err != nil {
			return flow.LegResult{}, fmt.Errorf("leg request to %s: %w", target, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return flow.LegResult{}, fmt.Errorf("read leg response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return flow.LegResult{}, fmt.Errorf("endpoint returned status %d", resp.StatusCode)
		}

		doc, err := parseTwiML(body)
		if err != nil {
			return flow.LegResult{}, fmt.Errorf("leg response for call %s: %w", callID, err)
		}
		says = append(says, doc.Says...)

		if doc.Redirect != "" && !doc.Hangup {
			if hop >= maxRedirects {
				return flow.LegResult{}, fmt.Errorf("call %s exceeded %d redirects", callID, maxRedirects)
			}
			next, err := resolveRedirect(target, doc.Redirect)
			if err != nil {
				return flow.LegResult{}, fmt.Errorf("call %s redirect: %w", callID, err)
			}
			slog.Debug("TwilioIVR following redirect", "callID", callID, "target", next)
			// A redirected request re-fetches TwiML without replaying input.
			form.Del("Digits")
			target = next
			continue
		}

		result := flow.LegResult{
			Prompt: strings.Join(says, " "),
			HungUp: doc.Hangup,
		}
		slog.Debug("TwilioIVR leg completed", "callID", callID, "hungUp", result.HungUp, "promptLength", len(result.Prompt))
		return result, nil
	}
}

func (c *Client) post(ctx context.Context, target string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.httpClient.Do(req)
}

func resolveRedirect(current, redirect string) (string, error) {
	base, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(redirect)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}
