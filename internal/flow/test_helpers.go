package flow

import "context"

// MockCall records one operation a MockEndpoint received.
type MockCall struct {
	Op     string // "start", "input", "continue", or "end"
	CallID string
	Digits string
}

// MockEndpoint is a canned EndpointClient for tests. Prompt legs consume
// Responses in order; Errs injects a failure at a given leg index. Not safe
// for concurrent use.
type MockEndpoint struct {
	Responses []LegResult
	Errs      map[int]error
	EndErr    error
	Calls     []MockCall
	leg       int
}

// StartCall implements EndpointClient.
func (m *MockEndpoint) StartCall(ctx context.Context, callID string) (LegResult, error) {
	return m.next("start", callID, "")
}

// SendInput implements EndpointClient.
func (m *MockEndpoint) SendInput(ctx context.Context, callID, digits string) (LegResult, error) {
	return m.next("input", callID, digits)
}

// ContinueCall implements EndpointClient.
func (m *MockEndpoint) ContinueCall(ctx context.Context, callID string) (LegResult, error) {
	return m.next("continue", callID, "")
}

// EndCall implements EndpointClient.
func (m *MockEndpoint) EndCall(ctx context.Context, callID string) error {
	m.Calls = append(m.Calls, MockCall{Op: "end", CallID: callID})
	return m.EndErr
}

// PromptLegs returns the non-end calls the mock received, in order.
func (m *MockEndpoint) PromptLegs() []MockCall {
	var out []MockCall
	for _, c := range m.Calls {
		if c.Op != "end" {
			out = append(out, c)
		}
	}
	return out
}

func (m *MockEndpoint) next(op, callID, digits string) (LegResult, error) {
	m.Calls = append(m.Calls, MockCall{Op: op, CallID: callID, Digits: digits})
	idx := m.leg
	m.leg++
	if err, ok := m.Errs[idx]; ok {
		return LegResult{}, err
	}
	if idx < len(m.Responses) {
		return m.Responses[idx], nil
	}
	return LegResult{}, nil
}
