package completion

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Rule maps a substring of the latest user message to a scripted response.
// Rules are checked in registration order; the first match wins.
type Rule struct {
	Match    string
	Response Response
}

// SimClient is the scripted in-process completion backend used in dev mode
// and tests. Unmatched input echoes a generic acknowledgement.
type SimClient struct {
	mu         sync.Mutex
	rules      []Rule
	DeltaDelay time.Duration
	failures   int
}

func NewSimClient(rules ...Rule) *SimClient {
	return &SimClient{rules: rules}
}

func (c *SimClient) AddRule(r Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, r)
}

// FailNext makes the next n StreamChat calls return ErrOverloaded. Used to
// exercise retry and fallback paths.
func (c *SimClient) FailNext(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = n
}

func (c *SimClient) StreamChat(ctx context.Context, req Request, onDelta func(string) error) (Response, error) {
	c.mu.Lock()
	if c.failures > 0 {
		c.failures--
		c.mu.Unlock()
		return Response{}, ErrOverloaded
	}
	resp := c.pick(req)
	delay := c.DeltaDelay
	c.mu.Unlock()

	// Stream word by word so callers see realistic partial delivery.
	var sent strings.Builder
	for _, word := range strings.Fields(resp.Text) {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return Response{Text: sent.String()}, ctx.Err()
			case <-time.After(delay):
			}
		} else if err := ctx.Err(); err != nil {
			return Response{Text: sent.String()}, err
		}
		delta := word
		if sent.Len() > 0 {
			delta = " " + word
		}
		if err := onDelta(delta); err != nil {
			return Response{Text: sent.String()}, err
		}
		sent.WriteString(delta)
	}
	return Response{Text: sent.String(), ToolCalls: resp.ToolCalls}, nil
}

func (c *SimClient) pick(req Request) Response {
	last := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser || req.Messages[i].Role == RoleTool {
			last = req.Messages[i].Content
			break
		}
	}
	lower := strings.ToLower(last)
	for _, r := range c.rules {
		if strings.Contains(lower, strings.ToLower(r.Match)) {
			return r.Response
		}
	}
	return Response{Text: "Understood. Is there anything else I can help with?"}
}

func (c *SimClient) Close() error { return nil }
