// Package agent defines voice agents, their tools, and the registry the
// orchestrator resolves handoff targets against. The registry is built once
// at startup and immutable afterwards; a handoff to an unknown agent is a
// hard error, never a silent fallback.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lmattei/voiceline/internal/speech"
	"github.com/xeipuuv/gojsonschema"
)

// ErrNotFound is returned when a handoff names an agent the registry does
// not hold.
var ErrNotFound = errors.New("agent: not found")

// ToolFunc executes a tool call with already-validated arguments and returns
// the text result fed back to the model.
type ToolFunc func(ctx context.Context, args json.RawMessage) (string, error)

// Tool is a callable the model may invoke mid-turn. Schema is a JSON Schema
// document; arguments are validated against it before Run is called.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Run         ToolFunc

	compiled *gojsonschema.Schema
}

// Handoff declares an agent this agent may transfer the call to.
type Handoff struct {
	Target string
	// When guides the model on when to transfer; it is folded into the
	// system prompt.
	When string
}

// Agent is one conversational persona. Instructions become the system
// prompt; Greeting is spoken when the agent takes over the call.
type Agent struct {
	Name         string
	Instructions string
	Greeting     string
	Voice        speech.VoiceSettings
	Tools        []Tool
	Handoffs     []Handoff
}

func (a *Agent) tool(name string) (*Tool, bool) {
	for i := range a.Tools {
		if a.Tools[i].Name == name {
			return &a.Tools[i], true
		}
	}
	return nil, false
}

// CanHandOffTo reports whether target is a declared handoff of this agent.
func (a *Agent) CanHandOffTo(target string) bool {
	for _, h := range a.Handoffs {
		if h.Target == target {
			return true
		}
	}
	return false
}

// Registry is the immutable set of agents for the process, with a designated
// entry agent every new call starts on.
type Registry struct {
	agents map[string]*Agent
	entry  string
}

// NewRegistry validates every agent and compiles tool schemas up front, so a
// malformed agent definition fails at startup rather than mid-call.
func NewRegistry(entry string, agents ...*Agent) (*Registry, error) {
	if len(agents) == 0 {
		return nil, errors.New("agent: registry needs at least one agent")
	}
	byName := make(map[string]*Agent, len(agents))
	for _, a := range agents {
		if err := validate(a); err != nil {
			return nil, err
		}
		if _, dup := byName[a.Name]; dup {
			return nil, fmt.Errorf("agent: duplicate name %q", a.Name)
		}
		byName[a.Name] = a
	}
	for _, a := range agents {
		for _, h := range a.Handoffs {
			if _, ok := byName[h.Target]; !ok {
				return nil, fmt.Errorf("agent %s: handoff target %q is not registered", a.Name, h.Target)
			}
		}
	}
	if _, ok := byName[entry]; !ok {
		return nil, fmt.Errorf("agent: entry agent %q is not registered", entry)
	}
	return &Registry{agents: byName, entry: entry}, nil
}

func validate(a *Agent) error {
	if a == nil {
		return errors.New("agent: nil agent")
	}
	if strings.TrimSpace(a.Name) == "" {
		return errors.New("agent: name is required")
	}
	if strings.TrimSpace(a.Instructions) == "" {
		return fmt.Errorf("agent %s: instructions are required", a.Name)
	}
	seen := make(map[string]struct{}, len(a.Tools))
	for i := range a.Tools {
		tool := &a.Tools[i]
		if strings.TrimSpace(tool.Name) == "" {
			return fmt.Errorf("agent %s: tool with empty name", a.Name)
		}
		if _, dup := seen[tool.Name]; dup {
			return fmt.Errorf("agent %s: duplicate tool %q", a.Name, tool.Name)
		}
		seen[tool.Name] = struct{}{}
		if tool.Run == nil {
			return fmt.Errorf("agent %s: tool %s has no handler", a.Name, tool.Name)
		}
		if len(tool.Schema) > 0 {
			compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(tool.Schema))
			if err != nil {
				return fmt.Errorf("agent %s: tool %s schema: %w", a.Name, tool.Name, err)
			}
			tool.compiled = compiled
		}
	}
	return nil
}

// Entry returns the agent new calls start on.
func (r *Registry) Entry() *Agent { return r.agents[r.entry] }

// Get resolves an agent by exact name.
func (r *Registry) Get(name string) (*Agent, error) {
	a, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return a, nil
}

// Names lists registered agents in no particular order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	return names
}

// CallTool validates args against the tool's schema and runs it.
func (r *Registry) CallTool(ctx context.Context, agentName, toolName string, args json.RawMessage) (string, error) {
	a, err := r.Get(agentName)
	if err != nil {
		return "", err
	}
	tool, ok := a.tool(toolName)
	if !ok {
		return "", fmt.Errorf("agent %s: unknown tool %q", agentName, toolName)
	}
	if tool.compiled != nil {
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		result, err := tool.compiled.Validate(gojsonschema.NewBytesLoader(args))
		if err != nil {
			return "", fmt.Errorf("agent %s: tool %s args: %w", agentName, toolName, err)
		}
		if !result.Valid() {
			details := make([]string, 0, len(result.Errors()))
			for _, e := range result.Errors() {
				details = append(details, e.String())
			}
			return "", fmt.Errorf("agent %s: tool %s args invalid: %s", agentName, toolName, strings.Join(details, "; "))
		}
	}
	return tool.Run(ctx, args)
}

// SystemPrompt assembles the model-facing instructions for an agent,
// including its declared handoff guidance.
func SystemPrompt(a *Agent) string {
	var b strings.Builder
	b.WriteString(a.Instructions)
	if len(a.Handoffs) > 0 {
		b.WriteString("\n\nYou may transfer this call with the transfer_to_agent tool. Targets:")
		for _, h := range a.Handoffs {
			b.WriteString("\n- ")
			b.WriteString(h.Target)
			if h.When != "" {
				b.WriteString(": ")
				b.WriteString(h.When)
			}
		}
	}
	return b.String()
}
