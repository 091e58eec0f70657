package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func echoTool(name string, schema json.RawMessage) Tool {
	return Tool{
		Name:   name,
		Schema: schema,
		Run: func(_ context.Context, args json.RawMessage) (string, error) {
			return string(args), nil
		},
	}
}

func TestNewRegistryValidation(t *testing.T) {
	valid := &Agent{Name: "Triage", Instructions: "route the caller"}
	cases := []struct {
		name   string
		entry  string
		agents []*Agent
	}{
		{"no agents", "Triage", nil},
		{"empty name", "Triage", []*Agent{{Instructions: "x"}}},
		{"empty instructions", "A", []*Agent{{Name: "A"}}},
		{"duplicate name", "Triage", []*Agent{valid, {Name: "Triage", Instructions: "x"}}},
		{"entry not registered", "Missing", []*Agent{valid}},
		{"handoff to unknown", "A", []*Agent{{
			Name: "A", Instructions: "x",
			Handoffs: []Handoff{{Target: "Nowhere"}},
		}}},
		{"tool without handler", "A", []*Agent{{
			Name: "A", Instructions: "x",
			Tools: []Tool{{Name: "broken"}},
		}}},
		{"bad tool schema", "A", []*Agent{{
			Name: "A", Instructions: "x",
			Tools: []Tool{echoTool("bad", json.RawMessage(`{"type": 7}`))},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewRegistry(tc.entry, tc.agents...); err == nil {
				t.Fatalf("NewRegistry() error = nil, want error")
			}
		})
	}
}

func TestRegistryGet(t *testing.T) {
	reg, err := NewRegistry("Triage",
		&Agent{Name: "Triage", Instructions: "route", Handoffs: []Handoff{{Target: "Fraud"}}},
		&Agent{Name: "Fraud", Instructions: "investigate"},
	)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	if got := reg.Entry().Name; got != "Triage" {
		t.Fatalf("Entry().Name = %q, want Triage", got)
	}
	if _, err := reg.Get("Fraud"); err != nil {
		t.Fatalf("Get(Fraud) error = %v", err)
	}
	if _, err := reg.Get("Nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(Nope) error = %v, want ErrNotFound", err)
	}
}

func TestCallToolValidatesArgs(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"account": {"type": "string"}},
		"required": ["account"],
		"additionalProperties": false
	}`)
	reg, err := NewRegistry("Bank", &Agent{
		Name:         "Bank",
		Instructions: "answer balance questions",
		Tools:        []Tool{echoTool("lookup_balance", schema)},
	})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	out, err := reg.CallTool(context.Background(), "Bank", "lookup_balance", json.RawMessage(`{"account":"123"}`))
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if !strings.Contains(out, "123") {
		t.Fatalf("CallTool() = %q, want args echoed", out)
	}

	if _, err := reg.CallTool(context.Background(), "Bank", "lookup_balance", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("CallTool() with missing required arg error = nil, want error")
	}
	if _, err := reg.CallTool(context.Background(), "Bank", "no_such_tool", nil); err == nil {
		t.Fatalf("CallTool() with unknown tool error = nil, want error")
	}
}

func TestSystemPromptIncludesHandoffs(t *testing.T) {
	a := &Agent{
		Name:         "Triage",
		Instructions: "route the caller",
		Handoffs:     []Handoff{{Target: "Fraud", When: "suspected fraud"}},
	}
	prompt := SystemPrompt(a)
	if !strings.Contains(prompt, "transfer_to_agent") || !strings.Contains(prompt, "Fraud") {
		t.Fatalf("SystemPrompt() = %q, want handoff guidance", prompt)
	}
}
