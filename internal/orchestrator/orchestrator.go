// Package orchestrator runs the conversational side of one call: it takes
// committed caller utterances, streams model replies into the speak lane,
// executes tool calls, and moves the call between agents on handoff. Reply
// generation and speech playback are separate lanes; generation never waits
// for audio to finish playing.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/lmattei/voiceline/internal/agent"
	"github.com/lmattei/voiceline/internal/completion"
	"github.com/lmattei/voiceline/internal/observability"
	"github.com/lmattei/voiceline/internal/policy"
	"github.com/lmattei/voiceline/internal/protocol"
	"github.com/lmattei/voiceline/internal/reliability"
	"github.com/lmattei/voiceline/internal/speech"
	"github.com/lmattei/voiceline/internal/state"
	"github.com/lmattei/voiceline/internal/tts"
)

const (
	defaultMaxToolRounds  = 4
	defaultFallbackPhrase = "I'm sorry, I'm having trouble answering right now. Could you say that again?"
	guardrailPhrase       = "I can't help with that, but I'm happy to help with your account."
	historyLimit          = 40
)

// Speaker is the speak lane. Implemented by *tts.Pipeline.
type Speaker interface {
	BeginTurn(onFirstAudio func())
	Push(delta string)
	Finalize()
	Say(text string)
	CancelAll(reason string)
	SetVoice(v speech.VoiceSettings)
	Drain(ctx context.Context) error
}

// EventSender delivers control events to the caller's client. Implemented by
// the session on top of its transport.
type EventSender interface {
	SendEvent(typ protocol.MessageType, payload any) error
}

type Config struct {
	CompletionTimeout time.Duration
	RetryMax          int
	RetryBase         time.Duration
	RetryCap          time.Duration
	MaxToolRounds     int
	FallbackPhrase    string
}

// Orchestrator manages one call. Turns run one at a time; a barge-in cancels
// the in-flight turn before the next one starts.
type Orchestrator struct {
	sessionID string
	stateKey  string
	registry  *agent.Registry
	llm       completion.Client
	speaker   Speaker
	events    EventSender
	store     state.Store
	metrics   *observability.Metrics
	stages    *observability.StageWindow
	cfg       Config

	turnMu sync.Mutex

	mu         sync.Mutex
	active     *agent.Agent
	st         state.CallState
	history    []completion.Message
	turnCancel context.CancelFunc
}

func New(
	sessionID string,
	registry *agent.Registry,
	llm completion.Client,
	speaker Speaker,
	events EventSender,
	store state.Store,
	metrics *observability.Metrics,
	stages *observability.StageWindow,
	cfg Config,
) *Orchestrator {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = defaultMaxToolRounds
	}
	if strings.TrimSpace(cfg.FallbackPhrase) == "" {
		cfg.FallbackPhrase = defaultFallbackPhrase
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = 20 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 150 * time.Millisecond
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 1200 * time.Millisecond
	}
	return &Orchestrator{
		sessionID: sessionID,
		registry:  registry,
		llm:       llm,
		speaker:   speaker,
		events:    events,
		store:     store,
		metrics:   metrics,
		stages:    stages,
		cfg:       cfg,
	}
}

// Start restores or initializes call state and speaks the active agent's
// greeting. State is scoped by caller id, so a returning caller lands on the
// agent that was handling them last time; when the transport supplies no
// caller identity the state is scoped to this session instead. A stored state
// naming an agent that no longer exists falls back to the entry agent rather
// than failing the whole call.
func (o *Orchestrator) Start(ctx context.Context, callerID string) error {
	key := strings.TrimSpace(callerID)
	if key == "" {
		key = o.sessionID
	}
	o.stateKey = key

	st, err := o.store.Load(ctx, key)
	if err != nil {
		if !errors.Is(err, state.ErrNotFound) {
			log.Printf("orchestrator %s: state load failed, starting fresh: %v", o.sessionID, err)
		}
		st = state.NewCallState(key, o.registry.Entry().Name)
	}
	st.CallerID = key
	st.LastSession = o.sessionID
	active, err := o.registry.Get(st.ActiveAgent)
	if err != nil {
		log.Printf("orchestrator %s: stored agent %q unknown, using entry agent", o.sessionID, st.ActiveAgent)
		active = o.registry.Entry()
		st.ActiveAgent = active.Name
	}

	o.mu.Lock()
	o.active = active
	o.st = st
	o.mu.Unlock()

	o.speaker.SetVoice(active.Voice)
	if greeting := strings.TrimSpace(active.Greeting); greeting != "" {
		o.speaker.Say(greeting)
		o.recordAgentText(greeting)
	}
	o.saveStateBestEffort(ctx)
	return nil
}

// ActiveAgent returns the name of the agent currently holding the call.
func (o *Orchestrator) ActiveAgent() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return ""
	}
	return o.active.Name
}

// OnBargeIn cancels the in-flight turn and silences the speak lane. Safe to
// call at any time, including when no turn is running.
func (o *Orchestrator) OnBargeIn() {
	o.mu.Lock()
	cancel := o.turnCancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.speaker.CancelAll("barge_in")
	o.metrics.BargeIns.Inc()
	o.stages.ObserveIndicator("barge_in")
}

// OnUtterance runs one full turn for a committed caller utterance. It
// returns once generation and tool handling are done; playback may still be
// in progress.
func (o *Orchestrator) OnUtterance(ctx context.Context, text string, committedAt time.Time) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.turnCancel = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.turnCancel = nil
		o.mu.Unlock()
	}()

	o.recordCallerText(text)

	if decision := policy.DecideUtterance(text); decision.Blocked {
		o.stages.ObserveIndicator("guardrail_block")
		o.speaker.BeginTurn(nil)
		o.speaker.Say(guardrailPhrase)
		o.recordAgentText(guardrailPhrase)
		o.saveStateBestEffort(ctx)
		return nil
	}

	o.appendHistory(completion.Message{Role: completion.RoleUser, Content: text})
	o.speaker.BeginTurn(func() {
		d := time.Since(committedAt)
		o.metrics.ObserveFirstAudioLatency(d)
		o.stages.Observe(observability.StageCommitToFirstAudio, float64(d.Milliseconds()))
	})
	o.stages.Observe(observability.StageCommitToGenerationStart, float64(time.Since(committedAt).Milliseconds()))

	err := o.runTurn(turnCtx, committedAt)
	if err != nil {
		if turnCtx.Err() != nil {
			// Barge-in or hang-up: the turn was cancelled, not failed.
			o.saveStateBestEffort(ctx)
			return nil
		}
		o.stages.ObserveIndicator("fallback_phrase")
		o.speaker.CancelAll("generation_failed")
		o.speaker.Say(o.cfg.FallbackPhrase)
		o.recordAgentText(o.cfg.FallbackPhrase)
		log.Printf("orchestrator %s: turn failed: %v", o.sessionID, err)
	}
	o.stages.Observe(observability.StageTurnTotal, float64(time.Since(committedAt).Milliseconds()))
	o.saveStateBestEffort(ctx)
	return nil
}

func (o *Orchestrator) runTurn(ctx context.Context, committedAt time.Time) error {
	firstText := false
	for round := 0; round < o.cfg.MaxToolRounds; round++ {
		active := o.activeAgent()
		req := completion.Request{
			System:   agent.SystemPrompt(active),
			Messages: o.historySnapshot(),
			Tools:    o.toolSpecs(active),
		}
		resp, err := o.streamWithRetry(ctx, req, func(delta string) error {
			if !firstText {
				firstText = true
				o.stages.Observe(observability.StageCommitToFirstText, float64(time.Since(committedAt).Milliseconds()))
			}
			o.speaker.Push(delta)
			return nil
		})
		if err != nil {
			return err
		}
		if resp.Text != "" {
			o.appendHistory(completion.Message{Role: completion.RoleAssistant, Content: resp.Text})
			o.recordAgentText(resp.Text)
		}
		if len(resp.ToolCalls) == 0 {
			o.speaker.Finalize()
			return nil
		}
		handedOff, err := o.handleToolCalls(ctx, active, resp.ToolCalls)
		if err != nil {
			return err
		}
		if handedOff {
			// The new agent greets; this turn is over.
			return nil
		}
	}
	o.speaker.Finalize()
	return nil
}

// streamWithRetry retries transient generation failures, but only while no
// text has reached the speak lane; retrying after partial speech would make
// the agent repeat itself.
func (o *Orchestrator) streamWithRetry(ctx context.Context, req completion.Request, onDelta func(string) error) (completion.Response, error) {
	sentAny := false
	wrapped := func(delta string) error {
		sentAny = true
		return onDelta(delta)
	}
	var lastErr error
	for attempt := 0; attempt <= o.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return completion.Response{}, ctx.Err()
			case <-time.After(reliability.Backoff(attempt-1, o.cfg.RetryBase, o.cfg.RetryCap)):
			}
			o.stages.ObserveIndicator("completion_retry")
		}
		attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.CompletionTimeout)
		resp, err := o.llm.StreamChat(attemptCtx, req, wrapped)
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		o.metrics.ProviderErrors.WithLabelValues("completion", "stream_failed").Inc()
		if ctx.Err() != nil || sentAny || !reliability.IsRetryableCompletionErr(err) {
			break
		}
	}
	return completion.Response{}, lastErr
}

func (o *Orchestrator) handleToolCalls(ctx context.Context, active *agent.Agent, calls []completion.ToolCall) (handedOff bool, err error) {
	for _, call := range calls {
		if call.Name == agent.TransferTool {
			return o.handleTransfer(ctx, active, call)
		}
		result, toolErr := o.registry.CallTool(ctx, active.Name, call.Name, call.Arguments)
		outcome := "ok"
		if toolErr != nil {
			outcome = "error"
			result = fmt.Sprintf("tool %s failed: %v", call.Name, toolErr)
		}
		o.metrics.ToolCalls.WithLabelValues(active.Name, call.Name, outcome).Inc()
		o.appendHistory(completion.Message{
			Role:       completion.RoleTool,
			Name:       call.Name,
			ToolCallID: call.ID,
			Content:    result,
		})
	}
	return false, nil
}

// handleTransfer moves the call to the named agent. An unknown or undeclared
// target keeps the current agent in control and feeds the failure back to
// the model instead of guessing a different agent.
func (o *Orchestrator) handleTransfer(ctx context.Context, active *agent.Agent, call completion.ToolCall) (bool, error) {
	var args agent.TransferArgs
	if err := json.Unmarshal(call.Arguments, &args); err != nil || strings.TrimSpace(args.Target) == "" {
		o.reportTransferFailure(active, call, "transfer_invalid_args", "transfer request had no valid target")
		return false, nil
	}
	if !active.CanHandOffTo(args.Target) {
		o.reportTransferFailure(active, call, "transfer_not_declared",
			fmt.Sprintf("agent %s does not hand off to %q", active.Name, args.Target))
		return false, nil
	}
	target, err := o.registry.Get(args.Target)
	if err != nil {
		o.reportTransferFailure(active, call, "transfer_unknown_agent",
			fmt.Sprintf("no agent named %q is registered", args.Target))
		return false, nil
	}

	hc := agent.HandoffContext{
		From:    active.Name,
		Reason:  args.Reason,
		Summary: o.conversationSummary(),
		Message: strings.TrimSpace(args.Message),
		Context: args.Context,
	}

	o.mu.Lock()
	o.active = target
	o.st.ActiveAgent = target.Name
	o.st.Handoffs = append(o.st.Handoffs, hc)
	o.mu.Unlock()

	o.metrics.Handoffs.WithLabelValues(active.Name, target.Name).Inc()
	note := fmt.Sprintf("Call transferred from %s to %s. Reason: %s", hc.From, target.Name, hc.Reason)
	if len(hc.Context) > 0 {
		if ctxJSON, err := json.Marshal(hc.Context); err == nil {
			note += " Context: " + string(ctxJSON)
		}
	}
	o.appendHistory(completion.Message{
		Role:    completion.RoleSystem,
		Content: note,
	})
	_ = o.events.SendEvent(protocol.TypeAgentChanged, protocol.AgentChanged{
		Type:      protocol.TypeAgentChanged,
		SessionID: o.sessionID,
		Agent:     target.Name,
	})

	// Either cut off the old agent mid-sentence or let it finish, then speak
	// the transition phrase (if any) and the greeting in the new voice.
	if args.ShouldInterruptPlayback {
		o.speaker.CancelAll("handoff")
	} else {
		o.speaker.Finalize()
	}
	o.speaker.SetVoice(target.Voice)
	if hc.Message != "" {
		o.speaker.Say(hc.Message)
		o.recordAgentText(hc.Message)
	}
	if greeting := strings.TrimSpace(target.Greeting); greeting != "" {
		o.speaker.Say(greeting)
		o.recordAgentText(greeting)
	}
	o.saveStateBestEffort(ctx)
	return true, nil
}

func (o *Orchestrator) reportTransferFailure(active *agent.Agent, call completion.ToolCall, code, detail string) {
	o.metrics.ToolCalls.WithLabelValues(active.Name, agent.TransferTool, "error").Inc()
	o.stages.ObserveIndicator(code)
	o.appendHistory(completion.Message{
		Role:       completion.RoleTool,
		Name:       agent.TransferTool,
		ToolCallID: call.ID,
		Content:    detail,
	})
	_ = o.events.SendEvent(protocol.TypeErrorEvent, protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: o.sessionID,
		Code:      code,
		Source:    "orchestrator",
		Detail:    detail,
	})
}

// End persists the final call state.
func (o *Orchestrator) End(ctx context.Context) {
	o.saveStateBestEffort(ctx)
}

func (o *Orchestrator) toolSpecs(a *agent.Agent) []completion.ToolSpec {
	specs := make([]completion.ToolSpec, 0, len(a.Tools)+1)
	for _, tool := range a.Tools {
		specs = append(specs, completion.ToolSpec{
			Name:        tool.Name,
			Description: tool.Description,
			Schema:      tool.Schema,
		})
	}
	if len(a.Handoffs) > 0 {
		specs = append(specs, completion.ToolSpec{
			Name:        agent.TransferTool,
			Description: "Transfer this call to another agent.",
			Schema:      agent.TransferSchema,
		})
	}
	return specs
}

func (o *Orchestrator) activeAgent() *agent.Agent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

func (o *Orchestrator) appendHistory(msg completion.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, msg)
	if len(o.history) > historyLimit {
		o.history = o.history[len(o.history)-historyLimit:]
	}
}

func (o *Orchestrator) historySnapshot() []completion.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]completion.Message(nil), o.history...)
}

func (o *Orchestrator) conversationSummary() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.st.Transcript)
	if n == 0 {
		return ""
	}
	start := n - 6
	if start < 0 {
		start = 0
	}
	lines := make([]string, 0, n-start)
	for _, entry := range o.st.Transcript[start:] {
		lines = append(lines, fmt.Sprintf("%s: %s", entry.Speaker, entry.Text))
	}
	return strings.Join(lines, "\n")
}

// recordCallerText appends a redacted caller line to the persisted transcript.
func (o *Orchestrator) recordCallerText(text string) {
	redacted, _ := policy.RedactPII(text)
	entry := state.TranscriptEntry{
		Speaker: state.SpeakerCaller,
		Text:    redacted,
		At:      time.Now().UTC(),
	}
	o.mu.Lock()
	o.st.Transcript = append(o.st.Transcript, entry)
	o.mu.Unlock()
	o.appendTurnBestEffort(entry)
}

func (o *Orchestrator) recordAgentText(text string) {
	redacted, _ := policy.RedactPII(tts.Sanitize(text))
	o.mu.Lock()
	agentName := ""
	if o.active != nil {
		agentName = o.active.Name
	}
	entry := state.TranscriptEntry{
		Speaker: state.SpeakerAgent,
		Agent:   agentName,
		Text:    redacted,
		At:      time.Now().UTC(),
	}
	o.st.Transcript = append(o.st.Transcript, entry)
	o.mu.Unlock()
	o.appendTurnBestEffort(entry)
}

// appendTurnBestEffort pushes one committed turn to the store. A missing
// record is normal early in the call, before the first full save has run; the
// next saveStateBestEffort carries the turn anyway.
func (o *Orchestrator) appendTurnBestEffort(entry state.TranscriptEntry) {
	if o.stateKey == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.store.AppendTurn(ctx, o.stateKey, entry); err != nil && !errors.Is(err, state.ErrNotFound) {
		log.Printf("orchestrator %s: turn append failed: %v", o.sessionID, err)
	}
}

func (o *Orchestrator) saveStateBestEffort(ctx context.Context) {
	o.mu.Lock()
	o.st.UpdatedAt = time.Now().UTC()
	snapshot := o.st
	snapshot.Transcript = append([]state.TranscriptEntry(nil), o.st.Transcript...)
	snapshot.Handoffs = append([]agent.HandoffContext(nil), o.st.Handoffs...)
	o.mu.Unlock()

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := o.store.Save(saveCtx, snapshot); err != nil {
		log.Printf("orchestrator %s: state save failed: %v", o.sessionID, err)
	}
}
