// Package state persists per-call conversational state: the active agent,
// the transcript, and handoff history. Storage is tiered; a miss or a store
// outage degrades to a fresh default state so a call can always proceed.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/lmattei/voiceline/internal/agent"
)

// ErrNotFound is returned by stores when no state exists for a caller.
var ErrNotFound = errors.New("state: not found")

type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerAgent  Speaker = "agent"
)

// TranscriptEntry is one committed utterance from either side of the call.
type TranscriptEntry struct {
	Speaker Speaker   `json:"speaker"`
	Agent   string    `json:"agent,omitempty"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// CallState is everything the platform remembers about one caller across
// calls. It is keyed by caller id; anonymous callers with no stable identity
// fall back to the session id, so their memory lasts one call only.
type CallState struct {
	CallerID    string                 `json:"caller_id"`
	LastSession string                 `json:"last_session,omitempty"`
	ActiveAgent string                 `json:"active_agent"`
	Transcript  []TranscriptEntry      `json:"transcript,omitempty"`
	Handoffs    []agent.HandoffContext `json:"handoffs,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// NewCallState returns the default state for a fresh or unrecoverable caller.
func NewCallState(callerID, entryAgent string) CallState {
	now := time.Now().UTC()
	return CallState{
		CallerID:    callerID,
		ActiveAgent: entryAgent,
		StartedAt:   now,
		UpdatedAt:   now,
	}
}

// Store persists caller state. Load returns ErrNotFound for unknown callers.
// AppendTurn adds one transcript entry to an existing record without
// rewriting the rest of the state.
type Store interface {
	Load(ctx context.Context, callerID string) (CallState, error)
	Save(ctx context.Context, st CallState) error
	AppendTurn(ctx context.Context, callerID string, entry TranscriptEntry) error
	Delete(ctx context.Context, callerID string) error
	Close()
}
