package state

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps caller state in process memory. Used in dev mode and as
// the terminal fallback when no external store is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]CallState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]CallState)}
}

func (s *MemoryStore) Load(_ context.Context, callerID string) (CallState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[callerID]
	if !ok {
		return CallState{}, ErrNotFound
	}
	return cloneState(st), nil
}

func (s *MemoryStore) Save(_ context.Context, st CallState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.CallerID] = cloneState(st)
	return nil
}

func (s *MemoryStore) AppendTurn(_ context.Context, callerID string, entry TranscriptEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[callerID]
	if !ok {
		return ErrNotFound
	}
	st = cloneState(st)
	st.Transcript = append(st.Transcript, entry)
	st.UpdatedAt = time.Now().UTC()
	s.states[callerID] = st
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, callerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, callerID)
	return nil
}

func (s *MemoryStore) Close() {}

// cloneState deep-copies the slices so callers cannot mutate stored state.
func cloneState(st CallState) CallState {
	out := st
	if st.Transcript != nil {
		out.Transcript = append([]TranscriptEntry(nil), st.Transcript...)
	}
	if st.Handoffs != nil {
		out.Handoffs = append(out.Handoffs[:0:0], st.Handoffs...)
	}
	return out
}
