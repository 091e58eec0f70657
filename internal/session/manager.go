// Package session tracks live calls and runs the per-call pipeline that
// connects a transport to the recognition, orchestration and speech lanes.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound = errors.New("session: call not found")
	// ErrCallerBusy rejects a second concurrent call from the same caller.
	ErrCallerBusy = errors.New("session: caller already in a call")
)

// Call is the bookkeeping record for one live call.
type Call struct {
	ID             string    `json:"call_id"`
	CallerID       string    `json:"caller_id,omitempty"`
	Kind           string    `json:"kind"`
	Status         Status    `json:"status"`
	ActiveAgent    string    `json:"active_agent,omitempty"`
	BargeInCount   int       `json:"barge_in_count"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Manager is the in-memory registry of live calls with idle expiry.
type Manager struct {
	mu           sync.RWMutex
	calls        map[string]*Call
	callByCaller map[string]string
	idleTimeout  time.Duration
	onExpire     func(*Call)
}

func NewManager(idleTimeout time.Duration) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = 2 * time.Minute
	}
	return &Manager{
		calls:        make(map[string]*Call),
		callByCaller: make(map[string]string),
		idleTimeout:  idleTimeout,
	}
}

// SetExpireHook registers the callback invoked for each idle-expired call.
func (m *Manager) SetExpireHook(hook func(*Call)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create registers a new call. A caller with an active call is rejected.
func (m *Manager) Create(callerID, kind string) (*Call, error) {
	now := time.Now().UTC()
	c := &Call{
		ID:             uuid.NewString(),
		CallerID:       callerID,
		Kind:           kind,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if callerID != "" {
		if existingID, ok := m.callByCaller[callerID]; ok {
			if existing := m.calls[existingID]; existing != nil && existing.Status == StatusActive {
				return nil, ErrCallerBusy
			}
		}
		m.callByCaller[callerID] = c.ID
	}
	m.calls[c.ID] = c
	return clone(c), nil
}

func (m *Manager) Get(callID string) (*Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

func (m *Manager) Touch(callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return ErrNotFound
	}
	c.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) RecordBargeIn(callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return ErrNotFound
	}
	c.BargeInCount++
	c.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) SetActiveAgent(callID, agent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return ErrNotFound
	}
	c.ActiveAgent = agent
	return nil
}

func (m *Manager) End(callID string) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return nil, ErrNotFound
	}
	c.Status = StatusEnded
	c.LastActivityAt = time.Now().UTC()
	if c.CallerID != "" && m.callByCaller[c.CallerID] == c.ID {
		delete(m.callByCaller, c.CallerID)
	}
	return clone(c), nil
}

// StartJanitor expires idle calls until ctx is cancelled.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireIdle()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, c := range m.calls {
		if c.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireIdle() {
	now := time.Now().UTC()
	var expired []*Call

	m.mu.Lock()
	for _, c := range m.calls {
		if c.Status != StatusActive {
			continue
		}
		if now.Sub(c.LastActivityAt) < m.idleTimeout {
			continue
		}
		c.Status = StatusEnded
		c.LastActivityAt = now
		expired = append(expired, clone(c))
		if c.CallerID != "" && m.callByCaller[c.CallerID] == c.ID {
			delete(m.callByCaller, c.CallerID)
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, c := range expired {
			hook(c)
		}
	}
}

func clone(c *Call) *Call {
	out := *c
	return &out
}
