package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	c, err := m.Create("+15550100", "telephony")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if c.ID == "" {
		t.Fatalf("call ID should not be empty")
	}

	got, err := m.Get(c.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.CallerID != "+15550100" || got.Kind != "telephony" || got.Status != StatusActive {
		t.Fatalf("unexpected call state: %+v", got)
	}

	ended, err := m.End(c.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}

func TestManagerRejectsBusyCaller(t *testing.T) {
	m := NewManager(time.Minute)
	first, err := m.Create("+15550100", "telephony")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := m.Create("+15550100", "telephony"); !errors.Is(err, ErrCallerBusy) {
		t.Fatalf("second Create() error = %v, want ErrCallerBusy", err)
	}

	// A different caller is unaffected, and anonymous callers never collide.
	if _, err := m.Create("+15550199", "telephony"); err != nil {
		t.Fatalf("Create() other caller error = %v", err)
	}
	if _, err := m.Create("", "browser"); err != nil {
		t.Fatalf("Create() anonymous error = %v", err)
	}
	if _, err := m.Create("", "browser"); err != nil {
		t.Fatalf("Create() second anonymous error = %v", err)
	}

	// After hang-up the caller may call again.
	if _, err := m.End(first.ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if _, err := m.Create("+15550100", "telephony"); err != nil {
		t.Fatalf("Create() after end error = %v", err)
	}
}

func TestManagerRecordBargeIn(t *testing.T) {
	m := NewManager(time.Minute)
	c, err := m.Create("", "browser")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := m.RecordBargeIn(c.ID); err != nil {
		t.Fatalf("RecordBargeIn() error = %v", err)
	}
	got, err := m.Get(c.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.BargeInCount != 1 {
		t.Fatalf("BargeInCount = %d, want 1", got.BargeInCount)
	}
}

func TestManagerJanitorExpiresIdle(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	c, err := m.Create("+15550100", "telephony")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	expired := make(chan *Call, 1)
	m.SetExpireHook(func(c *Call) { expired <- c })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case got := <-expired:
		if got.ID != c.ID {
			t.Fatalf("expired call = %q, want %q", got.ID, c.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call never expired")
	}

	got, err := m.Get(c.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusEnded {
		t.Fatalf("status = %q, want ended", got.Status)
	}
}
