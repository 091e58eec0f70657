package session

import (
	"context"

	"github.com/lmattei/voiceline/internal/completion"
	"github.com/lmattei/voiceline/internal/observability"
	"github.com/lmattei/voiceline/internal/pool"
	"github.com/lmattei/voiceline/internal/speech"
)

// Pools holds the three warm client pools a call leases from. Admission
// requires one client of each kind; a call that cannot get all three is
// rejected before any audio is accepted.
type Pools struct {
	Recognizers  *pool.Manager[speech.Recognizer]
	Synthesizers *pool.Manager[speech.Synthesizer]
	Completions  *pool.Manager[completion.Client]
}

// Leases are the three held clients of one admitted call.
type Leases struct {
	Recognizer  *pool.Lease[speech.Recognizer]
	Synthesizer *pool.Lease[speech.Synthesizer]
	Completion  *pool.Lease[completion.Client]
}

// Release returns all held clients. Idempotent, so every exit path of a
// call may call it.
func (l *Leases) Release() {
	if l == nil {
		return
	}
	if l.Recognizer != nil {
		l.Recognizer.Release()
	}
	if l.Synthesizer != nil {
		l.Synthesizer.Release()
	}
	if l.Completion != nil {
		l.Completion.Release()
	}
}

// AcquireAll leases one client of each kind, releasing any already held on
// failure. On exhaustion it returns the name of the pool that ran dry.
func (p Pools) AcquireAll(ctx context.Context) (*Leases, string, error) {
	leases := &Leases{}
	var err error
	if leases.Recognizer, err = p.Recognizers.Acquire(ctx); err != nil {
		return nil, p.Recognizers.Name(), err
	}
	if leases.Synthesizer, err = p.Synthesizers.Acquire(ctx); err != nil {
		leases.Release()
		return nil, p.Synthesizers.Name(), err
	}
	if leases.Completion, err = p.Completions.Acquire(ctx); err != nil {
		leases.Release()
		return nil, p.Completions.Name(), err
	}
	return leases, "", nil
}

// WarmUp fills every pool to its low-water mark.
func (p Pools) WarmUp(ctx context.Context) error {
	if err := p.Recognizers.WarmUp(ctx); err != nil {
		return err
	}
	if err := p.Synthesizers.WarmUp(ctx); err != nil {
		return err
	}
	return p.Completions.WarmUp(ctx)
}

// PublishStats pushes current pool gauges.
func (p Pools) PublishStats(m *observability.Metrics) {
	for _, entry := range []struct {
		name string
		stat pool.Stats
	}{
		{p.Recognizers.Name(), p.Recognizers.Stat()},
		{p.Synthesizers.Name(), p.Synthesizers.Stat()},
		{p.Completions.Name(), p.Completions.Stat()},
	} {
		m.SetPoolStats(entry.name, entry.stat.Idle, entry.stat.Acquired)
	}
}

func (p Pools) Close() {
	p.Recognizers.Close()
	p.Synthesizers.Close()
	p.Completions.Close()
}
