// Package tts turns streamed model text into agent speech. It is the speak
// lane of a call: the orchestrator pushes text deltas as they arrive and the
// pipeline segments, synthesizes and plays them on its own goroutines, so
// generation never waits on playback.
package tts

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lmattei/voiceline/internal/speech"
)

// AudioSink receives synthesized agent audio. Implemented by the session on
// top of its transport.
type AudioSink interface {
	WriteAudio(pcm []byte) error
	// StopAudio tells the peer to discard anything it has buffered.
	StopAudio(reason string) error
}

type Config struct {
	FirstUnitChars int
	NextUnitChars  int
	// FrameBytes, when set, re-chunks synthesized audio into fixed-size
	// frames before it reaches the sink. Telephony gateways expect a
	// constant frame size; zero passes provider chunks through unchanged.
	FrameBytes int
	// SpeakTimeout bounds one unit from synthesis start to end of playback,
	// so a hung provider stream cannot wedge the lane.
	SpeakTimeout time.Duration
	// QueueSize bounds queued unspoken units. It is sized so a full reply
	// never blocks the push side.
	QueueSize int
	// OnError receives synthesis failures. The failed unit is skipped.
	OnError func(err error)
}

type unit struct {
	ctx  context.Context
	text string
}

type startedUnit struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream speech.SynthesisStream
}

// Pipeline is the per-call speech output lane. At most one unit is ever
// audible; while it plays, the next unit may already be synthesizing so
// there is no gap between units.
type Pipeline struct {
	synth speech.Synthesizer
	sink  AudioSink
	cfg   Config

	baseCtx    context.Context
	baseCancel context.CancelFunc
	units      chan unit
	play       chan startedUnit
	wg         sync.WaitGroup

	mu           sync.Mutex
	seg          *Segmenter
	voice        speech.VoiceSettings
	turnCtx      context.Context
	turnCancel   context.CancelFunc
	pending      int
	idleCh       chan struct{}
	firstAudioFn func()

	live atomic.Bool
}

func NewPipeline(synth speech.Synthesizer, sink AudioSink, cfg Config) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	turnCtx, turnCancel := context.WithCancel(baseCtx)
	p := &Pipeline{
		synth:      synth,
		sink:       sink,
		cfg:        cfg,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		units:      make(chan unit, cfg.QueueSize),
		// Capacity one: the slot holds the prefetched next unit.
		play:       make(chan startedUnit, 1),
		seg:        NewSegmenter(cfg.FirstUnitChars, cfg.NextUnitChars),
		turnCtx:    turnCtx,
		turnCancel: turnCancel,
	}
	p.wg.Add(2)
	go p.synthLoop()
	go p.playLoop()
	return p
}

// Live reports whether an agent speech unit currently holds the output.
// The turn detector raises its barge-in threshold while this is true.
func (p *Pipeline) Live() bool { return p.live.Load() }

// SetVoice switches the synthesis voice, typically on agent handoff.
func (p *Pipeline) SetVoice(v speech.VoiceSettings) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.voice = v
}

// BeginTurn resets the segmenter for a new reply. onFirstAudio, if non-nil,
// fires once when the first audio chunk of this turn reaches the sink.
func (p *Pipeline) BeginTurn(onFirstAudio func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seg.Reset()
	p.firstAudioFn = onFirstAudio
}

// Push feeds streamed reply text. Ready units are queued for synthesis and
// the call returns immediately.
func (p *Pipeline) Push(delta string) {
	p.mu.Lock()
	ready := p.seg.Push(delta)
	ctx := p.turnCtx
	p.mu.Unlock()
	for _, text := range ready {
		p.enqueue(ctx, text)
	}
}

// Finalize flushes the remainder of the reply.
func (p *Pipeline) Finalize() {
	p.mu.Lock()
	ready := p.seg.Finalize()
	ctx := p.turnCtx
	p.mu.Unlock()
	for _, text := range ready {
		p.enqueue(ctx, text)
	}
}

// Say speaks a complete standalone phrase (greetings, fallback apologies)
// without touching the segmenter.
func (p *Pipeline) Say(text string) {
	p.mu.Lock()
	ctx := p.turnCtx
	p.mu.Unlock()
	p.enqueue(ctx, text)
}

// CancelAll drops every queued and in-flight unit and tells the peer to
// flush its buffer. Called on barge-in and on handoff. Idempotent.
func (p *Pipeline) CancelAll(reason string) {
	p.mu.Lock()
	p.turnCancel()
	turnCtx, turnCancel := context.WithCancel(p.baseCtx)
	p.turnCtx = turnCtx
	p.turnCancel = turnCancel
	p.seg.Reset()
	p.firstAudioFn = nil
	p.mu.Unlock()
	_ = p.sink.StopAudio(reason)
}

// Drain blocks until every queued unit has been played or discarded.
func (p *Pipeline) Drain(ctx context.Context) error {
	p.mu.Lock()
	if p.pending == 0 {
		p.mu.Unlock()
		return nil
	}
	if p.idleCh == nil {
		p.idleCh = make(chan struct{})
	}
	ch := p.idleCh
	p.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// Close stops both lanes and cancels any in-flight synthesis.
func (p *Pipeline) Close() {
	p.baseCancel()
	p.wg.Wait()
}

func (p *Pipeline) enqueue(ctx context.Context, text string) {
	text = Sanitize(text)
	if text == "" {
		return
	}
	p.addPending()
	select {
	case p.units <- unit{ctx: ctx, text: text}:
	case <-ctx.Done():
		p.donePending()
	case <-p.baseCtx.Done():
		p.donePending()
	}
}

func (p *Pipeline) synthLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.baseCtx.Done():
			return
		case u := <-p.units:
			if u.ctx.Err() != nil {
				p.donePending()
				continue
			}
			unitCtx, unitCancel := u.ctx, context.CancelFunc(func() {})
			if p.cfg.SpeakTimeout > 0 {
				unitCtx, unitCancel = context.WithTimeout(u.ctx, p.cfg.SpeakTimeout)
			}
			stream, err := p.synth.Speak(unitCtx, u.text, p.voiceSnapshot())
			if err != nil {
				unitCancel()
				if p.cfg.OnError != nil && u.ctx.Err() == nil {
					p.cfg.OnError(err)
				}
				p.donePending()
				continue
			}
			select {
			case p.play <- startedUnit{ctx: unitCtx, cancel: unitCancel, stream: stream}:
			case <-unitCtx.Done():
				stream.Cancel()
				unitCancel()
				p.donePending()
			case <-p.baseCtx.Done():
				stream.Cancel()
				unitCancel()
				p.donePending()
				return
			}
		}
	}
}

func (p *Pipeline) playLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.baseCtx.Done():
			return
		case su := <-p.play:
			p.playUnit(su)
			p.donePending()
		}
	}
}

func (p *Pipeline) playUnit(su startedUnit) {
	defer su.cancel()
	if su.ctx.Err() != nil {
		su.stream.Cancel()
		return
	}
	p.live.Store(true)
	defer p.live.Store(false)
	var buf []byte
	for {
		select {
		case <-su.ctx.Done():
			su.stream.Cancel()
			return
		case chunk, ok := <-su.stream.Chunks():
			if !ok {
				if err := su.stream.Err(); err != nil && p.cfg.OnError != nil && su.ctx.Err() == nil {
					p.cfg.OnError(err)
					return
				}
				// Flush the sub-frame remainder at unit end.
				if len(buf) > 0 {
					p.fireFirstAudio()
					_ = p.sink.WriteAudio(append([]byte(nil), buf...))
				}
				return
			}
			var err error
			buf, err = p.writeFramed(buf, chunk.PCM)
			if err != nil {
				su.stream.Cancel()
				return
			}
		}
	}
}

// writeFramed buffers PCM and emits fixed-size frames when FrameBytes is
// set; otherwise it passes the chunk straight through. Emitted frames are
// copied because the sink may hold them past the call.
func (p *Pipeline) writeFramed(buf, pcm []byte) ([]byte, error) {
	if p.cfg.FrameBytes <= 0 {
		p.fireFirstAudio()
		return nil, p.sink.WriteAudio(pcm)
	}
	buf = append(buf, pcm...)
	for len(buf) >= p.cfg.FrameBytes {
		frame := make([]byte, p.cfg.FrameBytes)
		copy(frame, buf)
		buf = buf[p.cfg.FrameBytes:]
		p.fireFirstAudio()
		if err := p.sink.WriteAudio(frame); err != nil {
			return buf, err
		}
	}
	return buf, nil
}

func (p *Pipeline) fireFirstAudio() {
	p.mu.Lock()
	fn := p.firstAudioFn
	p.firstAudioFn = nil
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (p *Pipeline) voiceSnapshot() speech.VoiceSettings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.voice
}

func (p *Pipeline) addPending() {
	p.mu.Lock()
	p.pending++
	p.mu.Unlock()
}

func (p *Pipeline) donePending() {
	p.mu.Lock()
	p.pending--
	if p.pending <= 0 && p.idleCh != nil {
		close(p.idleCh)
		p.idleCh = nil
	}
	p.mu.Unlock()
}
