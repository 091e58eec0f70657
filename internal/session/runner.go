package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lmattei/voiceline/internal/agent"
	"github.com/lmattei/voiceline/internal/config"
	"github.com/lmattei/voiceline/internal/observability"
	"github.com/lmattei/voiceline/internal/orchestrator"
	"github.com/lmattei/voiceline/internal/pool"
	"github.com/lmattei/voiceline/internal/protocol"
	"github.com/lmattei/voiceline/internal/reliability"
	"github.com/lmattei/voiceline/internal/speech"
	"github.com/lmattei/voiceline/internal/state"
	"github.com/lmattei/voiceline/internal/transport"
	"github.com/lmattei/voiceline/internal/tts"
	"github.com/lmattei/voiceline/internal/turn"
)

// startTimeout bounds how long a connection may sit without sending its
// start frame (browser control or telephony metadata).
const startTimeout = 10 * time.Second

// errCallComplete marks an orderly hang-up inside the pipeline errgroup.
var errCallComplete = errors.New("session: call complete")

// Runner admits calls and runs their full pipeline: transport frames in,
// detector and recognizer on the listen side, orchestrator and speech
// pipeline on the speak side.
type Runner struct {
	cfg      config.Config
	calls    *Manager
	pools    Pools
	registry *agent.Registry
	store    state.Store
	metrics  *observability.Metrics
	stages   *observability.StageWindow

	mu     sync.Mutex
	cancel map[string]context.CancelFunc
}

func NewRunner(
	cfg config.Config,
	calls *Manager,
	pools Pools,
	registry *agent.Registry,
	store state.Store,
	metrics *observability.Metrics,
	stages *observability.StageWindow,
) *Runner {
	r := &Runner{
		cfg:      cfg,
		calls:    calls,
		pools:    pools,
		registry: registry,
		store:    store,
		metrics:  metrics,
		stages:   stages,
		cancel:   make(map[string]context.CancelFunc),
	}
	// Idle-expired calls get their pipeline torn down, which releases the
	// leased clients back to the pools.
	calls.SetExpireHook(func(c *Call) { r.cancelCall(c.ID) })
	return r
}

// HandleCall drives one connection from admission to teardown. It returns
// when the call is over; the transport is closed on every path.
func (r *Runner) HandleCall(ctx context.Context, tr transport.Transport) error {
	defer tr.Close()

	meta, err := awaitStart(ctx, tr)
	if err != nil {
		return err
	}

	leases, failedPool, err := r.pools.AcquireAll(ctx)
	if err != nil {
		if errors.Is(err, pool.ErrExhausted) {
			r.reject(tr, "pool_exhausted", failedPool)
			r.metrics.PoolRejections.WithLabelValues(failedPool).Inc()
			return nil
		}
		return err
	}
	defer leases.Release()
	r.pools.PublishStats(r.metrics)

	call, err := r.calls.Create(meta.CallerID, string(tr.Kind()))
	if err != nil {
		if errors.Is(err, ErrCallerBusy) {
			r.reject(tr, "caller_busy", meta.CallerID)
			return nil
		}
		return err
	}

	r.metrics.ActiveCalls.Inc()
	r.metrics.CallEvents.WithLabelValues("call_started").Inc()

	callCtx, cancel := context.WithCancel(ctx)
	r.registerCancel(call.ID, cancel)

	sink := &transportSink{tr: tr, sessionID: call.ID}
	pipe := tts.NewPipeline(leases.Synthesizer.Value(), sink, tts.Config{
		FirstUnitChars: r.cfg.TTSMinUnitChars,
		NextUnitChars:  r.cfg.TTSMaxUnitChars / 4,
		FrameBytes:     r.cfg.TTSFrameBytes,
		SpeakTimeout:   r.cfg.SynthesisCallTimeout,
		OnError: func(err error) {
			r.metrics.ProviderErrors.WithLabelValues("synthesis", "stream_failed").Inc()
			log.Printf("call %s: synthesis error: %v", call.ID, err)
		},
	})

	orch := orchestrator.New(
		call.ID, r.registry, leases.Completion.Value(), pipe, sink,
		r.store, r.metrics, r.stages,
		orchestrator.Config{
			CompletionTimeout: r.cfg.CompletionTimeout,
			RetryMax:          r.cfg.CompletionRetryMax,
			RetryBase:         r.cfg.CompletionRetryBase,
		},
	)

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			cancel()
			pipe.Close()
			orch.End(context.Background())
			leases.Release()
			r.unregisterCancel(call.ID)
			if _, err := r.calls.End(call.ID); err == nil {
				r.metrics.ActiveCalls.Dec()
				r.metrics.CallEvents.WithLabelValues("call_ended").Inc()
			}
			r.pools.PublishStats(r.metrics)
		})
	}
	defer stop()

	if err := orch.Start(callCtx, meta.CallerID); err != nil {
		return err
	}
	_ = r.calls.SetActiveAgent(call.ID, orch.ActiveAgent())

	recStream, err := leases.Recognizer.Value().StartStream(callCtx, call.ID)
	if err != nil {
		return err
	}
	defer recStream.Close()

	detector := turn.NewDetector(turn.Config{
		SampleRate:       meta.SampleRate,
		SpeechThreshold:  r.cfg.VADSpeechThreshold,
		BargeInThreshold: r.cfg.VADBargeInThreshold,
		Hangover:         r.cfg.VADHangover,
	}, pipe)

	g, gctx := errgroup.WithContext(callCtx)
	g.Go(func() error { return r.listenLoop(gctx, tr, call.ID, meta, detector, recStream, orch) })
	g.Go(func() error { return r.recognitionLoop(gctx, tr, call.ID, recStream, orch) })

	err = g.Wait()
	stop()
	if err != nil && !errors.Is(err, errCallComplete) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// listenLoop consumes transport frames: audio goes through the detector to
// the recognizer, barge-ins cut the speak lane immediately.
func (r *Runner) listenLoop(
	ctx context.Context,
	tr transport.Transport,
	callID string,
	meta transport.CallMeta,
	detector *turn.Detector,
	recStream speech.RecognitionStream,
	orch *orchestrator.Orchestrator,
) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-tr.Frames():
			if !ok {
				return errCallComplete
			}
			switch f.Kind {
			case transport.FrameAudio:
				_ = r.calls.Touch(callID)
				flush := false
				for _, ev := range detector.ProcessFrame(f.Audio) {
					switch ev.Kind {
					case turn.BargeIn:
						orch.OnBargeIn()
						_ = r.calls.RecordBargeIn(callID)
					case turn.SpeechEnd:
						flush = true
					}
				}
				if err := recStream.SendAudio(ctx, f.Audio, meta.SampleRate, flush); err != nil {
					r.metrics.ProviderErrors.WithLabelValues("recognition", "send_failed").Inc()
					return err
				}
			case transport.FrameFlush:
				if len(detector.Flush()) > 0 {
					if err := recStream.SendAudio(ctx, nil, meta.SampleRate, true); err != nil {
						return err
					}
				}
			case transport.FrameEnd:
				return errCallComplete
			}
		}
	}
}

// recognitionLoop turns recognizer finals into orchestrated turns and
// forwards hypotheses to the client.
func (r *Runner) recognitionLoop(
	ctx context.Context,
	tr transport.Transport,
	callID string,
	recStream speech.RecognitionStream,
	orch *orchestrator.Orchestrator,
) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-recStream.Events():
			if !ok {
				return nil
			}
			switch ev.Type {
			case speech.RecognitionPartial:
				_ = tr.SendEvent(protocol.TypeTranscript, protocol.Transcript{
					Type:       protocol.TypeTranscript,
					SessionID:  callID,
					Text:       ev.Text,
					Confidence: ev.Confidence,
					TSMs:       ev.Timestamp,
				})
			case speech.RecognitionFinal:
				committedAt := time.Now()
				_ = tr.SendEvent(protocol.TypeTranscript, protocol.Transcript{
					Type:       protocol.TypeTranscript,
					SessionID:  callID,
					Text:       ev.Text,
					Final:      true,
					Confidence: ev.Confidence,
					TSMs:       ev.Timestamp,
				})
				if err := orch.OnUtterance(ctx, ev.Text, committedAt); err != nil {
					log.Printf("call %s: turn error: %v", callID, err)
				}
				_ = r.calls.SetActiveAgent(callID, orch.ActiveAgent())
			case speech.RecognitionError:
				r.metrics.ProviderErrors.WithLabelValues("recognition", ev.Code).Inc()
				if !reliability.IsRetryableRecognitionEvent(ev) {
					_ = tr.SendEvent(protocol.TypeErrorEvent, protocol.ErrorEvent{
						Type:      protocol.TypeErrorEvent,
						SessionID: callID,
						Code:      ev.Code,
						Source:    "recognition",
						Retryable: false,
						Detail:    ev.Detail,
					})
				}
			}
		}
	}
}

// reject sends the admission-rejection signal and lets the write pump flush
// it before the deferred close tears the connection down.
func (r *Runner) reject(tr transport.Transport, code, detail string) {
	r.metrics.CallEvents.WithLabelValues("rejected_" + code).Inc()
	_ = tr.SendEvent(protocol.TypeSessionRejected, protocol.SessionRejected{
		Type:   protocol.TypeSessionRejected,
		Code:   code,
		Detail: detail,
	})
	time.Sleep(100 * time.Millisecond)
}

func awaitStart(ctx context.Context, tr transport.Transport) (transport.CallMeta, error) {
	timer := time.NewTimer(startTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return transport.CallMeta{}, ctx.Err()
		case <-timer.C:
			return transport.CallMeta{}, errors.New("session: no start frame before timeout")
		case f, ok := <-tr.Frames():
			if !ok {
				return transport.CallMeta{}, errors.New("session: connection closed before start")
			}
			if f.Kind == transport.FrameStart {
				return f.Meta, nil
			}
			// Audio before the start frame is dropped.
		}
	}
}

func (r *Runner) registerCancel(callID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel[callID] = cancel
}

func (r *Runner) unregisterCancel(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancel, callID)
}

func (r *Runner) cancelCall(callID string) {
	r.mu.Lock()
	cancel := r.cancel[callID]
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// transportSink adapts a transport into the audio sink and event sender the
// speak lane and orchestrator write to.
type transportSink struct {
	tr        transport.Transport
	sessionID string
}

func (s *transportSink) WriteAudio(pcm []byte) error {
	return s.tr.SendAudio(pcm)
}

func (s *transportSink) StopAudio(reason string) error {
	return s.tr.SendEvent(protocol.TypeStopAudio, protocol.StopAudio{
		Type:      protocol.TypeStopAudio,
		SessionID: s.sessionID,
		Reason:    reason,
	})
}

func (s *transportSink) SendEvent(typ protocol.MessageType, payload any) error {
	return s.tr.SendEvent(typ, payload)
}
