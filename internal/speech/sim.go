package speech

import (
	"context"
	"sync"
	"time"
)

// SimProvider implements Recognizer and Synthesizer in-process. It stands in
// for the external recognition/synthesis services in dev mode and drives the
// pipeline tests: transcripts are scripted per stream, synthesized audio is
// silence paced by text length.
type SimProvider struct {
	mu          sync.Mutex
	transcripts []string
	ChunkDelay  time.Duration
	ChunkBytes  int
}

func NewSimProvider() *SimProvider {
	return &SimProvider{ChunkBytes: 640}
}

// QueueTranscript schedules the text the next flushed utterance commits as.
func (p *SimProvider) QueueTranscript(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transcripts = append(p.transcripts, text)
}

func (p *SimProvider) nextTranscript() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.transcripts) == 0 {
		return "simulated caller utterance"
	}
	text := p.transcripts[0]
	p.transcripts = p.transcripts[1:]
	return text
}

func (p *SimProvider) StartStream(_ context.Context, _ string) (RecognitionStream, error) {
	return &simRecognitionStream{provider: p, events: make(chan RecognitionEvent, 64)}, nil
}

func (p *SimProvider) Speak(ctx context.Context, text string, _ VoiceSettings) (SynthesisStream, error) {
	chunkBytes := p.ChunkBytes
	if chunkBytes <= 0 {
		chunkBytes = 640
	}
	chunks := len(text)/16 + 1
	s := &simSynthesisStream{
		out:    make(chan SynthesisChunk, chunks),
		cancel: make(chan struct{}),
	}
	go func() {
		defer close(s.out)
		for i := 0; i < chunks; i++ {
			if p.ChunkDelay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-s.cancel:
					return
				case <-time.After(p.ChunkDelay):
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-s.cancel:
				return
			case s.out <- SynthesisChunk{PCM: make([]byte, chunkBytes), Format: "pcm16"}:
			}
		}
	}()
	return s, nil
}

func (p *SimProvider) Close() error { return nil }

type simRecognitionStream struct {
	provider *SimProvider
	mu       sync.Mutex
	events   chan RecognitionEvent
	frames   int
	sawAudio bool
	closed   bool
}

func (s *simRecognitionStream) SendAudio(_ context.Context, pcm []byte, _ int, flush bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if len(pcm) > 0 {
		s.frames++
		s.sawAudio = true
		if s.frames%8 == 0 {
			s.events <- RecognitionEvent{
				Type:       RecognitionPartial,
				Text:       "...",
				Confidence: 0.5,
				Timestamp:  time.Now().UnixMilli(),
			}
		}
	}
	if flush && s.sawAudio {
		s.sawAudio = false
		s.frames = 0
		s.events <- RecognitionEvent{
			Type:       RecognitionFinal,
			Text:       s.provider.nextTranscript(),
			Confidence: 0.85,
			Timestamp:  time.Now().UnixMilli(),
		}
	}
	return nil
}

func (s *simRecognitionStream) Events() <-chan RecognitionEvent { return s.events }

func (s *simRecognitionStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

type simSynthesisStream struct {
	out        chan SynthesisChunk
	cancelOnce sync.Once
	cancel     chan struct{}
}

func (s *simSynthesisStream) Chunks() <-chan SynthesisChunk { return s.out }

func (s *simSynthesisStream) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancel) })
}

func (s *simSynthesisStream) Err() error { return nil }
