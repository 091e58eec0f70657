package speech

import "context"

// RecognitionEventType tags events from a recognition stream.
type RecognitionEventType string

const (
	RecognitionPartial RecognitionEventType = "partial"
	RecognitionFinal   RecognitionEventType = "final"
	RecognitionError   RecognitionEventType = "error"
)

type RecognitionEvent struct {
	Type       RecognitionEventType
	Text       string
	Confidence float64
	Code       string
	Detail     string
	Retryable  bool
	Timestamp  int64
}

// RecognitionStream is one live utterance-recognition connection.
type RecognitionStream interface {
	// SendAudio pushes a raw PCM16LE frame. flush asks the recognizer to
	// commit the pending utterance regardless of its own endpointing.
	SendAudio(ctx context.Context, pcm []byte, sampleRate int, flush bool) error
	Events() <-chan RecognitionEvent
	Close() error
}

// Recognizer is a pre-warmed speech-recognition client handle, leased from
// the pool for the lifetime of one session.
type Recognizer interface {
	StartStream(ctx context.Context, sessionID string) (RecognitionStream, error)
	Close() error
}

type SynthesisChunk struct {
	PCM    []byte
	Format string
}

// SynthesisStream delivers the audio for one synthesized unit.
type SynthesisStream interface {
	Chunks() <-chan SynthesisChunk
	// Cancel stops synthesis early; the chunk channel closes afterwards.
	Cancel()
	Err() error
}

// VoiceSettings shape the synthesized output for one unit.
type VoiceSettings struct {
	Voice string
	Rate  float64
	Pitch float64
}

// Synthesizer is a pre-warmed text-to-speech client handle.
type Synthesizer interface {
	Speak(ctx context.Context, text string, settings VoiceSettings) (SynthesisStream, error)
	Close() error
}
