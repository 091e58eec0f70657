package protocol

// SpeechEventType identifies the variants flowing between the in-call stages.
type SpeechEventType string

const (
	SpeechPartial     SpeechEventType = "partial"
	SpeechFinal       SpeechEventType = "final"
	SpeechTTSResponse SpeechEventType = "tts_response"
	SpeechBargeIn     SpeechEventType = "barge_in"
	SpeechGreeting    SpeechEventType = "greeting"
)

// VoiceParams selects a synthesis voice for a speakable event.
type VoiceParams struct {
	Voice string  `json:"voice,omitempty"`
	Rate  float64 `json:"rate,omitempty"`
	Pitch float64 `json:"pitch,omitempty"`
}

// SpeechEvent is the tagged variant exchanged between the turn pipeline, the
// orchestrator, and the TTS pipeline. Ephemeral; never persisted.
type SpeechEvent struct {
	Type       SpeechEventType `json:"type"`
	Text       string          `json:"text,omitempty"`
	Confidence float64         `json:"confidence,omitempty"`
	Voice      *VoiceParams    `json:"voice,omitempty"`
	TSMs       int64           `json:"ts_ms,omitempty"`
}
