// Package turn segments inbound caller audio into utterances and detects
// interruptions. Detection is energy-based: it needs no transcription, so a
// barge-in fires the moment the caller's level crosses the threshold, well
// before the recognizer has any text.
package turn

import (
	"time"

	"github.com/lmattei/voiceline/internal/audio"
)

type EventKind int

const (
	// SpeechStart marks the caller beginning an utterance.
	SpeechStart EventKind = iota + 1
	// SpeechEnd marks the utterance complete; the recognizer should be
	// flushed to commit it.
	SpeechEnd
	// BargeIn fires when the caller starts speaking over live playback.
	// It always precedes the SpeechStart of the interrupting utterance.
	BargeIn
)

type Event struct {
	Kind EventKind
	// Pos is the position in the audio stream, measured in audio time.
	Pos time.Duration
}

// PlaybackMonitor reports whether agent audio is currently playing.
// Implemented by the playback pipeline.
type PlaybackMonitor interface {
	Live() bool
}

type Config struct {
	SampleRate int
	// SpeechThreshold is the RMS level that counts as caller speech.
	SpeechThreshold float64
	// BargeInThreshold applies instead while playback is live. It is set
	// higher so echo and breath noise do not cancel the agent mid-sentence.
	BargeInThreshold float64
	// Hangover is how long the level must stay low before the utterance
	// is considered finished.
	Hangover time.Duration
}

// Detector is a per-call utterance segmenter. It is not safe for concurrent
// use; the session feeds it from its single audio-read goroutine.
type Detector struct {
	cfg      Config
	playback PlaybackMonitor

	pos       time.Duration
	speaking  bool
	barged    bool
	lastVoice time.Duration
}

func NewDetector(cfg Config, playback PlaybackMonitor) *Detector {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.BargeInThreshold < cfg.SpeechThreshold {
		cfg.BargeInThreshold = cfg.SpeechThreshold
	}
	return &Detector{cfg: cfg, playback: playback}
}

// ProcessFrame advances the detector by one PCM16 frame and returns the
// events the frame triggered, in order. Time is tracked in audio time, so
// detection behaves the same for live calls and faster-than-real-time tests.
func (d *Detector) ProcessFrame(pcm []byte) []Event {
	if len(pcm) == 0 {
		return nil
	}
	frameDur := audio.Duration(pcm, d.cfg.SampleRate)
	level := audio.RMS(pcm)
	d.pos += frameDur

	var events []Event
	playbackLive := d.playback != nil && d.playback.Live()
	if d.speaking {
		if level >= d.cfg.SpeechThreshold {
			d.lastVoice = d.pos
			// Playback can go live mid-utterance, when the agent starts
			// answering a previous commit while the caller keeps talking.
			// That still counts as an interruption.
			if playbackLive && !d.barged && level >= d.cfg.BargeInThreshold {
				d.barged = true
				events = append(events, Event{Kind: BargeIn, Pos: d.pos})
			}
		} else if d.pos-d.lastVoice >= d.cfg.Hangover {
			d.speaking = false
			d.barged = false
			events = append(events, Event{Kind: SpeechEnd, Pos: d.pos})
		}
		return events
	}

	threshold := d.cfg.SpeechThreshold
	if playbackLive {
		threshold = d.cfg.BargeInThreshold
	}
	if level >= threshold {
		if playbackLive {
			events = append(events, Event{Kind: BargeIn, Pos: d.pos})
		}
		d.speaking = true
		d.barged = playbackLive
		d.lastVoice = d.pos
		events = append(events, Event{Kind: SpeechStart, Pos: d.pos})
	}
	return events
}

// Flush force-ends an in-progress utterance, e.g. when the client sends an
// explicit stop control.
func (d *Detector) Flush() []Event {
	if !d.speaking {
		return nil
	}
	d.speaking = false
	d.barged = false
	return []Event{{Kind: SpeechEnd, Pos: d.pos}}
}

// Speaking reports whether the detector is inside an utterance.
func (d *Detector) Speaking() bool { return d.speaking }
