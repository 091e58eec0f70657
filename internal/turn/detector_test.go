package turn

import (
	"testing"
	"time"

	"github.com/lmattei/voiceline/internal/audio"
)

type stubPlayback struct{ live bool }

func (s *stubPlayback) Live() bool { return s.live }

// tone builds a 20ms PCM16 frame at the given amplitude.
func tone(amplitude int16, sampleRate int) []byte {
	n := sampleRate / 50
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = amplitude
	}
	return audio.EncodePCM16LE(samples)
}

func newTestDetector(playback PlaybackMonitor) *Detector {
	return NewDetector(Config{
		SampleRate:       16000,
		SpeechThreshold:  500,
		BargeInThreshold: 900,
		Hangover:         60 * time.Millisecond,
	}, playback)
}

func TestDetectorSegmentsUtterance(t *testing.T) {
	d := newTestDetector(nil)
	loud := tone(2000, 16000)
	quiet := tone(10, 16000)

	events := d.ProcessFrame(loud)
	if len(events) != 1 || events[0].Kind != SpeechStart {
		t.Fatalf("first loud frame events = %+v, want SpeechStart", events)
	}
	if !d.Speaking() {
		t.Fatal("Speaking() = false after SpeechStart")
	}

	// Brief dip shorter than the hangover must not end the utterance.
	if events := d.ProcessFrame(quiet); len(events) != 0 {
		t.Fatalf("short dip events = %+v, want none", events)
	}
	if events := d.ProcessFrame(loud); len(events) != 0 {
		t.Fatalf("resumed speech events = %+v, want none", events)
	}

	// Sustained silence past the hangover ends it.
	var end []Event
	for i := 0; i < 10 && len(end) == 0; i++ {
		end = d.ProcessFrame(quiet)
	}
	if len(end) != 1 || end[0].Kind != SpeechEnd {
		t.Fatalf("silence events = %+v, want SpeechEnd", end)
	}
	if d.Speaking() {
		t.Fatal("Speaking() = true after SpeechEnd")
	}
}

func TestDetectorBargeInPrecedesSpeechStart(t *testing.T) {
	pb := &stubPlayback{live: true}
	d := newTestDetector(pb)

	events := d.ProcessFrame(tone(2000, 16000))
	if len(events) != 2 {
		t.Fatalf("events = %+v, want BargeIn then SpeechStart", events)
	}
	if events[0].Kind != BargeIn || events[1].Kind != SpeechStart {
		t.Fatalf("event order = %+v, want BargeIn before SpeechStart", events)
	}
}

func TestDetectorBargeInWhenPlaybackStartsMidUtterance(t *testing.T) {
	pb := &stubPlayback{live: false}
	d := newTestDetector(pb)
	loud := tone(2000, 16000)

	// Caller is already talking when the agent starts answering.
	events := d.ProcessFrame(loud)
	if len(events) != 1 || events[0].Kind != SpeechStart {
		t.Fatalf("events = %+v, want SpeechStart", events)
	}

	pb.live = true
	events = d.ProcessFrame(loud)
	if len(events) != 1 || events[0].Kind != BargeIn {
		t.Fatalf("events = %+v, want BargeIn once playback went live", events)
	}

	// One interruption per utterance: the next loud frame stays quiet.
	if events := d.ProcessFrame(loud); len(events) != 0 {
		t.Fatalf("repeat loud frame events = %+v, want none", events)
	}
}

func TestDetectorRaisedThresholdDuringPlayback(t *testing.T) {
	pb := &stubPlayback{live: true}
	d := newTestDetector(pb)

	// Above the speech threshold but below the barge-in threshold: with
	// playback live this is treated as echo, not an interruption.
	if events := d.ProcessFrame(tone(700, 16000)); len(events) != 0 {
		t.Fatalf("echo-level frame events = %+v, want none", events)
	}

	pb.live = false
	events := d.ProcessFrame(tone(700, 16000))
	if len(events) != 1 || events[0].Kind != SpeechStart {
		t.Fatalf("same frame without playback events = %+v, want SpeechStart", events)
	}
}

func TestDetectorFlush(t *testing.T) {
	d := newTestDetector(nil)
	if events := d.Flush(); len(events) != 0 {
		t.Fatalf("Flush() while idle = %+v, want none", events)
	}
	d.ProcessFrame(tone(2000, 16000))
	events := d.Flush()
	if len(events) != 1 || events[0].Kind != SpeechEnd {
		t.Fatalf("Flush() = %+v, want SpeechEnd", events)
	}
}
