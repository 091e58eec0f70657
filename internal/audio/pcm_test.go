package audio

import (
	"testing"
	"time"
)

func TestPCM16LERoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 1234}
	raw := EncodePCM16LE(samples)
	got := DecodePCM16LE(raw)
	if len(got) != len(samples) {
		t.Fatalf("len = %d, want %d", len(got), len(samples))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Fatalf("sample[%d] = %d, want %d", i, got[i], samples[i])
		}
	}
}

func TestRMSSilenceIsZero(t *testing.T) {
	if rms := RMS(make([]byte, 640)); rms != 0 {
		t.Fatalf("RMS(silence) = %f, want 0", rms)
	}
}

func TestRMSConstantTone(t *testing.T) {
	samples := make([]int16, 160)
	for i := range samples {
		samples[i] = 1000
	}
	rms := RMS(EncodePCM16LE(samples))
	if rms < 999 || rms > 1001 {
		t.Fatalf("RMS = %f, want ~1000", rms)
	}
}

func TestDuration(t *testing.T) {
	// 320 samples at 16 kHz is a 20 ms frame.
	raw := make([]byte, 640)
	if d := Duration(raw, 16000); d != 20*time.Millisecond {
		t.Fatalf("Duration = %s, want 20ms", d)
	}
	if d := Duration(raw, 0); d != 0 {
		t.Fatalf("Duration with zero rate = %s, want 0", d)
	}
}
