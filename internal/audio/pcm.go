package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Helpers for the one wire format both transports normalize to:
// little-endian 16-bit PCM, mono.

// DecodePCM16LE converts raw little-endian bytes into int16 samples. A
// trailing odd byte is ignored.
func DecodePCM16LE(raw []byte) []int16 {
	n := len(raw) / 2
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	return samples
}

// EncodePCM16LE converts int16 samples back into little-endian bytes.
func EncodePCM16LE(samples []int16) []byte {
	raw := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(raw[2*i:], uint16(s))
	}
	return raw
}

// RMS computes the root-mean-square energy of a raw PCM16LE frame. Silence is
// near zero; conversational speech at normal mic gain lands in the hundreds
// to low thousands.
func RMS(raw []byte) float64 {
	n := len(raw) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(raw[2*i:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Duration reports how much audio time a raw PCM16LE frame covers.
func Duration(raw []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := len(raw) / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
