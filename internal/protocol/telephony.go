package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Telephony media-gateway framing: every frame is a JSON envelope
// {kind, data}. AudioMetadata precedes any audio and fixes the codec and
// sample rate; AudioData carries base64 PCM; StopAudio is the system-issued
// stop/barge-in signal toward the gateway.

type TelephonyKind string

const (
	KindAudioMetadata TelephonyKind = "AudioMetadata"
	KindAudioData     TelephonyKind = "AudioData"
	KindStopAudio     TelephonyKind = "StopAudio"
)

var ErrUnknownTelephonyKind = errors.New("unknown telephony frame kind")

type TelephonyFrame struct {
	Kind TelephonyKind   `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type AudioMetadata struct {
	CallerID   string `json:"caller_id,omitempty"`
	Codec      string `json:"codec"`
	SampleRate int    `json:"sample_rate"`
}

type AudioData struct {
	Payload string `json:"payload"`
}

type StopAudioData struct {
	Reason string `json:"reason,omitempty"`
}

// ParseTelephonyFrame decodes one gateway frame into its typed payload.
func ParseTelephonyFrame(raw []byte) (any, error) {
	var frame TelephonyFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("invalid telephony envelope: %w", err)
	}
	switch frame.Kind {
	case KindAudioMetadata:
		var md AudioMetadata
		if err := json.Unmarshal(frame.Data, &md); err != nil {
			return nil, fmt.Errorf("invalid AudioMetadata: %w", err)
		}
		if md.SampleRate <= 0 {
			return nil, errors.New("AudioMetadata requires a positive sample_rate")
		}
		if strings.TrimSpace(md.Codec) == "" {
			return nil, errors.New("AudioMetadata requires a codec")
		}
		return md, nil
	case KindAudioData:
		var ad AudioData
		if err := json.Unmarshal(frame.Data, &ad); err != nil {
			return nil, fmt.Errorf("invalid AudioData: %w", err)
		}
		if ad.Payload == "" {
			return nil, errors.New("AudioData requires a payload")
		}
		return ad, nil
	case KindStopAudio:
		var sd StopAudioData
		if len(frame.Data) > 0 {
			if err := json.Unmarshal(frame.Data, &sd); err != nil {
				return nil, fmt.Errorf("invalid StopAudio: %w", err)
			}
		}
		return sd, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTelephonyKind, frame.Kind)
	}
}

// EncodeTelephonyFrame wraps a typed payload back into the wire envelope.
func EncodeTelephonyFrame(payload any) ([]byte, error) {
	var kind TelephonyKind
	switch payload.(type) {
	case AudioMetadata:
		kind = KindAudioMetadata
	case AudioData:
		kind = KindAudioData
	case StopAudioData:
		kind = KindStopAudio
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownTelephonyKind, payload)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(TelephonyFrame{Kind: kind, Data: data})
}

// EncodeAudioData builds an AudioData frame from raw PCM bytes.
func EncodeAudioData(pcm []byte) ([]byte, error) {
	return EncodeTelephonyFrame(AudioData{
		Payload: base64.StdEncoding.EncodeToString(pcm),
	})
}

// DecodeAudioPayload returns the raw PCM bytes of an AudioData frame.
func DecodeAudioPayload(ad AudioData) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(ad.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode audio payload: %w", err)
	}
	return pcm, nil
}
