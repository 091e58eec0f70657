// Package transport normalizes the two call entry points (browser clients
// and the telephony media gateway) into one frame stream the session layer
// consumes. Each websocket gets a single writer goroutine; all outbound
// sends go through it.
package transport

import (
	"errors"

	"github.com/lmattei/voiceline/internal/protocol"
)

// Kind identifies which entry point a call arrived through.
type Kind string

const (
	KindBrowser   Kind = "browser"
	KindTelephony Kind = "telephony"
)

// ErrClosed is returned by Send* after the connection is gone.
var ErrClosed = errors.New("transport: closed")

// CallMeta is the caller information negotiated before any audio flows.
type CallMeta struct {
	CallerID   string
	Codec      string
	SampleRate int
}

type FrameKind int

const (
	// FrameStart carries CallMeta and opens the audio stream.
	FrameStart FrameKind = iota + 1
	// FrameAudio carries one chunk of little-endian PCM16.
	FrameAudio
	// FrameFlush asks for the current utterance to be committed now.
	FrameFlush
	// FrameEnd is an orderly hang-up from the peer.
	FrameEnd
)

// Frame is one normalized inbound event from the peer.
type Frame struct {
	Kind  FrameKind
	Meta  CallMeta
	Audio []byte
}

// Transport is one live call connection. Frames is closed when the peer
// disconnects or hangs up; Err reports the terminal read error, if any.
type Transport interface {
	Kind() Kind
	// Frames delivers inbound frames in arrival order.
	Frames() <-chan Frame
	// SendAudio ships one chunk of agent speech to the peer.
	SendAudio(pcm []byte) error
	// SendEvent ships a control message (transcripts, handoffs, stop-audio,
	// errors). Telephony peers only understand stop-audio; other events are
	// silently dropped for them.
	SendEvent(typ protocol.MessageType, payload any) error
	Err() error
	Close() error
}
