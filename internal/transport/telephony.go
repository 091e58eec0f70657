package transport

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/lmattei/voiceline/internal/protocol"
)

// Telephony wraps the media-gateway websocket. Every frame in both
// directions is a JSON envelope; audio rides base64-encoded inside
// AudioData frames. The gateway must send AudioMetadata before any audio.
type Telephony struct {
	pump   *wsPump
	frames chan Frame

	mu      sync.Mutex
	readErr error
}

func NewTelephony(conn *websocket.Conn) *Telephony {
	t := &Telephony{
		pump:   newWSPump(conn),
		frames: make(chan Frame, 64),
	}
	go t.readLoop(conn)
	return t
}

func (t *Telephony) Kind() Kind           { return KindTelephony }
func (t *Telephony) Frames() <-chan Frame { return t.frames }

// deliver hands one frame to the session, giving up once the transport is
// closed so a stalled consumer cannot park this goroutine forever.
func (t *Telephony) deliver(f Frame) bool {
	select {
	case t.frames <- f:
		return true
	case <-t.pump.closed:
		return false
	}
}

func (t *Telephony) readLoop(conn *websocket.Conn) {
	defer close(t.frames)
	configureRead(conn)
	started := false
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.setErr(err)
			return
		}
		extendReadDeadline(conn)
		if msgType != websocket.TextMessage {
			continue
		}
		payload, err := protocol.ParseTelephonyFrame(data)
		if err != nil {
			// A malformed gateway frame ends the call; the session tears down
			// and releases its resources.
			t.setErr(fmt.Errorf("malformed gateway frame: %w", err))
			return
		}
		switch p := payload.(type) {
		case protocol.AudioMetadata:
			started = true
			meta := CallMeta{
				CallerID:   p.CallerID,
				Codec:      p.Codec,
				SampleRate: p.SampleRate,
			}
			if !t.deliver(Frame{Kind: FrameStart, Meta: meta}) {
				return
			}
		case protocol.AudioData:
			if !started {
				continue
			}
			pcm, err := protocol.DecodeAudioPayload(p)
			if err != nil {
				t.setErr(fmt.Errorf("malformed audio payload: %w", err))
				return
			}
			if !t.deliver(Frame{Kind: FrameAudio, Audio: pcm}) {
				return
			}
		case protocol.StopAudioData:
			// The gateway signals hang-up with a StopAudio frame.
			t.deliver(Frame{Kind: FrameEnd})
			return
		}
	}
}

func (t *Telephony) SendAudio(pcm []byte) error {
	data, err := protocol.EncodeAudioData(pcm)
	if err != nil {
		return err
	}
	return t.pump.send(websocket.TextMessage, data)
}

// SendEvent forwards only stop-audio to the gateway; transcripts and other
// browser-facing events have no telephony representation.
func (t *Telephony) SendEvent(typ protocol.MessageType, payload any) error {
	if typ != protocol.TypeStopAudio {
		return nil
	}
	reason := ""
	if stop, ok := payload.(protocol.StopAudio); ok {
		reason = stop.Reason
	}
	data, err := protocol.EncodeTelephonyFrame(protocol.StopAudioData{Reason: reason})
	if err != nil {
		return err
	}
	return t.pump.send(websocket.TextMessage, data)
}

func (t *Telephony) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readErr
}

func (t *Telephony) setErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.readErr == nil {
		t.readErr = err
	}
}

func (t *Telephony) Close() error { return t.pump.close() }
