package transport

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/lmattei/voiceline/internal/protocol"
)

// Browser wraps a browser client websocket. Binary frames are raw PCM16
// audio; text frames are JSON control messages.
type Browser struct {
	pump      *wsPump
	frames    chan Frame
	sessionID string

	mu      sync.Mutex
	readErr error
}

func NewBrowser(conn *websocket.Conn, sessionID string) *Browser {
	t := &Browser{
		pump:      newWSPump(conn),
		frames:    make(chan Frame, 64),
		sessionID: sessionID,
	}
	go t.readLoop(conn)
	return t
}

func (t *Browser) Kind() Kind           { return KindBrowser }
func (t *Browser) Frames() <-chan Frame { return t.frames }

// deliver hands one frame to the session, giving up once the transport is
// closed so a stalled consumer cannot park this goroutine forever.
func (t *Browser) deliver(f Frame) bool {
	select {
	case t.frames <- f:
		return true
	case <-t.pump.closed:
		return false
	}
}

func (t *Browser) readLoop(conn *websocket.Conn) {
	defer close(t.frames)
	configureRead(conn)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.setErr(err)
			return
		}
		extendReadDeadline(conn)
		switch msgType {
		case websocket.BinaryMessage:
			if len(data) == 0 {
				continue
			}
			audio := make([]byte, len(data))
			copy(audio, data)
			if !t.deliver(Frame{Kind: FrameAudio, Audio: audio}) {
				return
			}
		case websocket.TextMessage:
			ctl, err := protocol.ParseBrowserControl(data)
			if err != nil {
				// A malformed control frame ends the call; the session tears
				// down and releases its resources.
				_ = t.SendEvent(protocol.TypeErrorEvent, protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: t.sessionID,
					Code:      "invalid_client_message",
					Source:    "gateway",
					Detail:    err.Error(),
				})
				t.setErr(err)
				return
			}
			switch ctl.Action {
			case "start":
				rate := ctl.SampleRate
				if rate <= 0 {
					rate = 16000
				}
				meta := CallMeta{CallerID: ctl.CallerID, Codec: "pcm16", SampleRate: rate}
				if !t.deliver(Frame{Kind: FrameStart, Meta: meta}) {
					return
				}
			case "stop":
				if !t.deliver(Frame{Kind: FrameFlush}) {
					return
				}
			case "end":
				t.deliver(Frame{Kind: FrameEnd})
				return
			}
		}
	}
}

func (t *Browser) SendAudio(pcm []byte) error {
	return t.pump.send(websocket.BinaryMessage, pcm)
}

func (t *Browser) SendEvent(_ protocol.MessageType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return t.pump.send(websocket.TextMessage, data)
}

func (t *Browser) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readErr
}

func (t *Browser) setErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.readErr == nil {
		t.readErr = err
	}
}

func (t *Browser) Close() error { return t.pump.close() }
