package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lmattei/voiceline/internal/protocol"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// dialTransport spins up a ws endpoint, wraps the server side with build,
// and returns the client conn plus the server-side transport.
func dialTransport(t *testing.T, build func(*websocket.Conn) Transport) (*websocket.Conn, Transport) {
	t.Helper()
	ready := make(chan Transport, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ready <- build(conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case tr := <-ready:
		t.Cleanup(func() { _ = tr.Close() })
		return client, tr
	case <-time.After(2 * time.Second):
		t.Fatal("server transport never became ready")
		return nil, nil
	}
}

func nextFrame(t *testing.T, tr Transport) Frame {
	t.Helper()
	select {
	case f, ok := <-tr.Frames():
		if !ok {
			t.Fatal("frame channel closed early")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func TestBrowserTransportFrames(t *testing.T) {
	client, tr := dialTransport(t, func(c *websocket.Conn) Transport {
		return NewBrowser(c, "sess-1")
	})

	start, _ := json.Marshal(protocol.ClientControl{
		Type: protocol.TypeClientControl, Action: "start", SampleRate: 16000,
	})
	if err := client.WriteMessage(websocket.TextMessage, start); err != nil {
		t.Fatalf("write start: %v", err)
	}
	f := nextFrame(t, tr)
	if f.Kind != FrameStart || f.Meta.SampleRate != 16000 {
		t.Fatalf("frame = %+v, want FrameStart at 16000", f)
	}

	pcm := []byte{1, 2, 3, 4}
	if err := client.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	f = nextFrame(t, tr)
	if f.Kind != FrameAudio || len(f.Audio) != 4 {
		t.Fatalf("frame = %+v, want 4-byte FrameAudio", f)
	}

	end, _ := json.Marshal(protocol.ClientControl{Type: protocol.TypeClientControl, Action: "end"})
	if err := client.WriteMessage(websocket.TextMessage, end); err != nil {
		t.Fatalf("write end: %v", err)
	}
	f = nextFrame(t, tr)
	if f.Kind != FrameEnd {
		t.Fatalf("frame = %+v, want FrameEnd", f)
	}
	if _, ok := <-tr.Frames(); ok {
		t.Fatal("frame channel still open after end")
	}
}

func TestBrowserStartCarriesCallerID(t *testing.T) {
	client, tr := dialTransport(t, func(c *websocket.Conn) Transport {
		return NewBrowser(c, "sess-1")
	})

	start, _ := json.Marshal(protocol.ClientControl{
		Type: protocol.TypeClientControl, Action: "start", CallerID: "+15550100", SampleRate: 16000,
	})
	if err := client.WriteMessage(websocket.TextMessage, start); err != nil {
		t.Fatalf("write start: %v", err)
	}
	f := nextFrame(t, tr)
	if f.Kind != FrameStart || f.Meta.CallerID != "+15550100" {
		t.Fatalf("frame = %+v, want FrameStart carrying the caller id", f)
	}
}

func TestBrowserMalformedControlEndsCall(t *testing.T) {
	client, tr := dialTransport(t, func(c *websocket.Conn) Transport {
		return NewBrowser(c, "sess-1")
	})

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"type":"client_control","action":"dance"}`)); err != nil {
		t.Fatalf("write malformed control: %v", err)
	}

	// The client is told what went wrong before the stream ends.
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	var ev protocol.ErrorEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.Code != "invalid_client_message" {
		t.Fatalf("event = %+v (err %v), want invalid_client_message", ev, err)
	}

	select {
	case _, ok := <-tr.Frames():
		if ok {
			t.Fatal("got a frame after malformed control, want closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame channel not closed after malformed control")
	}
	if tr.Err() == nil {
		t.Fatal("Err() = nil, want the malformed-control error")
	}
}

func TestBrowserReadLoopUnblocksOnClose(t *testing.T) {
	client, tr := dialTransport(t, func(c *websocket.Conn) Transport {
		return NewBrowser(c, "sess-1")
	})

	// Flood well past the frame buffer without draining, so the read loop
	// parks on a full channel, then close the transport underneath it.
	for i := 0; i < 70; i++ {
		if err := client.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4}); err != nil {
			t.Fatalf("write audio %d: %v", i, err)
		}
	}
	time.Sleep(150 * time.Millisecond)
	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// Give the read loop time to observe the close while nothing drains.
	time.Sleep(150 * time.Millisecond)

	received := 0
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-tr.Frames():
			if !ok {
				if received > 64 {
					t.Fatalf("received %d frames, want at most the channel buffer", received)
				}
				return
			}
			received++
		case <-deadline:
			t.Fatal("frame channel never closed; read loop still parked")
		}
	}
}

func TestBrowserTransportSend(t *testing.T) {
	client, tr := dialTransport(t, func(c *websocket.Conn) Transport {
		return NewBrowser(c, "sess-1")
	})

	if err := tr.SendAudio([]byte{9, 9}); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}
	msgType, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if msgType != websocket.BinaryMessage || len(data) != 2 {
		t.Fatalf("client got type %d len %d, want binary len 2", msgType, len(data))
	}

	err = tr.SendEvent(protocol.TypeTranscript, protocol.Transcript{
		Type: protocol.TypeTranscript, SessionID: "sess-1", Text: "hello", Final: true,
	})
	if err != nil {
		t.Fatalf("SendEvent() error = %v", err)
	}
	msgType, data, err = client.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Fatalf("client got type %d, want text", msgType)
	}
	var tr2 protocol.Transcript
	if err := json.Unmarshal(data, &tr2); err != nil || tr2.Text != "hello" {
		t.Fatalf("transcript = %+v (err %v), want text hello", tr2, err)
	}
}

func TestTelephonyTransportFrames(t *testing.T) {
	client, tr := dialTransport(t, func(c *websocket.Conn) Transport {
		return NewTelephony(c)
	})

	// Audio before metadata is dropped.
	early, _ := protocol.EncodeAudioData([]byte{1, 2})
	if err := client.WriteMessage(websocket.TextMessage, early); err != nil {
		t.Fatalf("write early audio: %v", err)
	}

	meta, _ := protocol.EncodeTelephonyFrame(protocol.AudioMetadata{
		CallerID: "+15550100", Codec: "pcm16", SampleRate: 8000,
	})
	if err := client.WriteMessage(websocket.TextMessage, meta); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	f := nextFrame(t, tr)
	if f.Kind != FrameStart || f.Meta.CallerID != "+15550100" || f.Meta.SampleRate != 8000 {
		t.Fatalf("frame = %+v, want FrameStart with caller meta", f)
	}

	audio, _ := protocol.EncodeAudioData([]byte{1, 2, 3, 4, 5, 6})
	if err := client.WriteMessage(websocket.TextMessage, audio); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	f = nextFrame(t, tr)
	if f.Kind != FrameAudio || len(f.Audio) != 6 {
		t.Fatalf("frame = %+v, want 6-byte FrameAudio", f)
	}

	stop, _ := protocol.EncodeTelephonyFrame(protocol.StopAudioData{Reason: "hangup"})
	if err := client.WriteMessage(websocket.TextMessage, stop); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	f = nextFrame(t, tr)
	if f.Kind != FrameEnd {
		t.Fatalf("frame = %+v, want FrameEnd", f)
	}
}

func TestTelephonyMalformedFrameEndsCall(t *testing.T) {
	client, tr := dialTransport(t, func(c *websocket.Conn) Transport {
		return NewTelephony(c)
	})

	meta, _ := protocol.EncodeTelephonyFrame(protocol.AudioMetadata{
		CallerID: "+15550100", Codec: "pcm16", SampleRate: 8000,
	})
	if err := client.WriteMessage(websocket.TextMessage, meta); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	if f := nextFrame(t, tr); f.Kind != FrameStart {
		t.Fatalf("frame = %+v, want FrameStart", f)
	}

	if err := client.WriteMessage(websocket.TextMessage, []byte("not a gateway frame")); err != nil {
		t.Fatalf("write malformed frame: %v", err)
	}

	select {
	case _, ok := <-tr.Frames():
		if ok {
			t.Fatal("got a frame after malformed input, want closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame channel not closed after malformed input")
	}
	if tr.Err() == nil {
		t.Fatal("Err() = nil, want the malformed-frame error")
	}
}

func TestTelephonyTransportSend(t *testing.T) {
	client, tr := dialTransport(t, func(c *websocket.Conn) Transport {
		return NewTelephony(c)
	})

	if err := tr.SendAudio([]byte{7, 7, 7, 7}); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	payload, err := protocol.ParseTelephonyFrame(data)
	if err != nil {
		t.Fatalf("ParseTelephonyFrame() error = %v", err)
	}
	ad, ok := payload.(protocol.AudioData)
	if !ok {
		t.Fatalf("payload = %T, want AudioData", payload)
	}
	pcm, err := protocol.DecodeAudioPayload(ad)
	if err != nil || len(pcm) != 4 {
		t.Fatalf("DecodeAudioPayload() = %v bytes, err %v, want 4 bytes", len(pcm), err)
	}

	// Transcripts have no telephony representation and are dropped.
	if err := tr.SendEvent(protocol.TypeTranscript, protocol.Transcript{Text: "x"}); err != nil {
		t.Fatalf("SendEvent(transcript) error = %v", err)
	}

	if err := tr.SendEvent(protocol.TypeStopAudio, protocol.StopAudio{Reason: "barge_in"}); err != nil {
		t.Fatalf("SendEvent(stop) error = %v", err)
	}
	_, data, err = client.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	payload, err = protocol.ParseTelephonyFrame(data)
	if err != nil {
		t.Fatalf("ParseTelephonyFrame() error = %v", err)
	}
	if stop, ok := payload.(protocol.StopAudioData); !ok || stop.Reason != "barge_in" {
		t.Fatalf("payload = %#v, want StopAudioData barge_in", payload)
	}
}
