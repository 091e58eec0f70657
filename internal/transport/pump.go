package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	outboundQueueSize = 256
	writeTimeout      = 10 * time.Second
	readTimeout       = 120 * time.Second
	maxInboundBytes   = 2 << 20
)

type outboundMsg struct {
	msgType int
	data    []byte
}

// wsPump serializes all writes to one websocket connection. gorilla/websocket
// allows a single concurrent writer, so every Send goes through here.
type wsPump struct {
	conn       *websocket.Conn
	out        chan outboundMsg
	closed     chan struct{}
	closeOnce  sync.Once
	writerDone chan struct{}
}

func newWSPump(conn *websocket.Conn) *wsPump {
	p := &wsPump{
		conn:       conn,
		out:        make(chan outboundMsg, outboundQueueSize),
		closed:     make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go p.writeLoop()
	return p
}

func (p *wsPump) writeLoop() {
	defer close(p.writerDone)
	for {
		select {
		case <-p.closed:
			return
		case msg := <-p.out:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.conn.WriteMessage(msg.msgType, msg.data); err != nil {
				return
			}
		}
	}
}

func (p *wsPump) send(msgType int, data []byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	case <-p.writerDone:
		return ErrClosed
	case p.out <- outboundMsg{msgType: msgType, data: data}:
		return nil
	}
}

func (p *wsPump) close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.conn.Close()
	})
	return nil
}

func configureRead(conn *websocket.Conn) {
	conn.SetReadLimit(maxInboundBytes)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
}

func extendReadDeadline(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
}
