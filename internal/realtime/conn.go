package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// conn serialises writes to one socket. Sequence numbers are assigned under
// the same lock so seq order matches delivery order across both lanes.
type conn struct {
	c            *websocket.Conn
	writeTimeout time.Duration

	mu  sync.Mutex
	seq uint64
}

func (w *conn) writeText(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLocked(b)
}

func (w *conn) writeLocked(b []byte) error {
	_ = w.c.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return w.c.WriteMessage(websocket.TextMessage, b)
}

func (w *conn) send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.writeText(b)
}

// sendSeq builds the event with the next sequence number and writes it.
func (w *conn) sendSeq(build func(seq uint64) any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	b, err := json.Marshal(build(w.seq))
	if err != nil {
		return err
	}
	return w.writeLocked(b)
}

func (w *conn) ping() error {
	return w.c.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.writeTimeout))
}

// closeWith sends a close frame with code and reason. The socket itself is
// closed by the deferred teardown.
func (w *conn) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = w.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(w.writeTimeout))
}
