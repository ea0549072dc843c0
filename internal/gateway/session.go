package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// session serializes writes to one websocket; gorilla allows a single
// concurrent writer and pushes can originate from several goroutines.
type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newSession(conn *websocket.Conn) *session {
	return &session{conn: conn}
}

func (s *session) send(ev Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(ev)
}

// Probe implements registry.Session with a ping control frame; a write
// error here tells the sweep the socket is already dead.
func (s *session) Probe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *session) Close(reason string) error {
	s.mu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	s.mu.Unlock()
	return s.conn.Close()
}
