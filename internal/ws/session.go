package ws

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wireConn is the slice of *websocket.Conn the room layer needs. Tests swap in
// an in-memory recorder.
type wireConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// session is one connected participant: identity plus its live channel.
// Membership is owned by the room's own goroutine; the session itself only
// guards concurrent writers on the conn.
type session struct {
	id       string
	userID   string
	userName string

	conn wireConn
	mu   sync.Mutex
}

func (s *session) write(mt int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(mt, data)
}

func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, data)
}

func (s *session) close() {
	_ = s.conn.Close()
}

// newID returns an 8-byte random hex string, used for session and instance ids.
func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
