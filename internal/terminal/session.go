// ABOUTME: Browser leg of the terminal relay, one session per WebSocket
// ABOUTME: A dedicated write pump serializes every write to the socket

package terminal

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// outMessage is one queued WebSocket write. A non-zero closeCode makes the
// write pump send a close frame and exit, which guarantees any control
// frames queued ahead of it reach the wire first.
type outMessage struct {
	messageType int
	data        []byte
	closeCode   int
	closeReason string
}

// session is one browser WebSocket attached to an agent terminal. All
// writes go through the send channel so the write pump is the socket's only
// writer; the HTTP handler goroutine is its only reader.
type session struct {
	id      string
	agentID string
	userID  string
	conn    *websocket.Conn
	logger  *slog.Logger

	send chan outMessage
	done chan struct{}
	once sync.Once

	writeTimeout time.Duration

	// waitTimer fires when the session sits in arbitration too long.
	// Guarded by the owning entry's mutex.
	waitTimer *time.Timer
}

func newSession(agentID, userID string, conn *websocket.Conn, writeTimeout time.Duration, logger *slog.Logger) *session {
	s := &session{
		id:           uuid.New().String(),
		agentID:      agentID,
		userID:       userID,
		conn:         conn,
		logger:       logger,
		send:         make(chan outMessage, 256),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
	go s.writePump()
	return s
}

// finish signals the write pump to stop. Safe to call more than once.
func (s *session) finish() {
	s.once.Do(func() { close(s.done) })
}

// sendBinary queues raw terminal output. A full buffer drops the frame; a
// reader that far behind is better served by the restore snapshot after it
// reconnects.
func (s *session) sendBinary(p []byte) {
	select {
	case s.send <- outMessage{messageType: websocket.BinaryMessage, data: p}:
	case <-s.done:
	default:
		s.logger.Warn("terminal session buffer full, dropping output",
			"agent_id", s.agentID, "session_id", s.id)
	}
}

// sendControl queues a control frame. Control frames must not vanish
// silently, so a full buffer evicts one queued message to make room.
func (s *session) sendControl(f ControlFrame) {
	data, err := MarshalFrame(f)
	if err != nil {
		s.logger.Error("encoding control frame", "error", err)
		return
	}
	s.enqueuePriority(outMessage{messageType: websocket.TextMessage, data: data})
}

// sendClose queues a coded close. The pump writes it after everything
// already queued, then tears the socket down.
func (s *session) sendClose(code int, reason string) {
	s.enqueuePriority(outMessage{closeCode: code, closeReason: reason})
}

func (s *session) enqueuePriority(msg outMessage) {
	select {
	case s.send <- msg:
		return
	case <-s.done:
		return
	default:
	}

	// Make room by dropping one queued frame.
	select {
	case <-s.send:
	default:
	}

	select {
	case s.send <- msg:
	case <-s.done:
	default:
		s.logger.Warn("terminal session dropped a control message",
			"agent_id", s.agentID, "session_id", s.id)
	}
}

// writePump drains the send channel onto the socket. It exits on a write
// failure, a queued close, or finish; in every case it closes the
// connection, which also unblocks the read loop.
func (s *session) writePump() {
	defer func() {
		s.finish()
		s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			if !s.write(msg) {
				return
			}
		case <-s.done:
			// Flush anything queued before the signal so a final control
			// frame or close code still reaches the browser.
			for {
				select {
				case msg := <-s.send:
					if !s.write(msg) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// write performs one socket write. Returns false when the pump should stop.
func (s *session) write(msg outMessage) bool {
	deadline := time.Now().Add(s.writeTimeout)
	if msg.closeCode != 0 {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(msg.closeCode, msg.closeReason), deadline)
		return false
	}
	s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(msg.messageType, msg.data); err != nil {
		s.logger.Debug("terminal session write failed",
			"agent_id", s.agentID, "session_id", s.id, "error", err)
		return false
	}
	return true
}
