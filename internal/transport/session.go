package transport

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const sendBufferSize = 32

// wsSession is one live websocket connection. It is not bound to an
// identity until the client successfully registers via register_master or
// link_pc.
type wsSession struct {
	id   string
	conn *websocket.Conn

	sendCh chan OutEvent
	ctx    context.Context
	cancel context.CancelFunc

	connectedAt time.Time
	lastSeen    time.Time
}

func newWSSession(id string, conn *websocket.Conn, parent context.Context) *wsSession {
	ctx, cancel := context.WithCancel(parent)
	now := time.Now()
	return &wsSession{
		id:          id,
		conn:        conn,
		sendCh:      make(chan OutEvent, sendBufferSize),
		ctx:         ctx,
		cancel:      cancel,
		connectedAt: now,
		lastSeen:    now,
	}
}

// sender drains the session's outbound queue onto the websocket
// connection until the session is canceled or the write fails.
func (s *wsSession) sender(log *zap.Logger) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-s.sendCh:
			if !ok {
				return
			}
			if err := s.conn.WriteJSON(ev); err != nil {
				log.Warn("websocket write failed", zap.String("session_id", s.id), zap.Error(err))
				s.cancel()
				return
			}
		}
	}
}

// push enqueues ev for delivery. A full send buffer means the client is
// not draining fast enough; the session is torn down rather than blocking
// the caller indefinitely.
func (s *wsSession) push(ev OutEvent) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.sendCh <- ev:
		return nil
	default:
		s.cancel()
		_ = s.conn.Close()
		return errSendBufferFull
	}
}

var errSendBufferFull = &sessionError{message: "session send buffer full"}

type sessionError struct{ message string }

func (e *sessionError) Error() string { return e.message }
