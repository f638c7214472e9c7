// Package transport implements the Session Endpoint (spec.md §4.B): a
// framed, full-duplex channel over a single WebSocket connection that
// carries text (JSON) frames and binary (relay chunk) frames on the same
// socket, grounded on the teacher's internals/signaling/websocket.go
// Client/Hub read/write pump shape.
package transport

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Matlemad/Pandemic-sub000/internal/protocol"
)

var (
	errSessionClosed = errors.New("session closed")
	errSendTimeout    = errors.New("send timeout")
)

// Frame is one outbound message queued for a session's writer.
type Frame struct {
	Binary bool
	Data   []byte
}

// Limits bounds frame sizes and timeouts per spec.md §4.B and §5.
type Limits struct {
	MaxTextFrameBytes int
	MaxBinaryFrameBytes int
	SendTimeout         time.Duration
	PongTimeout         time.Duration
	PingInterval        time.Duration
}

// DefaultLimits mirrors spec.md's defaults: 64 KiB text frames, CHUNK_SIZE +
// overhead binary frames, SEND_TIMEOUT 30s.
func DefaultLimits(chunkSizeBytes int, sendTimeout time.Duration) Limits {
	const chunkOverhead = protocol.ChunkHeaderLen + 128 // header + generous transferId allowance
	return Limits{
		MaxTextFrameBytes:   64 * 1024,
		MaxBinaryFrameBytes: chunkSizeBytes + chunkOverhead,
		SendTimeout:         sendTimeout,
		PongTimeout:         60 * time.Second,
		PingInterval:        54 * time.Second,
	}
}

// Session is one client's bidirectional framed channel.
type Session struct {
	ID   string
	Conn *websocket.Conn

	Send chan Frame

	limits Limits
	logger *zap.Logger

	mu        sync.RWMutex
	closeOnce sync.Once
	closed    atomic.Bool

	// Set once by the dispatcher after a validated HELLO; read by
	// broadcast/registry code that needs to correlate a session back to
	// its peerId.
	PeerID string

	// AdminToken is whatever token the peer presented at HELLO, checked
	// against the configured admin token on every lock-gated mutation.
	AdminToken string

	onBinary func(*Session, []byte)

	OnText  func(*Session, []byte)
	OnClose func(*Session, protocol.CloseCode)
}

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Accept upgrades an HTTP request to a WebSocket and wraps it in a Session.
// Callers must set OnText/OnClose and then run ReadPump/WritePump, matching
// the teacher's HandleWebSocket + go client.WritePump()/ReadPump() pattern.
func Accept(id string, w http.ResponseWriter, r *http.Request, limits Limits, logger *zap.Logger) (*Session, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return New(id, conn, limits, logger), nil
}

// New wraps an already-established connection in a Session.
func New(id string, conn *websocket.Conn, limits Limits, logger *zap.Logger) *Session {
	return &Session{
		ID:     id,
		Conn:   conn,
		Send:   make(chan Frame, 256),
		limits: limits,
		logger: logger,
	}
}

func (s *Session) closeSend() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.Send)
	})
}

// ReadPump reads frames until the socket errs out or a limit is exceeded,
// dispatching text frames to OnText and binary frames to the handler set
// with SetBinaryHandler (binary frames are discarded if none is set).
func (s *Session) ReadPump() {
	var closeCode protocol.CloseCode = protocol.CloseNormal
	defer func() {
		if s.OnClose != nil {
			s.OnClose(s, closeCode)
		}
		s.Conn.Close()
	}()

	s.Conn.SetReadLimit(int64(s.limits.MaxBinaryFrameBytes) + 1024)
	s.Conn.SetReadDeadline(time.Now().Add(s.limits.PongTimeout))
	s.Conn.SetPongHandler(func(string) error {
		s.Conn.SetReadDeadline(time.Now().Add(s.limits.PongTimeout))
		return nil
	})

	for {
		msgType, data, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug("session read error", zap.String("sessionID", s.ID), zap.Error(err))
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			if len(data) > s.limits.MaxTextFrameBytes {
				closeCode = protocol.CloseFrameTooLarge
				return
			}
			if s.OnText != nil {
				s.OnText(s, data)
			}
		case websocket.BinaryMessage:
			if len(data) > s.limits.MaxBinaryFrameBytes {
				closeCode = protocol.CloseFrameTooLarge
				return
			}
			if s.onBinary != nil {
				s.onBinary(s, data)
			}
		}
	}
}

// SetBinaryHandler wires the relay broker's chunk handler; kept as a setter
// rather than a public field so it can take the write lock consistently
// with other session mutation.
func (s *Session) SetBinaryHandler(fn func(*Session, []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onBinary = fn
}

// WritePump drains Send, applying SendTimeout per write and a periodic
// ping — the teacher's WritePump ticker/select shape.
func (s *Session) WritePump() {
	ticker := time.NewTicker(s.limits.PingInterval)
	defer func() {
		ticker.Stop()
		s.Conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.Send:
			s.Conn.SetWriteDeadline(time.Now().Add(s.limits.SendTimeout))
			if !ok {
				s.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			msgType := websocket.TextMessage
			if frame.Binary {
				msgType = websocket.BinaryMessage
			}
			if err := s.Conn.WriteMessage(msgType, frame.Data); err != nil {
				s.logger.Debug("session write error", zap.String("sessionID", s.ID), zap.Error(err))
				return
			}
		case <-ticker.C:
			s.Conn.SetWriteDeadline(time.Now().Add(s.limits.SendTimeout))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendText enqueues a JSON text frame. Non-blocking: a full queue drops the
// message and logs rather than stalling the caller, same trade-off as the
// teacher's Client.SendMessage.
func (s *Session) SendText(data []byte) {
	if s.closed.Load() {
		return
	}
	select {
	case s.Send <- Frame{Data: data}:
	default:
		s.logger.Warn("session send queue full, dropping text frame", zap.String("sessionID", s.ID))
	}
}

// SendBinary enqueues a relay chunk frame verbatim.
func (s *Session) SendBinary(data []byte) {
	if s.closed.Load() {
		return
	}
	select {
	case s.Send <- Frame{Binary: true, Data: data}:
	default:
		s.logger.Warn("session send queue full, dropping binary frame", zap.String("sessionID", s.ID))
	}
}

// SendBinaryBlocking enqueues a relay chunk frame, blocking the caller
// until the queue has room or timeout elapses. The relay broker calls this
// from the owner's read loop so a slow requester's full queue naturally
// stalls further reads from the owner, matching spec.md §5's backpressure
// requirement ("broker stops reading owner chunks until the requester's
// write buffer drains").
func (s *Session) SendBinaryBlocking(data []byte, timeout time.Duration) error {
	if s.closed.Load() {
		return errSessionClosed
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.Send <- Frame{Binary: true, Data: data}:
		return nil
	case <-timer.C:
		return errSendTimeout
	}
}

// Close shuts down the write side; ReadPump's deferred Conn.Close() and
// OnClose fire once the read loop observes the resulting socket error,
// mirroring the teacher's Hub.UnregisterClient -> client.closeSend() path.
func (s *Session) Close(code protocol.CloseCode) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(code))
	s.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	s.Conn.WriteMessage(websocket.CloseMessage, msg)
	s.closeSend()
}
