// ABOUTME: WebSocket session transport for a single SendSpin connection
// ABOUTME: Handshake, text/binary frame multiplexing, and close-code handling
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sendspin/sendspin-go/pkg/wire"
)

// State is the session's connection lifecycle:
// Disconnected -> Connecting -> Connected -> (Closing -> Closed | Failed).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
	StateFailed
)

const (
	handshakeTimeout  = 5 * time.Second
	keepaliveInterval = 30 * time.Second
	writeDeadline     = 10 * time.Second
	sendQueueDepth    = 64
)

var (
	// ErrFatal marks a transport error the caller should not retry without
	// reconfiguring (bad URL, TLS/auth failure).
	ErrFatal = errors.New("transport: fatal error")
	// ErrRecoverable marks a transport error worth retrying (timeout, reset,
	// unexpected close).
	ErrRecoverable = errors.New("transport: recoverable error")
)

// Listener receives session lifecycle and frame events. The session clears
// its listener reference before initiating socket close, so a Listener must
// not assume further callbacks after OnClosed/OnFailed.
type Listener interface {
	OnConnected()
	OnText(env wire.Envelope)
	OnBinary(data []byte)
	OnClosed(code uint16, reason string)
	OnFailed(err error)
}

// Session wraps one *websocket.Conn and owns its read/write goroutines.
type Session struct {
	logger *log.Logger

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	listener  Listener
	closeOnce sync.Once

	outgoing chan outgoingFrame
	done     chan struct{}

	droppedSends atomic.Uint64
}

type outgoingFrame struct {
	binary bool
	data   []byte
}

// New constructs a Session in the Disconnected state.
func New(logger *log.Logger) *Session {
	return &Session{
		logger: logger,
		state:  StateDisconnected,
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DroppedSendCount reports how many outgoing frames were discarded because
// the send queue was full, for telemetry.
func (s *Session) DroppedSendCount() uint64 {
	return s.droppedSends.Load()
}

// Connect dials addr, performs the server/hello -> client/hello handshake,
// and starts the read/write goroutines. authToken, if non-empty, is sent as
// the first frame and the next inbound text frame is consumed as the auth
// ack rather than forwarded to the listener.
func (s *Session) Connect(ctx context.Context, addr string, hello wire.ClientHello, authToken string, listener Listener) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return fmt.Errorf("transport: Connect called in state %v: %w", s.state, ErrFatal)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	u, err := url.Parse(addr)
	if err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("transport: invalid address %q: %w", addr, ErrFatal)
	}

	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("transport: dial %s: %w", addr, classifyDialError(err))
	}

	if authToken != "" {
		auth := wire.Auth{Token: authToken}
		data, err := wire.EncodeText(wire.TypeAuth, auth)
		if err != nil {
			conn.Close()
			s.setState(StateFailed)
			return fmt.Errorf("transport: encode auth: %w", err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			s.setState(StateFailed)
			return fmt.Errorf("transport: send auth: %w", ErrFatal)
		}

		conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
		_, ackData, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			s.setState(StateFailed)
			return fmt.Errorf("transport: read auth ack: %w", ErrFatal)
		}
		env, err := wire.DecodeEnvelope(ackData)
		if err != nil {
			conn.Close()
			s.setState(StateFailed)
			return fmt.Errorf("transport: decode auth ack: %w", ErrFatal)
		}
		if env.Type == wire.TypeAuthFailed {
			conn.Close()
			s.setState(StateFailed)
			return fmt.Errorf("transport: auth rejected: %w", ErrFatal)
		}
	}

	// The server speaks first; client/hello answers it.
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, serverData, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		s.setState(StateFailed)
		return fmt.Errorf("transport: read server/hello: %w", ErrFatal)
	}
	conn.SetReadDeadline(time.Time{})

	env, err := wire.DecodeEnvelope(serverData)
	if err != nil {
		conn.Close()
		s.setState(StateFailed)
		return fmt.Errorf("transport: decode server/hello: %w", ErrFatal)
	}
	if env.Type != wire.TypeServerHello {
		conn.Close()
		s.setState(StateFailed)
		return fmt.Errorf("transport: expected server/hello, got %s: %w", env.Type, ErrFatal)
	}
	if _, err := wire.DecodeServerHello(env); err != nil {
		conn.Close()
		s.setState(StateFailed)
		return fmt.Errorf("transport: malformed server/hello: %w", err)
	}

	helloData, err := wire.EncodeText(wire.TypeClientHello, hello)
	if err != nil {
		conn.Close()
		s.setState(StateFailed)
		return fmt.Errorf("transport: encode client/hello: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, helloData); err != nil {
		conn.Close()
		s.setState(StateFailed)
		return fmt.Errorf("transport: send client/hello: %w", ErrFatal)
	}

	s.mu.Lock()
	s.conn = conn
	s.listener = listener
	s.state = StateConnected
	s.outgoing = make(chan outgoingFrame, sendQueueDepth)
	s.done = make(chan struct{})
	s.mu.Unlock()

	if listener != nil {
		listener.OnConnected()
	}

	go s.readLoop()
	go s.writeLoop()

	return nil
}

// Send enqueues a text message for delivery. Returns false if the session is
// not connected or the outgoing queue is full; it never blocks.
func (s *Session) Send(msgType string, payload any) bool {
	data, err := wire.EncodeText(msgType, payload)
	if err != nil {
		return false
	}
	return s.enqueue(outgoingFrame{binary: false, data: data})
}

// SendBinary enqueues a pre-encoded binary frame (an audio record). Returns
// false if the session is not connected or the outgoing queue is full.
func (s *Session) SendBinary(data []byte) bool {
	return s.enqueue(outgoingFrame{binary: true, data: data})
}

func (s *Session) enqueue(frame outgoingFrame) bool {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return false
	}
	ch := s.outgoing
	s.mu.Unlock()

	select {
	case ch <- frame:
		return true
	default:
		s.droppedSends.Add(1)
		return false
	}
}

// Close idempotently closes the session, guaranteeing exactly one of
// OnClosed/OnFailed fires on the listener that was active at Connect time.
func (s *Session) Close(code uint16, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		conn := s.conn
		listener := s.listener
		s.listener = nil // cleared before socket close so a late event has nowhere to land
		s.state = StateClosing
		done := s.done
		s.mu.Unlock()

		if conn != nil {
			deadline := time.Now().Add(writeDeadline)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(int(code), reason), deadline)
			conn.Close()
		}
		if done != nil {
			close(done)
		}

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		if listener != nil {
			listener.OnClosed(code, reason)
		}
	})
}

func (s *Session) fail(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		conn := s.conn
		listener := s.listener
		s.listener = nil
		s.state = StateFailed
		done := s.done
		s.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		if done != nil {
			close(done)
		}

		if listener != nil {
			listener.OnFailed(err)
		}
	})
}

func (s *Session) readLoop() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			recoverable := s.ClassifyError(err)
			if recoverable {
				s.fail(fmt.Errorf("transport: read: %w", ErrRecoverable))
			} else {
				s.fail(fmt.Errorf("transport: read: %w", ErrFatal))
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if listener := s.currentListener(); listener != nil {
				listener.OnBinary(data)
			}
		case websocket.TextMessage:
			env, err := wire.DecodeEnvelope(data)
			if err != nil {
				if s.logger != nil {
					s.logger.Printf("transport: malformed text frame: %v", err)
				}
				continue
			}
			if listener := s.currentListener(); listener != nil {
				listener.OnText(env)
			}
		}
	}
}

// currentListener returns the active listener, or nil once Close/fail has
// cleared it — guaranteeing no frame callbacks fire after teardown begins.
func (s *Session) currentListener() Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

func (s *Session) writeLoop() {
	s.mu.Lock()
	conn := s.conn
	ch := s.outgoing
	done := s.done
	s.mu.Unlock()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			msgType := websocket.TextMessage
			if frame.binary {
				msgType = websocket.BinaryMessage
			}
			if err := conn.WriteMessage(msgType, frame.data); err != nil {
				s.fail(fmt.Errorf("transport: write: %w", ErrRecoverable))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				s.fail(fmt.Errorf("transport: ping: %w", ErrRecoverable))
				return
			}
		case <-done:
			return
		}
	}
}

// ClassifyError reports whether err represents a recoverable transport
// condition (worth reconnecting) as opposed to a fatal one.
func (s *Session) ClassifyError(err error) bool {
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return false
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func classifyDialError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%v: %w", err, ErrRecoverable)
	}
	return fmt.Errorf("%v: %w", err, ErrFatal)
}
