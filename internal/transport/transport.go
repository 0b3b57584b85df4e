// Package transport defines the streaming session boundary a workflow
// node opens against a remote agent's descriptor URL. The wire protocol
// itself is external, but the core needs a concrete contract to program
// and test against.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lyzr/agentfleet/internal/model"
)

// AgentSession is a bidirectional streaming session opened against one
// remote agent. Send carries the opening message; Recv yields chunks
// until the session is exhausted (ok=false) or closed.
type AgentSession interface {
	Send(ctx context.Context, msg model.Message) error
	Recv(ctx context.Context) (chunk model.Chunk, ok bool, err error)
	Close() error
}

// Dialer opens an AgentSession to a descriptor's URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (AgentSession, error)
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 30 * time.Second
	pingPeriod     = 25 * time.Second
	maxMessageSize = 1 << 20
)

// WSDialer opens AgentSessions over gorilla/websocket, the default
// concrete transport implementation.
type WSDialer struct {
	dialTimeout time.Duration
}

// NewWSDialer creates a dialer with the given per-dial timeout.
func NewWSDialer(dialTimeout time.Duration) *WSDialer {
	return &WSDialer{dialTimeout: dialTimeout}
}

// Dial opens a websocket connection to url and wraps it as an AgentSession.
func (d *WSDialer) Dial(ctx context.Context, url string) (AgentSession, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.dialTimeout}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial agent session %s: %w", url, err)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	return &wsSession{conn: conn}, nil
}

// wsSession is the concrete AgentSession over a websocket connection.
type wsSession struct {
	conn     *websocket.Conn
	closeMu  sync.Mutex
	closed   bool
}

// Send writes msg as a single JSON text frame.
func (s *wsSession) Send(ctx context.Context, msg model.Message) error {
	if dl, ok := ctx.Deadline(); ok {
		s.conn.SetWriteDeadline(dl)
	} else {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	}

	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	return nil
}

// Recv reads the next chunk frame. ok is false once the peer closes the
// connection normally; err is non-nil on any other transport failure.
// Cancelling ctx while Recv is blocked closes the session, which ends
// the read with an error.
func (s *wsSession) Recv(ctx context.Context) (model.Chunk, bool, error) {
	var chunk model.Chunk

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	if dl, ok := ctx.Deadline(); ok {
		s.conn.SetReadDeadline(dl)
	}

	err := s.conn.ReadJSON(&chunk)
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return model.Chunk{}, false, nil
		}
		return model.Chunk{}, false, fmt.Errorf("recv chunk: %w", err)
	}

	return chunk, true, nil
}

// Close closes the underlying connection, propagating cancellation of the
// top-level stream call into the session.
func (s *wsSession) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))

	return s.conn.Close()
}

// FakeSession is an in-memory AgentSession used by every test that
// doesn't need real sockets: Recv drains a pre-seeded queue of chunks.
type FakeSession struct {
	mu      sync.Mutex
	chunks  []model.Chunk
	idx     int
	sent    []model.Message
	closed  bool
	recvErr error
}

// NewFakeSession creates a session that yields chunks in order, then
// reports exhaustion (ok=false).
func NewFakeSession(chunks ...model.Chunk) *FakeSession {
	return &FakeSession{chunks: chunks}
}

// NewFakeSessionWithError creates a session that yields chunks, then
// fails Recv with err instead of reporting clean exhaustion.
func NewFakeSessionWithError(err error, chunks ...model.Chunk) *FakeSession {
	return &FakeSession{chunks: chunks, recvErr: err}
}

// Send records msg; FakeSession never actually transmits anything.
func (f *FakeSession) Send(_ context.Context, msg model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

// Recv returns the next seeded chunk, or (zero, false, recvErr) once
// exhausted.
func (f *FakeSession) Recv(_ context.Context) (model.Chunk, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.idx >= len(f.chunks) {
		return model.Chunk{}, false, f.recvErr
	}

	chunk := f.chunks[f.idx]
	f.idx++
	return chunk, true, nil
}

// Close marks the session closed; idempotent.
func (f *FakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close has been called, for test assertions.
func (f *FakeSession) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// SentMessages returns every message passed to Send, for test assertions.
func (f *FakeSession) SentMessages() []model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Message, len(f.sent))
	copy(out, f.sent)
	return out
}

// FakeDialer returns a fixed AgentSession (or error) for every Dial call,
// recording the URLs it was asked to dial.
type FakeDialer struct {
	mu      sync.Mutex
	session AgentSession
	err     error
	dialed  []string
}

// NewFakeDialer creates a dialer that always returns session.
func NewFakeDialer(session AgentSession) *FakeDialer {
	return &FakeDialer{session: session}
}

// NewFakeDialerWithError creates a dialer whose Dial always fails with err.
func NewFakeDialerWithError(err error) *FakeDialer {
	return &FakeDialer{err: err}
}

// Dial returns the configured session or error, recording url.
func (d *FakeDialer) Dial(_ context.Context, url string) (AgentSession, error) {
	d.mu.Lock()
	d.dialed = append(d.dialed, url)
	d.mu.Unlock()

	if d.err != nil {
		return nil, d.err
	}
	return d.session, nil
}

// DialedURLs returns every URL Dial was called with, for test assertions.
func (d *FakeDialer) DialedURLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.dialed))
	copy(out, d.dialed)
	return out
}
