package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	ws "github.com/coder/websocket"
)

// Status codes used when closing a socket.
const (
	StatusNormalClosure   = int(ws.StatusNormalClosure)
	StatusGoingAway       = int(ws.StatusGoingAway)
	StatusInternalError   = int(ws.StatusInternalError)
	StatusAbnormalClosure = int(ws.StatusAbnormalClosure)
)

// Frame is one inbound WebSocket message.
type Frame struct {
	Binary bool
	Data   []byte
}

// Listener receives socket events. Any callback may be nil.
type Listener struct {
	OnMessage func(ctx context.Context, f Frame)
	OnClose   func(code int, reason string)
	OnError   func(err error)
}

// Socket is the server half of an upgraded connection.
type Socket interface {
	// AddListener registers l. Listeners added after Accept still receive
	// subsequent events.
	AddListener(l Listener)
	// Accept begins delivering events to listeners.
	Accept(ctx context.Context) error
	Send(ctx context.Context, data string) error
	Close(code int, reason string) error
}

// Upgrader turns an HTTP upgrade request into a Socket. It writes the
// handshake response (101, or an error status) itself.
type Upgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request) (Socket, error)
}

// DefaultReadLimit caps a single frame at the socket layer. It sits above
// MaxMessageBytes so oversize frames reach the transport and are answered
// with an inline error instead of a connection close.
const DefaultReadLimit = 16 << 20

// UpgraderOption configures the coder/websocket upgrader.
type UpgraderOption func(*coderUpgrader)

// WithOriginPatterns allows cross-origin upgrades from matching hosts.
func WithOriginPatterns(patterns ...string) UpgraderOption {
	return func(u *coderUpgrader) { u.opts.OriginPatterns = append(u.opts.OriginPatterns, patterns...) }
}

// WithInsecureSkipVerify disables the origin check entirely.
func WithInsecureSkipVerify() UpgraderOption {
	return func(u *coderUpgrader) { u.opts.InsecureSkipVerify = true }
}

// WithReadLimit overrides DefaultReadLimit.
func WithReadLimit(n int64) UpgraderOption {
	return func(u *coderUpgrader) { u.readLimit = n }
}

type coderUpgrader struct {
	opts      ws.AcceptOptions
	readLimit int64
}

// NewUpgrader returns an Upgrader backed by github.com/coder/websocket.
func NewUpgrader(opts ...UpgraderOption) Upgrader {
	u := &coderUpgrader{readLimit: DefaultReadLimit}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func (u *coderUpgrader) Upgrade(w http.ResponseWriter, r *http.Request) (Socket, error) {
	opts := u.opts
	conn, err := ws.Accept(w, r, &opts)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(u.readLimit)
	return &coderSocket{conn: conn}, nil
}

type coderSocket struct {
	conn *ws.Conn
	// closed is set once Close starts; read failures after that are the
	// teardown itself, not errors.
	closed atomic.Bool

	mu        sync.Mutex
	listeners []Listener
	accepted  bool
}

func (s *coderSocket) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *coderSocket) Accept(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accepted {
		return errors.New("websocket: socket already accepted")
	}
	s.accepted = true
	go s.readPump(ctx)
	return nil
}

func (s *coderSocket) Send(ctx context.Context, data string) error {
	return s.conn.Write(ctx, ws.MessageText, []byte(data))
}

func (s *coderSocket) Close(code int, reason string) error {
	s.closed.Store(true)
	return s.conn.Close(ws.StatusCode(code), reason)
}

func (s *coderSocket) readPump(ctx context.Context) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			code := ws.CloseStatus(err)
			reason := ""
			var ce ws.CloseError
			if errors.As(err, &ce) {
				reason = ce.Reason
			}
			if code == -1 {
				if !s.closed.Load() {
					s.each(func(l Listener) {
						if l.OnError != nil {
							l.OnError(err)
						}
					})
				}
				code = ws.StatusAbnormalClosure
			}
			s.each(func(l Listener) {
				if l.OnClose != nil {
					l.OnClose(int(code), reason)
				}
			})
			return
		}
		f := Frame{Binary: typ == ws.MessageBinary, Data: data}
		s.each(func(l Listener) {
			if l.OnMessage != nil {
				l.OnMessage(ctx, f)
			}
		})
	}
}

func (s *coderSocket) each(fn func(Listener)) {
	s.mu.Lock()
	ls := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range ls {
		fn(l)
	}
}
