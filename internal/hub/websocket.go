package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"
)

// Client payloads are never interpreted; anything larger than this is
// treated as a protocol violation and the peer is dropped.
const maxClientMessage = 512

// controlWriteWait bounds ping writes.
const controlWriteWait = 5 * time.Second

// wsListener adapts a gorilla WebSocket connection to [Listener].
type wsListener struct {
	id     string
	conn   *websocket.Conn
	remote string

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func newWSListener(conn *websocket.Conn) *wsListener {
	return &wsListener{
		id:     uuid.Must(uuid.NewV7()).String(),
		conn:   conn,
		remote: conn.RemoteAddr().String(),
		done:   make(chan struct{}),
	}
}

func (l *wsListener) ID() string   { return l.id }
func (l *wsListener) Closed() bool { return l.closed.Load() }

// Send writes msg as a single text frame. The write deadline comes from
// ctx; the hub always supplies one.
func (l *wsListener) Send(ctx context.Context, msg []byte) error {
	if l.closed.Load() {
		return ErrListenerClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	if err := l.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return l.conn.WriteMessage(websocket.TextMessage, msg)
}

func (l *wsListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.done)
		err = l.conn.Close()
	})
	return err
}

// readLoop discards client frames and enforces liveness: every pong
// extends the read deadline by two ping intervals. It returns when the
// peer goes away or misses its deadline.
func (l *wsListener) readLoop(pingInterval time.Duration) error {
	l.conn.SetReadLimit(maxClientMessage)
	grace := 2 * pingInterval
	_ = l.conn.SetReadDeadline(time.Now().Add(grace))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(grace))
	})

	for {
		if _, _, err := l.conn.NextReader(); err != nil {
			return err
		}
	}
}

// pingLoop sends a ping every interval until the listener closes.
// WriteControl may run concurrently with broadcast writes.
func (l *wsListener) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteWait)); err != nil {
				return
			}
		}
	}
}

// ServerConfig configures the listener endpoint.
type ServerConfig struct {
	Address string
	Port    int
	// Path is where WebSocket upgrades are accepted (default "/").
	Path string
	// MaxListeners caps concurrent connections at the socket level.
	// Zero means unlimited.
	MaxListeners int
	// PingInterval controls liveness pings (default 30s).
	PingInterval time.Duration
	Logger       *slog.Logger
}

// Server accepts persistent listener connections on their own address
// and admits them into a [Hub].
type Server struct {
	hub      *Hub
	cfg      ServerConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu     sync.Mutex
	server *http.Server
	ln     net.Listener
	closed bool
}

// NewServer creates a listener endpoint for h.
func NewServer(h *Hub, cfg ServerConfig) *Server {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		hub: h,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			// Listeners are kiosk browsers on the local network.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: cfg.Logger,
	}
}

// Handler returns the HTTP handler that upgrades connections.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+s.cfg.Path, s.handleUpgrade)
	return mux
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		s.logger.Debug("listener upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	l := newWSListener(conn)
	if !s.hub.Accept(l) {
		_ = l.Close()
		return
	}

	go l.pingLoop(s.cfg.PingInterval)
	err = l.readLoop(s.cfg.PingInterval)

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !l.Closed() {
		s.logger.Debug("listener read ended", "listener", l.ID(), "remote", l.remote, "error", err)
	}
	s.hub.Remove(l)
}

// Start binds the listening socket and serves until Shutdown. A bind
// failure is returned immediately.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if s.cfg.MaxListeners > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxListeners)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ln.Close()
	}
	s.server = srv
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("starting listener hub",
		"address", ln.Addr().String(),
		"path", s.cfg.Path,
		"max_listeners", s.cfg.MaxListeners,
	)

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops accepting connections and closes every listener.
// Hijacked WebSocket connections are not tracked by http.Server, so
// the hub closes them directly.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.closed = true
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.hub.CloseAll()
	return err
}
