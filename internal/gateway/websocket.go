// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/gorilla/websocket"
	"github.com/samber/oops"
)

// DefaultWebSocketPath is where the websocket endpoint is mounted.
const DefaultWebSocketPath = "/ws"

// WebSocketOptions configures a WebSocketServer.
type WebSocketOptions struct {
	Addr string
	Path string
	// AllowedOrigins are glob patterns such as "https://*.hirewire.vn".
	// "*" does not cross a dot. With no patterns only same-host browser
	// origins are accepted. Requests without an Origin header are allowed.
	AllowedOrigins []string
	MaxFrameSize   int64
	WriteWait      time.Duration
	PongWait       time.Duration
	Logger         *slog.Logger
}

func (o WebSocketOptions) withDefaults() WebSocketOptions {
	if o.Path == "" {
		o.Path = DefaultWebSocketPath
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = DefaultPongWait
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// WebSocketServer upgrades HTTP requests and hands the connections to a
// Gateway.
type WebSocketServer struct {
	gw       *Gateway
	opts     WebSocketOptions
	origins  []glob.Glob
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.RWMutex
	listener net.Listener
}

// NewWebSocketServer creates a websocket front end for gw.
func NewWebSocketServer(gw *Gateway, opts WebSocketOptions) (*WebSocketServer, error) {
	if gw == nil {
		return nil, oops.Code("GATEWAY_CONFIG_INVALID").Errorf("gateway is required")
	}
	opts = opts.withDefaults()

	s := &WebSocketServer{
		gw:     gw,
		opts:   opts,
		logger: opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, pattern := range opts.AllowedOrigins {
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, oops.Code("GATEWAY_CONFIG_INVALID").With("pattern", pattern).Wrap(err)
		}
		s.origins = append(s.origins, g)
	}
	if len(s.origins) > 0 {
		s.upgrader.CheckOrigin = s.checkOrigin
	}
	return s, nil
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, g := range s.origins {
		if g.Match(origin) {
			return true
		}
	}
	s.logger.Warn("websocket origin rejected", "origin", origin, "remote_addr", r.RemoteAddr)
	return false
}

// ServeHTTP upgrades the request and serves the connection until it
// closes.
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	t := newWebSocketTransport(conn, s.opts)
	s.gw.Handle(context.WithoutCancel(r.Context()), t)
}

// Addr returns the listen address once Run has started.
func (s *WebSocketServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run serves websocket clients until ctx is cancelled. Open connections
// belong to the Gateway and are closed by Gateway.Shutdown.
func (s *WebSocketServer) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return oops.Code("GATEWAY_LISTEN_FAILED").With("addr", s.opts.Addr).Wrap(err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.Handle(s.opts.Path, s)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("websocket gateway started", "addr", listener.Addr().String(), "path", s.opts.Path)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Debug("websocket server shutdown", "error", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return oops.Code("GATEWAY_SERVE_FAILED").With("addr", s.opts.Addr).Wrap(err)
	}
}

// wsTransport frames envelopes as websocket text messages.
type wsTransport struct {
	conn      *websocket.Conn
	writeWait time.Duration
	pongWait  time.Duration
	closeOnce sync.Once
	closeErr  error
}

func newWebSocketTransport(conn *websocket.Conn, opts WebSocketOptions) *wsTransport {
	t := &wsTransport{
		conn:      conn,
		writeWait: opts.WriteWait,
		pongWait:  opts.PongWait,
	}
	conn.SetReadLimit(opts.MaxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(t.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.pongWait))
	})
	return t
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		if errors.Is(err, websocket.ErrReadLimit) {
			return nil, ErrFrameTooLarge
		}
		return nil, err
	}
	_ = t.conn.SetReadDeadline(time.Now().Add(t.pongWait))
	return data, nil
}

func (t *wsTransport) WriteFrame(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) PingInterval() time.Duration {
	return t.pongWait * 9 / 10
}

func (t *wsTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeWait))
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.writeWait))
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (t *wsTransport) Kind() string {
	return "websocket"
}
