// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/samber/oops"
)

// TCPOptions configures a TCPServer.
type TCPOptions struct {
	Addr         string
	MaxFrameSize int
	WriteWait    time.Duration
	Logger       *slog.Logger
}

func (o TCPOptions) withDefaults() TCPOptions {
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultWriteWait
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// TCPServer accepts newline-delimited JSON clients on a raw TCP socket.
type TCPServer struct {
	gw     *Gateway
	opts   TCPOptions
	logger *slog.Logger

	mu       sync.RWMutex
	listener net.Listener
	handlers sync.WaitGroup
}

// NewTCPServer creates a line-protocol front end for gw.
func NewTCPServer(gw *Gateway, opts TCPOptions) (*TCPServer, error) {
	if gw == nil {
		return nil, oops.Code("GATEWAY_CONFIG_INVALID").Errorf("gateway is required")
	}
	opts = opts.withDefaults()
	return &TCPServer{gw: gw, opts: opts, logger: opts.Logger}, nil
}

// Addr returns the server's listen address.
func (s *TCPServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run accepts clients until ctx is cancelled, then waits for the
// connections it started to finish.
func (s *TCPServer) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return oops.Code("GATEWAY_LISTEN_FAILED").With("addr", s.opts.Addr).Wrap(err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("tcp gateway started", "addr", listener.Addr().String())

	stop := context.AfterFunc(ctx, func() {
		if err := listener.Close(); err != nil {
			s.logger.Debug("error closing listener", "error", err)
		}
	})
	defer stop()
	defer s.handlers.Wait()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return oops.Code("GATEWAY_SERVE_FAILED").With("addr", s.opts.Addr).Wrap(err)
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.gw.Handle(ctx, newLineTransport(conn, s.opts))
		}()
	}
}

// lineTransport frames envelopes as single lines of JSON.
type lineTransport struct {
	conn      net.Conn
	reader    *bufio.Reader
	writeWait time.Duration
	closeOnce sync.Once
	closeErr  error
}

func newLineTransport(conn net.Conn, opts TCPOptions) *lineTransport {
	return &lineTransport{
		conn: conn,
		// One byte of headroom for the newline.
		reader:    bufio.NewReaderSize(conn, opts.MaxFrameSize+1),
		writeWait: opts.WriteWait,
	}
}

// ReadFrame returns the next non-blank line without its line ending.
func (t *lineTransport) ReadFrame() ([]byte, error) {
	for {
		line, err := t.reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			return nil, ErrFrameTooLarge
		}
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return bytes.Clone(line), nil
	}
}

func (t *lineTransport) WriteFrame(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeWait)); err != nil {
		return err
	}
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	_, err := t.conn.Write(buf)
	return err
}

func (t *lineTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func (t *lineTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (t *lineTransport) Kind() string {
	return "tcp"
}
