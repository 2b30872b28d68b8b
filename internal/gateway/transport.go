// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

// Package gateway accepts client connections, runs the in-band auth
// handshake and delivers envelopes to authenticated clients.
package gateway

import (
	"errors"
	"time"
)

// Transport limits shared by the websocket and TCP transports.
const (
	// DefaultMaxFrameSize is the largest inbound frame accepted.
	DefaultMaxFrameSize = 8192
	// DefaultWriteWait bounds a single outbound write.
	DefaultWriteWait = 10 * time.Second
	// DefaultPongWait is how long a websocket peer may stay silent.
	DefaultPongWait = 60 * time.Second
)

// ErrFrameTooLarge is returned by ReadFrame when a client sends more than
// the transport's frame limit.
var ErrFrameTooLarge = errors.New("frame too large")

// Transport is a duplex, message-framed channel to one client. ReadFrame is
// called from one goroutine and WriteFrame from another; Close may be called
// from anywhere and must unblock both.
type Transport interface {
	// ReadFrame blocks until a whole frame arrives.
	ReadFrame() ([]byte, error)
	// WriteFrame writes one frame.
	WriteFrame(data []byte) error
	Close() error
	RemoteAddr() string
}

// keepalive is implemented by transports that need periodic pings written
// from the connection's writer goroutine.
type keepalive interface {
	PingInterval() time.Duration
	Ping() error
}

// kinded lets a transport name itself for metrics.
type kinded interface {
	Kind() string
}

func transportKind(t Transport) string {
	if k, ok := t.(kinded); ok {
		return k.Kind()
	}
	return "other"
}
