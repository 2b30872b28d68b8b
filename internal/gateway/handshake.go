// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package gateway

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hirewire/notifybus/internal/auth"
	"github.com/hirewire/notifybus/internal/core"
	"github.com/hirewire/notifybus/internal/observability"
)

var tracer = otel.Tracer("notifybus/gateway")

// outcome is the result of feeding one inbound frame to the handshake.
type outcome int

const (
	// outcomePending means the client was told auth_fail and may retry.
	outcomePending outcome = iota
	outcomeAuthenticated
	// outcomeIgnored means the frame arrived after authentication.
	outcomeIgnored
	// outcomeExhausted means the client used up its attempts.
	outcomeExhausted
)

// Handshake runs the auth_required/authenticate exchange for connections.
// It holds no per-connection state.
type Handshake struct {
	verifier    auth.Verifier
	maxAttempts int
}

// NewHandshake creates a handshake. maxAttempts of 0 allows unlimited
// retries.
func NewHandshake(verifier auth.Verifier, maxAttempts int) *Handshake {
	return &Handshake{verifier: verifier, maxAttempts: maxAttempts}
}

// Process handles one inbound frame for c.
func (h *Handshake) Process(ctx context.Context, c *Connection, data []byte) outcome {
	if c.State() == StateAuthenticated {
		return outcomeIgnored
	}

	ctx, span := tracer.Start(ctx, "gateway.authenticate")
	defer span.End()
	span.SetAttributes(attribute.String("conn.id", c.ID().String()))

	frame, err := core.ParseFrame(data)
	if err != nil {
		return h.reject(c, span, "malformed_frame")
	}
	if frame.Type != core.KindAuthenticate {
		return h.reject(c, span, "unexpected_type")
	}
	if frame.Token == "" {
		return h.reject(c, span, "token_missing")
	}

	subject, ok := h.verifier.Verify(ctx, frame.Token)
	if !ok {
		return h.reject(c, span, "token_rejected")
	}
	if err := core.ValidateTopic(core.UserTopic(subject)); err != nil {
		return h.reject(c, span, "subject_invalid")
	}
	if !c.bind(subject) {
		// Closed, or another frame won the race.
		return outcomeIgnored
	}

	observability.RecordAuth("success")
	span.SetAttributes(attribute.String("auth.subject", subject))
	c.log().Info("client authenticated")
	return outcomeAuthenticated
}

func (h *Handshake) reject(c *Connection, span trace.Span, reason string) outcome {
	n := c.failAttempt()
	observability.RecordAuth("fail")
	span.SetStatus(codes.Error, reason)
	c.log().Debug("authentication failed", "reason", reason, "attempt", n)

	if h.maxAttempts > 0 && n >= h.maxAttempts {
		observability.RecordAuth("exhausted")
		c.log().Info("closing connection after failed authentication attempts", "attempts", n)
		return outcomeExhausted
	}
	return outcomePending
}
