// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

// Package ingest is the HTTP API backend services call to create
// notifications. Each accepted request is persisted and pushed through the
// node's dispatcher, so it reaches the recipient's connections on this node
// and, with a broadcast backend, on every other node.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/samber/oops"

	"github.com/hirewire/notifybus/internal/auth"
	"github.com/hirewire/notifybus/internal/core"
	"github.com/hirewire/notifybus/pkg/errutil"
)

// Defaults applied by NewServer.
const (
	DefaultAddr         = "127.0.0.1:8081"
	DefaultMaxBodyBytes = 64 << 10
)

// NotificationsPath accepts POSTed notifications.
const NotificationsPath = "/v1/notifications"

// Notifier persists and publishes a notification.
type Notifier interface {
	Notify(ctx context.Context, n core.Notification) (core.Notification, error)
}

// Options configures a Server.
type Options struct {
	Addr string
	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Server serves the ingest API. Callers authenticate with a bearer token
// checked by the verifier, normally a JWTVerifier for service tokens.
type Server struct {
	notifier Notifier
	verifier auth.Verifier
	opts     Options
	router   *httprouter.Router
	logger   *slog.Logger

	mu       sync.RWMutex
	listener net.Listener
}

// NewServer creates an ingest server.
func NewServer(notifier Notifier, verifier auth.Verifier, opts Options) (*Server, error) {
	if notifier == nil {
		return nil, oops.Code("INGEST_CONFIG_INVALID").Errorf("notifier is required")
	}
	if verifier == nil {
		return nil, oops.Code("INGEST_CONFIG_INVALID").Errorf("verifier is required")
	}
	opts = opts.withDefaults()

	s := &Server{
		notifier: notifier,
		verifier: verifier,
		opts:     opts,
		router:   httprouter.New(),
		logger:   opts.Logger,
	}
	s.router.POST(NotificationsPath, s.authenticated(s.handleCreateNotification))
	return s, nil
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the listen address once Run has started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run serves the API until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return oops.Code("INGEST_LISTEN_FAILED").With("addr", s.opts.Addr).Wrap(err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("ingest api started", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Debug("ingest server shutdown", "error", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return oops.Code("INGEST_SERVE_FAILED").With("addr", s.opts.Addr).Wrap(err)
	}
}

// authenticated rejects requests without a valid bearer token.
func (s *Server) authenticated(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		caller, ok := s.verifier.Verify(r.Context(), token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r.WithContext(withCaller(r.Context(), caller)), ps)
	}
}

// notificationRequest is the POST body.
type notificationRequest struct {
	RecipientID   string              `json:"recipient_id"`
	Type          string              `json:"type"`
	Title         string              `json:"title"`
	Message       string              `json:"message"`
	Link          string              `json:"link"`
	RelatedObject *core.RelatedObject `json:"related_object"`
}

type notificationResponse struct {
	ID          int64  `json:"id"`
	RecipientID string `json:"recipient_id"`
	CreatedAt   string `json:"created_at"`
}

func (s *Server) handleCreateNotification(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)

	var req notificationRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	created, err := s.notifier.Notify(r.Context(), core.Notification{
		RecipientID: req.RecipientID,
		Type:        core.NotificationType(req.Type),
		Title:       req.Title,
		Message:     req.Message,
		Link:        req.Link,
		Related:     req.RelatedObject,
	})
	if err != nil {
		if isInvalid(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		errutil.LogError(s.logger, "ingest notification failed", err)
		writeError(w, http.StatusInternalServerError, "notification could not be stored")
		return
	}

	s.logger.Debug("notification ingested",
		"notification_id", created.ID,
		"recipient_id", created.RecipientID,
		"caller", callerFrom(r.Context()),
	)
	writeJSON(w, http.StatusCreated, notificationResponse{
		ID:          created.ID,
		RecipientID: created.RecipientID,
		CreatedAt:   created.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

func isInvalid(err error) bool {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return false
	}
	switch oopsErr.Code() {
	case "NOTIFY_INVALID", "TOPIC_INVALID":
		return true
	}
	return false
}

type callerKey struct{}

func withCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

func callerFrom(ctx context.Context) string {
	caller, _ := ctx.Value(callerKey{}).(string)
	return caller
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
