// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/samber/oops"

	"github.com/hirewire/notifybus/internal/core"
	"github.com/hirewire/notifybus/pkg/errutil"
)

// Verifier maps a bearer token to a subject id. ok is false for every kind
// of failure.
type Verifier interface {
	Verify(ctx context.Context, token string) (subject string, ok bool)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, token string) (string, bool)

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, token string) (string, bool) {
	return f(ctx, token)
}

// JWTConfig configures a JWTVerifier.
type JWTConfig struct {
	// Secret is the shared HS256 signing key.
	Secret []byte
	// Issuer, when set, must match the iss claim.
	Issuer string
	// Leeway tolerates clock skew on exp, nbf and iat.
	Leeway time.Duration
	// Subjects, when set, must confirm the subject exists.
	Subjects SubjectChecker
	// TokenType is the required token_type claim. Empty means
	// AccessTokenType, which also accepts tokens without the claim.
	TokenType string
	Logger    *slog.Logger
}

// JWTVerifier verifies HS256 tokens of one token type.
type JWTVerifier struct {
	secret    []byte
	parser    *jwt.Parser
	subjects  SubjectChecker
	tokenType string
	logger    *slog.Logger
}

// NewJWTVerifier creates a verifier from cfg.
func NewJWTVerifier(cfg JWTConfig) (*JWTVerifier, error) {
	if len(cfg.Secret) == 0 {
		return nil, oops.Code(CodeConfigInvalid).Errorf("jwt secret cannot be empty")
	}
	if cfg.Leeway < 0 {
		return nil, oops.Code(CodeConfigInvalid).
			With("leeway", cfg.Leeway).
			Errorf("jwt leeway cannot be negative")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tokenType := cfg.TokenType
	if tokenType == "" {
		tokenType = AccessTokenType
	}

	secret := make([]byte, len(cfg.Secret))
	copy(secret, cfg.Secret)

	return &JWTVerifier{
		secret:    secret,
		parser:    jwt.NewParser(opts...),
		subjects:  cfg.Subjects,
		tokenType: tokenType,
		logger:    logger,
	}, nil
}

// Verify returns the token's subject when the token is valid.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (string, bool) {
	subject, err := v.Check(ctx, token)
	if err != nil {
		errutil.Log(v.logger, slog.LevelDebug, "token rejected", err)
		return "", false
	}
	return subject, true
}

// Check is Verify with the failure reason. Errors carry one of the Code*
// constants.
func (v *JWTVerifier) Check(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", oops.Code(CodeTokenMissing).Errorf("token is empty")
	}

	claims := &Claims{}
	if _, err := v.parser.ParseWithClaims(token, claims, v.key); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", oops.Code(CodeTokenExpired).Wrap(err)
		}
		return "", oops.Code(CodeTokenInvalid).Wrap(err)
	}

	if !v.acceptsType(claims.TokenType) {
		return "", oops.Code(CodeTokenType).
			With("token_type", claims.TokenType).
			With("want", v.tokenType).
			Errorf("token is not a %s token", v.tokenType)
	}

	subject := claims.subject()
	if subject == "" {
		return "", oops.Code(CodeSubjectMissing).Errorf("token has no user_id or sub claim")
	}
	// The subject becomes the connection's topic; one that cannot be
	// published to would leave the client authenticated but unreachable.
	if err := core.ValidateTopic(core.UserTopic(subject)); err != nil {
		return "", oops.Code(CodeSubjectInvalid).
			With("subject", subject).
			Errorf("subject is not a valid topic id: %v", err)
	}

	if v.subjects != nil {
		exists, err := v.subjects.Exists(ctx, subject)
		if err != nil {
			return "", oops.Code(CodeSubjectLookup).With("subject", subject).Wrap(err)
		}
		if !exists {
			return "", oops.Code(CodeSubjectUnknown).
				With("subject", subject).
				Errorf("subject does not exist")
		}
	}
	return subject, nil
}

func (v *JWTVerifier) acceptsType(tokenType string) bool {
	if tokenType == "" {
		return v.tokenType == AccessTokenType
	}
	return tokenType == v.tokenType
}

func (v *JWTVerifier) key(_ *jwt.Token) (any, error) {
	return v.secret, nil
}
