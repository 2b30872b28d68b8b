// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// DefaultTokenTTL is used when TokenOptions.TTL is zero.
const DefaultTokenTTL = time.Hour

// TokenOptions configures IssueToken.
type TokenOptions struct {
	Issuer string
	TTL    time.Duration
	// TokenType defaults to AccessTokenType.
	TokenType string
	// Now overrides the clock.
	Now func() time.Time
}

// IssueToken signs an HS256 token for subject with the claim layout
// JWTVerifier expects.
func IssueToken(secret []byte, subject string, opts TokenOptions) (string, error) {
	if len(secret) == 0 {
		return "", oops.Code(CodeConfigInvalid).Errorf("jwt secret cannot be empty")
	}
	if subject == "" {
		return "", oops.Code(CodeSubjectMissing).Errorf("subject cannot be empty")
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = DefaultTokenTTL
	}
	tokenType := opts.TokenType
	if tokenType == "" {
		tokenType = AccessTokenType
	}

	issuedAt := now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ulid.Make().String(),
			Subject:   subject,
			Issuer:    opts.Issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
		UserID:    SubjectID(subject),
		TokenType: tokenType,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", oops.Code(CodeTokenInvalid).With("subject", subject).Wrap(err)
	}
	return signed, nil
}
