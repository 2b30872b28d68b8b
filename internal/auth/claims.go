// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package auth

import (
	"bytes"
	"encoding/json"

	"github.com/golang-jwt/jwt/v5"
	"github.com/samber/oops"
)

// Token types. Client connections accept only access tokens; the ingest API
// accepts only service tokens.
const (
	AccessTokenType  = "access"
	ServiceTokenType = "service"
)

// Claims is the token payload.
type Claims struct {
	jwt.RegisteredClaims
	UserID    SubjectID `json:"user_id,omitempty"`
	TokenType string    `json:"token_type,omitempty"`
}

// SubjectID decodes a user id that may be encoded as a JSON string or an
// integer.
type SubjectID string

// UnmarshalJSON accepts "42", 42 or null.
func (s *SubjectID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return oops.Code(CodeTokenInvalid).Wrap(err)
		}
		*s = SubjectID(str)
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return oops.Code(CodeTokenInvalid).Wrap(err)
	}
	if _, err := num.Int64(); err != nil {
		return oops.Code(CodeTokenInvalid).
			With("user_id", num.String()).
			Errorf("user_id must be an integer or a string")
	}
	*s = SubjectID(num.String())
	return nil
}

// subject returns the bound subject id.
func (c *Claims) subject() string {
	if c.UserID != "" {
		return string(c.UserID)
	}
	return c.Subject
}
