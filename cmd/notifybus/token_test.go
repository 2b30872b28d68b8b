// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirewire/notifybus/internal/auth"
	"github.com/hirewire/notifybus/pkg/errutil"
)

func runToken(t *testing.T, getenv func(string) string, args ...string) (string, error) {
	t.Helper()
	cmd := newTokenCmd(getenv)
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestTokenCmd_IssuesVerifiableToken(t *testing.T) {
	token, err := runToken(t, testEnv(nil), "42", "--jwt-issuer", "hirewire")
	require.NoError(t, err)

	verifier, err := auth.NewJWTVerifier(auth.JWTConfig{Secret: []byte(testSecret), Issuer: "hirewire"})
	require.NoError(t, err)
	subject, ok := verifier.Verify(context.Background(), token)
	assert.True(t, ok)
	assert.Equal(t, "42", subject)
}

func TestTokenCmd_ExpiredTokenRejected(t *testing.T) {
	token, err := runToken(t, testEnv(nil), "42", "--ttl", "-1m")
	require.NoError(t, err)

	verifier, err := auth.NewJWTVerifier(auth.JWTConfig{Secret: []byte(testSecret), Leeway: time.Second})
	require.NoError(t, err)
	_, ok := verifier.Verify(context.Background(), token)
	assert.False(t, ok)
}

func TestTokenCmd_RefreshTokenRejected(t *testing.T) {
	token, err := runToken(t, testEnv(nil), "42", "--token-type", "refresh")
	require.NoError(t, err)

	verifier, err := auth.NewJWTVerifier(auth.JWTConfig{Secret: []byte(testSecret)})
	require.NoError(t, err)
	_, ok := verifier.Verify(context.Background(), token)
	assert.False(t, ok)
}

func TestTokenCmd_Errors(t *testing.T) {
	_, err := runToken(t, func(string) string { return "" }, "42")
	errutil.AssertErrorCode(t, err, "CONFIG_INVALID")

	_, err = runToken(t, testEnv(nil))
	assert.Error(t, err, "subject is required")
}
