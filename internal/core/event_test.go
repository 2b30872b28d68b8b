// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirewire/notifybus/pkg/errutil"
)

func TestNewEnvelope_NilPayload(t *testing.T) {
	env, err := NewEnvelope(KindAuthRequired, nil)
	require.NoError(t, err)

	assert.Equal(t, KindAuthRequired, env.Kind())
	assert.JSONEq(t, `{"type":"auth_required"}`, env.String())
	assert.False(t, env.IsZero())
}

func TestNewEnvelope_FlattensPayload(t *testing.T) {
	env, err := NewEnvelope(KindAuthFail, map[string]string{"reason": "invalid token"})
	require.NoError(t, err)

	assert.JSONEq(t, `{"type":"auth_fail","reason":"invalid token"}`, env.String())
}

func TestNewEnvelope_EmptyObjectPayload(t *testing.T) {
	env, err := NewEnvelope(KindAuthSuccess, struct{}{})
	require.NoError(t, err)

	assert.Equal(t, `{"type":"auth_success"}`, env.String())
}

func TestNewEnvelope_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		payload any
	}{
		{"empty kind", "", nil},
		{"array payload", KindNotify, []int{1, 2}},
		{"string payload", KindNotify, "hello"},
		{"payload with type", KindNotify, map[string]string{"type": "other"}},
		{"unencodable payload", KindNotify, map[string]any{"ch": make(chan int)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEnvelope(tt.kind, tt.payload)
			errutil.AssertErrorCode(t, err, "ENVELOPE_INVALID")
		})
	}
}

func TestMustEnvelope_PanicsOnInvalid(t *testing.T) {
	assert.Panics(t, func() { MustEnvelope("", nil) })
	assert.NotPanics(t, func() { MustEnvelope(KindAuthSuccess, nil) })
}

func TestEnvelope_BytesIsCopy(t *testing.T) {
	env := MustEnvelope(KindAuthSuccess, nil)

	b := env.Bytes()
	b[0] = 'X'

	assert.Equal(t, `{"type":"auth_success"}`, env.String())
}

func TestEnvelope_JSONRoundTrip(t *testing.T) {
	env := MustEnvelope(KindNotify, map[string]any{"notification_id": 7})

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, env, decoded)
}

func TestEnvelope_UnmarshalCompactsAndRequiresType(t *testing.T) {
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(`{ "type" : "notify",  "title": "x" }`), &env))
	assert.Equal(t, `{"type":"notify","title":"x"}`, env.String())
	assert.Equal(t, KindNotify, env.Kind())

	err := json.Unmarshal([]byte(`{"title":"x"}`), &env)
	errutil.AssertErrorCode(t, err, "ENVELOPE_INVALID")
}

func TestEnvelope_ZeroMarshalsNull(t *testing.T) {
	var env Envelope

	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))

	var decoded Envelope
	require.NoError(t, json.Unmarshal([]byte("null"), &decoded))
	assert.True(t, decoded.IsZero())
}

func TestParseFrame(t *testing.T) {
	f, err := ParseFrame([]byte(`{"type":"authenticate","token":"abc","extra":1}`))
	require.NoError(t, err)
	assert.Equal(t, KindAuthenticate, f.Type)
	assert.Equal(t, "abc", f.Token)
}

func TestParseFrame_Malformed(t *testing.T) {
	for _, input := range []string{``, `not json`, `{"token":"abc"}`, `[]`, `{"type":""}`} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseFrame([]byte(input))
			errutil.AssertErrorCode(t, err, "FRAME_MALFORMED")
		})
	}
}
