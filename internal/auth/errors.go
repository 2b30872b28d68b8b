// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package auth

// Error codes attached to verification failures. They are only ever logged;
// clients see a bare auth_fail.
const (
	CodeTokenMissing   = "AUTH_TOKEN_MISSING"
	CodeTokenInvalid   = "AUTH_TOKEN_INVALID"
	CodeTokenExpired   = "AUTH_TOKEN_EXPIRED"
	CodeTokenType      = "AUTH_TOKEN_TYPE"
	CodeSubjectMissing = "AUTH_SUBJECT_MISSING"
	CodeSubjectInvalid = "AUTH_SUBJECT_INVALID"
	CodeSubjectUnknown = "AUTH_SUBJECT_UNKNOWN"
	CodeSubjectLookup  = "AUTH_SUBJECT_LOOKUP_FAILED"
	CodeConfigInvalid  = "AUTH_CONFIG_INVALID"
)
