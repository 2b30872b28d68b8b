// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

// Package auth verifies the bearer tokens clients present during the
// connection handshake.
//
// # Verification
//
// JWTVerifier accepts HS256 tokens minted by the platform's account service:
//   - the token must carry an expiry and must not be expired (leeway applies)
//   - the issuer must match when one is configured
//   - a token_type claim, when present, must be "access"
//   - the subject comes from user_id (string or number), falling back to sub
//
// An optional SubjectChecker confirms the subject still exists. Every
// failure collapses to ok=false for the caller; the reason is logged at
// debug level only.
//
// # Issuing
//
// IssueToken mints tokens with the same claim layout for tests and the CLI.
package auth
