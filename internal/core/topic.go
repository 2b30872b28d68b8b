// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package core

import (
	"strings"
	"unicode"

	"github.com/samber/oops"
)

// UserTopicPrefix prefixes every per-recipient topic.
const UserTopicPrefix = "user:"

// MaxTopicLength bounds topic keys. Postgres NOTIFY payloads and Redis
// channel names both carry the topic, so it is kept short.
const MaxTopicLength = 256

// UserTopic returns the topic a subject's connections join.
func UserTopic(subjectID string) string {
	return UserTopicPrefix + subjectID
}

// ValidateTopic checks that topic has the form "<kind>:<id>" with a
// non-empty kind and id and no whitespace or control characters.
func ValidateTopic(topic string) error {
	if topic == "" {
		return oops.Code("TOPIC_INVALID").Errorf("topic cannot be empty")
	}
	if len(topic) > MaxTopicLength {
		return oops.Code("TOPIC_INVALID").
			With("length", len(topic)).
			Errorf("topic exceeds %d bytes", MaxTopicLength)
	}
	kind, id, found := strings.Cut(topic, ":")
	if !found || kind == "" || id == "" {
		return oops.Code("TOPIC_INVALID").
			With("topic", topic).
			Errorf("topic must have the form <kind>:<id>")
	}
	if strings.IndexFunc(topic, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	}) >= 0 {
		return oops.Code("TOPIC_INVALID").
			With("topic", topic).
			Errorf("topic cannot contain whitespace or control characters")
	}
	return nil
}
