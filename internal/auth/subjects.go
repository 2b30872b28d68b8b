// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package auth

import "context"

// SubjectChecker confirms that a verified subject refers to an existing,
// active account.
type SubjectChecker interface {
	Exists(ctx context.Context, subject string) (bool, error)
}

// SubjectCheckerFunc adapts a function to SubjectChecker.
type SubjectCheckerFunc func(ctx context.Context, subject string) (bool, error)

// Exists calls f.
func (f SubjectCheckerFunc) Exists(ctx context.Context, subject string) (bool, error) {
	return f(ctx, subject)
}

// StaticSubjects is a fixed set of known subjects.
type StaticSubjects map[string]struct{}

// NewStaticSubjects builds a StaticSubjects from ids.
func NewStaticSubjects(ids ...string) StaticSubjects {
	s := make(StaticSubjects, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Exists reports whether subject is in the set.
func (s StaticSubjects) Exists(_ context.Context, subject string) (bool, error) {
	_, ok := s[subject]
	return ok, nil
}
