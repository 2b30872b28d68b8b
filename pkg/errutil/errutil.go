// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

// Package errutil bridges oops errors and slog.
package errutil

import (
	"context"
	"log/slog"

	"github.com/samber/oops"
)

// Code returns the oops error code of err, or "" for plain errors.
func Code(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	code, _ := oopsErr.Code().(string)
	return code
}

// LogError logs err at error level with its oops code and context.
func LogError(logger *slog.Logger, msg string, err error) {
	Log(logger, slog.LevelError, msg, err)
}

// LogWarn logs err at warn level with its oops code and context.
func LogWarn(logger *slog.Logger, msg string, err error) {
	Log(logger, slog.LevelWarn, msg, err)
}

// Log logs err at level. For oops errors the code and context are added as
// separate attributes; other errors are logged by their string.
func Log(logger *slog.Logger, level slog.Level, msg string, err error) {
	logger.Log(context.Background(), level, msg, attrs(err)...)
}

func attrs(err error) []any {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return []any{"error", err}
	}
	result := []any{"error", oopsErr.Error()}
	if code := oopsErr.Code(); code != nil && code != "" {
		result = append(result, "code", code)
	}
	if ctx := oopsErr.Context(); len(ctx) > 0 {
		result = append(result, "context", ctx)
	}
	return result
}
