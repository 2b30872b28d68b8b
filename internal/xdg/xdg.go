// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

// Package xdg locates notifybus files under the XDG Base Directory layout.
package xdg

import (
	"os"
	"path/filepath"
)

const (
	appName        = "notifybus"
	configFileName = "config.yaml"
)

// ConfigDir returns the notifybus config directory.
// Checks XDG_CONFIG_HOME first, falls back to $HOME/.config.
func ConfigDir(getenv func(string) string) string {
	base := getenv("XDG_CONFIG_HOME")
	if base == "" {
		base = filepath.Join(getenv("HOME"), ".config")
	}
	return filepath.Join(base, appName)
}

// ConfigFile returns the default config file path and whether a regular
// file exists there.
func ConfigFile(getenv func(string) string) (string, bool) {
	path := filepath.Join(ConfigDir(getenv), configFileName)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return path, false
	}
	return path, true
}
