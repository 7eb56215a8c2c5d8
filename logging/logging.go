// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package logging configures the process-wide slog handler. The trace
// stream owns stdout, so every diagnostic line goes to stderr.
package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Verbose enables debug-level logging. Set from the -v flag before Init.
var Verbose bool

// Init installs the default handler. Source locations are trimmed to
// module-relative paths so a log line reads socket/conn.go:42 no matter
// where the binary was built.
func Init() {
	level := slog.LevelInfo
	if Verbose {
		level = slog.LevelDebug
	}

	// This file sits one directory below the module root; everything above
	// that in a source path is build-machine noise.
	var root string
	if _, path, _, ok := runtime.Caller(0); ok {
		root = filepath.Dir(filepath.Dir(path))
	}

	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key != "source" {
				return attr
			}
			src := attr.Value.Any().(*slog.Source)
			if root != "" {
				if rel, err := filepath.Rel(root, src.File); err == nil && !strings.HasPrefix(rel, "..") {
					src.File = rel
				}
			}
			return slog.Attr{Key: "src", Value: attr.Value}
		},
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
}
