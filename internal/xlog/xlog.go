// Package xlog is the per-context logging handle shared by every package in
// this module. There is no global logger singleton: each Sender/Receiver
// context owns one handle and hands out prefixed children to its
// collaborators, the way client2/connection.go derives "client2/conn" from
// its owning Client.
package xlog

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// Level mirrors the handful of levels the rest of the module cares about.
type Level = log.Level

const (
	LevelDebug = log.DebugLevel
	LevelInfo  = log.InfoLevel
	LevelWarn  = log.WarnLevel
	LevelError = log.ErrorLevel
)

// Logger is a thin alias so callers don't need to import charmbracelet/log
// directly.
type Logger = log.Logger

// New creates a root logging handle writing to w (os.Stderr if nil) with
// the given prefix and level.
func New(w io.Writer, prefix string, level Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	l := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Prefix:          prefix,
	})
	l.SetLevel(level)
	return l
}

// Child returns a logger scoped under an additional prefix segment, e.g.
// Child(l, "rist", "peer") yields a logger prefixed "rist/peer".
func Child(parent *Logger, rootPrefix, sub string) *Logger {
	return parent.WithPrefix(rootPrefix + "/" + sub)
}
