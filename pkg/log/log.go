// Package log configures the process-wide zerolog logger for the relay
// and hands out per-component child loggers.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// base is the configured root logger. Until Setup runs it discards
// everything: the relay is an embedded library, and a host process that
// never configures logging should stay silent rather than spray the
// host's stderr.
var base = zerolog.New(io.Discard)

// Options configures the process-wide logger once, at startup.
type Options struct {
	// Level filters output: debug, info, warn, or error.
	Level string

	// JSON switches from the human console format to JSON lines.
	JSON bool

	// Output defaults to stderr.
	Output io.Writer
}

// Setup installs the root logger. An unknown level is an error so a
// typo in a config file fails at startup instead of silently logging
// everything.
func Setup(opts Options) error {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return fmt.Errorf("unknown log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if !opts.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	base = zerolog.New(out).Level(level).With().Timestamp().Logger()
	return nil
}

// Component returns a child logger tagged with a relay component name
// (relay, watcher, adapter, binding-router, ...). Further context hangs
// off the returned logger:
//
//	logger := log.Component("adapter").With().Str("adapter_id", id).Logger()
func Component(name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
