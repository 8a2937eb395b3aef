package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// setupLogging installs the process-wide slog handler: a colored
// tint.Handler for an interactive terminal, or structured JSON otherwise
// (piped output, --json-logs, or a non-TTY host spawning this process as
// a subprocess over stdio).
func setupLogging(jsonLogs bool, debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stderr
	var handler slog.Handler
	if jsonLogs || !isatty.IsTerminal(os.Stderr.Fd()) {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		out = colorable.NewColorable(os.Stderr) // no-op passthrough on non-Windows
		handler = tint.NewHandler(out, &tint.Options{Level: level, TimeFormat: "15:04:05"})
	}

	slog.SetDefault(slog.New(handler))
}
