package cli

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogLevelEnv selects the log level when --verbose is not given.
const LogLevelEnv = "SHIMFS_LOG_LEVEL"

// ConfigureLogging installs a text handler on w as the slog default.
// verbose forces debug level; otherwise LogLevelEnv decides, defaulting to
// warn.
func ConfigureLogging(w io.Writer, verbose bool) {
	level := logLevel(os.Getenv(LogLevelEnv), verbose)
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

func logLevel(value string, verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return slog.LevelWarn
	}
	return level
}
