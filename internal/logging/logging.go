// Package logging builds the zerolog loggers used by the commands.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Format selects the output encoding.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// New returns a logger writing to w at level in the format FormatFor picks.
func New(w io.Writer, level string) zerolog.Logger {
	return NewFormat(w, level, FormatFor(w))
}

// NewFormat returns a logger writing to w at level. An unknown level falls
// back to info; "disabled" silences everything.
func NewFormat(w io.Writer, level string, format Format) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if format == FormatConsole {
		w = zerolog.ConsoleWriter{Out: w, NoColor: !isTerminal(w)}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// FormatFor picks console output for terminals and JSON otherwise, unless
// MPAZ_LOG_FORMAT says otherwise.
func FormatFor(w io.Writer) Format {
	switch Format(os.Getenv("MPAZ_LOG_FORMAT")) {
	case FormatJSON:
		return FormatJSON
	case FormatConsole:
		return FormatConsole
	}
	if isTerminal(w) {
		return FormatConsole
	}
	return FormatJSON
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	st, err := f.Stat()
	return err == nil && st.Mode()&os.ModeCharDevice != 0
}
