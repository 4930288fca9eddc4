package logging

import (
	"io"
	"log/slog"
	"strings"
	"time"
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
	ansiGrey   = "\x1b[90m"
)

// newConsoleHandler wraps slog's text handler, colouring the level when the
// output is a terminal.
func newConsoleHandler(w io.Writer, lvl *slog.LevelVar, addSource, colour bool) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: addSource,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				if attr.Value.Kind() == slog.KindTime {
					attr.Value = slog.StringValue(attr.Value.Time().Format(time.TimeOnly))
				}
			case slog.LevelKey:
				level, ok := attr.Value.Any().(slog.Level)
				if !ok {
					return attr
				}
				attr.Value = slog.StringValue(levelLabel(level, colour))
			}
			return attr
		},
	})
}

func levelLabel(level slog.Level, colour bool) string {
	label := strings.ToUpper(level.String())
	if !colour {
		return label
	}
	switch {
	case level >= slog.LevelError:
		return ansiRed + label + ansiReset
	case level >= slog.LevelWarn:
		return ansiYellow + label + ansiReset
	case level >= slog.LevelInfo:
		return ansiBlue + label + ansiReset
	default:
		return ansiGrey + label + ansiReset
	}
}
