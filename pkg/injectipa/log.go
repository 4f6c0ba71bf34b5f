package injectipa

import (
	"fmt"
	"io"

	"github.com/charmbracelet/log"
)

// NewLogger returns a logger writing to w at the named level
// ("debug", "info", "warn", "error").
func NewLogger(w io.Writer, level string) (*log.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return log.NewWithOptions(w, log.Options{
		Level:  lvl,
		Prefix: "injectipa",
	}), nil
}

func orDiscard(logger *log.Logger) *log.Logger {
	if logger == nil {
		return log.New(io.Discard)
	}
	return logger
}
