package logging

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rowjay/backup-sidecar/internal/config"
)

// New returns a logger writing to w. Format "console" gives human readable
// output, anything else JSON lines. Unknown levels fall back to info.
func New(w io.Writer, level, format string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// ForNode tags every entry with the identity of the node being backed up.
func ForNode(log zerolog.Logger, node config.NodeConfig) zerolog.Logger {
	return log.With().
		Str("cluster", node.Cluster).
		Str("host", node.Host).
		Str("token", node.Token).
		Logger()
}
