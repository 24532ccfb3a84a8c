// Package logging builds the structured go-kit logger shared by every
// component of a node.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// New returns a logger writing to stderr. format is "logfmt" or "json";
// lvl is one of debug, info, warn or error.
func New(format, lvl string) (log.Logger, error) {
	return NewWithWriter(os.Stderr, format, lvl)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, format, lvl string) (log.Logger, error) {
	var logger log.Logger
	switch format {
	case "json":
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	case "logfmt", "":
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	var opt level.Option
	switch lvl {
	case "debug":
		opt = level.AllowDebug()
	case "info", "":
		opt = level.AllowInfo()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		return nil, fmt.Errorf("unknown log level %q", lvl)
	}

	logger = level.NewFilter(logger, opt)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller), nil
}
