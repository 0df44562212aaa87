// Package dwlog is the broker's single logging facility, replacing the
// teacher's text_color_set/dw_printf pair with one leveled, structured
// logger threaded through every subsystem. "dw" is a nod to the teacher's
// own dw_printf naming — the facility this package replaces.
package dwlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
)

// Logger is the logger type (an alias of *log.Logger) that the broker and
// plugin host take explicitly at construction instead of reaching for a
// package-global logger.
type Logger = *log.Logger

// Options configures New.
type Options struct {
	Level    log.Level
	DailyDir string // if non-empty, also write to a date-named log file here
}

// New builds a colorized, leveled logger writing to stderr and, if
// opts.DailyDir is set, to a second file named by strftime after the date
// New was called — the daily-file naming of the teacher's log.go,
// generalized from a CSV packet log to a general-purpose log sink. The file
// is chosen once; a logger that runs past midnight keeps writing to it.
func New(opts Options) (Logger, func() error, error) {
	writers := []io.Writer{os.Stderr}
	closeFn := func() error { return nil }

	if opts.DailyDir != "" {
		if err := os.MkdirAll(opts.DailyDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("dwlog: create log dir: %w", err)
		}
		pattern, err := strftime.New("%Y%m%d.log")
		if err != nil {
			return nil, nil, fmt.Errorf("dwlog: strftime pattern: %w", err)
		}
		name := pattern.FormatString(time.Now())
		f, err := os.OpenFile(filepath.Join(opts.DailyDir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("dwlog: open daily log: %w", err)
		}
		writers = append(writers, f)
		closeFn = f.Close
	}

	var w io.Writer = writers[0]
	if len(writers) > 1 {
		w = io.MultiWriter(writers...)
	}

	logger := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Level:           opts.Level,
	})
	return logger, closeFn, nil
}

// Default returns a stderr-only logger at Info level, for addon skeletons
// that run inside the broker process after dlopen but don't otherwise have
// a constructed logger handed to them.
func Default() Logger {
	return log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Level: log.InfoLevel})
}
