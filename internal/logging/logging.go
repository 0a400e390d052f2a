package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level maps the numeric --debug-level scale onto zerolog levels:
// 0=error, 1=warning (default), 2=info, 3=debug.
func Level(debugLevel int) zerolog.Level {
	switch debugLevel {
	case 0:
		return zerolog.ErrorLevel
	case 2:
		return zerolog.InfoLevel
	case 3:
		return zerolog.DebugLevel
	default:
		return zerolog.WarnLevel
	}
}

// New creates the relay's structured logger. With w == nil output goes to
// stderr as a console stream; otherwise events are rendered through w
// (normally a CappedFile) as `[<unix-seconds>] <LEVEL>: <message> fields`.
func New(debugLevel int, w io.Writer) zerolog.Logger {
	zerolog.SetGlobalLevel(Level(debugLevel))

	var output io.Writer
	if w == nil {
		output = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	} else {
		output = logfileWriter(w)
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", "fanout").
		Logger()
}

// logfileWriter renders events in the persisted log format.
func logfileWriter(w io.Writer) io.Writer {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	return zerolog.ConsoleWriter{
		Out:     w,
		NoColor: true,
		FormatTimestamp: func(i interface{}) string {
			return fmt.Sprintf("[%v]", i)
		},
		FormatLevel: func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s) + ":"
			}
			return "???:"
		},
	}
}

// CappedFile is an append-mode log destination that truncates in place once
// it grows past a configured size. A cap of zero means unbounded.
type CappedFile struct {
	mu       sync.Mutex
	f        *os.File
	pos      int64
	capBytes int64
}

// OpenCappedFile opens (or creates) path in append mode. maxSizeMB is the
// truncation threshold in MiB.
func OpenCappedFile(path string, maxSizeMB int) (*CappedFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening logfile %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat logfile %s: %w", path, err)
	}
	return &CappedFile{
		f:        f,
		pos:      st.Size(),
		capBytes: int64(maxSizeMB) * 1024 * 1024,
	}, nil
}

// Write appends p, truncating the file in place first if the cap has been
// exceeded.
func (c *CappedFile) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capBytes > 0 && c.pos > c.capBytes {
		if err := c.f.Truncate(0); err != nil {
			return 0, err
		}
		if _, err := c.f.Seek(0, io.SeekStart); err != nil {
			return 0, err
		}
		c.pos = 0
	}

	n, err := c.f.Write(p)
	c.pos += int64(n)
	return n, err
}

// Close closes the underlying file.
func (c *CappedFile) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.f.Close()
}
