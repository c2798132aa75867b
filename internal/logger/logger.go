// Package logger provides the daemon's structured logging: a line-oriented
// slog handler, two extra severities, and a rotating file sink.
//
// Each record is one line:
//
//	2006-01-02T15:04:05.000Z [LEVEL] message | key=value, group.key=value
//
// The minimum level is a [slog.Leveler], so a [slog.LevelVar] passed to
// [New] can be changed while the daemon runs.
package logger

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ///////////////////////////////////////////////
// Levels
// ///////////////////////////////////////////////

const (
	LevelTrace slog.Level = -8
	LevelDebug slog.Level = slog.LevelDebug
	LevelInfo  slog.Level = slog.LevelInfo
	LevelWarn  slog.Level = slog.LevelWarn
	LevelError slog.Level = slog.LevelError
	LevelFail  slog.Level = 12
)

// levels is ordered by severity. A record takes the name of the first entry
// at or above its level.
var levels = []struct {
	level slog.Level
	name  string
}{
	{LevelTrace, "trace"},
	{LevelDebug, "debug"},
	{LevelInfo, "info"},
	{LevelWarn, "warn"},
	{LevelError, "error"},
	{LevelFail, "fail"},
}

func levelName(l slog.Level) string {
	for _, e := range levels {
		if l <= e.level {
			return strings.ToUpper(e.name)
		}
	}
	return "FAIL"
}

func lookupLevel(s string) (slog.Level, bool) {
	for _, e := range levels {
		if strings.EqualFold(s, e.name) {
			return e.level, true
		}
	}
	return LevelInfo, false
}

// ParseLevel maps a config level name to its slog.Level, case-insensitively.
// Unknown names give LevelInfo.
func ParseLevel(s string) slog.Level {
	l, _ := lookupLevel(s)
	return l
}

// ValidLevel reports whether s names a level understood by [ParseLevel].
func ValidLevel(s string) bool {
	_, ok := lookupLevel(s)
	return ok
}

// ///////////////////////////////////////////////
// Handler
// ///////////////////////////////////////////////

const timeFormat = "2006-01-02T15:04:05.000Z"

// Handler writes records in the daemon's one-line format. Handlers derived
// through WithAttrs and WithGroup share the writer and its lock.
type Handler struct {
	out   io.Writer
	mu    *sync.Mutex
	level slog.Leveler

	pairs []string // pre-rendered "key=value" from WithAttrs
	group string   // dotted prefix for keys added later
}

// NewHandler creates a Handler that writes to w, filtering records below
// level. A nil level means LevelInfo.
func NewHandler(w io.Writer, level slog.Leveler) *Handler {
	if level == nil {
		level = LevelInfo
	}
	return &Handler{out: w, mu: &sync.Mutex{}, level: level}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	pairs := slices.Clip(h.pairs)
	r.Attrs(func(a slog.Attr) bool {
		pairs = appendPair(pairs, h.group, a)
		return true
	})

	var b strings.Builder
	if !r.Time.IsZero() {
		b.WriteString(r.Time.UTC().Format(timeFormat))
		b.WriteByte(' ')
	}
	fmt.Fprintf(&b, "[%s] %s", levelName(r.Level), r.Message)
	if len(pairs) > 0 {
		b.WriteString(" | ")
		b.WriteString(strings.Join(pairs, ", "))
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.pairs = slices.Clip(h.pairs)
	for _, a := range attrs {
		next.pairs = appendPair(next.pairs, h.group, a)
	}
	return &next
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.group = joinKey(h.group, name)
	return &next
}

// appendPair renders a as key=value under group. Group values are flattened
// into dotted keys and empty attrs are dropped.
func appendPair(pairs []string, group string, a slog.Attr) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return pairs
	}
	key := joinKey(group, a.Key)
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			pairs = appendPair(pairs, key, ga)
		}
		return pairs
	}
	return append(pairs, key+"="+a.Value.String())
}

func joinKey(group, key string) string {
	switch {
	case group == "":
		return key
	case key == "":
		return group
	}
	return group + "." + key
}

// ///////////////////////////////////////////////
// Logger Constructor
// ///////////////////////////////////////////////

// Rotated files kept next to the active log.
const (
	maxBackups = 3
	maxAgeDays = 28
)

// Options configures [New].
type Options struct {
	// Path is the log file. Rotated by size.
	Path string
	// Level is the minimum severity. Nil means LevelInfo.
	Level slog.Leveler
	// MaxSizeMB is the rotation threshold.
	MaxSizeMB int
	// Foreground also writes every record to Stderr.
	Foreground bool
	// Stderr overrides os.Stderr for foreground output.
	Stderr io.Writer
}

// New creates a slog.Logger that writes to a rotating log file.
// The returned io.Closer must be closed to flush pending writes.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	if opts.Path == "" {
		return nil, nil, fmt.Errorf("log path is required")
	}
	file := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
	}

	var w io.Writer = file
	if opts.Foreground {
		stderr := opts.Stderr
		if stderr == nil {
			stderr = os.Stderr
		}
		w = io.MultiWriter(file, stderr)
	}
	return slog.New(NewHandler(w, opts.Level)), file, nil
}

// ///////////////////////////////////////////////
// ReadTail
// ///////////////////////////////////////////////

// maxLineBytes bounds a single log line read by [ReadTail].
const maxLineBytes = 1 << 20

// ReadTail returns the last n lines of the file at path joined by "\n",
// without a trailing newline. Carriage returns before line breaks are dropped.
func ReadTail(path string, n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("line count must be positive, got %d", n)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(nil, maxLineBytes)
	var tail []string
	for scanner.Scan() {
		tail = append(tail, strings.TrimSuffix(scanner.Text(), "\r"))
		if len(tail) > n {
			tail = tail[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading log file: %w", err)
	}
	return strings.Join(tail, "\n"), nil
}
