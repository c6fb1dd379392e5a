// Package logger provides the component loggers shared by the dashboard
// server, the migration command and the background watcher.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Component loggers; replaced by Init.
var (
	Main    *slog.Logger
	Store   *slog.Logger
	Service *slog.Logger
	Handler *slog.Logger
	Notify  *slog.Logger
	Watcher *slog.Logger
	Migrate *slog.Logger
)

func init() {
	Init("text")
}

// Init configures the component loggers to write to stderr.
// format is "text" (colored, aligned) or "json".
func Init(format string) {
	InitWriter(os.Stderr, format, slog.LevelDebug)
}

// InitWriter is Init with an explicit destination and minimum level.
func InitWriter(w io.Writer, format string, level slog.Level) {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = newPrettyHandler(w, opts)
	}
	base := slog.New(h)
	Main = base.With("component", "main")
	Store = base.With("component", "store")
	Service = base.With("component", "service")
	Handler = base.With("component", "handler")
	Notify = base.With("component", "notify")
	Watcher = base.With("component", "watcher")
	Migrate = base.With("component", "migrate")
}

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels.
// Unknown names fall back to debug.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// Fatal logs at error level and exits with code 1.
func Fatal(l *slog.Logger, msg string, args ...any) {
	l.Error(msg, args...)
	os.Exit(1)
}

// ANSI escape codes.
const (
	ansiReset  = "\033[0m"
	ansiDim    = "\033[2m"
	ansiBold   = "\033[1m"
	ansiGray   = "\033[90m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiRed    = "\033[31m"
	ansiCyan   = "\033[36m"
)

// prettyHandler writes one aligned line per record:
//
//	15:04:05.000  INF  store     task written  task=T-1
type prettyHandler struct {
	w        io.Writer
	level    slog.Leveler
	mu       *sync.Mutex
	preAttrs []slog.Attr
	color    bool
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *prettyHandler {
	return &prettyHandler{
		w:     w,
		level: opts.Level,
		mu:    &sync.Mutex{},
		color: isColorEnabled(w),
	}
}

// isColorEnabled reports whether w is a terminal that should get ANSI colors.
// NO_COLOR and TERM=dumb disable colors.
func isColorEnabled(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.preAttrs = append(h.preAttrs[:len(h.preAttrs):len(h.preAttrs)], attrs...)
	return &cp
}

func (h *prettyHandler) WithGroup(_ string) slog.Handler {
	return h // groups are not used
}

func (h *prettyHandler) paint(code, s string) string {
	if h.color {
		return code + s + ansiReset
	}
	return s
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	component := ""
	extra := make([]slog.Attr, 0, len(h.preAttrs)+r.NumAttrs())
	collect := func(a slog.Attr) bool {
		if a.Key == "component" {
			component = a.Value.String()
		} else {
			extra = append(extra, a)
		}
		return true
	}
	for _, a := range h.preAttrs {
		collect(a)
	}
	r.Attrs(collect)

	var b strings.Builder
	b.WriteString(h.paint(ansiDim+ansiGray, r.Time.Format("15:04:05.000")))
	b.WriteString("  ")

	switch {
	case r.Level < slog.LevelInfo:
		b.WriteString(h.paint(ansiGray, "DBG"))
	case r.Level < slog.LevelWarn:
		b.WriteString(h.paint(ansiGreen+ansiBold, "INF"))
	case r.Level < slog.LevelError:
		b.WriteString(h.paint(ansiYellow+ansiBold, "WRN"))
	default:
		b.WriteString(h.paint(ansiRed+ansiBold, "ERR"))
	}
	b.WriteString("  ")
	b.WriteString(h.paint(ansiCyan, fmt.Sprintf("%-8s", component)))
	b.WriteString("  ")
	b.WriteString(r.Message)

	for _, a := range extra {
		b.WriteString("  ")
		b.WriteString(h.paint(ansiDim, a.Key))
		b.WriteByte('=')
		v := fmt.Sprintf("%v", a.Value.Resolve().Any())
		if a.Key == "error" {
			v = h.paint(ansiRed, v)
		}
		b.WriteString(v)
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}
