// Package logging provides the daemon's log sink: a slog.Handler that
// renders one line per event as
//
//	<UTC timestamp> | <level, 11 chars> | <message> key=value ...
//
// with levels CRITICAL > ERROR > WARNING > INFORMATION. Every component
// receives a *slog.Logger built on this handler; the verbosity flag sets
// the floor.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// LevelCritical sits above slog.LevelError so that CRITICAL lines survive
// any verbosity floor.
const LevelCritical = slog.LevelError + 4

// levelFieldWidth is the fixed width of the level column.
const levelFieldWidth = 11

// ANSI escape sequences for the level field on an interactive stderr.
const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiYellow = "\x1b[33m"
	ansiBold   = "\x1b[1;31m"
)

// ParseLevel maps a --verbosity value to a slog level floor.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "critical":
		return LevelCritical, nil
	case "error":
		return slog.LevelError, nil
	case "warn":
		return slog.LevelWarn, nil
	case "info":
		return slog.LevelInfo, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging: unknown verbosity %q (want critical, error, warn or info)", s)
	}
}

// levelName renders a slog level as the daemon's level vocabulary.
func levelName(l slog.Level) string {
	switch {
	case l >= LevelCritical:
		return "CRITICAL"
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARNING"
	default:
		return "INFORMATION"
	}
}

// Handler is a slog.Handler writing the pipe-delimited daemon format.
// Safe for concurrent use; one mutex serializes writes so lines never
// interleave.
type Handler struct {
	w       io.Writer
	level   slog.Leveler
	color   bool
	nowFunc func() time.Time // injectable for testing

	mu    *sync.Mutex
	attrs []slog.Attr
	group string
}

// NewHandler creates a Handler with the given level floor. Color is
// enabled only when w is an interactive terminal.
func NewHandler(w io.Writer, level slog.Leveler) *Handler {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}

	return &Handler{
		w:       w,
		level:   level,
		color:   color,
		nowFunc: time.Now,
		mu:      &sync.Mutex{},
	}
}

// New builds a *slog.Logger on a fresh Handler. Convenience for main and
// tests.
func New(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(NewHandler(w, level))
}

// Enabled reports whether a record at the given level passes the floor.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle renders one record as a single line.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	ts := r.Time
	if ts.IsZero() {
		ts = h.nowFunc()
	}

	b.WriteString(ts.UTC().Format(time.RFC3339))
	b.WriteString(" | ")
	b.WriteString(h.paintLevel(r.Level))
	b.WriteString(" | ")
	b.WriteString(r.Message)

	// Pre-bound attrs were qualified at WithAttrs time; record attrs get
	// the current group prefix.
	for _, a := range h.attrs {
		appendAttr(&b, "", a)
	}

	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&b, h.group, a)
		return true
	})

	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := io.WriteString(h.w, b.String())

	return err
}

// paintLevel pads the level name to the fixed column width, coloring it
// when stderr is a terminal.
func (h *Handler) paintLevel(l slog.Level) string {
	name := fmt.Sprintf("%-*s", levelFieldWidth, levelName(l))
	if !h.color {
		return name
	}

	switch {
	case l >= LevelCritical:
		return ansiBold + name + ansiReset
	case l >= slog.LevelError:
		return ansiRed + name + ansiReset
	case l >= slog.LevelWarn:
		return ansiYellow + name + ansiReset
	default:
		return name
	}
}

// appendAttr writes one attribute as " key=value" with an optional group
// prefix on the key.
func appendAttr(b *strings.Builder, group string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}

	b.WriteByte(' ')

	if group != "" {
		b.WriteString(group)
		b.WriteByte('.')
	}

	b.WriteString(a.Key)
	b.WriteByte('=')
	b.WriteString(a.Value.Resolve().String())
}

// WithAttrs returns a handler that includes the given attributes on every
// record. Keys are qualified with the current group at capture time. The
// mutex is shared so all derived handlers serialize writes.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = append([]slog.Attr{}, h.attrs...)

	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}

		h2.attrs = append(h2.attrs, a)
	}

	return &h2
}

// WithGroup returns a handler that prefixes subsequent attribute keys.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	h2 := *h
	if h.group != "" {
		h2.group = h.group + "." + name
	} else {
		h2.group = name
	}

	return &h2
}
