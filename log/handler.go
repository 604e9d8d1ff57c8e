package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const termTimeFormat = "01-02|15:04:05.000"

type discardHandler struct{}

// DiscardHandler returns a no-op handler
func DiscardHandler() slog.Handler {
	return &discardHandler{}
}

func (h *discardHandler) Handle(_ context.Context, r slog.Record) error { return nil }
func (h *discardHandler) Enabled(_ context.Context, level slog.Level) bool {
	return false
}
func (h *discardHandler) WithGroup(name string) slog.Handler { return h }
func (h *discardHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

// TerminalHandler formats records as a single aligned line:
//
//	INFO [01-02|15:04:05.000] message                          key=value key=value
type TerminalHandler struct {
	mu       *sync.Mutex
	wr       io.Writer
	lvl      slog.Level
	useColor bool
	attrs    []slog.Attr
}

// NewTerminalHandlerWithLevel returns a handler which writes records at or above lvl to wr.
func NewTerminalHandlerWithLevel(wr io.Writer, lvl slog.Level, useColor bool) *TerminalHandler {
	return &TerminalHandler{
		mu:       new(sync.Mutex),
		wr:       wr,
		lvl:      lvl,
		useColor: useColor,
	}
}

func (h *TerminalHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	lvl := LevelAlignedString(r.Level)
	if h.useColor {
		color := 0
		switch {
		case r.Level >= LevelCrit:
			color = 35
		case r.Level >= slog.LevelError:
			color = 31
		case r.Level >= slog.LevelWarn:
			color = 33
		case r.Level >= slog.LevelInfo:
			color = 32
		case r.Level >= slog.LevelDebug:
			color = 36
		default:
			color = 34
		}
		lvl = fmt.Sprintf("\x1b[%dm%s\x1b[0m", color, lvl)
	}
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	fmt.Fprintf(&b, "%s[%s] %-40s", lvl, ts.Format(termTimeFormat), r.Message)
	for _, a := range h.attrs {
		writeAttr(&b, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.wr, b.String())
	return err
}

func writeAttr(b *strings.Builder, a slog.Attr) {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindUint64:
		fmt.Fprintf(b, " %s=%#x", a.Key, v.Uint64())
	case slog.KindString:
		s := v.String()
		if strings.ContainsAny(s, " =\"") {
			fmt.Fprintf(b, " %s=%q", a.Key, s)
		} else {
			fmt.Fprintf(b, " %s=%s", a.Key, s)
		}
	default:
		fmt.Fprintf(b, " %s=%v", a.Key, v.Any())
	}
}

func (h *TerminalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.lvl
}

func (h *TerminalHandler) WithGroup(name string) slog.Handler {
	panic("not implemented")
}

func (h *TerminalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TerminalHandler{
		mu:       h.mu,
		wr:       h.wr,
		lvl:      h.lvl,
		useColor: h.useColor,
		attrs:    append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}
