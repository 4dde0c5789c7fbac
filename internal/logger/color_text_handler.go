package logger

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	ansiReset = "\033[0m"
	ansiBold  = "\033[1m"
)

var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\033[36m",
	slog.LevelInfo:  "\033[32m",
	slog.LevelWarn:  "\033[33m",
	slog.LevelError: "\033[31m",
}

// ColorTextHandler is a slog.TextHandler for terminals: each line starts
// with the level in colour and, when the record carries an "app"
// attribute, the app name in bold. The prefix is written raw in front of
// the text encoding since TextHandler would quote escape sequences.
type ColorTextHandler struct {
	text     *slog.TextHandler
	out      *prefixWriter
	showTime bool
}

// prefixWriter prepends the pending prefix to the next line. TextHandler
// emits one Write per record; mu serialises prefix and write.
type prefixWriter struct {
	mu     sync.Mutex
	w      io.Writer
	prefix string
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	line := make([]byte, 0, len(p.prefix)+len(b))
	line = append(append(line, p.prefix...), b...)
	if _, err := p.w.Write(line); err != nil {
		return 0, err
	}
	return len(b), nil
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	o := slog.HandlerOptions{}
	if opts != nil {
		o = *opts
	}
	next := o.ReplaceAttr
	o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 && a.Key == slog.LevelKey {
			return slog.Attr{}
		}
		if next != nil {
			return next(groups, a)
		}
		return a
	}
	out := &prefixWriter{w: w}
	return &ColorTextHandler{text: slog.NewTextHandler(out, &o), out: out, showTime: showTime}
}

func (h *ColorTextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.text.Enabled(ctx, l)
}

func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	code, ok := levelColors[r.Level]
	if !ok {
		code = ansiReset
	}
	prefix := code + r.Level.String() + ansiReset + "  "
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "app" {
			prefix += ansiBold + a.Value.String() + ansiReset + " "
			return false
		}
		return true
	})
	if !h.showTime {
		r.Time = time.Time{}
	}

	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	h.out.prefix = prefix
	return h.text.Handle(ctx, r)
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{text: h.text.WithAttrs(attrs).(*slog.TextHandler), out: h.out, showTime: h.showTime}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{text: h.text.WithGroup(name).(*slog.TextHandler), out: h.out, showTime: h.showTime}
}
