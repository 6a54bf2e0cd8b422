package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Structured field names shared across packages.
const (
	KeyComponent = "component"
	KeyError     = "error"
	KeyPath      = "path"
	KeyEvent     = "event"
	KeyState     = "state"
	KeyVersion   = "version"
)

// Options controls the root handler installed by Init.
type Options struct {
	// Format is "text" (default) or "json".
	Format string
	// Level is "debug", "info" (default), "warn" or "error".
	Level string
	// Output defaults to os.Stdout.
	Output io.Writer
}

// rootHandler forwards to whichever handler Init installed last. Loggers
// built with L before Init runs still end up on the configured output.
type rootHandler struct {
	current *atomic.Pointer[handlerBox]
	attrs   []slog.Attr
	groups  []string
}

func (h *rootHandler) resolve() slog.Handler {
	handler := h.current.Load().h
	for _, g := range h.groups {
		handler = handler.WithGroup(g)
	}
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	return handler
}

func (h *rootHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *rootHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *rootHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &rootHandler{
		current: h.current,
		attrs:   append(append([]slog.Attr(nil), h.attrs...), attrs...),
		groups:  append([]string(nil), h.groups...),
	}
}

func (h *rootHandler) WithGroup(name string) slog.Handler {
	return &rootHandler{
		current: h.current,
		attrs:   append([]slog.Attr(nil), h.attrs...),
		groups:  append(append([]string(nil), h.groups...), name),
	}
}

// handlerBox lets text and JSON handlers share one atomic pointer.
type handlerBox struct{ h slog.Handler }

var (
	active = func() *atomic.Pointer[handlerBox] {
		p := &atomic.Pointer[handlerBox]{}
		p.Store(&handlerBox{h: slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})})
		return p
	}()
	root = slog.New(&rootHandler{current: active})
)

func init() {
	slog.SetDefault(root)
}

// Init installs the root handler. Call once after the config is loaded;
// calling it again swaps the handler for every existing logger.
func Init(opts Options) {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	handlerOpts := &slog.HandlerOptions{Level: parseLevel(opts.Level)}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}
	active.Store(&handlerBox{h: handler})
}

// Setup initialises logging to stdout and, when filePath is set, to a
// rotating log file as well. The returned closer releases the file.
func Setup(format, level, filePath string) (io.Closer, error) {
	if filePath == "" {
		Init(Options{Format: format, Level: level})
		return nopCloser{}, nil
	}

	rw, err := NewRotatingWriter(filePath, 10, 5)
	if err != nil {
		Init(Options{Format: format, Level: level})
		return nopCloser{}, fmt.Errorf("open log file %s: %w", filePath, err)
	}
	Init(Options{Format: format, Level: level, Output: TeeWriter(os.Stdout, rw)})
	return rw, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return root.With(slog.String(KeyComponent, component))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
