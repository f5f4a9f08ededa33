// Package logging provides the engine's pretty terminal slog.Handler.
package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Options controls the handler's rendering.
type Options struct {
	SlogOpts       slog.HandlerOptions
	UseColor       bool
	ShowSource     bool
	TimeFormat     string
	LevelWidth     int
	FieldSeparator string
}

// DefaultOptions mirrors the defaults a terminal-attached engine process
// wants: colored, source-free, RFC3339 timestamps.
func DefaultOptions() Options {
	return Options{
		SlogOpts:       slog.HandlerOptions{Level: slog.LevelInfo},
		UseColor:       true,
		ShowSource:     false,
		TimeFormat:     time.RFC3339,
		LevelWidth:     5,
		FieldSeparator: " | ",
	}
}

// Handler is a slog.Handler that renders one colorized line per record,
// with key=value attributes appended in source order.
type Handler struct {
	opts   Options
	writer io.Writer
	mu     *sync.Mutex
	attrs  []slog.Attr
	groups []string

	colorTime, colorMessage, colorSource, colorFields string
	colorLevel                                        map[slog.Level]func(...any) string
}

// NewHandler builds a Handler writing to w. A nil opts uses DefaultOptions.
func NewHandler(w io.Writer, opts *Options) *Handler {
	o := DefaultOptions()
	if opts != nil {
		o = *opts
	}
	if o.TimeFormat == "" {
		o.TimeFormat = time.RFC3339
	}
	if o.FieldSeparator == "" {
		o.FieldSeparator = " | "
	}

	h := &Handler{opts: o, writer: w, mu: &sync.Mutex{}}
	h.initColors()
	return h
}

func (h *Handler) initColors() {
	if !h.opts.UseColor {
		h.colorLevel = nil
		return
	}

	h.colorLevel = map[slog.Level]func(...any) string{
		slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
		slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
		slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
		slog.LevelError: color.New(color.FgRed, color.Bold).SprintFunc(),
	}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.SlogOpts.Level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer

	h.mu.Lock()
	defer h.mu.Unlock()

	buf.WriteString(color.HiBlackString(r.Time.Format(h.opts.TimeFormat)))
	buf.WriteString(h.opts.FieldSeparator)
	buf.WriteString(h.formatLevel(r.Level))
	buf.WriteString(h.opts.FieldSeparator)

	if h.opts.ShowSource && r.PC != 0 {
		if src := sourceLine(r.PC); src != "" {
			buf.WriteString(color.HiBlackString(src))
			buf.WriteString(h.opts.FieldSeparator)
		}
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		fmt.Fprintf(&buf, " %s=%v", a.Key, a.Value.Any())
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&buf, " %s=%v", h.qualify(a.Key), a.Value.Any())
		return true
	})

	buf.WriteByte('\n')
	_, err := h.writer.Write(buf.Bytes())
	return err
}

func (h *Handler) qualify(key string) string {
	if len(h.groups) == 0 {
		return key
	}
	return strings.Join(h.groups, ".") + "." + key
}

func (h *Handler) formatLevel(level slog.Level) string {
	s := fmt.Sprintf("%-*s", h.opts.LevelWidth, strings.ToUpper(level.String()))
	if f, ok := h.colorLevel[level]; ok {
		return f(s)
	}
	return s
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	nh := &Handler{
		opts: h.opts, writer: h.writer, mu: h.mu,
		groups: h.groups,
		attrs:  append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
	nh.initColors()
	return nh
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := &Handler{
		opts: h.opts, writer: h.writer, mu: h.mu,
		groups: append(append([]string(nil), h.groups...), name),
		attrs:  h.attrs,
	}
	nh.initColors()
	return nh
}

func sourceLine(pc uintptr) string {
	frames := runtime.CallersFrames([]uintptr{pc})
	frame, _ := frames.Next()
	if frame.Function == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
}
