package log

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-cms/internal/xerrors"
)

type slogLogger struct {
	h          slog.Handler
	attrs      []slog.Attr
	errorLinks int // 0 disables
}

func newSlog(opts Options) (Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	if opts.StackLevel == 0 {
		opts.StackLevel = slog.LevelError
	}

	ho := &slog.HandlerOptions{Level: opts.Level, AddSource: true}
	var h slog.Handler
	if opts.JSON {
		h = slog.NewJSONHandler(w, ho)
	} else {
		h = slog.NewTextHandler(w, ho)
	}
	h = enrichHandler{next: h, stackLevel: opts.StackLevel}

	attrs := []slog.Attr{slog.String("app", opts.App)}
	if opts.Version != "" {
		attrs = append(attrs, slog.String("version", opts.Version))
	}

	l := &slogLogger{h: h, attrs: attrs}
	if opts.ErrorLinks {
		l.errorLinks = opts.MaxErrorLinks
		if l.errorLinks <= 0 {
			l.errorLinks = 8
		}
	}
	return l, nil
}

func (s *slogLogger) With(kv ...any) Logger {
	// copy so loggers derived from a shared parent never alias
	next := make([]slog.Attr, len(s.attrs), len(s.attrs)+len(kv)/2)
	copy(next, s.attrs)
	next = appendKV(next, kv)
	return &slogLogger{h: s.h, attrs: next, errorLinks: s.errorLinks}
}

func (s *slogLogger) Debug(ctx context.Context, msg string, kv ...any) {
	s.log(ctx, slog.LevelDebug, msg, kv)
}

func (s *slogLogger) Info(ctx context.Context, msg string, kv ...any) {
	s.log(ctx, slog.LevelInfo, msg, kv)
}

func (s *slogLogger) Warn(ctx context.Context, msg string, kv ...any) {
	s.log(ctx, slog.LevelWarn, msg, kv)
}

func (s *slogLogger) Error(ctx context.Context, err error, msg string, kv ...any) {
	if err != nil {
		kv = append(kv, "err", err, "error_type", surfaceType(err))
		if chain := errorChain(err); len(chain) > 1 {
			kv = append(kv, "error_chain", chain)
		}
		if s.errorLinks > 0 {
			kv = append(kv, "error_links", errorLinks(err, s.errorLinks))
		}
	}
	s.log(ctx, slog.LevelError, msg, kv)
}

func (s *slogLogger) Sync() error { return nil }

func (s *slogLogger) log(ctx context.Context, lvl slog.Level, msg string, kv []any) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.h.Enabled(ctx, lvl) {
		return
	}
	// skip runtime.Callers, log, and the Debug/Info/Warn/Error method
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])

	r := slog.NewRecord(time.Now(), lvl, msg, pcs[0])
	r.AddAttrs(s.attrs...)
	r.AddAttrs(appendKV(nil, kv)...)
	_ = s.h.Handle(ctx, r)
}

// appendKV turns alternating key/value pairs into attrs, dropping non-string keys.
func appendKV(dst []slog.Attr, kv []any) []slog.Attr {
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			dst = append(dst, slog.Any(k, kv[i+1]))
		}
	}
	return dst
}

// enrichHandler adds trace correlation to every record and a stack to
// records at or above stackLevel.
type enrichHandler struct {
	next       slog.Handler
	stackLevel slog.Level
}

func (h enrichHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}

func (h enrichHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if r.Level >= h.stackLevel {
		var pcs []uintptr
		r.Attrs(func(a slog.Attr) bool {
			if err, ok := a.Value.Any().(error); ok && a.Key == "err" {
				pcs = xerrors.StackOf(err)
				return false
			}
			return true
		})
		if len(pcs) == 0 {
			pcs = make([]uintptr, 64)
			pcs = pcs[:runtime.Callers(1, pcs)]
		}
		r.AddAttrs(slog.String("stack", renderStack(pcs)))
	}
	return h.next.Handle(ctx, r)
}

func (h enrichHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return enrichHandler{next: h.next.WithAttrs(attrs), stackLevel: h.stackLevel}
}

func (h enrichHandler) WithGroup(name string) slog.Handler {
	return enrichHandler{next: h.next.WithGroup(name), stackLevel: h.stackLevel}
}

// internalFrame reports frames that belong to logging or error plumbing
// rather than to the code that produced the record.
func internalFrame(fn string) bool {
	return strings.HasPrefix(fn, "log/slog.") ||
		strings.Contains(fn, "/internal/log.") ||
		strings.Contains(fn, "/internal/xerrors.")
}

// renderStack formats pcs one frame per entry, starting at the first
// non-internal frame and stopping at the runtime.
func renderStack(pcs []uintptr) string {
	frames := runtime.CallersFrames(pcs)
	var b strings.Builder
	started := false
	for {
		fr, more := frames.Next()
		if strings.HasPrefix(fr.Function, "runtime.") {
			break
		}
		if !started && !internalFrame(fr.Function) {
			started = true
		}
		if started {
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
		}
		if !more {
			break
		}
	}
	return strings.TrimSpace(b.String())
}

// errorChain lists the distinct messages down the chain, including the
// branches of errors.Join.
func errorChain(err error) []string {
	var out []string
	var walk func(error)
	walk = func(e error) {
		for ; e != nil; e = errors.Unwrap(e) {
			if msg := e.Error(); len(out) == 0 || out[len(out)-1] != msg {
				out = append(out, msg)
			}
			if j, ok := e.(interface{ Unwrap() []error }); ok {
				for _, branch := range j.Unwrap() {
					walk(branch)
				}
				return
			}
		}
	}
	walk(err)
	return out
}

// errorLinks returns one entry per error in the chain that knows where it was
// created or wrapped.
func errorLinks(err error, max int) []map[string]any {
	var links []map[string]any
	for e := err; e != nil && len(links) < max; e = errors.Unwrap(e) {
		var pc uintptr
		switch v := e.(type) {
		case xerrors.Caller:
			pc = v.PC()
		case xerrors.Stacker:
			pc = firstExternal(v.StackPCs())
		}
		if pc == 0 {
			continue
		}
		fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
		links = append(links, map[string]any{
			"msg":  e.Error(),
			"func": fr.Function,
			"file": fr.File,
			"line": fr.Line,
		})
	}
	return links
}

func firstExternal(pcs []uintptr) uintptr {
	for _, pc := range pcs {
		fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
		if !internalFrame(fr.Function) && !strings.HasPrefix(fr.Function, "runtime.") {
			return pc
		}
	}
	return 0
}

// surfaceType is the type of the first error in the chain that is not a
// plain wrapper, so a store error reads as *net.OpError rather than *fmt.wrapError.
func surfaceType(err error) string {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if xerrors.IsWrapper(e) {
			continue
		}
		if t := fmt.Sprintf("%T", e); t != "*fmt.wrapError" && t != "*fmt.wrapErrors" {
			return t
		}
	}
	return fmt.Sprintf("%T", err)
}
