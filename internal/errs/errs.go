package errs

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
)

// Wrap adds context and keeps the chain intact for errors.Is/As.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

const maxFrames = 32

// Traced is an error annotated with the call site that first saw it.
type Traced struct {
	err error
	pcs []uintptr
}

// Trace records the caller's frames on err. Errors already traced somewhere
// in their chain are returned unchanged, so only the innermost site is kept.
func Trace(err error) error {
	if err == nil {
		return nil
	}
	var t *Traced
	if errors.As(err, &t) {
		return err
	}
	pcs := make([]uintptr, maxFrames)
	n := runtime.Callers(2, pcs)
	return &Traced{err: err, pcs: pcs[:n]}
}

func (t *Traced) Error() string { return t.err.Error() }
func (t *Traced) Unwrap() error { return t.err }

// Frames renders the recorded call sites as "func file:line", innermost first.
func (t *Traced) Frames() []string {
	out := make([]string, 0, len(t.pcs))
	frames := runtime.CallersFrames(t.pcs)
	for {
		f, more := frames.Next()
		if f.Function != "" {
			out = append(out, f.Function+" "+f.File+":"+strconv.Itoa(f.Line))
		}
		if !more {
			return out
		}
	}
}

// Loggable renders an error as a slog group with its message, its unwrap
// chain and, for traced errors, the frames of the first failure.
func Loggable(err error) slog.LogValuer { return loggable{err} }

type loggable struct{ err error }

func (l loggable) LogValue() slog.Value {
	if l.err == nil {
		return slog.GroupValue()
	}
	attrs := []slog.Attr{
		slog.String("message", l.err.Error()),
		slog.Any("chain", Chain(l.err)),
	}
	var t *Traced
	if errors.As(l.err, &t) {
		attrs = append(attrs, slog.Any("frames", t.Frames()))
	}
	return slog.GroupValue(attrs...)
}

// Chain returns the unwrap chain, outermost first.
func Chain(err error) []string {
	var out []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		out = append(out, e.Error())
	}
	return out
}
