// Package corelog is the structured-logging wrapper every long-running
// component in this module takes at construction, grounded on the teacher's
// core/log package: a small Logger interface over go.uber.org/zap, with a
// DiscardLogger for tests and hosts that don't want output, and a New(name)
// method for subsystem-scoped child loggers (spec SPEC_FULL.md §2.1).
package corelog

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level mirrors zap's level set without exposing zap types at the call site.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Format selects the log encoder.
type Format int

const (
	// FormatUnstructured is a human-readable console encoding, the default
	// for interactive use (matches the teacher's FormatUnstructured).
	FormatUnstructured Format = iota
	// FormatJSON is a machine-parseable JSON encoding for production hosts.
	FormatJSON
)

type options struct {
	writer io.Writer
	level  Level
	format Format
}

// Option configures a Logger built with New.
type Option func(*options)

func WithWriter(w io.Writer) Option { return func(o *options) { o.writer = w } }
func WithLevel(l Level) Option      { return func(o *options) { o.level = l } }
func WithFormat(f Format) Option    { return func(o *options) { o.format = f } }

// Logger is the subsystem-scoped structured logger interface every
// component depends on. Implementations must be safe for concurrent use.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)

	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)

	Warnln(args ...any)

	// New returns a child Logger scoped to the given subsystem name, e.g.
	// logger.New("GOSSIP"), mirroring the teacher's logger.New("PEERS").
	New(name string) Logger
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// New builds a Logger from options. With no options, it logs at Info level,
// unstructured, to stdout.
func New(opts ...Option) Logger {
	o := &options{writer: os.Stdout, level: LevelInfo, format: FormatUnstructured}
	for _, opt := range opts {
		opt(o)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if o.format == FormatJSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(o.writer), zap.NewAtomicLevelAt(o.level.zapLevel()))
	return &zapLogger{s: zap.New(core).Sugar()}
}

// NewNoOp returns a Logger that discards everything, used as a safe default
// for components (e.g. a client SDK) that should not force logging output.
func NewNoOp() Logger { return discard{} }

// DiscardLogger is the shared no-op Logger, used by tests and as the
// fallback when a constructor receives a nil Logger.
var DiscardLogger Logger = discard{}

func (l *zapLogger) Debug(msg string, kv ...any) { l.s.Debugw(msg, kv...) }
func (l *zapLogger) Info(msg string, kv ...any)  { l.s.Infow(msg, kv...) }
func (l *zapLogger) Warn(msg string, kv ...any)  { l.s.Warnw(msg, kv...) }
func (l *zapLogger) Error(msg string, kv ...any) { l.s.Errorw(msg, kv...) }

func (l *zapLogger) Debugf(format string, args ...any) { l.s.Debugf(format, args...) }
func (l *zapLogger) Infof(format string, args ...any)  { l.s.Infof(format, args...) }
func (l *zapLogger) Warnf(format string, args ...any)  { l.s.Warnf(format, args...) }
func (l *zapLogger) Errorf(format string, args ...any) { l.s.Errorf(format, args...) }

func (l *zapLogger) Warnln(args ...any) { l.s.Warn(args...) }

func (l *zapLogger) New(name string) Logger {
	return &zapLogger{s: l.s.Named(name)}
}

type discard struct{}

func (discard) Debug(string, ...any)   {}
func (discard) Info(string, ...any)    {}
func (discard) Warn(string, ...any)    {}
func (discard) Error(string, ...any)   {}
func (discard) Debugf(string, ...any)  {}
func (discard) Infof(string, ...any)   {}
func (discard) Warnf(string, ...any)   {}
func (discard) Errorf(string, ...any)  {}
func (discard) Warnln(...any)          {}
func (discard) New(string) Logger      { return discard{} }
