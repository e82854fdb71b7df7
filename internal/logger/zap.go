package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger backs the Logger interface with go.uber.org/zap, selected
// when LoggingConfig.Backend is "zap". Field conversion happens at the
// call boundary so callers never import zap directly.
type ZapLogger struct {
	base    *zap.Logger
	atom    zap.AtomicLevel
	context context.Context
}

// NewZapLogger builds a ZapLogger at the given level. format selects
// between zap's JSON and console encoders. pretty only re-sets the
// ISO8601 time encoder already in use, so it does not change the
// output; entries are not indented.
func NewZapLogger(level Level, format string, pretty bool) (*ZapLogger, error) {
	atom := zap.NewAtomicLevelAt(toZapLevel(level))

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	encoding := "json"
	if format == "console" {
		encoding = "console"
	}

	cfg := zap.Config{
		Level:            atom,
		Development:      false,
		Encoding:         encoding,
		EncoderConfig:    encCfg,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if pretty {
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	base, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}

	return &ZapLogger{base: base, atom: atom}, nil
}

func toZapLevel(l Level) zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case InfoLevel:
		return zapcore.InfoLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	case FatalLevel:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func fromZapLevel(l zapcore.Level) Level {
	switch l {
	case zapcore.DebugLevel:
		return DebugLevel
	case zapcore.WarnLevel:
		return WarnLevel
	case zapcore.ErrorLevel:
		return ErrorLevel
	case zapcore.FatalLevel:
		return FatalLevel
	default:
		return InfoLevel
	}
}

func toZapFields(fields []Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}

func (l *ZapLogger) Debug(msg string, fields ...Field) { l.base.Debug(msg, toZapFields(fields)...) }
func (l *ZapLogger) Info(msg string, fields ...Field)  { l.base.Info(msg, toZapFields(fields)...) }
func (l *ZapLogger) Warn(msg string, fields ...Field)  { l.base.Warn(msg, toZapFields(fields)...) }
func (l *ZapLogger) Error(msg string, fields ...Field) { l.base.Error(msg, toZapFields(fields)...) }
func (l *ZapLogger) Fatal(msg string, fields ...Field) { l.base.Fatal(msg, toZapFields(fields)...) }

func (l *ZapLogger) WithContext(ctx context.Context) Logger {
	next := *l
	next.context = ctx
	if ctx != nil {
		extra := []zap.Field{}
		if requestID := ctx.Value("request_id"); requestID != nil {
			extra = append(extra, zap.Any("request_id", requestID))
		}
		if traceID := ctx.Value("trace_id"); traceID != nil {
			extra = append(extra, zap.Any("trace_id", traceID))
		}
		if len(extra) > 0 {
			next.base = l.base.With(extra...)
		}
	}
	return &next
}

func (l *ZapLogger) WithFields(fields ...Field) Logger {
	next := *l
	next.base = l.base.With(toZapFields(fields)...)
	return &next
}

func (l *ZapLogger) SetLevel(level Level) { l.atom.SetLevel(toZapLevel(level)) }
func (l *ZapLogger) GetLevel() Level      { return fromZapLevel(l.atom.Level()) }

// Sync flushes any buffered log entries; callers should defer this at
// process shutdown when using the zap backend.
func (l *ZapLogger) Sync() error { return l.base.Sync() }
