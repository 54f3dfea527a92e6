// Package log provides structured logging utilities for the SYNC PoDD services.
// It wraps the standard library's slog package with domain-specific helpers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	svcerrors "github.com/ymode/SyntheticCoin-SYNC/pkg/errors"
)

// Logger wraps slog.Logger with service context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// Options controls where and how log records are written
type Options struct {
	Level  string
	Format string
	// File, when set, additionally writes records to a rotating log file.
	File       string
	MaxSizeMB  int
	MaxAgeDays int
	Output     io.Writer
}

// New creates a new logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithOptions(service, version, Options{Level: level, Format: format})
}

// NewWithOptions creates a new logger with explicit output options
func NewWithOptions(service, version string, opts Options) *Logger {
	logLevel := parseLevel(opts.Level)

	handlerOpts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var out io.Writer = os.Stdout
	if opts.Output != nil {
		out = opts.Output
	}
	if opts.File != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		maxAge := opts.MaxAgeDays
		if maxAge <= 0 {
			maxAge = 28
		}
		out = io.MultiWriter(out, &lumberjack.Logger{
			Filename: opts.File,
			MaxSize:  maxSize,
			MaxAge:   maxAge,
			Compress: true,
		})
	}

	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "text":
		handler = slog.NewTextHandler(out, handlerOpts)
	default:
		handler = slog.NewJSONHandler(out, handlerOpts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// Nop returns a logger that discards everything, for tests and optional wiring
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

type ctxKey string

// RequestIDKey is the context key carrying an HTTP request id
const RequestIDKey ctxKey = "request_id"

// WithContext returns a logger enriched with values carried by ctx
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if reqID := ctx.Value(RequestIDKey); reqID != nil {
		return l.WithFields("request_id", reqID)
	}
	return l
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithDevice returns a logger scoped to one device
func (l *Logger) WithDevice(deviceID string) *Logger {
	return l.WithFields("device_id", deviceID)
}

// WithSquad returns a logger scoped to one squad
func (l *Logger) WithSquad(squadID string) *Logger {
	return l.WithFields("squad_id", squadID)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	args := []any{"error", err.Error()}
	if t := svcerrors.TypeOf(err); t != "" {
		args = append(args, "error_type", string(t))
	}
	if ctx := svcerrors.GetContext(err); len(ctx) > 0 {
		args = append(args, slog.Any("error_context", ctx))
	}
	return l.WithFields(args...)
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, duration int64) {
	l.Debug("operation completed",
		"operation", operation,
		"duration_ns", duration,
		"duration_ms", float64(duration)/1e6,
	)
}

// LogVerification logs the outcome of a device distribution check
func (l *Logger) LogVerification(deviceCount int, valid bool, confidence float64, reason string, suspiciousPairs int) {
	level := slog.LevelInfo
	if !valid {
		level = slog.LevelWarn
	}
	l.Log(context.Background(), level, "device distribution verified",
		"device_count", deviceCount,
		"is_valid", valid,
		"confidence", confidence,
		"reason", reason,
		"suspicious_pairs", suspiciousPairs,
	)
}

// LogShareTelemetry logs a telemetry update folded into a fingerprint (debug level)
func (l *Logger) LogShareTelemetry(deviceID string, nonce uint64, hashrate float64, source string) {
	l.Debug("share telemetry applied",
		"device_id", deviceID,
		"nonce", nonce,
		"hashrate", hashrate,
		"source", source,
	)
}

// LogSquadFormed logs successful squad formation
func (l *Logger) LogSquadFormed(squadID string, members []string, totalHashrate float64) {
	l.Info("squad formed",
		"squad_id", squadID,
		"members", members,
		"member_count", len(members),
		"total_hashrate", totalHashrate,
	)
}

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}
