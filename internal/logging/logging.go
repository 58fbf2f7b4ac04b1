// Package logging provides structured logging with zap.
package logging

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	loggerKey contextKey = "logger"
	fieldsKey contextKey = "fields"
)

// Incoming X-Request-ID values longer than this are replaced.
const maxRequestIDLen = 128

var globalLogger *zap.Logger

// Config holds logging configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

// Init initializes the global logger.
func Init(cfg Config) error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var config zap.Config
	if cfg.Format == "console" {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}
	config.Level = zap.NewAtomicLevelAt(level)

	logger, err := config.Build(
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		return err
	}

	globalLogger = logger
	return nil
}

// InitNop installs a logger that discards everything. Used by tests.
func InitNop() {
	globalLogger = zap.NewNop()
}

// Sync flushes any buffered log entries.
func Sync() error {
	if globalLogger != nil {
		return globalLogger.Sync()
	}
	return nil
}

// L returns the global logger, building a production one on first use.
func L() *zap.Logger {
	if globalLogger == nil {
		globalLogger, _ = zap.NewProduction(zap.AddCallerSkip(1))
	}
	return globalLogger
}

// requestFields collects the fields handlers learn while serving a request
// (instance, file_id, storage_id). A later field replaces an earlier one
// with the same key.
type requestFields struct {
	mu     sync.Mutex
	fields []zap.Field
}

func (b *requestFields) add(fields []zap.Field) {
	b.mu.Lock()
	defer b.mu.Unlock()
next:
	for _, f := range fields {
		for i := range b.fields {
			if b.fields[i].Key == f.Key {
				b.fields[i] = f
				continue next
			}
		}
		b.fields = append(b.fields, f)
	}
}

func (b *requestFields) snapshot() []zap.Field {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]zap.Field(nil), b.fields...)
}

// AddFields attaches fields to the request ctx belongs to. Every later
// WithContext logger for that request, and its "request completed" line,
// carries them. Outside Middleware it does nothing.
func AddFields(ctx context.Context, fields ...zap.Field) {
	if bag, ok := ctx.Value(fieldsKey).(*requestFields); ok {
		bag.add(fields)
	}
}

// WithContext returns the request logger from ctx, or the global logger,
// with any fields added through AddFields.
func WithContext(ctx context.Context) *zap.Logger {
	logger, ok := ctx.Value(loggerKey).(*zap.Logger)
	if !ok {
		logger = L()
	}
	if bag, ok := ctx.Value(fieldsKey).(*requestFields); ok {
		if fields := bag.snapshot(); len(fields) > 0 {
			logger = logger.With(fields...)
		}
	}
	return logger
}

func withRequest(ctx context.Context, requestID string) context.Context {
	logger := L().With(zap.String("request_id", requestID))
	ctx = context.WithValue(ctx, loggerKey, logger)
	return context.WithValue(ctx, fieldsKey, &requestFields{})
}

// requestID keeps a client supplied id when it is short printable ASCII.
func requestID(r *http.Request) string {
	id := r.Header.Get("X-Request-ID")
	if id == "" || len(id) > maxRequestIDLen {
		return uuid.NewString()
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return uuid.NewString()
		}
	}
	return id
}

// Debug logs a debug message.
func Debug(msg string, fields ...zap.Field) {
	L().Debug(msg, fields...)
}

// Info logs an info message.
func Info(msg string, fields ...zap.Field) {
	L().Info(msg, fields...)
}

// Warn logs a warning message.
func Warn(msg string, fields ...zap.Field) {
	L().Warn(msg, fields...)
}

// Error logs an error message.
func Error(msg string, fields ...zap.Field) {
	L().Error(msg, fields...)
}

// Fatal logs a fatal message and exits.
func Fatal(msg string, fields ...zap.Field) {
	L().Fatal(msg, fields...)
}

// responseWriter wraps http.ResponseWriter to capture status and size.
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += int64(n)
	return n, err
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware tags each request with an X-Request-ID and logs its outcome,
// including the fields handlers attached with AddFields. Server errors are
// logged at warn level.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := requestID(r)

		ctx := withRequest(r.Context(), id)
		r = r.WithContext(ctx)
		w.Header().Set("X-Request-ID", id)

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		WithContext(ctx).Debug("request started",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("user_agent", r.UserAgent()),
		)

		next.ServeHTTP(rw, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Int64("size", rw.size),
			zap.Duration("duration", time.Since(start)),
		}
		if rctx := chi.RouteContext(ctx); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				fields = append(fields, zap.String("route", pattern))
			}
		}

		logger := WithContext(ctx)
		if rw.status >= http.StatusInternalServerError {
			logger.Warn("request completed", fields...)
		} else {
			logger.Info("request completed", fields...)
		}
	})
}
