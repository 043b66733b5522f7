// Package http provides net/http middleware for the webhook server.
package http

import (
	"fmt"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Config holds middleware configuration
type Config struct {
	// Logger receives one line per request (required)
	Logger subsync.Logger

	// SkipPaths are not logged (e.g. health checks)
	SkipPaths []string
}

// AccessLog logs method, path, status and duration of every request. It plugs a
// subsync.Logger formatter into chi's RequestLogger.
func AccessLog(config Config) func(http.Handler) http.Handler {
	logger := config.Logger
	if logger == nil {
		logger = &subsync.NoopLogger{}
	}
	skip := make(map[string]struct{}, len(config.SkipPaths))
	for _, p := range config.SkipPaths {
		skip[p] = struct{}{}
	}
	requestLogger := chimiddleware.RequestLogger(&logFormatter{logger: logger})

	return func(next http.Handler) http.Handler {
		logged := requestLogger(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			logged.ServeHTTP(w, r)
		})
	}
}

type logFormatter struct {
	logger subsync.Logger
}

func (f *logFormatter) NewLogEntry(r *http.Request) chimiddleware.LogEntry {
	return &logEntry{
		logger: f.logger,
		fields: []subsync.Field{
			{Key: "method", Value: r.Method},
			{Key: "path", Value: r.URL.Path},
			{Key: "request_id", Value: chimiddleware.GetReqID(r.Context())},
		},
	}
}

type logEntry struct {
	logger subsync.Logger
	fields []subsync.Field
}

// Write is called by chi once the handler returns. A handler that never wrote
// anything gets a 200 from net/http, so status 0 is reported as 200.
func (e *logEntry) Write(status, bytes int, _ http.Header, elapsed time.Duration, _ interface{}) {
	if status == 0 {
		status = http.StatusOK
	}
	fields := append(e.fields,
		subsync.Field{Key: "status", Value: status},
		subsync.Field{Key: "bytes", Value: bytes},
		subsync.Field{Key: "duration_ms", Value: elapsed.Milliseconds()},
	)
	switch {
	case status >= http.StatusInternalServerError:
		e.logger.Error("request failed", fields...)
	case status >= http.StatusBadRequest:
		e.logger.Warn("request rejected", fields...)
	default:
		e.logger.Info("request served", fields...)
	}
}

func (e *logEntry) Panic(v interface{}, stack []byte) {
	fields := append(e.fields,
		subsync.Field{Key: "panic", Value: fmt.Sprint(v)},
		subsync.Field{Key: "stack", Value: string(stack)},
	)
	e.logger.Error("request panicked", fields...)
}
