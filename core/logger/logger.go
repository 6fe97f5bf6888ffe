// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package logger provides a request scoped logrus entry.

Every request gets an entry with a requestID field. The request ID doubles as the
trace identifier of the response envelope, so a log line and the response a client
received can always be correlated. Callers pass their own ID with the X-Trace-Id header.
*/
package logger

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TraceHeader is the HTTP header used to pass and echo the trace identifier
const TraceHeader = "X-Trace-Id"

// Type for the context keys
type contextKeyRequestLoggerType struct{}

var contextKeyRequestLogger = &contextKeyRequestLoggerType{}

const (
	requestIDLoggerKey string = "requestID"
	identityLoggerKey  string = "identity"
)

// InitLogger sets up the custom time formatter for all log statements.
func InitLogger(logLevel logrus.Level) {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02 15:04:05"
	customFormatter.FullTimestamp = true
	logrus.SetFormatter(customFormatter)
	logrus.SetLevel(logLevel)
}

// AddRequestID adds a logger with a request ID to every request. The ID is taken from the
// X-Trace-Id header if the caller sent one, otherwise a new one is generated. The ID is
// echoed in the response header.
func AddRequestID(router *mux.Router) {
	router.Use(Middleware)
}

// Middleware is the handler form of AddRequestID, for handlers which are not mux routers
func Middleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if traceID := r.Header.Get(TraceHeader); len(traceID) > 0 && len(traceID) <= 128 {
			ctx, _ = ContextWithTraceID(ctx, traceID)
		} else {
			ctx, _ = ContextWithLogger(ctx)
		}
		w.Header().Set(TraceHeader, RequestIDFromContext(ctx))
		h.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Default returns a logger without a request ID.
func Default() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

// ContextWithLogger returns a new context with a logger if the given context has no logger yet. If
// the context already has a logger the given context will be returned.
func ContextWithLogger(ctx context.Context) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	} else {
		rlog := loggerFromContext(ctx)
		if rlog != nil {
			return ctx, rlog
		}
	}
	return ContextWithTraceID(ctx, uuid.New().String())
}

// ContextWithTraceID returns a new context with a logger using the given trace ID as request ID.
// An existing logger in the context is replaced.
func ContextWithTraceID(ctx context.Context, traceID string) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	}
	rlog := logrus.WithField(requestIDLoggerKey, traceID)
	return context.WithValue(ctx, contextKeyRequestLogger, rlog), rlog
}

func loggerFromContext(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return nil
	}
	rlog, ok := ctx.Value(contextKeyRequestLogger).(*logrus.Entry)
	if !ok {
		return nil
	}
	return rlog
}

// FromContext returns the logger from the context. If the context does not have a logger
// a new logger is returned. If the provided context is nil, the default logger will be
// returned.
func FromContext(ctx context.Context) *logrus.Entry {
	rlog := loggerFromContext(ctx)
	if rlog == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return rlog
}

// ContextWithLoggerIdentity returns a new context with a logger and identity.
func ContextWithLoggerIdentity(ctx context.Context, identity string) (context.Context, *logrus.Entry) {
	var rlog *logrus.Entry
	ctx, rlog = ContextWithLogger(ctx)
	rlog = rlog.WithField(identityLoggerKey, identity)
	ctx = context.WithValue(ctx, contextKeyRequestLogger, rlog)
	return ctx, rlog
}

// RequestIDFromContext returns the request id for the given context, or an
// empty string if the context carries no logger.
func RequestIDFromContext(ctx context.Context) string {
	rlog := loggerFromContext(ctx)
	if rlog == nil {
		return ""
	}
	if s, ok := rlog.Data[requestIDLoggerKey].(string); ok {
		return s
	}
	return ""
}
