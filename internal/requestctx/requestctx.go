// Package requestctx carries per-request values through the handler
// chain.
package requestctx

import (
	"context"
	"time"
)

type contextKey string

const (
	requestIDKey   contextKey = "request_id"
	requestTimeKey contextKey = "request_time"
	functionIDKey  contextKey = "function_id"
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func WithRequestTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, requestTimeKey, t)
}

// WithFunctionID records which function a request routed to, for log
// correlation downstream of the router.
func WithFunctionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, functionIDKey, id)
}

func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func RequestTime(ctx context.Context) time.Time {
	if t, ok := ctx.Value(requestTimeKey).(time.Time); ok {
		return t
	}
	return time.Time{}
}

func FunctionID(ctx context.Context) string {
	if id, ok := ctx.Value(functionIDKey).(string); ok {
		return id
	}
	return ""
}
