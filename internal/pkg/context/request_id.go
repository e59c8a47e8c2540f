package context

import "context"

type requestIDKey struct{}

const fallbackRequestID = "no-request-id"

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func GetRequestID(ctx context.Context) string {
	v := ctx.Value(requestIDKey{})
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// TraceID is the request id, or a fixed placeholder when the request never
// went through the RequestID middleware (background jobs, tests).
func TraceID(ctx context.Context) string {
	if id := GetRequestID(ctx); id != "" {
		return id
	}
	return fallbackRequestID
}
