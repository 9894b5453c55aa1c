package logger

import "context"

// ctxKey keeps the request id entry private to this package.
type ctxKey struct{}

var requestIDKey = ctxKey{}

// WithRequestID stores a request id in the context so handlers deep in
// the session layer can correlate their log lines with the HTTP request
// that triggered them.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id from the context, or "" when the
// work was not started by an HTTP request (sweeper, shutdown).
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
