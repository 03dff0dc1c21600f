package util

import (
	"context"
	"crypto/rand"

	"github.com/oklog/ulid/v2"
)

type key string

const (
	requestIDKey = key("x-request-id")
	ownerIDKey   = key("owner-id")
)

// WithRequestID returns a context carrying a request id. A new id is generated
// when the provided one is empty.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = NewRequestID()
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID returns the request id from ctx if available.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithOwnerID returns a context carrying the submitting account's owner id.
func WithOwnerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ownerIDKey, id)
}

// GetOwnerID returns the owner id from ctx if available.
func GetOwnerID(ctx context.Context) string {
	id, _ := ctx.Value(ownerIDKey).(string)
	return id
}

// NewRequestID returns a ULID string to use as request correlation id.
func NewRequestID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}
