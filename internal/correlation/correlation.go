// Package correlation carries a message correlation id through context so
// that messages published while handling a delivery inherit the id of the
// delivery that caused them.
package correlation

import (
	"context"
	"strings"

	"pkt.systems/taskd/internal/ids"
)

// MaxIDLength bounds accepted correlation ids.
const MaxIDLength = 128

type contextKey struct{}

// With returns ctx carrying id. Invalid ids leave ctx unchanged.
func With(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID returns the correlation id on ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Resolve picks the id for an outgoing message: explicit wins, then the id
// on ctx, then a fresh one.
func Resolve(ctx context.Context, explicit string) string {
	if id, ok := Normalize(explicit); ok {
		return id
	}
	if id := ID(ctx); id != "" {
		return id
	}
	return Generate()
}

// Normalize trims id and rejects empty, overlong or non-printable values.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate returns a new correlation id.
func Generate() string {
	return ids.NewMessage()
}
