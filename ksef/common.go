package ksef

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

type nipKey struct{}
type fetchIDKey struct{}
type authReference struct{}

func Context(ctx context.Context, nip string) context.Context {
	return context.WithValue(ctx, nipKey{}, nip)
}

func ContextWithFetchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, fetchIDKey{}, id)
}

func ContextWithAuthReference(ctx context.Context, ref string) context.Context {
	return context.WithValue(ctx, authReference{}, ref)
}

func NipFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(nipKey{}).(string)
	return v, ok
}

func FetchIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(fetchIDKey{}).(string)
	return v, ok
}

func AuthReferenceFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(authReference{}).(string)
	return v, ok
}

// WithContextFields dokleja do wpisu loggera NIP oraz identyfikatory pobrania i uwierzytelnienia z ctx.
func WithContextFields(ctx context.Context, entry *logrus.Entry) *logrus.Entry {
	fields := logrus.Fields{}
	if nip, ok := NipFromContext(ctx); ok && nip != "" {
		fields["nip"] = nip
	}
	if id, ok := FetchIDFromContext(ctx); ok && id != "" {
		fields["fetch_id"] = id
	}
	if ref, ok := AuthReferenceFromContext(ctx); ok && ref != "" {
		fields["auth_ref"] = ref
	}
	if len(fields) == 0 {
		return entry
	}
	return entry.WithFields(fields)
}

var (
	// ErrUnauthorized ogólny marker dla 401
	ErrUnauthorized = errors.New("ksef unauthorized")
	ErrForbidden    = errors.New("ksef forbidden")
	ErrNoNip        = errors.New("no NIP given")
	ErrNoToken      = errors.New("no KSeF token given")
)
