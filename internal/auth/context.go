package auth

import (
	"context"
	"errors"
)

// ErrNoIdentity is returned when a request reached a handler without a
// verified token.
var ErrNoIdentity = errors.New("auth: no identity in context")

// Identity is the verified caller of a request or websocket connection.
type Identity struct {
	UserID string
	Role   string
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, userID, role string) context.Context {
	return context.WithValue(ctx, ctxKey{}, Identity{UserID: userID, Role: role})
}

// FromContext returns the identity stored by RequireAccessToken. A missing
// or empty user id counts as no identity.
func FromContext(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	if !ok || id.UserID == "" {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}

func UserID(ctx context.Context) (string, error) {
	id, err := FromContext(ctx)
	if err != nil {
		return "", err
	}
	return id.UserID, nil
}

func Role(ctx context.Context) (string, error) {
	id, err := FromContext(ctx)
	if err != nil || id.Role == "" {
		return "", errors.New("auth: role not in context")
	}
	return id.Role, nil
}
