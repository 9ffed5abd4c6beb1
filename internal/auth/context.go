package auth

import (
	"context"
	"errors"
)

type ctxKey int

const ctxService ctxKey = iota

func WithService(ctx context.Context, service string) context.Context {
	return context.WithValue(ctx, ctxService, service)
}

func Service(ctx context.Context) (string, error) {
	if s, ok := ctx.Value(ctxService).(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("service not in context")
}
