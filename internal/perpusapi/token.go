package perpusapi

import "context"

type tokenKey struct{}

// WithToken сохраняет bearer-токен вызывающего в контексте.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFromContext возвращает bearer-токен из контекста.
func TokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(tokenKey{}).(string)
	return token, ok && token != ""
}
