package auth

import "context"

type contextKey struct{}

// WithEmail returns a copy of ctx carrying the authenticated user's email.
func WithEmail(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, contextKey{}, email)
}

// EmailFromContext returns the authenticated email stored by WithEmail.
func EmailFromContext(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(contextKey{}).(string)
	return email, ok && email != ""
}
