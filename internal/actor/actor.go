// Package actor carries the acting user and the originating change source
// on a context.Context. The runtime threads both through every operation
// instead of reading process-wide globals, so backend-initiated calls
// (empty context) are distinguishable from user-driven ones.
package actor

import "context"

// Role names understood by the permission checker.
const (
	RoleUser   = "user"
	RoleEditor = "editor"
	RoleAdmin  = "admin"
	RoleRoot   = "root"
)

// User identifies the person behind a call chain.
type User struct {
	Name string
	Role string
}

type userKey struct{}
type sourceKey struct{}

// WithUser returns a context carrying u.
func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// UserFrom returns the user on ctx, if any. Absence means a
// backend-initiated call, which the permission checker always allows.
func UserFrom(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(userKey{}).(User)
	return u, ok
}

// WithSource returns a context carrying the originating change source.
// Nested SetProperty calls without an explicit source inherit it.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

// SourceFrom returns the execution source on ctx, or "".
func SourceFrom(ctx context.Context) string {
	s, _ := ctx.Value(sourceKey{}).(string)
	return s
}
