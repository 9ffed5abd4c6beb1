package auth

import "github.com/golang-jwt/jwt/v5"

// Scopes a service token may carry. Read covers the observability endpoints;
// admin additionally allows force-ending calls and editing the blocklist.
const (
	ScopeRead  = "read"
	ScopeAdmin = "admin"
)

// Claims are the only supported token shape for the admin surface. Tokens
// identify calling services, not people; there is no user login here.
type Claims struct {
	jwt.RegisteredClaims

	Service string `json:"service"`
	Scope   string `json:"scope"`
}

// allows reports whether the token's scope covers the required one. Admin
// implies read.
func (c Claims) allows(required string) bool {
	if c.Scope == required {
		return true
	}
	return c.Scope == ScopeAdmin && required == ScopeRead
}
