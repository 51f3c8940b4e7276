package auth

import "github.com/gin-gonic/gin"

const claimsContextKey = "authClaims"

// StoreClaims attaches validated claims to the request context.
func StoreClaims(c *gin.Context, claims *Claims) {
	c.Set(claimsContextKey, claims)
}

// ClaimsFrom returns the validated claims set by the auth middleware, or
// nil when the request is unauthenticated.
func ClaimsFrom(c *gin.Context) *Claims {
	v, ok := c.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*Claims)
	return claims
}
