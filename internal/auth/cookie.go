package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CookieName is the session token cookie.
const CookieName = "la_session"

// SetSessionCookie writes the auth cookie with the given max age in seconds.
func SetSessionCookie(c *gin.Context, token string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(CookieName, token, maxAge, "/", "", false, true)
}

// ClearSessionCookie expires the auth cookie.
func ClearSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(CookieName, "", -1, "/", "", false, true)
}
