package iam

import (
	"net/http"
	"time"

	"github.com/machinaear/iam/server"
)

// Cookie names
const (
	AccessTokenCookie  = "access_token"
	RefreshTokenCookie = "refresh_token"
)

// refreshCookiePath limits the refresh token cookie to the auth endpoints
const refreshCookiePath = "/auth"

func (h *Handler) newCookie(name, value, path string, maxAge int) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   h.config.Cookies.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if h.config.Cookies.Secure {
		c.Secure = true
		c.SameSite = http.SameSiteNoneMode
	}
	if maxAge > 0 {
		c.Expires = time.Now().Add(time.Duration(maxAge) * time.Second)
	}
	return c
}

// setTokenCookies stores a token pair in HttpOnly cookies
func (h *Handler) setTokenCookies(w http.ResponseWriter, tokens *server.TokenPair) {
	http.SetCookie(w, h.newCookie(AccessTokenCookie, tokens.AccessToken, "/", int(tokens.ExpiresIn)))
	if tokens.RefreshToken != "" {
		http.SetCookie(w, h.newCookie(RefreshTokenCookie, tokens.RefreshToken, refreshCookiePath, int(tokens.RefreshExpiresIn)))
	}
}

// clearTokenCookies expires both token cookies
func (h *Handler) clearTokenCookies(w http.ResponseWriter) {
	http.SetCookie(w, h.newCookie(AccessTokenCookie, "", "/", -1))
	http.SetCookie(w, h.newCookie(RefreshTokenCookie, "", refreshCookiePath, -1))
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
