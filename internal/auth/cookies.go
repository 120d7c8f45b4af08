package auth

import (
	"net/http"
	"time"
)

const (
	AccessCookieName  = "access_token"
	RefreshCookieName = "refresh_token"

	AccessCookiePath  = "/"
	RefreshCookiePath = "/api/auth/refresh"
)

// CookieTransport carries the token pair in HttpOnly cookies. The refresh
// cookie is scoped to the refresh endpoint so browsers send it nowhere else.
type CookieTransport struct {
	secure     bool
	domain     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewCookieTransport(secure bool, domain string, accessTTL, refreshTTL time.Duration) *CookieTransport {
	return &CookieTransport{
		secure:     secure,
		domain:     domain,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

func (c *CookieTransport) SetTokens(w http.ResponseWriter, pair *TokenPair) {
	http.SetCookie(w, c.cookie(AccessCookieName, pair.AccessToken, AccessCookiePath, int(c.accessTTL.Seconds())))
	http.SetCookie(w, c.cookie(RefreshCookieName, pair.RefreshToken, RefreshCookiePath, int(c.refreshTTL.Seconds())))
}

// Clear expires both cookies with the same path and flags they were set with.
func (c *CookieTransport) Clear(w http.ResponseWriter) {
	for _, ck := range []*http.Cookie{
		c.cookie(AccessCookieName, "", AccessCookiePath, -1),
		c.cookie(RefreshCookieName, "", RefreshCookiePath, -1),
	} {
		ck.Expires = time.Unix(0, 0)
		http.SetCookie(w, ck)
	}
}

func (c *CookieTransport) cookie(name, value, path string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   c.domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (c *CookieTransport) AccessToken(r *http.Request) (string, bool) {
	return cookieValue(r, AccessCookieName)
}

func (c *CookieTransport) RefreshToken(r *http.Request) (string, bool) {
	return cookieValue(r, RefreshCookieName)
}

func cookieValue(r *http.Request, name string) (string, bool) {
	ck, err := r.Cookie(name)
	if err != nil || ck.Value == "" {
		return "", false
	}
	return ck.Value, true
}
