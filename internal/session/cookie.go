package session

import (
	"crypto/sha256"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"

	"portal-gateway/internal/conf"
)

// pendingLoginMaxAge bounds how long a login attempt may sit between the
// redirect to the IdP and the callback.
const pendingLoginMaxAge = 10 * time.Minute

// PendingLogin is the transient state of an in-flight login. It lives only
// in a signed browser cookie, never in the shared store, and is discarded
// once the callback is processed.
type PendingLogin struct {
	State      string
	Verifier   string
	RedirectTo string
}

// Cookies signs and reads the browser-facing cookies: the opaque session key
// and the transient pending-login state. Values are HMAC-signed and
// encrypted, so the browser only ever carries opaque blobs.
type Cookies struct {
	codec  *securecookie.SecureCookie
	name   string
	secure bool
	maxAge time.Duration
}

// NewCookies derives cookie keys from the configured secret.
func NewCookies(cfg conf.Session) *Cookies {
	// Stretch the configured secret into the fixed-size hash and block
	// keys securecookie expects.
	hashKey := sha256.Sum256([]byte(cfg.CookieSecret + ":hash"))
	blockKey := sha256.Sum256([]byte(cfg.CookieSecret + ":block"))
	return &Cookies{
		codec:  securecookie.New(hashKey[:], blockKey[:]),
		name:   cfg.CookieName,
		secure: cfg.CookieSecure,
		maxAge: cfg.MaxAge,
	}
}

// SessionKey returns the session key carried by the request, if any.
func (c *Cookies) SessionKey(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(c.name)
	if err != nil {
		return "", false
	}
	var key string
	if err := c.codec.Decode(c.name, cookie.Value, &key); err != nil {
		return "", false
	}
	return key, true
}

// SetSessionKey installs the session cookie.
func (c *Cookies) SetSessionKey(w http.ResponseWriter, key string) error {
	value, err := c.codec.Encode(c.name, key)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(c.maxAge.Seconds()),
	})
	return nil
}

// ClearSession removes the session cookie.
func (c *Cookies) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func (c *Cookies) pendingName() string {
	return c.name + "_login"
}

// PendingLogin returns the in-flight login state, if any.
func (c *Cookies) PendingLogin(r *http.Request) (*PendingLogin, bool) {
	cookie, err := r.Cookie(c.pendingName())
	if err != nil {
		return nil, false
	}
	var pending PendingLogin
	if err := c.codec.Decode(c.pendingName(), cookie.Value, &pending); err != nil {
		return nil, false
	}
	return &pending, true
}

// SetPendingLogin stores the in-flight login state for the callback.
func (c *Cookies) SetPendingLogin(w http.ResponseWriter, pending *PendingLogin) error {
	value, err := c.codec.Encode(c.pendingName(), pending)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     c.pendingName(),
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(pendingLoginMaxAge.Seconds()),
	})
	return nil
}

// ClearPendingLogin discards the in-flight login state.
func (c *Cookies) ClearPendingLogin(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.pendingName(),
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
