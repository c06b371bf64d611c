// Package authtest provides a fake OpenID Connect provider for tests:
// discovery, JWKS, a scriptable token endpoint and a recording revocation
// endpoint.
package authtest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
)

const keyID = "test-key"

// IdP is a fake identity provider backed by httptest.
type IdP struct {
	server *httptest.Server
	key    *rsa.PrivateKey

	mu sync.Mutex
	// TokenHandler serves POST /token. Tests script it per scenario; the
	// default responds 500.
	TokenHandler http.HandlerFunc
	// RevocationStatus is returned by POST /revoke (default 200).
	RevocationStatus int
	revokedTokens    []string
}

// New starts a fake IdP. The server is closed via t.Cleanup.
func New(t *testing.T) *IdP {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}

	idp := &IdP{key: key, RevocationStatus: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", idp.discovery)
	mux.HandleFunc("/jwks", idp.jwks)
	mux.HandleFunc("/token", idp.token)
	mux.HandleFunc("/revoke", idp.revoke)

	idp.server = httptest.NewServer(mux)
	t.Cleanup(idp.server.Close)
	return idp
}

// URL is the issuer URL.
func (i *IdP) URL() string {
	return i.server.URL
}

// LogoutEndpoint is the advertised end_session_endpoint.
func (i *IdP) LogoutEndpoint() string {
	return i.server.URL + "/logout"
}

// SetTokenHandler scripts the token endpoint.
func (i *IdP) SetTokenHandler(h http.HandlerFunc) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.TokenHandler = h
}

// RevokedTokens returns the tokens received at the revocation endpoint.
func (i *IdP) RevokedTokens() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.revokedTokens...)
}

// IDToken mints a signed ID token for the given client and subject.
// Extra claims overlay the defaults (name, email can be overridden or
// removed by setting nil).
func (i *IdP) IDToken(t *testing.T, clientID, subject string, extra map[string]any) string {
	t.Helper()

	claims := map[string]any{
		"iss":   i.server.URL,
		"aud":   clientID,
		"sub":   subject,
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Unix(),
		"name":  "Test User",
		"email": "test@example.com",
	}
	for k, v := range extra {
		if v == nil {
			delete(claims, k)
			continue
		}
		claims[k] = v
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("failed to marshal claims: %v", err)
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: i.key},
		(&jose.SignerOptions{}).WithHeader("kid", keyID).WithType("JWT"),
	)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		t.Fatalf("failed to sign ID token: %v", err)
	}
	raw, err := jws.CompactSerialize()
	if err != nil {
		t.Fatalf("failed to serialize ID token: %v", err)
	}
	return raw
}

// WriteTokenResponse writes a standard token-endpoint success body.
func WriteTokenResponse(w http.ResponseWriter, accessToken, refreshToken, idToken string, expiresIn int) {
	resp := map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   expiresIn,
	}
	if refreshToken != "" {
		resp["refresh_token"] = refreshToken
	}
	if idToken != "" {
		resp["id_token"] = idToken
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// WriteOAuthError writes a structured OAuth error body.
func WriteOAuthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func (i *IdP) discovery(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{
		"issuer": %q,
		"authorization_endpoint": %q,
		"token_endpoint": %q,
		"jwks_uri": %q,
		"end_session_endpoint": %q,
		"revocation_endpoint": %q,
		"id_token_signing_alg_values_supported": ["RS256"]
	}`, i.server.URL, i.server.URL+"/auth", i.server.URL+"/token",
		i.server.URL+"/jwks", i.server.URL+"/logout", i.server.URL+"/revoke")
}

func (i *IdP) jwks(w http.ResponseWriter, _ *http.Request) {
	set := jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       &i.key.PublicKey,
			KeyID:     keyID,
			Algorithm: "RS256",
			Use:       "sig",
		}},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(set)
}

func (i *IdP) token(w http.ResponseWriter, r *http.Request) {
	i.mu.Lock()
	handler := i.TokenHandler
	i.mu.Unlock()
	if handler == nil {
		http.Error(w, "no token handler scripted", http.StatusInternalServerError)
		return
	}
	handler(w, r)
}

func (i *IdP) revoke(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	i.mu.Lock()
	i.revokedTokens = append(i.revokedTokens, r.Form.Get("token"))
	status := i.RevocationStatus
	i.mu.Unlock()
	w.WriteHeader(status)
}
