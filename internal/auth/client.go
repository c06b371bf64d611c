package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"portal-gateway/internal/conf"
)

// IdentityClaims are the userinfo claims captured once at login.
type IdentityClaims struct {
	Subject string
	Name    string
	Email   string
}

// TokenResponse is the result of a code-exchange or refresh call.
// RefreshToken is empty when the IdP did not rotate; the caller keeps the
// previous one in that case. ExpiresAt is absolute, computed at receipt.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64
	Claims       IdentityClaims
}

// OIDCClient wraps the identity provider operations the gateway needs:
// authorization-code exchange (with PKCE), refresh grant and RFC 7009
// revocation. Calls are synchronous with a short timeout and no internal
// retry; retrying is the caller's responsibility. The client holds no
// session-scoped state and is safe to share across requests.
type OIDCClient struct {
	provider     *oidc.Provider
	verifier     *oidc.IDTokenVerifier
	oauth2Config oauth2.Config
	httpClient   *http.Client

	issuer       string
	clientID     string
	clientSecret string
	nameClaim    string
	emailClaim   string

	tokenEndpoint         string
	endSessionEndpoint    string
	revocationEndpoint    string
	postLogoutRedirectURI string
}

// discoveryExtra holds provider metadata go-oidc does not expose directly.
type discoveryExtra struct {
	EndSessionEndpoint string `json:"end_session_endpoint"`
	RevocationEndpoint string `json:"revocation_endpoint"`
}

// NewOIDCClient discovers the provider configuration and prepares the
// OAuth2 client.
func NewOIDCClient(ctx context.Context, cfg *conf.OIDC, redirectURL string) (*OIDCClient, error) {
	httpClient := &http.Client{Timeout: cfg.Timeout}

	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	var extra discoveryExtra
	if err := provider.Claims(&extra); err != nil {
		return nil, fmt.Errorf("failed to read provider metadata: %w", err)
	}

	oauth2Config := oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     provider.Endpoint(),
		Scopes:       cfg.Scopes,
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID: cfg.ClientID,
	})

	return &OIDCClient{
		provider:              provider,
		verifier:              verifier,
		oauth2Config:          oauth2Config,
		httpClient:            httpClient,
		issuer:                cfg.Issuer,
		clientID:              cfg.ClientID,
		clientSecret:          cfg.ClientSecret,
		nameClaim:             cfg.NameClaim,
		emailClaim:            cfg.EmailClaim,
		tokenEndpoint:         provider.Endpoint().TokenURL,
		endSessionEndpoint:    extra.EndSessionEndpoint,
		revocationEndpoint:    extra.RevocationEndpoint,
		postLogoutRedirectURI: cfg.PostLogoutRedirectURI,
	}, nil
}

// AuthCodeURL returns the authorization URL with state and PKCE parameters.
func (c *OIDCClient) AuthCodeURL(state, codeChallenge string) string {
	return c.oauth2Config.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// ExchangeCode exchanges an authorization code for tokens using PKCE, then
// verifies the ID token and extracts the configured identity claims. A
// missing subject, name or email claim is a login failure.
func (c *OIDCClient) ExchangeCode(ctx context.Context, code, codeVerifier string) (*TokenResponse, error) {
	ctx = c.clientContext(ctx)

	token, err := c.oauth2Config.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", codeVerifier),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, errors.New("no id_token in token response")
	}
	idToken, err := c.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse ID token claims: %w", err)
	}

	identity := IdentityClaims{Subject: idToken.Subject}
	if identity.Name, ok = claims[c.nameClaim].(string); !ok || identity.Name == "" {
		return nil, fmt.Errorf("ID token missing required claim %q", c.nameClaim)
	}
	if identity.Email, ok = claims[c.emailClaim].(string); !ok || identity.Email == "" {
		return nil, fmt.Errorf("ID token missing required claim %q", c.emailClaim)
	}

	return &TokenResponse{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    expiresAt(token),
		Claims:       identity,
	}, nil
}

// Refresh performs a refresh_token grant. No internal retry; classification
// of failures is up to the caller.
func (c *OIDCClient) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	tokenSource := c.oauth2Config.TokenSource(c.clientContext(ctx), &oauth2.Token{
		RefreshToken: refreshToken,
	})
	token, err := tokenSource.Token()
	if err != nil {
		return nil, err
	}

	resp := &TokenResponse{
		AccessToken: token.AccessToken,
		ExpiresAt:   expiresAt(token),
	}
	// oauth2 echoes the input token back when the IdP did not rotate;
	// report rotation only.
	if token.RefreshToken != refreshToken {
		resp.RefreshToken = token.RefreshToken
	}
	return resp, nil
}

// Revoke revokes a refresh token at the IdP (RFC 7009). A provider without a
// revocation endpoint is not an error.
func (c *OIDCClient) Revoke(ctx context.Context, refreshToken string) error {
	if c.revocationEndpoint == "" {
		return nil
	}

	form := url.Values{
		"token":           {refreshToken},
		"token_type_hint": {"refresh_token"},
		"client_id":       {c.clientID},
	}
	if c.clientSecret != "" {
		form.Set("client_secret", c.clientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revocationEndpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revocation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revocation failed with status %d", resp.StatusCode)
	}
	return nil
}

// LogoutURL builds the RP-initiated logout URL.
func (c *OIDCClient) LogoutURL() string {
	if c.endSessionEndpoint == "" {
		return c.postLogoutRedirectURI
	}
	u, err := url.Parse(c.endSessionEndpoint)
	if err != nil {
		return c.postLogoutRedirectURI
	}
	q := u.Query()
	q.Set("client_id", c.clientID)
	if c.postLogoutRedirectURI != "" {
		q.Set("post_logout_redirect_uri", c.postLogoutRedirectURI)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// clientContext makes oauth2 use the timeout-bounded HTTP client.
func (c *OIDCClient) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func expiresAt(token *oauth2.Token) int64 {
	if token.Expiry.IsZero() {
		return 0
	}
	return token.Expiry.Unix()
}

// oauthErrorDetails extracts the OAuth error code and description from a
// failed token-endpoint call, when the IdP returned a structured error body.
func oauthErrorDetails(err error) (code, description string, ok bool) {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return "", "", false
	}
	if retrieveErr.ErrorCode != "" {
		return retrieveErr.ErrorCode, retrieveErr.ErrorDescription, true
	}
	var body struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if jsonErr := json.Unmarshal(retrieveErr.Body, &body); jsonErr != nil || body.Error == "" {
		return "", "", false
	}
	return body.Error, body.ErrorDescription, true
}

// === CSRF state and PKCE support ===

// GenerateState generates a random CSRF state parameter.
func GenerateState() (string, error) {
	data := make([]byte, 32)
	if _, err := rand.Read(data); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// GenerateCodeVerifier generates a random code verifier for PKCE.
// Returns a base64-url-encoded random string (43-128 characters).
func GenerateCodeVerifier() (string, error) {
	// Generate 32 random bytes (will be 43 chars after base64url encoding)
	data := make([]byte, 32)
	if _, err := rand.Read(data); err != nil {
		return "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	// Base64-URL encode without padding
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// GenerateCodeChallenge generates a code challenge from the verifier.
// Uses SHA256 and base64-url encoding as per RFC 7636.
func GenerateCodeChallenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}
