package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// RFC 8693 token-exchange constants.
const (
	grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
	tokenTypeAccessToken   = "urn:ietf:params:oauth:token-type:access_token"

	defaultExchangeScope = "openid profile email"
)

// TokenExchanger mints audience-scoped access tokens for downstream services
// via the RFC 8693 token-exchange grant. Exchange is read-only with respect
// to the session: it never mutates the stored tokens, and results are not
// cached across requests.
type TokenExchanger struct {
	idp    *OIDCClient
	scope  string
	logger *slog.Logger
}

// NewTokenExchanger creates the token exchange service.
func NewTokenExchanger(idp *OIDCClient, logger *slog.Logger) *TokenExchanger {
	return &TokenExchanger{idp: idp, scope: defaultExchangeScope, logger: logger}
}

// DownstreamToken exchanges the principal's access token for one scoped to
// the given audience. Client-type rejections surface as
// ErrTokenExchangeDenied, transient IdP failures as ErrIdPUnavailable.
func (t *TokenExchanger) DownstreamToken(ctx context.Context, p *Principal, audience string) (string, error) {
	if p == nil || p.accessToken == "" {
		return "", ErrNotAuthenticated
	}

	form := url.Values{
		"grant_type":           {grantTypeTokenExchange},
		"client_id":            {t.idp.clientID},
		"subject_token":        {p.accessToken},
		"subject_token_type":   {tokenTypeAccessToken},
		"requested_token_type": {tokenTypeAccessToken},
		"audience":             {audience},
		"scope":                {t.scope},
	}
	if t.idp.clientSecret != "" {
		form.Set("client_secret", t.idp.clientSecret)
	}
	if t.idp.issuer != "" {
		form.Set("subject_issuer", t.idp.issuer)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.idp.tokenEndpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.idp.httpClient.Do(req)
	if err != nil {
		t.logger.Error("token exchange request failed",
			"audience", audience, "subject", p.Subject, "error", err)
		return "", fmt.Errorf("%w: %v", ErrIdPUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: reading exchange response: %v", ErrIdPUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// handled below
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		t.logger.Warn("token exchange rejected",
			"audience", audience, "subject", p.Subject, "status", resp.StatusCode)
		return "", fmt.Errorf("%w: audience %q, status %d", ErrTokenExchangeDenied, audience, resp.StatusCode)
	default:
		t.logger.Error("token exchange failed upstream",
			"audience", audience, "subject", p.Subject, "status", resp.StatusCode)
		return "", fmt.Errorf("%w: status %d", ErrIdPUnavailable, resp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.AccessToken == "" {
		return "", fmt.Errorf("%w: malformed exchange response", ErrIdPUnavailable)
	}
	return payload.AccessToken, nil
}
