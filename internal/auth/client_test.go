package auth

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestGenerateCodeVerifier(t *testing.T) {
	v1, err := GenerateCodeVerifier()
	require.NoError(t, err)
	v2, err := GenerateCodeVerifier()
	require.NoError(t, err)

	// RFC 7636: 43-128 characters, and verifiers must be unpredictable.
	assert.GreaterOrEqual(t, len(v1), 43)
	assert.LessOrEqual(t, len(v1), 128)
	assert.NotEqual(t, v1, v2)
}

func TestGenerateCodeChallenge(t *testing.T) {
	// Appendix B of RFC 7636.
	challenge := GenerateCodeChallenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk")
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", challenge)
}

func TestGenerateStateUnique(t *testing.T) {
	s1, err := GenerateState()
	require.NoError(t, err)
	s2, err := GenerateState()
	require.NoError(t, err)
	assert.NotEmpty(t, s1)
	assert.NotEqual(t, s1, s2)
}

func TestOAuthErrorDetails(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
		wantDesc string
		wantOK   bool
	}{
		{
			name: "structured fields",
			err: &oauth2.RetrieveError{
				ErrorCode:        "invalid_grant",
				ErrorDescription: "Token is not active",
			},
			wantCode: "invalid_grant",
			wantDesc: "Token is not active",
			wantOK:   true,
		},
		{
			name: "body fallback",
			err: &oauth2.RetrieveError{
				Body: []byte(`{"error":"invalid_grant","error_description":"Maximum allowed refresh token reuse exceeded"}`),
			},
			wantCode: "invalid_grant",
			wantDesc: "Maximum allowed refresh token reuse exceeded",
			wantOK:   true,
		},
		{
			name:   "wrapped",
			err:    errors.Join(errors.New("outer"), &oauth2.RetrieveError{ErrorCode: "invalid_client"}),
			wantOK: true, wantCode: "invalid_client",
		},
		{
			name:   "plain error",
			err:    errors.New("connection refused"),
			wantOK: false,
		},
		{
			name:   "unparseable body",
			err:    &oauth2.RetrieveError{Body: []byte("gateway timeout")},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, desc, ok := oauthErrorDetails(tt.err)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantDesc, desc)
		})
	}
}

func TestIsReuseDetected(t *testing.T) {
	assert.True(t, isReuseDetected("Maximum allowed refresh token reuse exceeded"))
	assert.False(t, isReuseDetected("Token is not active"))
	assert.False(t, isReuseDetected("Session not active"))
}

func TestStatusCodeMapping(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, StatusCode(ErrNotAuthenticated))
	assert.Equal(t, http.StatusUnauthorized, StatusCode(ErrSessionExpired))
	assert.Equal(t, http.StatusUnauthorized, StatusCode(ErrInvalidRedirect))
	assert.Equal(t, http.StatusConflict, StatusCode(ErrRefreshConflict))
	assert.Equal(t, http.StatusForbidden, StatusCode(ErrTokenExchangeDenied))
	assert.Equal(t, http.StatusBadGateway, StatusCode(ErrIdPUnavailable))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(errors.New("boom")))
}
