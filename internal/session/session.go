// Package session persists per-browser-session authentication state in a
// shared store so that any gateway replica can serve any session.
package session

import (
	"context"
	"encoding/json"
	"fmt"
)

// SchemaVersion is the current AuthState record version. Stored records
// carrying a different version are treated as absent, forcing a clean
// re-login instead of a decode failure on stale data.
const SchemaVersion = 1

// User is the display identity captured once at login.
type User struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// AuthState is the authentication state of one browser session.
//
// AccessToken, RefreshToken and ExpiresAt are always written together from a
// single refresh response; stores replace the whole record per key, so a
// reader never observes a half-updated token pair.
type AuthState struct {
	Version      int    `json:"v"`
	Subject      string `json:"subject"`
	User         User   `json:"user"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

// Store is the session store contract. Implementations must replace the
// stored value atomically per key; last-writer-wins at whole-value
// granularity is acceptable, partial field merges are not.
type Store interface {
	// Get returns the state for key, or nil if no session exists.
	Get(ctx context.Context, key string) (*AuthState, error)
	// New allocates an opaque session key and stores auth under it.
	New(ctx context.Context, auth *AuthState) (string, error)
	// Set replaces the state stored under key.
	Set(ctx context.Context, key string, auth *AuthState) error
	// Delete removes the session. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Close() error
}

func encodeAuthState(auth *AuthState) ([]byte, error) {
	rec := *auth
	rec.Version = SchemaVersion
	data, err := json.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session record: %w", err)
	}
	return data, nil
}

// decodeAuthState returns nil for records of an unknown schema version.
func decodeAuthState(data []byte) (*AuthState, error) {
	var rec AuthState
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode session record: %w", err)
	}
	if rec.Version != SchemaVersion {
		return nil, nil
	}
	return &rec, nil
}
