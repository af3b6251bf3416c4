// Package auth maps API keys to the users they act for.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/tjfontaine/coachllm/internal/pkg/config"
)

// Principal is the identity behind an API key.
type Principal struct {
	UserID      string
	Description string
	// Admin keys may act for any user.
	Admin bool
}

type keyEntry struct {
	hash      string
	principal *Principal
}

// Authenticator validates API keys against configured SHA-256 hashes.
type Authenticator struct {
	mu   sync.RWMutex
	keys map[string]keyEntry // keyhash -> entry
}

// NewAuthenticator creates an authenticator from configured keys.
func NewAuthenticator(keys []config.APIKeyConfig) (*Authenticator, error) {
	a := &Authenticator{}
	if err := a.Reload(keys); err != nil {
		return nil, err
	}
	return a, nil
}

// Reload replaces the key set.
func (a *Authenticator) Reload(keys []config.APIKeyConfig) error {
	m := make(map[string]keyEntry, len(keys))
	for _, k := range keys {
		h := strings.ToLower(strings.TrimSpace(k.KeyHash))
		if len(h) != sha256.Size*2 {
			return fmt.Errorf("auth: key hash for %q is not a sha256 hex digest", k.UserID)
		}
		if k.UserID == "" && !k.Admin {
			return fmt.Errorf("auth: key %q needs a user_id or admin", k.Description)
		}
		m[h] = keyEntry{hash: h, principal: &Principal{UserID: k.UserID, Description: k.Description, Admin: k.Admin}}
	}
	a.mu.Lock()
	a.keys = m
	a.mu.Unlock()
	return nil
}

// Empty reports whether no keys are configured.
func (a *Authenticator) Empty() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys) == 0
}

// ValidateAPIKey validates an API key and returns its principal.
func (a *Authenticator) ValidateAPIKey(apiKey string) (*Principal, error) {
	keyHash := HashAPIKey(apiKey)

	a.mu.RLock()
	e, ok := a.keys[keyHash]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("invalid API key")
	}

	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare([]byte(keyHash), []byte(e.hash)) != 1 {
		return nil, fmt.Errorf("invalid API key")
	}
	return e.principal, nil
}

// ExtractAPIKey extracts the API key from the Authorization header
func ExtractAPIKey(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	// Support "Bearer <key>" format
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid Authorization header format")
	}

	if strings.ToLower(parts[0]) != "bearer" {
		return "", fmt.Errorf("unsupported authorization scheme")
	}

	return parts[1], nil
}

// HashAPIKey creates a SHA-256 hash of an API key for storage
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}
