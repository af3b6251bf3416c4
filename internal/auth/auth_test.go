package auth

import (
	"net/http"
	"testing"

	"github.com/tjfontaine/coachllm/internal/pkg/config"
)

func TestHashAPIKey(t *testing.T) {
	tests := []struct {
		name     string
		apiKey   string
		expected string
	}{
		{
			name:     "simple key",
			apiKey:   "test-key-123",
			expected: "625faa3fbbc3d2bd9d6ee7678d04cc5339cb33dc68d9b58451853d60046e226a",
		},
		{
			name:     "empty key",
			apiKey:   "",
			expected: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash := HashAPIKey(tt.apiKey)
			if hash != tt.expected {
				t.Errorf("HashAPIKey() = %v, want %v", hash, tt.expected)
			}
		})
	}
}

func TestAuthenticator_ValidateAPIKey(t *testing.T) {
	a, err := NewAuthenticator([]config.APIKeyConfig{
		{KeyHash: HashAPIKey("valid-key-1"), UserID: "user-1", Description: "phone"},
		{KeyHash: HashAPIKey("admin-key"), Description: "ops", Admin: true},
	})
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}

	tests := []struct {
		name      string
		apiKey    string
		wantUser  string
		wantAdmin bool
		wantErr   bool
	}{
		{name: "user key", apiKey: "valid-key-1", wantUser: "user-1"},
		{name: "admin key", apiKey: "admin-key", wantAdmin: true},
		{name: "unknown key", apiKey: "nope", wantErr: true},
		{name: "empty key", apiKey: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := a.ValidateAPIKey(tt.apiKey)
			if tt.wantErr {
				if err == nil {
					t.Fatal("ValidateAPIKey() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateAPIKey() error = %v", err)
			}
			if p.UserID != tt.wantUser || p.Admin != tt.wantAdmin {
				t.Errorf("principal = %+v", p)
			}
		})
	}
}

func TestAuthenticator_Reload(t *testing.T) {
	a, err := NewAuthenticator(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !a.Empty() {
		t.Fatal("Empty() = false with no keys")
	}
	if err := a.Reload([]config.APIKeyConfig{{KeyHash: HashAPIKey("k"), UserID: "u"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.ValidateAPIKey("k"); err != nil {
		t.Errorf("key not accepted after reload: %v", err)
	}

	if err := a.Reload([]config.APIKeyConfig{{KeyHash: "abc", UserID: "u"}}); err == nil {
		t.Error("Reload() accepted a malformed hash")
	}
	if err := a.Reload([]config.APIKeyConfig{{KeyHash: HashAPIKey("x")}}); err == nil {
		t.Error("Reload() accepted a key without user or admin")
	}
	// A failed reload keeps the previous keys.
	if _, err := a.ValidateAPIKey("k"); err != nil {
		t.Errorf("previous key lost after failed reload: %v", err)
	}
}

func TestExtractAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "bearer", header: "Bearer abc", want: "abc"},
		{name: "lowercase scheme", header: "bearer abc", want: "abc"},
		{name: "missing", header: "", wantErr: true},
		{name: "no scheme", header: "abc", wantErr: true},
		{name: "basic", header: "Basic abc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := http.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractAPIKey(r)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExtractAPIKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ExtractAPIKey() = %q, want %q", got, tt.want)
			}
		})
	}
}
