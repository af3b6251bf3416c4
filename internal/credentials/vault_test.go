package credentials

import (
	"errors"
	"testing"
)

func TestVault_SealAndUse(t *testing.T) {
	v := NewVault()

	secret := []byte("sk-test-123")
	v.Seal("openai", secret)
	for i, b := range secret {
		if b != 0 {
			t.Fatalf("caller copy byte %d not wiped", i)
		}
	}
	if !v.Has("openai") {
		t.Fatal("Has() = false after Seal")
	}

	var got string
	if err := v.Use("openai", func(s string) error {
		got = s
		return nil
	}); err != nil {
		t.Fatalf("Use() error = %v", err)
	}
	if got != "sk-test-123" {
		t.Errorf("secret = %q", got)
	}

	wantErr := errors.New("boom")
	if err := v.Use("openai", func(string) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Errorf("Use() error = %v, want callback error", err)
	}
}

func TestVault_Missing(t *testing.T) {
	v := NewVault()
	v.SealString("empty", "")
	if v.Has("empty") {
		t.Error("empty secrets should not be sealed")
	}
	if err := v.Use("anthropic", func(string) error { return nil }); err == nil {
		t.Error("Use() of a missing credential should fail")
	}

	v.SealString("anthropic", "key")
	v.Remove("anthropic")
	if v.Has("anthropic") {
		t.Error("Remove() should forget the credential")
	}
}
