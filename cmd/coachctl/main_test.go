package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tjfontaine/coachllm/internal/auth"
	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/ledger"
	"github.com/tjfontaine/coachllm/internal/pkg/config"
	"github.com/tjfontaine/coachllm/internal/storage/sqlite"
)

// seedDB creates a local database with a three-event chain for u1.
func seedDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coach.db")
	store, err := sqlite.New(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	l := ledger.New(store)
	for i := 0; i < 3; i++ {
		if _, err := l.Append(context.Background(), domain.AuditDraft{
			UserID:               "u1",
			TraceID:              "t1",
			EventType:            domain.EventTypeInferenceRequest,
			DataSensitivityLevel: domain.SensitivityPersonal,
		}); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestLedgerVerify(t *testing.T) {
	db := seedDB(t)

	out, err := run(t, "--db", db, "ledger", "verify", "--user", "u1")
	if err != nil {
		t.Fatalf("verify error = %v, output = %s", err, out)
	}
	if !strings.Contains(out, "user:u1: ok (3 events") {
		t.Errorf("output = %q", out)
	}

	out, err = run(t, "--db", db, "--json", "ledger", "verify", "--all")
	if err != nil {
		t.Fatal(err)
	}
	var results []domain.ChainVerification
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(results) != 1 || !results[0].Valid {
		t.Errorf("results = %+v", results)
	}

	if _, err := run(t, "--db", db, "ledger", "verify"); err == nil {
		t.Error("verify without a chain selector succeeded")
	}
}

func TestLedgerEvents(t *testing.T) {
	db := seedDB(t)
	out, err := run(t, "--db", db, "--json", "ledger", "events", "--user", "u1", "--from", "1", "--limit", "1")
	if err != nil {
		t.Fatal(err)
	}
	var events []domain.AuditEvent
	if err := json.Unmarshal([]byte(out), &events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].ChainPosition != 1 {
		t.Errorf("events = %+v", events)
	}

	out, err = run(t, "--db", db, "ledger", "events", "--user", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(out, "\n"); lines != 4 {
		t.Errorf("table has %d lines, want header and 3 events:\n%s", lines, out)
	}
}

func TestPolicyGetSet(t *testing.T) {
	db := seedDB(t)

	out, err := run(t, "--db", db, "policy", "get")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "optimization_level: balanced") {
		t.Errorf("default policy output = %q", out)
	}

	if _, err := run(t, "--db", db, "policy", "set", "--level", "aggressive", "--fallback-to-local=false"); err != nil {
		t.Fatal(err)
	}
	out, err = run(t, "--db", db, "--json", "policy", "get")
	if err != nil {
		t.Fatal(err)
	}
	var p domain.RoutingPolicy
	if err := json.Unmarshal([]byte(out), &p); err != nil {
		t.Fatal(err)
	}
	if p.OptimizationLevel != domain.OptimizationAggressive || p.FallbackToLocal {
		t.Errorf("policy = %+v", p)
	}

	if _, err := run(t, "--db", db, "policy", "set", "--level", "fastest"); err == nil {
		t.Error("unknown level accepted")
	}
}

func TestKeyGenerate(t *testing.T) {
	out, err := run(t, "--json", "key", "generate", "--user", "u1")
	if err != nil {
		t.Fatal(err)
	}
	var e keyEntry
	if err := json.Unmarshal([]byte(out), &e); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(e.APIKey, keyPrefix) || e.KeyHash != auth.HashAPIKey(e.APIKey) || e.UserID != "u1" {
		t.Errorf("entry = %+v", e)
	}

	a, err := auth.NewAuthenticator([]config.APIKeyConfig{{KeyHash: e.KeyHash, UserID: e.UserID}})
	if err != nil {
		t.Fatal(err)
	}
	if p, err := a.ValidateAPIKey(e.APIKey); err != nil || p.UserID != "u1" {
		t.Errorf("generated key does not authenticate: %v, %v", p, err)
	}
	if _, err := run(t, "key", "generate"); err == nil {
		t.Error("generate without --user or --admin succeeded")
	}
}

func TestKeyHash(t *testing.T) {
	out, err := run(t, "key", "hash", "test-key-123", "--user", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, auth.HashAPIKey("test-key-123")) || !strings.Contains(out, `user_id: "u1"`) {
		t.Errorf("output = %q", out)
	}
}

func TestMissingDatabase(t *testing.T) {
	if _, err := run(t, "--db", filepath.Join(t.TempDir(), "absent.db"), "policy", "get"); err == nil {
		t.Error("policy get on a missing database succeeded")
	}
}
