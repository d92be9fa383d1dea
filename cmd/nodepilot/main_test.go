package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadAuthTokenPrefersEnv(t *testing.T) {
	t.Setenv("NODEPILOT_AUTH_TOKEN", "from-env")

	tok, err := loadAuthToken(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tok != "from-env" {
		t.Fatalf("token = %q", tok)
	}
}

func TestLoadAuthTokenGeneratesAndPersists(t *testing.T) {
	t.Setenv("NODEPILOT_AUTH_TOKEN", "")
	home := t.TempDir()

	first, err := loadAuthToken(home)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if strings.TrimSpace(first) == "" {
		t.Fatal("empty token generated")
	}

	raw, err := os.ReadFile(filepath.Join(home, "auth.token"))
	if err != nil {
		t.Fatalf("read token file: %v", err)
	}
	if strings.TrimSpace(string(raw)) != first {
		t.Fatalf("persisted %q, generated %q", raw, first)
	}

	second, err := loadAuthToken(home)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if second != first {
		t.Fatalf("token changed across loads: %q vs %q", first, second)
	}
}
