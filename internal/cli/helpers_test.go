package cli

import (
	"context"
	"os"
	"testing"

	"github.com/imkarma/tempo/internal/config"
)

func TestInitAndWorkspace(t *testing.T) {
	t.Chdir(t.TempDir())

	if _, err := mustWorkspace(context.Background()); err == nil {
		t.Fatal("expected an error before init")
	}

	if err := runInit(initCmd, nil); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := runInit(initCmd, nil); err == nil {
		t.Error("expected a second init to fail")
	}

	ws, err := mustWorkspace(context.Background())
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	defer ws.Close()

	if ws.cfg.Mirror.Driver != "sqlite" {
		t.Errorf("expected sqlite mirror, got %q", ws.cfg.Mirror.Driver)
	}
	plan, err := ws.plan(context.Background())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.Ranked) != 0 {
		t.Errorf("expected an empty plan, got %d ranked", len(plan.Ranked))
	}
}

func TestLoadEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TEMPO_TEST_TOKEN", "")
	os.Unsetenv("TEMPO_TEST_TOKEN")

	if err := os.MkdirAll(tempoDirName, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(tempoPath(".env"), []byte("TEMPO_TEST_TOKEN=secret\n"), 0600); err != nil {
		t.Fatal(err)
	}

	if err := loadEnv(); err != nil {
		t.Fatalf("loadEnv: %v", err)
	}
	if got := os.Getenv("TEMPO_TEST_TOKEN"); got != "secret" {
		t.Errorf("expected token from .env, got %q", got)
	}
}

func TestOpenMirror_PostgresNeedsDSN(t *testing.T) {
	t.Setenv("TEMPO_TEST_DSN", "")
	_, err := openMirror(context.Background(), config.Mirror{Driver: "postgres", DSNEnv: "TEMPO_TEST_DSN"})
	if err == nil {
		t.Fatal("expected an error without a DSN")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("短い", 5); got != "短い" {
		t.Errorf("expected short string unchanged, got %q", got)
	}
	if got := truncate("abcdefgh", 5); got != "abcd…" {
		t.Errorf("expected abcd…, got %q", got)
	}
}
