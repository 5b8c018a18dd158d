package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMigrateCreatesStateDB(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"migrate", "--state-dir", dir})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out.String(), "migrations applied") {
		t.Errorf("output = %q", out.String())
	}
	if _, err := os.Stat(filepath.Join(dir, "state.db")); err != nil {
		t.Errorf("state.db missing: %v", err)
	}

	// Second run is a no-op, not an error.
	rootCmd.SetArgs([]string{"migrate", "--state-dir", dir})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("repeat migrate: %v", err)
	}
}

func TestVersionTemplate(t *testing.T) {
	SetVersionInfo("1.2.3", "abc1234", "2026-01-01")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--version"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	for _, want := range []string{"tracegate version 1.2.3", "commit: abc1234", "built: 2026-01-01"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("version output missing %q: %q", want, out.String())
		}
	}
}
