package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateAndJobs(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "worker.yaml")
	body := `
scheduler:
  timezone: UTC
jobs:
  - name: purge
    handler: cleanup
    trigger: "0 3 * * *"
  - name: refresh
    handler: stats.refresh
    trigger: 15m
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "validate", "--config", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "config ok: 2 jobs") {
		t.Fatalf("out=%q", out)
	}

	out, err = execute(t, "jobs", "-c", path)
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if !strings.Contains(out, "purge") || !strings.Contains(out, "stats.refresh") {
		t.Fatalf("out=%q", out)
	}
}

func TestValidateRejectsUnknownHandler(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "worker.json")
	body := `{"jobs":[{"name":"x","handler":"nope","trigger":"1h"}]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "validate", "--config", path); err == nil {
		t.Fatalf("expected error")
	}
}

func TestHandlersCommand(t *testing.T) {
	t.Parallel()

	out, err := execute(t, "handlers")
	if err != nil {
		t.Fatalf("handlers: %v", err)
	}
	if !strings.Contains(out, "export.generate") {
		t.Fatalf("out=%q", out)
	}
}
