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
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestValidate_SampleConfig(t *testing.T) {
	out, err := execute(t, "validate", "-c", "config.yaml")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	for _, want := range []string{"config.yaml: ok", "routes:  3", "store:   memory", "admin:   :9091"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q: missing %q", out, want)
		}
	}
}

func TestValidate_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("routes:\n  - prefix: api\n    target: http://x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := execute(t, "validate", "--config", path)
	if err == nil || !strings.Contains(err.Error(), "routes[0]") {
		t.Fatalf("got %v, want a routes[0] error", err)
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "edgeproxy ") {
		t.Fatalf("got %q", out)
	}
}
