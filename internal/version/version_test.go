package version

import "testing"

func TestString(t *testing.T) {
	old := Version
	t.Cleanup(func() { Version = old })

	Version = "v1.2.3"
	if got := String(); got != "v1.2.3" {
		t.Fatalf("got %q, want v1.2.3", got)
	}
	Version = "dev"
	if got := String(); got == "" {
		t.Fatal("empty version")
	}
}
