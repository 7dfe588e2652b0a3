package seedfile

import (
	"os"
	"path/filepath"
	"testing"

	"metamcp/internal/filtercache"
	"metamcp/internal/serverconfig"
)

const sampleYAML = `
servers:
  - uuid: s1
    name: alpha
    kind: STDIO
    command: /usr/bin/alpha-server
    args: ["--flag"]
    env:
      FOO: bar
  - uuid: s2
    name: beta
    kind: STREAMABLE_HTTP
    url: https://beta.example.com/mcp

namespaces:
  - uuid: ns1
    servers: [s1, s2]
    inactive: [s2]
`

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write temp seed file: %v", err)
	}
	return path
}

func TestLoadParsesServersAndNamespaces(t *testing.T) {
	path := writeTemp(t, sampleYAML)
	seed, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(seed.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(seed.Servers))
	}
	s1 := seed.Servers["s1"]
	if s1.Kind != serverconfig.KindSTDIO || s1.Command != "/usr/bin/alpha-server" || s1.Env["FOO"] != "bar" {
		t.Fatalf("unexpected s1: %+v", s1)
	}
	s2 := seed.Servers["s2"]
	if s2.Kind != serverconfig.KindStreamableHTTP || s2.URL != "https://beta.example.com/mcp" {
		t.Fatalf("unexpected s2: %+v", s2)
	}

	members := seed.Namespaces["ns1"]
	if members["s1"] != filtercache.StatusActive {
		t.Fatalf("expected s1 active in ns1, got %v", members["s1"])
	}
	if members["s2"] != filtercache.StatusInactive {
		t.Fatalf("expected s2 inactive in ns1, got %v", members["s2"])
	}
}

func TestLoadDefaultsMissingKindToSTDIO(t *testing.T) {
	path := writeTemp(t, "servers:\n  - uuid: s1\n    name: alpha\n    command: x\n")
	seed, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seed.Servers["s1"].Kind != serverconfig.KindSTDIO {
		t.Fatalf("expected default kind STDIO, got %v", seed.Servers["s1"].Kind)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml")); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}
