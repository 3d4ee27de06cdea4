package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseLine(t *testing.T) {
	t.Parallel()

	cases := []struct {
		line     string
		key, val string
		ok       bool
	}{
		{line: "KEY=value", key: "KEY", val: "value", ok: true},
		{line: "  KEY = spaced  ", key: "KEY", val: "spaced", ok: true},
		{line: `QUOTED="hello world"`, key: "QUOTED", val: "hello world", ok: true},
		{line: "SINGLE='x'", key: "SINGLE", val: "x", ok: true},
		{line: "export EXPORTED=ok", key: "EXPORTED", val: "ok", ok: true},
		{line: "EMPTY=", key: "EMPTY", val: "", ok: true},
		{line: "# comment"},
		{line: "   "},
		{line: "no equals sign"},
		{line: "=orphan value"},
	}
	for _, tc := range cases {
		key, val, ok := parseLine(tc.line)
		if key != tc.key || val != tc.val || ok != tc.ok {
			t.Fatalf("parseLine(%q)=(%q,%q,%v), want (%q,%q,%v)",
				tc.line, key, val, ok, tc.key, tc.val, tc.ok)
		}
	}
}

func TestLoad_MissingFileIsNoop(t *testing.T) {
	t.Parallel()
	if err := Load(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("Load missing file error: %v", err)
	}
}

func TestLoad_SetsValuesAndPreservesExisting(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	content := "" +
		"# comment\n" +
		"FROM_FILE=loaded\n" +
		"EXISTING=from_file\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("EXISTING", "already_set")

	if err := Load(envPath); err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if got := os.Getenv("FROM_FILE"); got != "loaded" {
		t.Fatalf("FROM_FILE=%q, want %q", got, "loaded")
	}
	if got := os.Getenv("EXISTING"); got != "already_set" {
		t.Fatalf("EXISTING=%q, want existing value preserved", got)
	}
}
