package env

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	content := "FOO=bar\n# comment\n\nexport BAZ=\"qux\"\nEMPTY=\nURL=http://x/?a=b\nSINGLE='it is'\n"
	vars, err := Parse(strings.NewReader(content))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := map[string]string{"FOO": "bar", "BAZ": "qux", "EMPTY": "", "URL": "http://x/?a=b", "SINGLE": "it is"}
	if len(vars) != len(want) {
		t.Fatalf("expected %d vars, got %v", len(want), vars)
	}
	for k, v := range want {
		if vars[k] != v {
			t.Fatalf("expected %s=%q, got %q", k, v, vars[k])
		}
	}
}

func TestParseRejectsMalformedLines(t *testing.T) {
	if _, err := Parse(strings.NewReader("FOO=bar\nnot a pair\n")); err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("expected line 2 error, got %v", err)
	}
	if _, err := Parse(strings.NewReader("BAD KEY=1\n")); err == nil {
		t.Fatalf("expected invalid key error")
	}
}

func TestParsePairs(t *testing.T) {
	vars, err := ParsePairs([]string{"A=1", "B=x=y", "C="})
	if err != nil {
		t.Fatalf("ParsePairs: %v", err)
	}
	if vars["A"] != "1" || vars["B"] != "x=y" || vars["C"] != "" {
		t.Fatalf("unexpected vars %v", vars)
	}
	if _, err := ParsePairs([]string{"novalue"}); err == nil {
		t.Fatalf("expected error for missing '='")
	}
}

func TestLoadFromDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "AEGIX_TEST_FOO=bar\n# comment\nexport AEGIX_TEST_BAZ=\"qux\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("AEGIX_TEST_FOO", "")
	t.Setenv("AEGIX_TEST_BAZ", "")
	_ = os.Unsetenv("AEGIX_TEST_FOO")
	_ = os.Unsetenv("AEGIX_TEST_BAZ")
	if err := LoadFromDir(dir); err != nil {
		t.Fatalf("LoadFromDir: %v", err)
	}
	if got := os.Getenv("AEGIX_TEST_FOO"); got != "bar" {
		t.Fatalf("expected AEGIX_TEST_FOO=bar, got %q", got)
	}
	if got := os.Getenv("AEGIX_TEST_BAZ"); got != "qux" {
		t.Fatalf("expected AEGIX_TEST_BAZ=qux, got %q", got)
	}
}

func TestLoadDoesNotOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("AEGIX_TEST_FOO=bar\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("AEGIX_TEST_FOO", "existing")
	if err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := os.Getenv("AEGIX_TEST_FOO"); got != "existing" {
		t.Fatalf("expected existing value preserved, got %q", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if err := Load(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored, got %v", err)
	}
}
