package identity

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromFile(t *testing.T) {
	t.Cleanup(func() { getenv = os.Getenv })
	getenv = func(string) string { return "" }

	dir := t.TempDir()
	path := filepath.Join(dir, "key.env")
	if err := os.WriteFile(path, []byte(`
# written by the key acquisition tool
ROBOROCK_KEY='4jqPcqZh2tXJrdNO'
ROBOROCK_DUID='1234567890abcdef'
ROBOROCK_NAME='Living Room Vacuum'
`), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	id, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.LocalKey != "4jqPcqZh2tXJrdNO" {
		t.Fatalf("key: %q", id.LocalKey)
	}
	if id.DUID != "1234567890abcdef" || id.Name != "Living Room Vacuum" {
		t.Fatalf("identity fields: %+v", id)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Cleanup(func() { getenv = os.Getenv })
	getenv = func(key string) string {
		if key == EnvKey {
			return "env-wins"
		}
		return ""
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "key.env")
	if err := os.WriteFile(path, []byte("ROBOROCK_KEY='file-key'\nROBOROCK_DUID='abc'\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	id, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.LocalKey != "env-wins" {
		t.Fatalf("expected env to win, got %q", id.LocalKey)
	}
	if id.DUID != "abc" {
		t.Fatalf("file duid lost: %q", id.DUID)
	}
}

func TestLoadMissingKeyFails(t *testing.T) {
	t.Cleanup(func() { getenv = os.Getenv })
	getenv = func(string) string { return "" }

	if _, err := Load(filepath.Join(t.TempDir(), "absent.env")); !errors.Is(err, ErrNotProvisioned) {
		t.Fatalf("expected ErrNotProvisioned, got %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "key.env")
	if err := os.WriteFile(path, []byte("ROBOROCK_KEY=''\nROBOROCK_NAME='x'\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	if _, err := Load(path); !errors.Is(err, ErrNotProvisioned) {
		t.Fatalf("expected ErrNotProvisioned for empty key, got %v", err)
	}
}

func TestLoadFromEnvOnly(t *testing.T) {
	t.Cleanup(func() { getenv = os.Getenv })
	getenv = func(key string) string {
		switch key {
		case EnvKey:
			return "only-env"
		case EnvName:
			return "Hallway"
		}
		return ""
	}

	id, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.LocalKey != "only-env" || id.Name != "Hallway" {
		t.Fatalf("identity: %+v", id)
	}
}
