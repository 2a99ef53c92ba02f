package nativemsg

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestNewHostManifest(t *testing.T) {
	m, err := NewHostManifest("com.helmsman.bridge", "Helmsman bridge", "bin/helmsman-host",
		[]string{"chrome-extension://abcdefghijklmnop/"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if m.Type != "stdio" {
		t.Errorf("Expected stdio type, got %s", m.Type)
	}
	if !filepath.IsAbs(m.Path) {
		t.Errorf("Expected absolute host path, got %s", m.Path)
	}
	if len(m.AllowedOrigins) != 1 {
		t.Errorf("Expected one allowed origin, got %d", len(m.AllowedOrigins))
	}
}

func TestInstallTo(t *testing.T) {
	m, err := NewHostManifest("com.helmsman.bridge", "Helmsman bridge", "/usr/local/bin/helmsman-host",
		[]string{"chrome-extension://abcdefghijklmnop/"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	dir := filepath.Join(t.TempDir(), "hosts")
	path, err := m.InstallTo(dir)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if filepath.Base(path) != "com.helmsman.bridge.json" {
		t.Errorf("Manifest file should be named after the host, got %s", path)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read manifest: %v", err)
	}

	var got HostManifest
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Manifest is not valid JSON: %v", err)
	}
	if got.Name != "com.helmsman.bridge" || got.Type != "stdio" {
		t.Errorf("Manifest mismatch: %+v", got)
	}
	if got.Path != "/usr/local/bin/helmsman-host" {
		t.Errorf("Unexpected path: %s", got.Path)
	}
}
