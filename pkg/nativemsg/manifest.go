package nativemsg

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// HostManifest is the descriptor registered with the browser so it can spawn
// the native messaging host. The bridge consumes this purely as framing
// configuration; trust and authorization decisions belong to the caller.
type HostManifest struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Path           string   `json:"path"`
	Type           string   `json:"type"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// NewHostManifest builds a stdio host descriptor for the given executable.
func NewHostManifest(name, description, execPath string, allowedOrigins []string) (*HostManifest, error) {
	abs, err := filepath.Abs(execPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve host path %s: %w", execPath, err)
	}
	return &HostManifest{
		Name:           name,
		Description:    description,
		Path:           abs,
		Type:           "stdio",
		AllowedOrigins: allowedOrigins,
	}, nil
}

// manifestDir returns the per-platform manifest directory. userLevel selects
// the current-user location over the system-wide one.
func manifestDir(userLevel bool) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		if userLevel {
			return filepath.Join(home, `AppData\Local\Google\Chrome\User Data\NativeMessagingHosts`), nil
		}
		return `C:\Program Files\Google\Chrome\Application\NativeMessagingHosts`, nil
	case "darwin":
		if userLevel {
			return filepath.Join(home, "Library/Application Support/Google/Chrome/NativeMessagingHosts"), nil
		}
		return "/Library/Google/Chrome/NativeMessagingHosts", nil
	default:
		if userLevel {
			return filepath.Join(home, ".config/google-chrome/NativeMessagingHosts"), nil
		}
		return "/etc/opt/chrome/native-messaging-hosts", nil
	}
}

// Install writes the manifest to the platform's native messaging host
// directory and returns the written path.
func (m *HostManifest) Install(userLevel bool) (string, error) {
	dir, err := manifestDir(userLevel)
	if err != nil {
		return "", err
	}
	return m.InstallTo(dir)
}

// InstallTo writes the manifest into an explicit directory.
func (m *HostManifest) InstallTo(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create manifest directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode manifest: %w", err)
	}

	path := filepath.Join(dir, m.Name+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write manifest %s: %w", path, err)
	}
	return path, nil
}
