package browser

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// pathNames are launcher names tried on PATH after the absolute candidates.
var pathNames = []string{
	"chrome",
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
}

// candidatePaths returns the ordered platform-specific browser locations.
func candidatePaths() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{
			filepath.Join(os.Getenv("ProgramFiles"), `Google\Chrome\Application\chrome.exe`),
			filepath.Join(os.Getenv("ProgramFiles(x86)"), `Google\Chrome\Application\chrome.exe`),
			filepath.Join(os.Getenv("LocalAppData"), `Google\Chrome\Application\chrome.exe`),
		}
	case "darwin":
		return []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		}
	default:
		return []string{
			"/usr/bin/google-chrome",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
			"/snap/bin/chromium",
		}
	}
}

// LocateExecutable resolves the browser binary. The override, when set, wins
// unconditionally. Otherwise the first existing regular file from the
// platform candidate list is selected, then known launcher names on PATH.
// Fails with ErrExecutableNotFound when nothing matches.
func LocateExecutable(override string) (string, error) {
	if override != "" {
		if info, err := os.Stat(override); err == nil && !info.IsDir() {
			return override, nil
		}
		return "", fmt.Errorf("configured path %s: %w", override, ErrExecutableNotFound)
	}

	for _, path := range candidatePaths() {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}

	for _, name := range pathNames {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}

	return "", ErrExecutableNotFound
}
