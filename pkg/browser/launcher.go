package browser

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"helmsman/pkg/config"
	"helmsman/pkg/logx"
)

// fixedArgs are always passed to the browser. They disable first-run UI,
// background throttling, and phone-home behavior that interferes with
// deterministic automation.
var fixedArgs = []string{
	"--no-first-run",
	"--no-default-browser-check",
	"--disable-default-apps",
	"--disable-background-timer-throttling",
	"--disable-backgrounding-occluded-windows",
	"--disable-renderer-backgrounding",
	"--disable-features=TranslateUI,BlinkGenPropertyTrees",
	"--disable-client-side-phishing-detection",
	"--disable-sync",
	"--disable-background-networking",
	"--metrics-recording-only",
	"--enable-automation",
	"--password-store=basic",
	"--use-mock-keychain",
}

// headlessArgs are added when the instance runs headless.
var headlessArgs = []string{
	"--headless=new",
	"--disable-gpu",
	"--disable-dev-shm-usage",
	"--no-sandbox",
}

// LaunchConfig describes one instance launch.
type LaunchConfig struct {
	ID        string
	OwnerID   string
	DebugPort int
	Headless  bool
	// UserDataDir is used verbatim when set; otherwise an ephemeral temp
	// directory is created and removed on teardown.
	UserDataDir  string
	WindowWidth  int
	WindowHeight int
	UserAgent    string
	// ExtraArgs are appended last so callers can override earlier flags.
	ExtraArgs []string
}

// Launcher resolves the browser executable and starts instance processes.
type Launcher struct {
	logger    *logx.Logger
	execPath  string
	baseArgs  []string
	dataDir   string
	resolveMu sync.Mutex
}

// NewLauncher creates a launcher from browser configuration.
func NewLauncher(cfg config.BrowserConfig) *Launcher {
	return &Launcher{
		logger:   logx.NewLogger("launcher"),
		execPath: cfg.ExecPath,
		baseArgs: cfg.ExtraArgs,
		dataDir:  cfg.DataDir,
	}
}

// Launch resolves the executable, prepares the user-data directory, builds
// the argument vector, and starts the process detached from the caller's
// lifecycle. It returns immediately with a Starting record; readiness is the
// verifier's job. On any failure nothing is left behind: a created ephemeral
// dir is removed and no record is produced.
func (l *Launcher) Launch(lc LaunchConfig) (*Instance, error) {
	execPath, err := l.resolveExecutable()
	if err != nil {
		return nil, err
	}

	userDataDir, ephemeral, err := l.prepareUserDataDir(lc)
	if err != nil {
		return nil, err
	}

	args := l.buildArgs(lc, userDataDir)
	l.logger.Info("Launching %s for instance %s (port %d)", execPath, lc.ID, lc.DebugPort)
	l.logger.Debug("Launch args: %s", strings.Join(args, " "))

	cmd := exec.Command(execPath, args...)
	detachProcess(cmd)
	cmd.Stdout = &streamLogger{logger: l.logger, id: lc.ID, stream: "stdout"}
	cmd.Stderr = &streamLogger{logger: l.logger, id: lc.ID, stream: "stderr"}

	if err := cmd.Start(); err != nil {
		if ephemeral {
			_ = os.RemoveAll(userDataDir)
		}
		return nil, fmt.Errorf("instance %s: %w: %v", lc.ID, ErrLaunchFailed, err)
	}

	inst := &Instance{
		ID:               lc.ID,
		OwnerID:          lc.OwnerID,
		DebugPort:        lc.DebugPort,
		UserDataDir:      userDataDir,
		EphemeralDataDir: ephemeral,
		Headless:         lc.Headless,
		CreatedAt:        nowFunc(),
		status:           StatusStarting,
		lastActivity:     nowFunc(),
		cmd:              cmd,
		exited:           make(chan struct{}),
	}

	// Reap the process as soon as it exits so exit confirmation observes
	// reality, not signal delivery.
	go func() {
		inst.exitErr = cmd.Wait()
		close(inst.exited)
	}()

	l.logger.Info("Instance %s started (pid %d)", lc.ID, cmd.Process.Pid)
	return inst, nil
}

// resolveExecutable caches the resolved browser path across launches.
func (l *Launcher) resolveExecutable() (string, error) {
	l.resolveMu.Lock()
	defer l.resolveMu.Unlock()

	if l.execPath != "" {
		if _, err := os.Stat(l.execPath); err == nil {
			return l.execPath, nil
		}
	}

	path, err := LocateExecutable(l.execPath)
	if err != nil {
		return "", err
	}
	l.execPath = path
	return path, nil
}

// prepareUserDataDir returns the instance's user-data directory, creating it
// when needed, and whether it is ephemeral.
func (l *Launcher) prepareUserDataDir(lc LaunchConfig) (string, bool, error) {
	if lc.UserDataDir != "" {
		if err := os.MkdirAll(lc.UserDataDir, 0o755); err != nil {
			return "", false, fmt.Errorf("instance %s: failed to create user data dir: %w", lc.ID, err)
		}
		return lc.UserDataDir, false, nil
	}

	dir, err := os.MkdirTemp(l.dataDir, "helmsman-profile-")
	if err != nil {
		return "", false, fmt.Errorf("instance %s: failed to create ephemeral profile: %w", lc.ID, err)
	}
	return dir, true, nil
}

// buildArgs assembles the launch argument vector. Order matters: fixed flags,
// port and profile, mode flags, then caller extras last so they win where the
// browser allows repeated flags.
func (l *Launcher) buildArgs(lc LaunchConfig, userDataDir string) []string {
	args := make([]string, 0, len(fixedArgs)+len(l.baseArgs)+len(lc.ExtraArgs)+8)
	args = append(args, fixedArgs...)
	args = append(args,
		fmt.Sprintf("--remote-debugging-port=%d", lc.DebugPort),
		fmt.Sprintf("--user-data-dir=%s", userDataDir),
	)

	if lc.Headless {
		args = append(args, headlessArgs...)
	}
	if lc.WindowWidth > 0 && lc.WindowHeight > 0 {
		args = append(args, fmt.Sprintf("--window-size=%d,%d", lc.WindowWidth, lc.WindowHeight))
	}
	if lc.UserAgent != "" {
		args = append(args, fmt.Sprintf("--user-agent=%s", lc.UserAgent))
	}

	args = append(args, l.baseArgs...)
	args = append(args, lc.ExtraArgs...)
	return args
}

// streamLogger forwards captured browser output to the debug log.
type streamLogger struct {
	logger *logx.Logger
	id     string
	stream string
}

func (w *streamLogger) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			w.logger.Debug("[%s %s] %s", w.id, w.stream, line)
		}
	}
	return len(p), nil
}
