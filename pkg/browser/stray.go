package browser

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// KillStrayProcesses terminates debug-enabled browser processes that are not
// tracked by the registry, typically left over from a previous run that did
// not shut down cleanly. Only processes carrying a --remote-debugging-port
// flag are touched; ordinary user browsers are left alone. Returns the
// number of processes killed.
func (m *Manager) KillStrayProcesses() int {
	tracked := make(map[int]bool)
	for _, snap := range m.registry.List() {
		if snap.PID != 0 {
			tracked[snap.PID] = true
		}
	}

	killed := 0
	for _, proc := range listDebugBrowserProcesses() {
		if tracked[proc] {
			continue
		}
		if err := killPID(proc); err != nil {
			m.logger.Debug("Failed to kill stray process %d: %v", proc, err)
			continue
		}
		m.logger.Info("Killed stray browser process %d", proc)
		killed++
	}
	return killed
}

// listDebugBrowserProcesses finds browser processes launched with a remote
// debugging port: a /proc scan where procfs exists, pgrep elsewhere.
func listDebugBrowserProcesses() []int {
	if pids, ok := listProcFS(); ok {
		return pids
	}
	return listPgrep()
}

// listProcFS walks /proc cmdlines. ok is false when procfs is unavailable.
func listProcFS() (pids []int, ok bool) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, false
	}

	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		cmdline, err := os.ReadFile(filepath.Join("/proc", entry.Name(), "cmdline"))
		if err != nil {
			continue
		}

		args := strings.Split(string(cmdline), "\x00")
		if len(args) == 0 {
			continue
		}

		base := strings.ToLower(filepath.Base(args[0]))
		if !strings.Contains(base, "chrome") && !strings.Contains(base, "chromium") {
			continue
		}

		for _, arg := range args {
			if strings.HasPrefix(arg, "--remote-debugging-port") {
				pids = append(pids, pid)
				break
			}
		}
	}
	return pids, true
}

// listPgrep matches debug-enabled browser command lines via pgrep. Best
// effort: an exit status of 1 (no matches) or a missing pgrep finds nothing.
func listPgrep() []int {
	out, err := exec.Command("pgrep", "-f", "chrom.*--remote-debugging-port").Output()
	if err != nil {
		return nil
	}
	return parsePgrepOutput(out)
}

// parsePgrepOutput extracts pids from pgrep's one-per-line output.
func parsePgrepOutput(out []byte) []int {
	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		pid, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}
