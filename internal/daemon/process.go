package daemon

import (
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// RunningPID reads the pid file and returns the pid it names if that
// process is alive and still an idlesync daemon. A pid file left behind by
// a crash, or pointing at a recycled pid, yields false.
func RunningPID(pidFile string) (int32, bool) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 32)
	if err != nil || pid <= 0 {
		slog.Debug("Ignoring malformed pid file", "path", pidFile)
		return 0, false
	}
	return int32(pid), validateDaemonProcess(int32(pid))
}

// validateDaemonProcess checks that pid exists and runs `idlesync daemon`
func validateDaemonProcess(pid int32) bool {
	p, err := process.NewProcess(pid)
	if err != nil {
		slog.Debug("Process not found", "pid", pid)
		return false
	}
	if running, err := p.IsRunning(); err != nil || !running {
		return false
	}

	cmdline, err := p.CmdlineSlice()
	if err != nil {
		slog.Debug("Failed to get process command line", "pid", pid, "error", err)
		return false
	}
	if !matchesCommandLine(cmdline) {
		slog.Debug("Process command line mismatch", "pid", pid, "actual", strings.Join(cmdline, " "))
		return false
	}
	return true
}

// matchesCommandLine accepts `idlesync [flags] daemon [flags]`, whatever
// directory the binary was started from
func matchesCommandLine(args []string) bool {
	if len(args) < 2 {
		return false
	}
	if !strings.HasPrefix(filepath.Base(args[0]), "idlesync") {
		return false
	}
	return slices.Contains(args[1:], "daemon")
}
