//go:build linux

package engine

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

const platformSupported = true

func configureCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}

// applyRlimits sets limits on an already running process. The CPU hard
// limit sits one second above the soft one so SIGXCPU arrives first.
func applyRlimits(pid int, l rlimits) error {
	limits := []struct {
		name     string
		resource int
		cur, max uint64
	}{
		{"cpu", unix.RLIMIT_CPU, l.CPUSeconds, l.CPUSeconds + 1},
		{"fsize", unix.RLIMIT_FSIZE, l.FileBytes, l.FileBytes},
		{"as", unix.RLIMIT_AS, l.AddressSpaceBytes, l.AddressSpaceBytes},
	}
	for _, lim := range limits {
		if lim.cur == 0 {
			continue
		}
		rl := unix.Rlimit{Cur: lim.cur, Max: lim.max}
		if err := unix.Prlimit(pid, lim.resource, &rl, nil); err != nil {
			return fmt.Errorf("prlimit %s: %w", lim.name, err)
		}
	}
	return nil
}

func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = unix.Kill(-pid, unix.SIGKILL)
}

func usage(state *os.ProcessState) (cpuSeconds, peakMemMB float64) {
	if state == nil {
		return 0, 0
	}
	ru, ok := state.SysUsage().(*syscall.Rusage)
	if !ok || ru == nil {
		return 0, 0
	}
	cpu := float64(ru.Utime.Sec+ru.Stime.Sec) + float64(ru.Utime.Usec+ru.Stime.Usec)/1e6
	// Maxrss is in KiB on linux
	return cpu, float64(ru.Maxrss) / 1024
}

func signalInfo(state *os.ProcessState) (name string, signaled, cpuLimit bool) {
	if state == nil {
		return "", false, false
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return "", false, false
	}
	sig := ws.Signal()
	return unix.SignalName(sig), true, sig == syscall.SIGXCPU
}
