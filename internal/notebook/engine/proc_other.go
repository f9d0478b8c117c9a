//go:build !linux

package engine

import (
	"fmt"
	"os"
	"os/exec"
)

const platformSupported = false

func configureCommand(cmd *exec.Cmd) {}

func applyRlimits(pid int, l rlimits) error {
	return fmt.Errorf("rlimits are only supported on linux")
}

func killProcessGroup(pid int) {
	if proc, err := os.FindProcess(pid); err == nil {
		_ = proc.Kill()
	}
}

func usage(state *os.ProcessState) (float64, float64) {
	return 0, 0
}

func signalInfo(state *os.ProcessState) (string, bool, bool) {
	return "", false, false
}
