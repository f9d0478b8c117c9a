//go:build linux

// Command sandbox-init applies resource limits and an optional seccomp filter
// and then execs the notebook interpreter. The launch request arrives as one
// JSON document on fd 5; fds 3 and 4 are passed through untouched.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

const requestFD = 5

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "sandbox-init: "+err.Error())
		os.Exit(1)
	}
}

func run() error {
	reqFile := os.NewFile(uintptr(requestFD), "init-request")
	if reqFile == nil {
		return fmt.Errorf("fd %d is not open", requestFD)
	}
	req, err := decodeRequest(reqFile)
	_ = reqFile.Close()
	if err != nil {
		return err
	}
	if err := validateRequest(req); err != nil {
		return err
	}
	if err := os.Chdir(req.WorkDir); err != nil {
		return fmt.Errorf("chdir workdir: %w", err)
	}
	if err := applyRlimits(req.Limits); err != nil {
		return err
	}
	env := buildEnv(req.Env)
	cmdPath, err := resolveCommand(req.Cmd[0], env)
	if err != nil {
		return err
	}
	// seccomp goes last so the filter never has to allow the setup syscalls
	if req.EnableSeccomp && req.SeccompProfile != "" {
		if err := applySeccomp(req.SeccompProfile); err != nil {
			return err
		}
	}
	return unix.Exec(cmdPath, req.Cmd, env)
}

func decodeRequest(r io.Reader) (initRequest, error) {
	var req initRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return initRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func validateRequest(req initRequest) error {
	if len(req.Cmd) == 0 {
		return fmt.Errorf("command is required")
	}
	if req.WorkDir == "" {
		return fmt.Errorf("work dir is required")
	}
	return nil
}

func applyRlimits(l rlimits) error {
	if l.CPUSeconds > 0 {
		// hard limit one second above soft so the child sees SIGXCPU first
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &unix.Rlimit{Cur: l.CPUSeconds, Max: l.CPUSeconds + 1}); err != nil {
			return fmt.Errorf("set rlimit cpu: %w", err)
		}
	}
	if l.FileBytes > 0 {
		if err := unix.Setrlimit(unix.RLIMIT_FSIZE, &unix.Rlimit{Cur: l.FileBytes, Max: l.FileBytes}); err != nil {
			return fmt.Errorf("set rlimit fsize: %w", err)
		}
	}
	if l.AddressSpaceBytes > 0 {
		if err := unix.Setrlimit(unix.RLIMIT_AS, &unix.Rlimit{Cur: l.AddressSpaceBytes, Max: l.AddressSpaceBytes}); err != nil {
			return fmt.Errorf("set rlimit as: %w", err)
		}
	}
	return nil
}

func buildEnv(env []string) []string {
	if len(env) > 0 {
		return env
	}
	return []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"}
}

// resolveCommand looks name up on the PATH carried by the request env.
func resolveCommand(name string, env []string) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			if err := os.Setenv("PATH", v); err != nil {
				return "", fmt.Errorf("set PATH: %w", err)
			}
			break
		}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("resolve command: %w", err)
	}
	return path, nil
}

func applySeccomp(profilePath string) error {
	data, err := os.ReadFile(profilePath)
	if err != nil {
		return fmt.Errorf("read seccomp profile: %w", err)
	}
	var cfg seccompConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse seccomp profile: %w", err)
	}
	defaultAction, err := parseSeccompAction(cfg.DefaultAction)
	if err != nil {
		return err
	}
	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	for _, rule := range cfg.Syscalls {
		action, err := parseSeccompAction(rule.Action)
		if err != nil {
			return err
		}
		for _, name := range rule.Names {
			call, err := seccomp.GetSyscallFromName(name)
			if err != nil {
				// unknown on this architecture
				continue
			}
			if err := filter.AddRule(call, action); err != nil {
				return fmt.Errorf("add seccomp rule %s: %w", name, err)
			}
		}
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}

type seccompConfig struct {
	DefaultAction string           `json:"defaultAction"`
	Syscalls      []seccompSyscall `json:"syscalls"`
}

type seccompSyscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

func parseSeccompAction(action string) (seccomp.ScmpAction, error) {
	switch strings.ToUpper(action) {
	case "SCMP_ACT_ALLOW":
		return seccomp.ActAllow, nil
	case "SCMP_ACT_ERRNO":
		return seccomp.ActErrno.SetReturnCode(int16(unix.EPERM)), nil
	case "SCMP_ACT_KILL", "SCMP_ACT_KILL_PROCESS":
		return seccomp.ActKillProcess, nil
	default:
		return seccomp.ActKillProcess, fmt.Errorf("unsupported seccomp action: %s", action)
	}
}

// initRequest mirrors the document the execution engine writes on fd 5.
type initRequest struct {
	WorkDir        string   `json:"work_dir"`
	Cmd            []string `json:"cmd"`
	Env            []string `json:"env"`
	Limits         rlimits  `json:"limits"`
	SeccompProfile string   `json:"seccomp_profile,omitempty"`
	EnableSeccomp  bool     `json:"enable_seccomp"`
}

type rlimits struct {
	CPUSeconds        uint64 `json:"cpu_seconds"`
	FileBytes         uint64 `json:"file_bytes"`
	AddressSpaceBytes uint64 `json:"address_space_bytes"`
}
