package engine

// initRequest is read by sandbox-init from fd 5 before it execs the interpreter.
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
