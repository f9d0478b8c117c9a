package engine

// DefaultPythonCmd runs the interpreter isolated, unbuffered and without byte-code writes.
const DefaultPythonCmd = "python3 -I -B -u -X utf8"

// Config controls how the engine launches the interpreter.
type Config struct {
	// PythonCmd is shlex-split into argv.
	PythonCmd string `yaml:"pythonCmd"`
	// HelperPath points at sandbox-init. Empty launches python directly and
	// applies rlimits with prlimit after start.
	HelperPath     string `yaml:"helperPath"`
	SeccompProfile string `yaml:"seccompProfile"`
	EnableSeccomp  bool   `yaml:"enableSeccomp"`
}
