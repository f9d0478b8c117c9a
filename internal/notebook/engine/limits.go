package engine

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Limits bound a single run.
type Limits struct {
	TimeoutS          int   `yaml:"timeoutS"`
	MaxCodeBytes      int   `yaml:"maxCodeBytes"`
	MaxStdBytes       int   `yaml:"maxStdBytes"`
	MaxFileBytes      int64 `yaml:"maxFileBytes"`
	CSVPreviewRows    int   `yaml:"csvPreviewRows"`
	StdinTimeoutSec   int   `yaml:"stdinTimeoutSec"`
	AddressSpaceBytes int64 `yaml:"addressSpaceBytes"`
}

// DefaultLimits returns the built-in run limits.
func DefaultLimits() Limits {
	return Limits{
		TimeoutS:          10,
		MaxCodeBytes:      200_000,
		MaxStdBytes:       500_000,
		MaxFileBytes:      10 << 20,
		CSVPreviewRows:    1000,
		StdinTimeoutSec:   600,
		AddressSpaceBytes: 512 << 20,
	}
}

// Timeout is the wall-clock budget of a run.
func (l Limits) Timeout() time.Duration {
	return time.Duration(l.TimeoutS) * time.Second
}

// LimitsFromEnv overlays RUN_* variables on the defaults.
func LimitsFromEnv() (Limits, error) {
	return LimitsFrom(DefaultLimits(), os.LookupEnv)
}

// LimitsFrom overlays RUN_* values found through lookup on base.
func LimitsFrom(base Limits, lookup func(string) (string, bool)) (Limits, error) {
	l := base
	ints := []struct {
		key string
		dst *int
	}{
		{"RUN_TIMEOUT_S", &l.TimeoutS},
		{"RUN_MAX_CODE_BYTES", &l.MaxCodeBytes},
		{"RUN_MAX_STD_BYTES", &l.MaxStdBytes},
		{"RUN_CSV_PREVIEW_ROWS", &l.CSVPreviewRows},
		{"RUNTIME_STDIN_TIMEOUT_SECONDS", &l.StdinTimeoutSec},
	}
	for _, item := range ints {
		v, ok := lookup(item.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			return Limits{}, fmt.Errorf("%s: expected a positive integer, got %q", item.key, v)
		}
		*item.dst = n
	}
	if v, ok := lookup("RUN_MAX_FILE_BYTES"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || n <= 0 {
			return Limits{}, fmt.Errorf("RUN_MAX_FILE_BYTES: expected a positive integer, got %q", v)
		}
		l.MaxFileBytes = n
	}
	return l, nil
}
