package sandbox

import (
	"path/filepath"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// SyntheticCwd is the working directory reported to user code.
const SyntheticCwd = "/sandbox"

const (
	NetDeny  = "deny"
	NetAllow = "allow"
)

// DefaultWriteExtensions is the set of file extensions user code may create.
func DefaultWriteExtensions() mapset.Set[string] {
	return mapset.NewSet("csv", "txt", "json", "png", "jpg", "jpeg", "svg", "html", "parquet", "bin", "pt")
}

// DefaultDeniedImports lists modules user code may not import directly.
func DefaultDeniedImports() mapset.Set[string] {
	return mapset.NewSet("ctypes", "_ctypes", "cffi", "subprocess", "_posixsubprocess", "pty", "multiprocessing")
}

// DefaultAllowedModules lists data-science modules that are always importable.
func DefaultAllowedModules() mapset.Set[string] {
	return mapset.NewSet(
		"numpy", "pandas", "scipy", "sklearn", "matplotlib", "seaborn", "plotly",
		"math", "statistics", "json", "csv", "re", "collections", "itertools",
		"functools", "datetime", "random",
	)
}

// DefaultBuiltins names the helpers injected into every session namespace.
func DefaultBuiltins() []string {
	return []string{"download_file", "display", "input"}
}

// Policy describes what user code may touch inside a workspace.
type Policy struct {
	Root            string
	WriteExtensions mapset.Set[string]
	DeniedImports   mapset.Set[string]
	AllowedModules  mapset.Set[string]
	NetOutbound     string
	NetAllowlist    []string
	MaxFileBytes    int64
}

// NewPolicy returns the default policy rooted at the given workspace.
func NewPolicy(root string, netOutbound string, allowlist []string, maxFileBytes int64) *Policy {
	if netOutbound != NetAllow {
		netOutbound = NetDeny
	}
	return &Policy{
		Root:            root,
		WriteExtensions: DefaultWriteExtensions(),
		DeniedImports:   DefaultDeniedImports(),
		AllowedModules:  DefaultAllowedModules(),
		NetOutbound:     netOutbound,
		NetAllowlist:    append([]string(nil), allowlist...),
		MaxFileBytes:    maxFileBytes,
	}
}

// Jail returns the filesystem jail for the policy root.
func (p *Policy) Jail() *Jail {
	return NewJail(p.Root, p.WriteExtensions)
}

// ExtensionAllowed reports whether a file with this name may be written.
func (p *Policy) ExtensionAllowed(name string) bool {
	return extensionAllowed(p.WriteExtensions, name)
}

func extensionAllowed(set mapset.Set[string], name string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if ext == "" {
		return false
	}
	return set.Contains(ext)
}

// HostAllowed reports whether an outbound download to host is permitted.
// Allowlist entries match exactly or as a dot-suffix ("example.com" admits "cdn.example.com").
func (p *Policy) HostAllowed(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	if host == "" {
		return false
	}
	for _, entry := range p.NetAllowlist {
		entry = strings.ToLower(strings.Trim(strings.TrimSpace(entry), "."))
		if entry == "" {
			continue
		}
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}

// BootstrapPolicy is the policy as handed to the in-process bootstrap.
type BootstrapPolicy struct {
	Root            string   `json:"root"`
	TempDir         string   `json:"temp_dir"`
	SyntheticCwd    string   `json:"synthetic_cwd"`
	WriteExtensions []string `json:"write_extensions"`
	DeniedImports   []string `json:"denied_imports"`
	AllowedModules  []string `json:"allowed_modules"`
	NetOutbound     string   `json:"net_outbound"`
	MaxFileBytes    int64    `json:"max_file_bytes"`
	StatePath       string   `json:"state_path"`
	StdinTimeoutSec int      `json:"stdin_timeout_sec"`
}

// ForBootstrap renders the policy for a single run.
func (p *Policy) ForBootstrap(tempDir, statePath string) BootstrapPolicy {
	return BootstrapPolicy{
		Root:            p.Root,
		TempDir:         tempDir,
		SyntheticCwd:    SyntheticCwd,
		WriteExtensions: sortedMembers(p.WriteExtensions),
		DeniedImports:   sortedMembers(p.DeniedImports),
		AllowedModules:  sortedMembers(p.AllowedModules),
		NetOutbound:     p.NetOutbound,
		MaxFileBytes:    p.MaxFileBytes,
		StatePath:       statePath,
	}
}

func sortedMembers(set mapset.Set[string]) []string {
	out := set.ToSlice()
	sort.Strings(out)
	return out
}
