package vm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// AgentSocketName is the VM agent socket file inside a VM directory.
const AgentSocketName = "agent.sock"

// RelaySocketName is the host relay socket file inside a VM directory.
const RelaySocketName = "relay.sock"

// Config is the VM layer configuration. Precedence: defaults, env, JSON file.
type Config struct {
	Backend      string   `json:"vm_backend"`
	Image        string   `json:"vm_image"`
	Root         string   `json:"vm_root"`
	HostRoot     string   `json:"vm_host_root"`
	CPU          int      `json:"vm_cpu"`
	RAMMB        int      `json:"vm_ram_mb"`
	DiskGB       int      `json:"vm_disk_gb"`
	DiskQuota    bool     `json:"vm_disk_quota"`
	TTLSec       int      `json:"vm_ttl_sec"`
	NetOutbound  string   `json:"vm_net_outbound"`
	NetAllowlist []string `json:"vm_net_allowlist"`
	AgentBinary  string   `json:"vm_agent_binary"`
}

// DefaultConfig returns the built-in defaults with VM_ROOT under dataDir.
func DefaultConfig(dataDir string) Config {
	if dataDir == "" {
		dataDir = "./data"
	}
	return Config{
		Backend:     BackendAuto,
		Image:       "runner-vm:latest",
		Root:        filepath.Join(dataDir, "notebook_sessions"),
		CPU:         2,
		RAMMB:       2048,
		DiskGB:      16,
		TTLSec:      900,
		NetOutbound: "deny",
	}
}

// LoadConfig loads .env (when present), then the environment, then the JSON
// file named by VM_CONFIG_FILE.
func LoadConfig() (Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
	}
	return LoadConfigFrom(os.LookupEnv)
}

// LoadConfigFrom resolves the configuration through lookup instead of the process environment.
func LoadConfigFrom(lookup func(string) (string, bool)) (Config, error) {
	dataDir, _ := lookup("DATA_DIR")
	cfg := DefaultConfig(strings.TrimSpace(dataDir))

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("VM_BACKEND", &cfg.Backend)
	str("VM_IMAGE", &cfg.Image)
	str("VM_ROOT", &cfg.Root)
	str("VM_HOST_ROOT", &cfg.HostRoot)
	str("VM_NET_OUTBOUND", &cfg.NetOutbound)
	str("VM_AGENT_BINARY", &cfg.AgentBinary)
	for key, dst := range map[string]*int{
		"VM_CPU":     &cfg.CPU,
		"VM_RAM_MB":  &cfg.RAMMB,
		"VM_DISK_GB": &cfg.DiskGB,
		"VM_TTL_SEC": &cfg.TTLSec,
	} {
		if err := num(key, dst); err != nil {
			return Config{}, err
		}
	}
	if v, ok := lookup("VM_DISK_QUOTA"); ok {
		cfg.DiskQuota, _ = strconv.ParseBool(strings.TrimSpace(v))
	}
	if v, ok := lookup("VM_NET_ALLOWLIST"); ok {
		cfg.NetAllowlist = NormalizeAllowlist(strings.Split(v, ","))
	}

	if path, ok := lookup("VM_CONFIG_FILE"); ok && strings.TrimSpace(path) != "" {
		if err := cfg.mergeFile(strings.TrimSpace(path)); err != nil {
			return Config{}, err
		}
	}
	return cfg.normalize()
}

// mergeFile overlays keys present in a JSON file. The allowlist may be a list or a comma string.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read vm config file: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse vm config file: %w", err)
	}
	if list, ok := raw["vm_net_allowlist"]; ok {
		var s string
		if json.Unmarshal(list, &s) == nil {
			c.NetAllowlist = NormalizeAllowlist(strings.Split(s, ","))
			delete(raw, "vm_net_allowlist")
		}
	}
	rest, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(rest, c); err != nil {
		return fmt.Errorf("parse vm config file: %w", err)
	}
	c.NetAllowlist = NormalizeAllowlist(c.NetAllowlist)
	return nil
}

func (c Config) normalize() (Config, error) {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend == "" {
		c.Backend = BackendAuto
	}
	switch c.Backend {
	case BackendAuto, BackendLocal, BackendDocker:
	default:
		return Config{}, fmt.Errorf("unsupported VM backend %q", c.Backend)
	}
	c.NetOutbound = strings.ToLower(strings.TrimSpace(c.NetOutbound))
	if c.NetOutbound != "allow" {
		c.NetOutbound = "deny"
	}
	root, err := filepath.Abs(c.Root)
	if err != nil {
		return Config{}, fmt.Errorf("resolve vm root: %w", err)
	}
	c.Root = root
	return c, nil
}

// DefaultSpec is the spec every session starts from before overrides.
func (c Config) DefaultSpec() Spec {
	return Spec{
		Image:        c.Image,
		CPU:          c.CPU,
		RAMMB:        c.RAMMB,
		DiskGB:       c.DiskGB,
		TTLSec:       c.TTLSec,
		NetOutbound:  c.NetOutbound,
		NetAllowlist: append([]string(nil), c.NetAllowlist...),
	}
}
