package vm

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// State is the lifecycle state of a session VM.
type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateStopped   State = "stopped"
	StateDestroyed State = "destroyed"
)

const (
	BackendLocal  = "local"
	BackendDocker = "docker"
	BackendAuto   = "auto"
)

// Spec is the resolved, immutable resource and network description of a VM.
type Spec struct {
	Image        string   `json:"image"`
	CPU          int      `json:"cpu"`
	RAMMB        int      `json:"ram_mb"`
	DiskGB       int      `json:"disk_gb"`
	TTLSec       int      `json:"ttl_sec"`
	NetOutbound  string   `json:"net_outbound"`
	NetAllowlist []string `json:"net_allowlist"`
}

// TTL returns the spec TTL as a duration.
func (s Spec) TTL() time.Duration {
	return time.Duration(s.TTLSec) * time.Second
}

// Overrides adjusts the default spec for a single session. Nil fields keep the default.
type Overrides struct {
	Image        *string
	CPU          *int
	RAMMB        *int
	DiskGB       *int
	TTLSec       *int
	NetOutbound  *string
	NetAllowlist []string
	allowlistSet bool
}

// WithAllowlist sets the allowlist override, including an explicitly empty one.
func (o Overrides) WithAllowlist(hosts []string) Overrides {
	o.NetAllowlist = NormalizeAllowlist(hosts)
	o.allowlistSet = true
	return o
}

// OverridesFromMap builds overrides from a loosely typed request payload.
// Unknown keys are ignored; the allowlist may be a comma string or a list.
func OverridesFromMap(raw map[string]any) (Overrides, error) {
	var o Overrides
	for key, value := range raw {
		if value == nil {
			continue
		}
		switch key {
		case "image":
			s := strings.TrimSpace(fmt.Sprint(value))
			if s != "" {
				o.Image = &s
			}
		case "cpu", "ram_mb", "disk_gb", "ttl_sec":
			n, err := toInt(value)
			if err != nil {
				return Overrides{}, fmt.Errorf("%s: %w", key, err)
			}
			switch key {
			case "cpu":
				o.CPU = &n
			case "ram_mb":
				o.RAMMB = &n
			case "disk_gb":
				o.DiskGB = &n
			case "ttl_sec":
				o.TTLSec = &n
			}
		case "net_outbound":
			s := strings.ToLower(strings.TrimSpace(fmt.Sprint(value)))
			o.NetOutbound = &s
		case "net_allowlist":
			switch v := value.(type) {
			case string:
				o = o.WithAllowlist(strings.Split(v, ","))
			case []string:
				o = o.WithAllowlist(v)
			case []any:
				hosts := make([]string, 0, len(v))
				for _, item := range v {
					if item != nil {
						hosts = append(hosts, fmt.Sprint(item))
					}
				}
				o = o.WithAllowlist(hosts)
			default:
				return Overrides{}, fmt.Errorf("net_allowlist: unsupported type %T", value)
			}
		}
	}
	return o, nil
}

func toInt(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &n); err != nil {
			return 0, fmt.Errorf("not an integer: %q", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported type %T", value)
	}
}

// Apply returns spec with the overrides applied.
func (o Overrides) Apply(spec Spec) Spec {
	out := spec
	out.NetAllowlist = append([]string(nil), spec.NetAllowlist...)
	if o.Image != nil && *o.Image != "" {
		out.Image = *o.Image
	}
	if o.CPU != nil {
		out.CPU = *o.CPU
	}
	if o.RAMMB != nil {
		out.RAMMB = *o.RAMMB
	}
	if o.DiskGB != nil {
		out.DiskGB = *o.DiskGB
	}
	if o.TTLSec != nil {
		out.TTLSec = *o.TTLSec
	}
	if o.NetOutbound != nil {
		out.NetOutbound = *o.NetOutbound
	}
	if o.allowlistSet || o.NetAllowlist != nil {
		out.NetAllowlist = NormalizeAllowlist(o.NetAllowlist)
	}
	return out
}

// NormalizeAllowlist trims entries and drops empty ones.
func NormalizeAllowlist(hosts []string) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}

// Handle describes a provisioned VM. State changes go through Transition.
type Handle struct {
	ID            string            `json:"vm_id"`
	SessionID     string            `json:"session_id"`
	Spec          Spec              `json:"spec"`
	WorkspacePath string            `json:"workspace_path"`
	Dir           string            `json:"-"`
	MetadataPath  string            `json:"-"`
	State         State             `json:"state"`
	Backend       string            `json:"backend"`
	BackendData   map[string]string `json:"backend_data"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`

	mu sync.Mutex
}

var allowedTransitions = map[State][]State{
	StateCreated: {StateRunning, StateDestroyed},
	StateRunning: {StateStopped, StateDestroyed},
	StateStopped: {StateRunning, StateDestroyed},
}

// Transition moves the handle to next. Destroyed is terminal.
func (h *Handle) Transition(next State, now time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.State == next {
		return nil
	}
	for _, candidate := range allowedTransitions[h.State] {
		if candidate == next {
			h.State = next
			h.UpdatedAt = now
			return nil
		}
	}
	return fmt.Errorf("vm %s: invalid state transition %s -> %s", h.ID, h.State, next)
}

// CurrentState returns the state under the handle lock.
func (h *Handle) CurrentState() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.State
}

// RunsDir is where per-run scratch directories live.
func (h *Handle) RunsDir() string {
	return filepath.Join(h.Dir, "runs")
}

// StatePath is the namespace snapshot location.
func (h *Handle) StatePath() string {
	return filepath.Join(h.Dir, "state", "namespace.pkl")
}

// AgentSocket is the VM agent socket path on the host side.
func (h *Handle) AgentSocket() string {
	return filepath.Join(h.Dir, AgentSocketName)
}

// RelaySocket is where the host relay listens for this VM.
func (h *Handle) RelaySocket() string {
	return filepath.Join(h.Dir, RelaySocketName)
}
