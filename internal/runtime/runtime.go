// Package runtime implements the abstract Runtime (component B): the
// sandbox-facing side of the conversation plane that turns an Action into
// an Observation. Concrete variants (local, http, docker, firecracker,
// noop) are opaque to the core AgentController, which only ever talks to
// the Runtime interface (spec.md §4.B).
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/relay-agent/runtime/internal/conv"
)

// ErrUnavailable is returned by Connect when the sandbox could not be
// established (spec.md §4.B "connect() -> ok | RuntimeUnavailable").
var ErrUnavailable = errors.New("runtime unavailable")

// MCPConfig is the merged set of tools a Runtime exposes: its own plus any
// microagent-provided ones (spec.md §4.B "get_mcp_config").
type MCPConfig struct {
	Servers []MCPServerConfig `json:"servers"`
}

// MCPServerConfig describes one external MCP server a Runtime makes
// available to the controller.
type MCPServerConfig struct {
	Name   string         `json:"name"`
	Config map[string]any `json:"config,omitempty"`
}

// Properties are the read-only runtime properties spec.md §4.B names.
type Properties struct {
	Initialized bool
	VSCodeURL   string
	WebHosts    map[string]int
}

// Runtime is the abstract sandbox contract every variant implements.
type Runtime interface {
	// Connect establishes the sandbox. Returns ErrUnavailable (wrapped)
	// on failure.
	Connect(ctx context.Context) error

	// RunAction dispatches action and returns the resulting Observation.
	// Implementations must honor action's timeout, converting an
	// exceeded deadline into an ErrorObservation rather than propagating
	// context.DeadlineExceeded.
	RunAction(ctx context.Context, action conv.Action) (conv.Observation, error)

	// GetMCPConfig merges runtime-provided tools with extra (typically
	// microagent-contributed) server configs.
	GetMCPConfig(extra []MCPServerConfig) MCPConfig

	// CopyTo writes data into the sandbox at dest.
	CopyTo(ctx context.Context, dest string, data []byte) error

	// CopyFrom reads a file out of the sandbox.
	CopyFrom(ctx context.Context, src string) ([]byte, error)

	// Close tears the sandbox down. Idempotent.
	Close() error

	// Properties reports the current runtime properties.
	Properties() Properties
}

// Factory builds a Runtime from a free-form configuration map, the
// "configuration name with fallback to dynamic lookup" scheme spec.md §4.B
// describes, made concrete as a static registry (spec.md §9 design note).
type Factory func(cfg map[string]any) (Runtime, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a named Runtime variant to the static registry. Intended to
// be called from each variant's init().
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("runtime: duplicate registration for %q", name))
	}
	registry[name] = f
}

// New builds the named Runtime variant with the given configuration.
func New(name string, cfg map[string]any) (Runtime, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("runtime: unknown variant %q", name)
	}
	return f(cfg)
}

// Names lists every registered variant, for CLI help text and validation.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	return out
}
