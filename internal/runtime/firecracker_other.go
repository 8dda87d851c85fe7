//go:build !linux

package runtime

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/relay-agent/runtime/internal/conv"
)

// ErrFirecrackerUnsupported is returned by every FirecrackerRuntime method on
// non-Linux platforms, where Firecracker microVMs cannot run.
var ErrFirecrackerUnsupported = errors.New("firecracker runtime is only supported on linux")

// FirecrackerRuntime stub for non-Linux build targets.
type FirecrackerRuntime struct{}

// FirecrackerRuntimeConfig configures a FirecrackerRuntime.
type FirecrackerRuntimeConfig struct {
	KernelPath  string
	RootFSPath  string
	VCPUs       int64
	MemMB       int64
	VsockCID    uint32
	APISocket   string
	VsockSocket string
}

func init() {
	Register("firecracker", func(_ map[string]any) (Runtime, error) {
		return nil, ErrFirecrackerUnsupported
	})
}

// NewFirecrackerRuntime always returns a runtime whose methods report
// ErrFirecrackerUnsupported on this platform.
func NewFirecrackerRuntime(_ FirecrackerRuntimeConfig, _ zerolog.Logger) *FirecrackerRuntime {
	return &FirecrackerRuntime{}
}

func (*FirecrackerRuntime) Connect(_ context.Context) error { return ErrFirecrackerUnsupported }

func (*FirecrackerRuntime) RunAction(_ context.Context, _ conv.Action) (conv.Observation, error) {
	return nil, ErrFirecrackerUnsupported
}

func (*FirecrackerRuntime) GetMCPConfig(extra []MCPServerConfig) MCPConfig {
	return MCPConfig{Servers: extra}
}

func (*FirecrackerRuntime) CopyTo(_ context.Context, _ string, _ []byte) error {
	return ErrFirecrackerUnsupported
}

func (*FirecrackerRuntime) CopyFrom(_ context.Context, _ string) ([]byte, error) {
	return nil, ErrFirecrackerUnsupported
}

func (*FirecrackerRuntime) Close() error { return nil }

func (*FirecrackerRuntime) Properties() Properties { return Properties{} }
