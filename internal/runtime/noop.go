package runtime

import (
	"context"

	"github.com/relay-agent/runtime/internal/conv"
)

// NoopRuntime always succeeds without touching any real sandbox. Used by
// dry-run CLI invocations and by tests that only need a Runtime to satisfy
// the AgentController's dependency, not to execute anything for real.
type NoopRuntime struct{}

func init() {
	Register("noop", func(_ map[string]any) (Runtime, error) {
		return &NoopRuntime{}, nil
	})
}

func (NoopRuntime) Connect(_ context.Context) error { return nil }

func (NoopRuntime) RunAction(_ context.Context, action conv.Action) (conv.Observation, error) {
	switch a := action.(type) {
	case *conv.CmdRunAction:
		return &conv.CmdOutputObservation{Command: a.Command, ExitCode: 0, Content: ""}, nil
	case *conv.FileReadAction:
		return &conv.FileReadObservation{Path: a.Path}, nil
	case *conv.FileWriteAction:
		return &conv.FileWriteObservation{Path: a.Path, Content: a.Content}, nil
	case *conv.FileEditAction:
		return &conv.FileEditObservation{Path: a.Path}, nil
	case *conv.BrowseURLAction:
		return &conv.BrowserOutputObservation{URL: a.URL}, nil
	case *conv.AgentThinkAction:
		return &conv.SuccessObservation{Content: a.Thought}, nil
	default:
		return &conv.SuccessObservation{}, nil
	}
}

func (NoopRuntime) GetMCPConfig(extra []MCPServerConfig) MCPConfig { return MCPConfig{Servers: extra} }
func (NoopRuntime) CopyTo(_ context.Context, _ string, _ []byte) error { return nil }
func (NoopRuntime) CopyFrom(_ context.Context, _ string) ([]byte, error) { return nil, nil }
func (NoopRuntime) Close() error { return nil }
func (NoopRuntime) Properties() Properties { return Properties{Initialized: true} }
