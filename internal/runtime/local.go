package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/relay-agent/runtime/internal/conv"
	"github.com/relay-agent/runtime/internal/formatter"
	"github.com/relay-agent/runtime/internal/mcp"
	"github.com/relay-agent/runtime/internal/tool"
)

// LocalRuntime runs actions in-process against the teacher-derived tool
// registry — no sandbox boundary, intended for development and for running
// the conversation plane directly on a trusted host.
//
// Unlike the other variants, "local" is never constructed through New: it
// needs a live *tool.Registry, which a plain config map cannot carry.
// Callers use NewLocalRuntime directly; this is why it is not Register()-ed
// into the static factory table.
type LocalRuntime struct {
	workDir    string
	registry   *tool.Registry
	mcpClient  *mcp.Client
	mcpServers []MCPServerConfig
	props      Properties
	formatter  *formatter.Manager
}

// NewLocalRuntime wraps an existing tool.Registry as a Runtime.
func NewLocalRuntime(workDir string, registry *tool.Registry) *LocalRuntime {
	return &LocalRuntime{workDir: workDir, registry: registry}
}

// WithMCP attaches an MCP client whose tools have already been merged into
// registry via mcp.RegisterMCPTools, and records the server names so
// GetMCPConfig can report them to the controller (spec.md §4.B
// "get_mcp_config" merges runtime-provided servers with microagent ones).
func (r *LocalRuntime) WithMCP(client *mcp.Client, servers []MCPServerConfig) *LocalRuntime {
	r.mcpClient = client
	r.mcpServers = servers
	return r
}

// WithFormatter attaches a code formatter manager; FileWriteAction and
// FileEditAction best-effort format the touched file afterward (same
// trigger as internal/server's POST /format handler, now run automatically
// instead of waiting for an explicit request).
func (r *LocalRuntime) WithFormatter(m *formatter.Manager) *LocalRuntime {
	r.formatter = m
	return r
}

func (*LocalRuntime) Connect(_ context.Context) error {
	return nil
}

func (r *LocalRuntime) Properties() Properties {
	p := r.props
	p.Initialized = true
	return p
}

func (r *LocalRuntime) GetMCPConfig(extra []MCPServerConfig) MCPConfig {
	servers := make([]MCPServerConfig, 0, len(r.mcpServers)+len(extra))
	servers = append(servers, r.mcpServers...)
	servers = append(servers, extra...)
	return MCPConfig{Servers: servers}
}

func (r *LocalRuntime) CopyTo(_ context.Context, dest string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}

func (r *LocalRuntime) CopyFrom(_ context.Context, src string) ([]byte, error) {
	return os.ReadFile(src)
}

func (r *LocalRuntime) Close() error { return nil }

func (r *LocalRuntime) RunAction(ctx context.Context, action conv.Action) (conv.Observation, error) {
	timeout := 120 * time.Second
	if t := action.GetTimeout(); t != nil {
		timeout = *t
	}
	actionCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	obs, err := r.dispatch(actionCtx, action)
	if err != nil {
		if actionCtx.Err() == context.DeadlineExceeded {
			return &conv.ErrorObservation{Content: fmt.Sprintf("action timed out after %s: %v", timeout, err)}, nil
		}
		return &conv.ErrorObservation{Content: err.Error()}, nil
	}
	return obs, nil
}

func (r *LocalRuntime) dispatch(ctx context.Context, action conv.Action) (conv.Observation, error) {
	toolCtx := &tool.Context{WorkDir: r.workDir}

	switch a := action.(type) {
	case *conv.CmdRunAction:
		res, err := r.execute(ctx, "bash", tool.BashInput{Command: a.Command, Description: a.Command}, toolCtx)
		if err != nil {
			return nil, err
		}
		exitCode := 0
		if m, ok := res.Metadata["exit"].(int); ok {
			exitCode = m
		}
		return &conv.CmdOutputObservation{Command: a.Command, ExitCode: exitCode, Content: res.Output}, nil

	case *conv.FileReadAction:
		res, err := r.execute(ctx, "read", tool.ReadInput{FilePath: a.Path, Offset: a.Start, Limit: a.End - a.Start}, toolCtx)
		if err != nil {
			return nil, err
		}
		return &conv.FileReadObservation{Path: a.Path, Content: res.Output}, nil

	case *conv.FileWriteAction:
		if _, err := r.execute(ctx, "write", tool.WriteInput{FilePath: a.Path, Content: a.Content}, toolCtx); err != nil {
			return nil, err
		}
		r.maybeFormat(ctx, a.Path)
		return &conv.FileWriteObservation{Path: a.Path, Content: a.Content}, nil

	case *conv.FileEditAction:
		before, _ := os.ReadFile(a.Path)
		if _, err := r.execute(ctx, "edit", tool.EditInput{FilePath: a.Path, OldString: a.OldText, NewString: a.NewText}, toolCtx); err != nil {
			return nil, err
		}
		r.maybeFormat(ctx, a.Path)
		after, _ := os.ReadFile(a.Path)
		return &conv.FileEditObservation{Path: a.Path, Diff: unifiedDiff(a.Path, string(before), string(after))}, nil

	case *conv.BrowseURLAction:
		res, err := r.execute(ctx, "webfetch", tool.WebFetchInput{URL: a.URL, Format: "text"}, toolCtx)
		if err != nil {
			return nil, err
		}
		return &conv.BrowserOutputObservation{URL: a.URL, AXTree: res.Output}, nil

	case *conv.AgentThinkAction:
		return &conv.SuccessObservation{Content: a.Thought}, nil

	case *conv.MCPAction:
		if r.mcpClient == nil {
			return nil, fmt.Errorf("local runtime: no MCP client configured, cannot run MCPAction %q", a.Name)
		}
		args, err := json.Marshal(a.Arguments)
		if err != nil {
			return nil, fmt.Errorf("local runtime: encode MCP arguments: %w", err)
		}
		output, err := r.mcpClient.ExecuteTool(ctx, a.Name, args)
		if err != nil {
			return &conv.ErrorObservation{Content: fmt.Sprintf("mcp: %v", err)}, nil
		}
		return &conv.SuccessObservation{Content: output}, nil

	default:
		return nil, fmt.Errorf("local runtime: unsupported action variant %q", action.Variant())
	}
}

// maybeFormat runs the configured formatter for path, if any, and discards
// the result: a failed or unconfigured formatter must never turn a
// successful file write into a failed action.
func (r *LocalRuntime) maybeFormat(ctx context.Context, path string) {
	if r.formatter == nil {
		return
	}
	_, _ = r.formatter.Format(ctx, path)
}

func (r *LocalRuntime) execute(ctx context.Context, toolID string, input any, toolCtx *tool.Context) (*tool.Result, error) {
	t, ok := r.registry.Get(toolID)
	if !ok {
		return nil, fmt.Errorf("local runtime: tool %q not registered", toolID)
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	return t.Execute(ctx, raw, toolCtx)
}

func unifiedDiff(path, before, after string) string {
	if before == after {
		return ""
	}
	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)
	patches := dmp.PatchMake(before, diffs)
	text := dmp.PatchToText(patches)
	if text == "" {
		return ""
	}
	var b2 strings.Builder
	b2.WriteString(fmt.Sprintf("--- %s\n+++ %s\n", path, path))
	b2.WriteString(text)
	return b2.String()
}

var _ io.Closer = (*LocalRuntime)(nil)
