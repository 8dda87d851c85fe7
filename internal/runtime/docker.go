package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/relay-agent/runtime/internal/conv"
)

// DockerRuntime runs actions inside a single long-lived Docker container
// reached through `docker exec`, giving a real isolation boundary without
// the HTTP sandbox-server round trip HTTPRuntime requires.
type DockerRuntime struct {
	image          string
	hostWorkspace  string
	containerDir   string
	networkEnabled bool
	cpuLimit       string
	memLimit       string
	log            zerolog.Logger

	containerID string
	props       Properties
}

// DockerRuntimeConfig configures a DockerRuntime.
type DockerRuntimeConfig struct {
	Image          string
	HostWorkspace  string
	ContainerDir   string
	NetworkEnabled bool
	CPULimit       string // e.g. "1.5"
	MemLimit       string // e.g. "512m"
}

func init() {
	Register("docker", func(cfg map[string]any) (Runtime, error) {
		image, _ := cfg["image"].(string)
		if image == "" {
			image = "golang:1.24-alpine"
		}
		hostWorkspace, _ := cfg["workspace"].(string)
		if hostWorkspace == "" {
			return nil, fmt.Errorf(`runtime "docker": missing required "workspace" config key`)
		}
		networkEnabled, _ := cfg["network_enabled"].(bool)
		cpuLimit, _ := cfg["cpu_limit"].(string)
		memLimit, _ := cfg["mem_limit"].(string)
		return NewDockerRuntime(DockerRuntimeConfig{
			Image:          image,
			HostWorkspace:  hostWorkspace,
			NetworkEnabled: networkEnabled,
			CPULimit:       cpuLimit,
			MemLimit:       memLimit,
		}, zerolog.Nop()), nil
	})
}

// NewDockerRuntime constructs a DockerRuntime. The container is not started
// until Connect is called.
func NewDockerRuntime(cfg DockerRuntimeConfig, log zerolog.Logger) *DockerRuntime {
	containerDir := cfg.ContainerDir
	if containerDir == "" {
		containerDir = "/workspace"
	}
	cpuLimit := cfg.CPULimit
	if cpuLimit == "" {
		cpuLimit = "1.0"
	}
	memLimit := cfg.MemLimit
	if memLimit == "" {
		memLimit = "512m"
	}
	return &DockerRuntime{
		image:          cfg.Image,
		hostWorkspace:  cfg.HostWorkspace,
		containerDir:   containerDir,
		networkEnabled: cfg.NetworkEnabled,
		cpuLimit:       cpuLimit,
		memLimit:       memLimit,
		log:            log,
	}
}

// Connect starts the backing container, bind-mounting the host workspace
// read-write and leaving it idle (sleep infinity) so RunAction can reach it
// with repeated `docker exec` calls rather than a fresh container per action.
func (r *DockerRuntime) Connect(ctx context.Context) error {
	args := []string{"run", "-d", "--rm"}
	if !r.networkEnabled {
		args = append(args, "--network", "none")
	}
	args = append(args,
		"--cpus", r.cpuLimit,
		"--memory", r.memLimit,
		"--memory-swap", r.memLimit,
		"--pids-limit", "256",
		"-v", fmt.Sprintf("%s:%s:rw", r.hostWorkspace, r.containerDir),
		"-w", r.containerDir,
		r.image,
		"sleep", "infinity",
	)

	out, stderr, err := runDocker(ctx, args, nil)
	if err != nil {
		return fmt.Errorf("%w: docker run: %v: %s", ErrUnavailable, err, stderr)
	}
	r.containerID = strings.TrimSpace(out)
	if r.containerID == "" {
		return fmt.Errorf("%w: docker run returned empty container id", ErrUnavailable)
	}
	r.props.Initialized = true
	return nil
}

func (r *DockerRuntime) RunAction(ctx context.Context, action conv.Action) (conv.Observation, error) {
	if r.containerID == "" {
		return &conv.ErrorObservation{Content: "docker runtime: not connected"}, nil
	}
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

func (r *DockerRuntime) dispatch(ctx context.Context, action conv.Action) (conv.Observation, error) {
	switch a := action.(type) {
	case *conv.CmdRunAction:
		out, stderr, err := r.exec(ctx, []string{"sh", "-c", a.Command}, nil)
		exitCode := 0
		if err != nil {
			if ee, ok := err.(*exec.ExitError); ok {
				exitCode = ee.ExitCode()
			} else {
				return nil, err
			}
		}
		content := out
		if stderr != "" {
			content += stderr
		}
		return &conv.CmdOutputObservation{Command: a.Command, ExitCode: exitCode, Content: content}, nil

	case *conv.FileReadAction:
		out, _, err := r.exec(ctx, []string{"cat", a.Path}, nil)
		if err != nil {
			return &conv.ErrorObservation{Content: fmt.Sprintf("read %s: %v", a.Path, err)}, nil
		}
		return &conv.FileReadObservation{Path: a.Path, Content: out}, nil

	case *conv.FileWriteAction:
		if _, _, err := r.exec(ctx, []string{"sh", "-c", "cat > " + shellQuote(a.Path)}, strings.NewReader(a.Content)); err != nil {
			return &conv.ErrorObservation{Content: fmt.Sprintf("write %s: %v", a.Path, err)}, nil
		}
		return &conv.FileWriteObservation{Path: a.Path, Content: a.Content}, nil

	case *conv.FileEditAction:
		before, _, _ := r.exec(ctx, []string{"cat", a.Path}, nil)
		after := strings.Replace(before, a.OldText, a.NewText, 1)
		if _, _, err := r.exec(ctx, []string{"sh", "-c", "cat > " + shellQuote(a.Path)}, strings.NewReader(after)); err != nil {
			return &conv.ErrorObservation{Content: fmt.Sprintf("edit %s: %v", a.Path, err)}, nil
		}
		return &conv.FileEditObservation{Path: a.Path, Diff: unifiedDiff(a.Path, before, after)}, nil

	case *conv.BrowseURLAction:
		if !r.networkEnabled {
			return &conv.ErrorObservation{Content: "docker runtime: network disabled, cannot browse"}, nil
		}
		out, _, err := r.exec(ctx, []string{"wget", "-q", "-O", "-", a.URL}, nil)
		if err != nil {
			return &conv.ErrorObservation{Content: fmt.Sprintf("browse %s: %v", a.URL, err)}, nil
		}
		return &conv.BrowserOutputObservation{URL: a.URL, AXTree: out}, nil

	case *conv.AgentThinkAction:
		return &conv.SuccessObservation{Content: a.Thought}, nil

	case *conv.MCPAction:
		return nil, fmt.Errorf("docker runtime does not execute MCPAction directly; route through internal/mcp")

	default:
		return nil, fmt.Errorf("docker runtime: unsupported action variant %q", action.Variant())
	}
}

func (r *DockerRuntime) exec(ctx context.Context, cmd []string, stdin *strings.Reader) (stdout, stderr string, err error) {
	args := []string{"exec"}
	if stdin != nil {
		args = append(args, "-i") // docker exec forwards stdin only with -i
	}
	args = append(args, r.containerID)
	args = append(args, cmd...)
	return runDocker(ctx, args, stdin)
}

func runDocker(ctx context.Context, args []string, stdin *strings.Reader) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return outBuf.String(), errBuf.String(), err
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (r *DockerRuntime) GetMCPConfig(extra []MCPServerConfig) MCPConfig {
	return MCPConfig{Servers: extra}
}

func (r *DockerRuntime) CopyTo(ctx context.Context, dest string, data []byte) error {
	_, stderr, err := runDocker(ctx, []string{"exec", "-i", r.containerID, "sh", "-c", "mkdir -p $(dirname " + shellQuote(dest) + ") && cat > " + shellQuote(dest)}, strings.NewReader(string(data)))
	if err != nil {
		return fmt.Errorf("docker runtime: copy_to: %w: %s", err, stderr)
	}
	return nil
}

func (r *DockerRuntime) CopyFrom(ctx context.Context, src string) ([]byte, error) {
	out, stderr, err := runDocker(ctx, []string{"exec", r.containerID, "cat", src}, nil)
	if err != nil {
		return nil, fmt.Errorf("docker runtime: copy_from: %w: %s", err, stderr)
	}
	return []byte(out), nil
}

func (r *DockerRuntime) Close() error {
	if r.containerID == "" {
		return nil
	}
	_, _, err := runDocker(context.Background(), []string{"stop", "-t", "5", r.containerID}, nil)
	return err
}

func (r *DockerRuntime) Properties() Properties {
	return r.props
}
