package runtime

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relay-agent/runtime/internal/conv"
)

func requireDockerDaemon(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping docker-backed test in short mode")
	}
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker binary not found")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
		t.Skip("docker daemon not reachable")
	}
}

func TestDockerRuntimeRunsFileActions(t *testing.T) {
	requireDockerDaemon(t)

	dir := t.TempDir()
	rt := NewDockerRuntime(DockerRuntimeConfig{
		Image:         "alpine:latest",
		HostWorkspace: dir,
	}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	require.NoError(t, rt.Connect(ctx))
	defer rt.Close()

	_, err := rt.RunAction(ctx, &conv.FileWriteAction{Path: "/workspace/hello.txt", Content: "hi"})
	require.NoError(t, err)

	obs, err := rt.RunAction(ctx, &conv.FileReadAction{Path: "/workspace/hello.txt"})
	require.NoError(t, err)
	readObs, ok := obs.(*conv.FileReadObservation)
	require.True(t, ok)
	assert.Equal(t, "hi", readObs.Content)

	cmdObs, err := rt.RunAction(ctx, &conv.CmdRunAction{Command: "echo from-container"})
	require.NoError(t, err)
	out, ok := cmdObs.(*conv.CmdOutputObservation)
	require.True(t, ok)
	assert.Equal(t, 0, out.ExitCode)
	assert.Contains(t, out.Content, "from-container")
}

func TestDockerRuntimeRegisteredByName(t *testing.T) {
	assert.Contains(t, Names(), "docker")

	_, err := New("docker", map[string]any{})
	assert.Error(t, err, "workspace config key is required")
}
