//go:build linux

package runtime

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relay-agent/runtime/internal/conv"
)

// FirecrackerRuntime runs actions inside a Firecracker microVM, reached over
// a length-prefixed JSON protocol on a vsock Unix socket spoken by a guest
// agent running inside the VM's rootfs image.
type FirecrackerRuntime struct {
	kernelPath string
	rootfsPath string
	vcpus      int64
	memMB      int64
	vsockCID   uint32

	apiSocket   string
	vsockSocket string

	cmd  *exec.Cmd
	conn net.Conn
	mu   sync.Mutex
	w    *bufio.Writer
	r    *bufio.Reader
	reqID uint64

	log   zerolog.Logger
	props Properties
}

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
	Register("firecracker", func(cfg map[string]any) (Runtime, error) {
		kernel, _ := cfg["kernel_path"].(string)
		rootfs, _ := cfg["rootfs_path"].(string)
		if kernel == "" || rootfs == "" {
			return nil, fmt.Errorf(`runtime "firecracker": missing required "kernel_path"/"rootfs_path" config keys`)
		}
		vcpus := int64(1)
		if v, ok := cfg["vcpus"].(int); ok {
			vcpus = int64(v)
		}
		memMB := int64(512)
		if v, ok := cfg["mem_mb"].(int); ok {
			memMB = int64(v)
		}
		return NewFirecrackerRuntime(FirecrackerRuntimeConfig{
			KernelPath: kernel,
			RootFSPath: rootfs,
			VCPUs:      vcpus,
			MemMB:      memMB,
		}, zerolog.Nop()), nil
	})
}

// NewFirecrackerRuntime constructs a FirecrackerRuntime. The microVM is not
// booted until Connect is called.
func NewFirecrackerRuntime(cfg FirecrackerRuntimeConfig, log zerolog.Logger) *FirecrackerRuntime {
	vcpus := cfg.VCPUs
	if vcpus == 0 {
		vcpus = 1
	}
	memMB := cfg.MemMB
	if memMB == 0 {
		memMB = 512
	}
	apiSocket := cfg.APISocket
	if apiSocket == "" {
		apiSocket = fmt.Sprintf("/tmp/firecracker-%d.sock", time.Now().UnixNano())
	}
	vsockSocket := cfg.VsockSocket
	if vsockSocket == "" {
		vsockSocket = apiSocket + "_vsock"
	}
	return &FirecrackerRuntime{
		kernelPath:  cfg.KernelPath,
		rootfsPath:  cfg.RootFSPath,
		vcpus:       vcpus,
		memMB:       memMB,
		vsockCID:    3,
		apiSocket:   apiSocket,
		vsockSocket: vsockSocket,
		log:         log,
	}
}

// checkRequirements verifies the firecracker binary and /dev/kvm are
// reachable before attempting to boot a VM.
func checkFirecrackerRequirements() error {
	if _, err := exec.LookPath("firecracker"); err != nil {
		return fmt.Errorf("firecracker binary not found: %w", err)
	}
	if _, err := os.Stat("/dev/kvm"); os.IsNotExist(err) {
		return fmt.Errorf("/dev/kvm not found: KVM is required")
	}
	return nil
}

// Connect boots the microVM and establishes the vsock channel to its guest
// agent. Machine configuration is set over the Firecracker API Unix socket,
// the same `firecracker --api-sock` contract the CLI itself documents.
func (r *FirecrackerRuntime) Connect(ctx context.Context) error {
	if err := checkFirecrackerRequirements(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	os.Remove(r.apiSocket)

	r.cmd = exec.CommandContext(ctx, "firecracker", "--api-sock", r.apiSocket)
	if err := r.cmd.Start(); err != nil {
		return fmt.Errorf("%w: start firecracker: %v", ErrUnavailable, err)
	}

	if err := r.configureMachine(ctx); err != nil {
		r.cmd.Process.Kill()
		return fmt.Errorf("%w: configure machine: %v", ErrUnavailable, err)
	}

	conn, err := r.dialVsock(ctx)
	if err != nil {
		r.cmd.Process.Kill()
		return fmt.Errorf("%w: dial vsock: %v", ErrUnavailable, err)
	}
	r.conn = conn
	r.w = bufio.NewWriter(conn)
	r.r = bufio.NewReader(conn)

	if err := r.healthCheck(ctx); err != nil {
		r.Close()
		return fmt.Errorf("%w: guest agent health check: %v", ErrUnavailable, err)
	}
	r.props.Initialized = true
	return nil
}

// configureMachine sends the boot-source, machine-config, and drive
// descriptions to Firecracker's API socket and starts the instance.
func (r *FirecrackerRuntime) configureMachine(ctx context.Context) error {
	client := firecrackerAPIClient(r.apiSocket)

	if err := client.put(ctx, "/boot-source", map[string]any{
		"kernel_image_path": r.kernelPath,
		"boot_args":         "console=ttyS0 reboot=k panic=1 pci=off",
	}); err != nil {
		return err
	}
	if err := client.put(ctx, "/drives/rootfs", map[string]any{
		"drive_id":       "rootfs",
		"path_on_host":   r.rootfsPath,
		"is_root_device": true,
		"is_read_only":   false,
	}); err != nil {
		return err
	}
	if err := client.put(ctx, "/machine-config", map[string]any{
		"vcpu_count":   r.vcpus,
		"mem_size_mib": r.memMB,
	}); err != nil {
		return err
	}
	if err := client.put(ctx, "/vsock", map[string]any{
		"guest_cid": r.vsockCID,
		"uds_path":  r.vsockSocket,
	}); err != nil {
		return err
	}
	return client.put(ctx, "/actions", map[string]any{"action_type": "InstanceStart"})
}

// dialVsock connects to the Unix socket Firecracker exposes for vsock and
// sends the [CID][Port] handshake header the guest agent listens for.
func (r *FirecrackerRuntime) dialVsock(ctx context.Context) (net.Conn, error) {
	var conn net.Conn
	var err error
	deadline := time.Now().Add(10 * time.Second)
	for {
		dialer := net.Dialer{Timeout: 2 * time.Second}
		conn, err = dialer.DialContext(ctx, "unix", r.vsockSocket)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], r.vsockCID)
	binary.LittleEndian.PutUint32(header[4:8], guestAgentPort)
	if _, err := conn.Write(header); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

const guestAgentPort = 52

// guestRequest is the length-prefixed JSON message sent to the guest agent.
type guestRequest struct {
	ID      uint64 `json:"id"`
	Type    string `json:"type"`
	Action  string `json:"action,omitempty"`
	Command string `json:"command,omitempty"`
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
	OldText string `json:"old_text,omitempty"`
	NewText string `json:"new_text,omitempty"`
}

type guestResponse struct {
	ID       uint64 `json:"id"`
	Success  bool   `json:"success"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

func (r *FirecrackerRuntime) send(ctx context.Context, req guestRequest) (*guestResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reqID++
	req.ID = r.reqID
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	lengthBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lengthBuf, uint32(len(data)))
	if _, err := r.w.Write(lengthBuf); err != nil {
		return nil, err
	}
	if _, err := r.w.Write(data); err != nil {
		return nil, err
	}
	if err := r.w.Flush(); err != nil {
		return nil, err
	}

	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r.r, lenBuf); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(lenBuf)
	body := make([]byte, length)
	if _, err := io.ReadFull(r.r, body); err != nil {
		return nil, err
	}
	var resp guestResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (r *FirecrackerRuntime) healthCheck(ctx context.Context) error {
	resp, err := r.send(ctx, guestRequest{Type: "health"})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("guest agent reported unhealthy: %s", resp.Error)
	}
	return nil
}

func (r *FirecrackerRuntime) RunAction(ctx context.Context, action conv.Action) (conv.Observation, error) {
	timeout := 120 * time.Second
	if t := action.GetTimeout(); t != nil {
		timeout = *t
	}
	actionCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch a := action.(type) {
	case *conv.CmdRunAction:
		resp, err := r.send(actionCtx, guestRequest{Type: "exec", Command: a.Command})
		if err != nil {
			return &conv.ErrorObservation{Content: fmt.Sprintf("firecracker runtime: %v", err)}, nil
		}
		return &conv.CmdOutputObservation{Command: a.Command, ExitCode: resp.ExitCode, Content: resp.Stdout + resp.Stderr}, nil

	case *conv.FileReadAction:
		resp, err := r.send(actionCtx, guestRequest{Type: "file_read", Path: a.Path})
		if err != nil || !resp.Success {
			return &conv.ErrorObservation{Content: fmt.Sprintf("read %s failed", a.Path)}, nil
		}
		return &conv.FileReadObservation{Path: a.Path, Content: resp.Stdout}, nil

	case *conv.FileWriteAction:
		resp, err := r.send(actionCtx, guestRequest{Type: "file_write", Path: a.Path, Content: a.Content})
		if err != nil || !resp.Success {
			return &conv.ErrorObservation{Content: fmt.Sprintf("write %s failed", a.Path)}, nil
		}
		return &conv.FileWriteObservation{Path: a.Path, Content: a.Content}, nil

	case *conv.FileEditAction:
		resp, err := r.send(actionCtx, guestRequest{Type: "file_edit", Path: a.Path, OldText: a.OldText, NewText: a.NewText})
		if err != nil || !resp.Success {
			return &conv.ErrorObservation{Content: fmt.Sprintf("edit %s failed", a.Path)}, nil
		}
		return &conv.FileEditObservation{Path: a.Path, Diff: resp.Stdout}, nil

	case *conv.AgentThinkAction:
		return &conv.SuccessObservation{Content: a.Thought}, nil

	default:
		return nil, fmt.Errorf("firecracker runtime: unsupported action variant %q", action.Variant())
	}
}

func (r *FirecrackerRuntime) GetMCPConfig(extra []MCPServerConfig) MCPConfig {
	return MCPConfig{Servers: extra}
}

func (r *FirecrackerRuntime) CopyTo(ctx context.Context, dest string, data []byte) error {
	resp, err := r.send(ctx, guestRequest{Type: "file_write", Path: dest, Content: string(data)})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("firecracker runtime: copy_to failed: %s", resp.Error)
	}
	return nil
}

func (r *FirecrackerRuntime) CopyFrom(ctx context.Context, src string) ([]byte, error) {
	resp, err := r.send(ctx, guestRequest{Type: "file_read", Path: src})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("firecracker runtime: copy_from failed: %s", resp.Error)
	}
	return []byte(resp.Stdout), nil
}

func (r *FirecrackerRuntime) Close() error {
	if r.conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = r.send(ctx, guestRequest{Type: "shutdown"})
		r.conn.Close()
	}
	if r.cmd != nil && r.cmd.Process != nil {
		r.cmd.Process.Kill()
	}
	os.Remove(r.apiSocket)
	os.Remove(r.vsockSocket)
	return nil
}

func (r *FirecrackerRuntime) Properties() Properties {
	return r.props
}
