// Package convmanager implements the ConversationManager (component F): the
// process-wide registry that starts, attaches, and tears down per-conversation
// AgentControllers, and routes client connections to their event streams
// (spec.md §4.F).
package convmanager

import (
	"time"

	"github.com/relay-agent/runtime/internal/agent"
	"github.com/relay-agent/runtime/internal/conv"
	"github.com/relay-agent/runtime/internal/mcp"
	"github.com/relay-agent/runtime/internal/provider"
	"github.com/relay-agent/runtime/internal/runtime"
)

// Settings configures a conversation's AgentController and Runtime, supplied
// by the caller of MaybeStartAgentLoop/JoinConversation (spec.md §4.F).
type Settings struct {
	SystemPrompt     string
	Model            string
	ToolNames        []string
	MaxIterations    int
	MaxBudgetUSD     float64
	ConfirmationMode bool
	HeadlessMode     bool
	ActionTimeout    time.Duration
	ConnectTimeout   time.Duration

	// Persistent loops are exempt from idle reaping (spec.md §5 "Idle
	// conversations are reaped ... of no activity and no connections").
	Persistent bool
	// IdleTimeout overrides the manager-wide default for this conversation;
	// zero means "use the manager default".
	IdleTimeout time.Duration

	// RuntimeVariant names the runtime.Factory registered for this
	// conversation's sandbox (spec.md §4.B "configuration name with
	// fallback to dynamic lookup").
	RuntimeVariant string
	RuntimeConfig  map[string]any

	// Directory is the working directory backing a "local" runtime's
	// workspace; when set, buildLoop consults internal/project and
	// internal/vcs to populate the conversation's Repository/Branch
	// metadata (spec.md §4.F conversation metadata).
	Directory string

	// MCPServers configures external MCP servers to connect for a "local"
	// runtime; their tools are registered into the same tool.Registry the
	// runtime dispatches actions against (spec.md §4.B "get_mcp_config").
	MCPServers map[string]*mcp.Config

	// Confirmer, when set, decides whether a CmdRunAction parks for
	// confirmation in place of the controller's "always confirm" default —
	// e.g. internal/permission's bash-command classifier asking for
	// destructive-command confirmation.
	Confirmer func(conv.Action) bool

	Provider provider.Provider
}

// AgentRegistry resolves named agent definitions (system prompt, allowed
// tools, model) consulted when building child Settings for an
// AgentDelegateAction (spec.md §4.E "agent_delegate").
type AgentRegistry = agent.Registry

// AgentLoopInfo is the read-only snapshot handed back by every operation that
// locates or creates a running loop (spec.md §4.F).
type AgentLoopInfo struct {
	ConversationID string
	UserID         string
	State          string
	StartedAt      time.Time
	LastActivity   time.Time
	Connections    int
	Persistent     bool
}

// ConnectionInfo describes one client attached to a conversation's event
// stream via JoinConversation.
type ConnectionInfo struct {
	ConnectionID   string
	ConversationID string
	UserID         string
	ConnectedAt    time.Time
}

// Locator is the clustered-deployment hook: an authoritative sid -> node
// lookup plus cross-node forwarding, the two extensions spec.md §4.F
// requires of the clustered variant beyond the standalone in-process map.
// The standalone Manager operates with a nil Locator.
type Locator interface {
	// Owner returns the node id that owns sid, or "" if unknown to the
	// cluster.
	Owner(sid string) (node string, ok bool)
	// Claim registers this node as the owner of sid.
	Claim(sid string) error
	// Release gives up ownership of sid, e.g. on CloseSession.
	Release(sid string)
	// Forward delivers data (an encoded Action) to whichever node owns
	// sid, used when send_to_event_stream targets a conversation this
	// node does not run.
	Forward(sid string, data []byte) error
	// Events returns the channel on which forwarded send_to_event_stream
	// payloads destined for conversations this node owns arrive.
	Events() <-chan ForwardedSend
	Close() error
}

// ForwardedSend is one send_to_event_stream call relayed from a peer node.
type ForwardedSend struct {
	ConversationID string
	Data           []byte
}

// runtimeFactory is satisfied by the runtime package's New, extracted as a
// field so tests can substitute a fake without registering real variants in
// the global runtime registry.
type runtimeFactory = func(name string, cfg map[string]any) (runtime.Runtime, error)
