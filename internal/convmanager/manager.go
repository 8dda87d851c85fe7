package convmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/relay-agent/runtime/internal/agent"
	"github.com/relay-agent/runtime/internal/condenser"
	"github.com/relay-agent/runtime/internal/controller"
	"github.com/relay-agent/runtime/internal/conv"
	"github.com/relay-agent/runtime/internal/event"
	"github.com/relay-agent/runtime/internal/eventstore"
	"github.com/relay-agent/runtime/internal/formatter"
	"github.com/relay-agent/runtime/internal/mcp"
	"github.com/relay-agent/runtime/internal/metrics"
	"github.com/relay-agent/runtime/internal/permission"
	"github.com/relay-agent/runtime/internal/project"
	"github.com/relay-agent/runtime/internal/runtime"
	"github.com/relay-agent/runtime/internal/storage"
	"github.com/relay-agent/runtime/internal/tool"
	"github.com/relay-agent/runtime/internal/vcs"
)

// DefaultIdleTimeout is the spec.md §5 default ("idle_timeout, default 30
// min") applied to any conversation whose Settings.IdleTimeout is zero.
const DefaultIdleTimeout = 30 * time.Minute

// defaultReapSpec ticks the idle sweep once a minute; fine granularity isn't
// needed since idle_timeout is measured in tens of minutes.
const defaultReapSpec = "@every 1m"

// ManagerConfig bounds one Manager instance (spec.md §4.F "Fails with
// TooManyConversations when a per-user or global cap is exceeded").
type ManagerConfig struct {
	MaxConversations   int // 0 means unbounded
	MaxPerUser         int // 0 means unbounded
	DefaultIdleTimeout time.Duration
	ReapSpec           string // cron spec for the idle sweep; empty uses defaultReapSpec
}

func (c ManagerConfig) idleTimeout() time.Duration {
	if c.DefaultIdleTimeout > 0 {
		return c.DefaultIdleTimeout
	}
	return DefaultIdleTimeout
}

func (c ManagerConfig) reapSpec() string {
	if c.ReapSpec != "" {
		return c.ReapSpec
	}
	return defaultReapSpec
}

// loopEntry is one registered conversation: its controller, the Runtime and
// EventStore it owns, and the bookkeeping the registry needs for reference
// counting and idle reaping (generalized from internal/session/service.go's
// ActiveSession).
type loopEntry struct {
	sid         string
	userID      string
	persistent  bool
	idleTimeout time.Duration
	settings    Settings

	controller *controller.AgentController
	runtime    runtime.Runtime
	store      *eventstore.EventStore

	cancel context.CancelFunc
	done   chan struct{}

	startedAt    time.Time
	lastActivity time.Time
	refCount     int
	connections  map[string]struct{}
}

func (e *loopEntry) info() *AgentLoopInfo {
	return &AgentLoopInfo{
		ConversationID: e.sid,
		UserID:         e.userID,
		State:          string(e.controller.State()),
		StartedAt:      e.startedAt,
		LastActivity:   e.lastActivity,
		Connections:    len(e.connections),
		Persistent:     e.persistent,
	}
}

// connEntry is a single client attachment created by JoinConversation.
type connEntry struct {
	id          string
	sid         string
	userID      string
	connectedAt time.Time
	sub         <-chan *conv.Event
}

// Manager is the ConversationManager registry (spec.md §4.F). The zero
// value is not usable; construct with NewManager. Standalone deployments
// use a Manager with locator == nil; WithLocator upgrades it to the
// clustered variant.
type Manager struct {
	mu      sync.Mutex
	loops   map[string]*loopEntry
	conns   map[string]*connEntry
	closed  bool

	storage    *storage.Storage
	metrics    *metrics.Metrics
	log        zerolog.Logger
	cfg        ManagerConfig
	newRuntime runtimeFactory

	locator Locator
	nodeID  string

	cron     *cron.Cron
	forwardWG sync.WaitGroup
	stopFwd   chan struct{}

	// agents resolves AgentDelegateAction.Agent names into Settings when
	// spawning a child loop via delegate. NewManager sets it to
	// agent.NewRegistry() (built-ins only); WithAgents replaces it.
	agents *agent.Registry
}

// NewManager constructs a standalone ConversationManager. store is the root
// on-disk location for every conversation's event log and metadata
// (spec.md §6 "Persisted state layout").
func NewManager(store *storage.Storage, m *metrics.Metrics, log zerolog.Logger, cfg ManagerConfig) *Manager {
	return &Manager{
		loops:      map[string]*loopEntry{},
		conns:      map[string]*connEntry{},
		storage:    store,
		metrics:    m,
		log:        log.With().Str("component", "convmanager").Logger(),
		cfg:        cfg,
		newRuntime: runtime.New,
		agents:     agent.NewRegistry(),
	}
}

// WithAgents overrides the agent-definition registry consulted for
// AgentDelegateAction resolution (spec.md §4.E "agent_delegate").
func (mgr *Manager) WithAgents(reg *agent.Registry) *Manager {
	mgr.agents = reg
	return mgr
}

// WithLocator upgrades the manager to the clustered variant (spec.md §4.F
// "state shared via a pub/sub broker so any server node can reach any
// loop"). nodeID identifies this process to the locator.
func (mgr *Manager) WithLocator(loc Locator, nodeID string) *Manager {
	mgr.locator = loc
	mgr.nodeID = nodeID
	return mgr
}

// Start begins the idle-conversation reaper (spec.md §5 "Idle conversations
// are reaped after idle_timeout ... of no activity and no connections") and,
// in clustered mode, the forwarded-send consumer loop.
func (mgr *Manager) Start() {
	mgr.cron = cron.New()
	mgr.cron.AddFunc(mgr.cfg.reapSpec(), mgr.reapIdle)
	mgr.cron.Start()

	if mgr.locator != nil {
		mgr.stopFwd = make(chan struct{})
		mgr.forwardWG.Add(1)
		go mgr.consumeForwarded()
	}
}

// Close force-shuts-down every registered loop and stops background work.
func (mgr *Manager) Close() error {
	mgr.mu.Lock()
	if mgr.closed {
		mgr.mu.Unlock()
		return nil
	}
	mgr.closed = true
	sids := make([]string, 0, len(mgr.loops))
	for sid := range mgr.loops {
		sids = append(sids, sid)
	}
	mgr.mu.Unlock()

	if mgr.cron != nil {
		ctx := mgr.cron.Stop()
		<-ctx.Done()
	}
	if mgr.stopFwd != nil {
		close(mgr.stopFwd)
		mgr.forwardWG.Wait()
	}

	for _, sid := range sids {
		_ = mgr.CloseSession(sid)
	}
	if mgr.locator != nil {
		return mgr.locator.Close()
	}
	return nil
}

// MaybeStartAgentLoop is idempotent: an existing loop for sid is returned
// unchanged; otherwise a new EventStream, Runtime, and AgentController are
// created and registered (spec.md §4.F).
func (mgr *Manager) MaybeStartAgentLoop(ctx context.Context, sid string, settings Settings, userID string, initialMsg *string) (*AgentLoopInfo, error) {
	mgr.mu.Lock()
	if mgr.closed {
		mgr.mu.Unlock()
		return nil, ErrClosed
	}
	if e, ok := mgr.loops[sid]; ok {
		e.lastActivity = time.Now()
		info := e.info()
		mgr.mu.Unlock()
		return info, nil
	}
	if err := mgr.admit(userID); err != nil {
		mgr.mu.Unlock()
		if err := mgr.reapOneIdle(userID); err != nil {
			return nil, ErrTooManyConversations
		}
		mgr.mu.Lock()
		if err := mgr.admit(userID); err != nil {
			mgr.mu.Unlock()
			return nil, ErrTooManyConversations
		}
	}
	mgr.mu.Unlock()

	entry, err := mgr.buildLoop(ctx, sid, settings, userID)
	if err != nil {
		return nil, err
	}

	if err := entry.controller.Start(ctx); err != nil {
		entry.runtime.Close()
		entry.store.Close()
		return nil, fmt.Errorf("convmanager: starting agent loop %s: %w", sid, err)
	}
	if initialMsg != nil {
		if err := entry.controller.HandleClientAction(ctx, &conv.MessageAction{Text: *initialMsg}); err != nil {
			entry.runtime.Close()
			entry.store.Close()
			return nil, fmt.Errorf("convmanager: seeding initial message for %s: %w", sid, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	entry.cancel = cancel
	go func() {
		defer close(entry.done)
		if err := entry.controller.Run(runCtx); err != nil {
			mgr.log.Warn().Err(err).Str("conversation_id", sid).Msg("agent loop exited with error")
		}
	}()

	mgr.mu.Lock()
	mgr.loops[sid] = entry
	mgr.mu.Unlock()

	if mgr.locator != nil {
		if err := mgr.locator.Claim(sid); err != nil {
			mgr.log.Warn().Err(err).Str("conversation_id", sid).Msg("failed to claim conversation in cluster locator")
		}
	}

	event.Publish(event.Event{
		Type: event.LoopStarted,
		Data: event.LoopStartedData{ConversationID: sid, UserID: userID},
	})

	return entry.info(), nil
}

// admit reports ErrTooManyConversations if starting one more loop for userID
// would exceed either cap. Must be called with mu held.
func (mgr *Manager) admit(userID string) error {
	if mgr.cfg.MaxConversations > 0 && len(mgr.loops) >= mgr.cfg.MaxConversations {
		return ErrTooManyConversations
	}
	if mgr.cfg.MaxPerUser > 0 {
		n := 0
		for _, e := range mgr.loops {
			if e.userID == userID {
				n++
			}
		}
		if n >= mgr.cfg.MaxPerUser {
			return ErrTooManyConversations
		}
	}
	return nil
}

func (mgr *Manager) buildLoop(ctx context.Context, sid string, settings Settings, userID string) (*loopEntry, error) {
	fs := eventstore.NewJSONFileStore(mgr.storage)
	store, err := eventstore.New(sid, fs, mgr.log)
	if err != nil {
		return nil, fmt.Errorf("convmanager: creating event store for %s: %w", sid, err)
	}

	if settings.Directory != "" {
		mgr.populateMetadata(sid, userID, settings.Directory, fs)
	}

	var rt runtime.Runtime
	if settings.RuntimeVariant == "local" {
		rt, err = mgr.buildLocalRuntime(ctx, settings)
	} else {
		rt, err = mgr.newRuntime(settings.RuntimeVariant, settings.RuntimeConfig)
	}
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("convmanager: creating runtime for %s: %w", sid, err)
	}

	pipeline := condenser.NewPipeline(
		condenser.ObservationMaskingCondenser{AttentionWindow: 10},
		condenser.RecentEventsCondenser{KeepFirst: 4, MaxEvents: 300},
		condenser.AmortizedForgettingCondenser{Threshold: 200, Keep: 20},
	)

	confirmer := settings.Confirmer
	if confirmer == nil {
		confirmer = defaultConfirmer
	}

	ac := controller.New(controller.Config{
		ConversationID:   sid,
		SystemPrompt:     settings.SystemPrompt,
		Model:            settings.Model,
		ToolNames:        settings.ToolNames,
		MaxIterations:    settings.MaxIterations,
		MaxBudgetUSD:     settings.MaxBudgetUSD,
		ConfirmationMode: settings.ConfirmationMode,
		HeadlessMode:     settings.HeadlessMode,
		ActionTimeout:    settings.ActionTimeout,
		ConnectTimeout:   settings.ConnectTimeout,
		Store:            store,
		Runtime:          rt,
		Pipeline:         pipeline,
		Provider:         settings.Provider,
		Metrics:          mgr.metrics,
		Delegate:         mgr.Delegate,
		Confirmer:        confirmer,
	}, mgr.log)

	idleTimeout := settings.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = mgr.cfg.idleTimeout()
	}

	now := time.Now()
	return &loopEntry{
		sid:          sid,
		userID:       userID,
		persistent:   settings.Persistent,
		idleTimeout:  idleTimeout,
		settings:     settings,
		controller:   ac,
		runtime:      rt,
		store:        store,
		done:         make(chan struct{}),
		startedAt:    now,
		lastActivity: now,
		connections:  map[string]struct{}{},
	}, nil
}

// buildLocalRuntime constructs a LocalRuntime backed by the teacher-derived
// tool.Registry (internal/tool), wired with the task tool against this
// Manager's agent registry and, when settings.MCPServers is non-empty, any
// configured MCP servers (internal/mcp).
func (mgr *Manager) buildLocalRuntime(ctx context.Context, settings Settings) (runtime.Runtime, error) {
	toolReg := tool.DefaultRegistry(settings.Directory, mgr.storage)
	toolReg.RegisterTaskTool(mgr.agents)

	local := runtime.NewLocalRuntime(settings.Directory, toolReg)
	local = local.WithFormatter(formatter.NewManager(settings.Directory, nil))

	if len(settings.MCPServers) > 0 {
		client := mcp.NewClient()
		servers := make([]runtime.MCPServerConfig, 0, len(settings.MCPServers))
		for name, cfg := range settings.MCPServers {
			if err := client.AddServer(ctx, name, cfg); err != nil {
				mgr.log.Warn().Err(err).Str("server", name).Msg("convmanager: failed to connect MCP server")
				continue
			}
			servers = append(servers, runtime.MCPServerConfig{Name: name})
		}
		mcp.RegisterMCPTools(client, toolReg)
		local = local.WithMCP(client, servers)
	}

	return local, nil
}

// populateMetadata fills in a conversation's Repository/Branch metadata
// from the working directory (spec.md §4.F conversation metadata),
// adapting internal/project's git-root detection and internal/vcs's
// branch lookup. Best-effort: failures are logged, not fatal to loop
// startup.
func (mgr *Manager) populateMetadata(sid, userID, directory string, fs eventstore.FileStore) {
	info, err := project.FromDirectory(directory)
	if err != nil {
		mgr.log.Warn().Err(err).Str("directory", directory).Msg("convmanager: project detection failed")
		return
	}
	meta, err := fs.GetMetadata(sid)
	if err != nil || meta == nil {
		now := time.Now().UTC()
		meta = &conv.ConversationMetadata{ConversationID: sid, UserID: userID, CreatedAt: now, UpdatedAt: now}
	}
	meta.Repository = info.Worktree
	meta.Branch = vcs.GetBranch(directory)
	meta.UpdatedAt = time.Now().UTC()
	if err := fs.PutMetadata(sid, meta); err != nil {
		mgr.log.Warn().Err(err).Str("conversation_id", sid).Msg("convmanager: persisting conversation metadata failed")
	}
}

// defaultConfirmer asks for confirmation on shell commands internal/permission
// classifies as dangerous; the controller consults it for CmdRunAction in
// place of its "always confirm" default, so routine read-only commands don't
// park every step.
func defaultConfirmer(action conv.Action) bool {
	cmd, ok := action.(*conv.CmdRunAction)
	if !ok {
		return false
	}
	commands, err := permission.ParseBashCommand(cmd.Command)
	if err != nil {
		return false
	}
	for _, c := range commands {
		if permission.IsDangerousCommand(c.Name) {
			return true
		}
	}
	return false
}

// JoinConversation associates a client connection with a running loop,
// starting one via MaybeStartAgentLoop if none exists yet (spec.md §4.F:
// "a connection is permitted to read the event stream and submit user
// events"). The loop is started on this node in clustered mode as well.
// Returns ErrConversationNotFound if the loop is closed between being
// started and being joined.
func (mgr *Manager) JoinConversation(ctx context.Context, sid, connectionID string, settings Settings, userID string) (*AgentLoopInfo, error) {
	info, err := mgr.MaybeStartAgentLoop(ctx, sid, settings, userID, nil)
	if err != nil {
		return nil, err
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	entry, ok := mgr.loops[sid]
	if !ok {
		return nil, ErrConversationNotFound
	}
	entry.refCount++
	entry.connections[connectionID] = struct{}{}
	entry.lastActivity = time.Now()

	mgr.conns[connectionID] = &connEntry{
		id:          connectionID,
		sid:         sid,
		userID:      userID,
		connectedAt: time.Now(),
		sub:         entry.store.Subscribe(connectionID),
	}

	event.Publish(event.Event{
		Type: event.ConnectionJoined,
		Data: event.ConnectionJoinedData{ConversationID: sid, ConnectionID: connectionID, UserID: userID},
	})
	return info, nil
}

// AttachToConversation increments a conversation's server-internal reference
// count without creating a client connection record (spec.md §4.F
// "server-internal reference counting").
func (mgr *Manager) AttachToConversation(sid, userID string) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	entry, ok := mgr.loops[sid]
	if !ok {
		return ErrConversationNotFound
	}
	entry.refCount++
	entry.lastActivity = time.Now()
	return nil
}

// DetachFromConversation is AttachToConversation's inverse.
func (mgr *Manager) DetachFromConversation(sid, userID string) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	entry, ok := mgr.loops[sid]
	if !ok {
		return ErrConversationNotFound
	}
	if entry.refCount > 0 {
		entry.refCount--
	}
	return nil
}

// IsAgentLoopRunning reports whether sid has a live loop on this node.
func (mgr *Manager) IsAgentLoopRunning(sid string) bool {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	_, ok := mgr.loops[sid]
	return ok
}

// GetRunningAgentLoops returns every loop's info, optionally restricted to
// userID and/or filter (both optional: pass "" / nil to skip).
func (mgr *Manager) GetRunningAgentLoops(userID string, filter func(*AgentLoopInfo) bool) []*AgentLoopInfo {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	var out []*AgentLoopInfo
	for _, e := range mgr.loops {
		if userID != "" && e.userID != userID {
			continue
		}
		info := e.info()
		if filter != nil && !filter(info) {
			continue
		}
		out = append(out, info)
	}
	return out
}

// GetConnections returns every connection's info, optionally restricted to
// userID and/or filter.
func (mgr *Manager) GetConnections(userID string, filter func(*ConnectionInfo) bool) []*ConnectionInfo {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	var out []*ConnectionInfo
	for _, c := range mgr.conns {
		if userID != "" && c.userID != userID {
			continue
		}
		info := &ConnectionInfo{
			ConnectionID:   c.id,
			ConversationID: c.sid,
			UserID:         c.userID,
			ConnectedAt:    c.connectedAt,
		}
		if filter != nil && !filter(info) {
			continue
		}
		out = append(out, info)
	}
	return out
}

// GetAgentLoopInfo returns sid's info, or false if no loop for it is
// registered on this node.
func (mgr *Manager) GetAgentLoopInfo(sid string) (*AgentLoopInfo, bool) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	e, ok := mgr.loops[sid]
	if !ok {
		return nil, false
	}
	return e.info(), true
}

// ReplayEvents returns sid's event log with id > latestEventID, filtered
// and collapsed per spec.md §6 ("server replays events with id >
// latest_event_id ... filtering out NullAction, NullObservation,
// RecallAction. If the replay crosses an AgentStateChangedObservation,
// only the latest such observation is sent"). latestEventID of -1 replays
// the full log.
func (mgr *Manager) ReplayEvents(sid string, latestEventID int64) ([]*conv.Event, error) {
	mgr.mu.Lock()
	entry, ok := mgr.loops[sid]
	mgr.mu.Unlock()
	if !ok {
		return nil, ErrConversationNotFound
	}
	return entry.store.Iterate(latestEventID+1, true), nil
}

// Subscription returns the live event channel a prior JoinConversation
// call registered for connectionID, for a transport to drain after
// replay (spec.md §6).
func (mgr *Manager) Subscription(connectionID string) (<-chan *conv.Event, bool) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	conn, ok := mgr.conns[connectionID]
	if !ok {
		return nil, false
	}
	return conn.sub, true
}

// SendToEventStream validates the connection, deserializes data into an
// Action, and appends it to the connection's conversation (spec.md §4.F).
// In clustered mode, a connection whose conversation runs on another node
// has its payload forwarded via the Locator instead of appended locally.
func (mgr *Manager) SendToEventStream(ctx context.Context, connectionID string, data []byte) error {
	mgr.mu.Lock()
	conn, ok := mgr.conns[connectionID]
	if !ok {
		mgr.mu.Unlock()
		return ErrConnectionNotFound
	}
	entry, local := mgr.loops[conn.sid]
	mgr.mu.Unlock()

	if !local {
		if mgr.locator == nil {
			return ErrConversationNotFound
		}
		return mgr.locator.Forward(conn.sid, data)
	}

	var env conv.Event
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("convmanager: decoding action: %w", err)
	}
	action, ok := env.IsAction()
	if !ok {
		return fmt.Errorf("convmanager: payload is not an action")
	}

	mgr.mu.Lock()
	entry.lastActivity = time.Now()
	mgr.mu.Unlock()

	return entry.controller.HandleClientAction(ctx, action)
}

// DisconnectFromSession removes a connection; if it was the conversation's
// last connection and the conversation is idle and non-persistent, the
// conversation is left for the reaper's next sweep to close (spec.md §4.F:
// "schedule shutdown after a configurable grace period" — the reaper tick
// itself is that grace period).
func (mgr *Manager) DisconnectFromSession(connectionID string) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	conn, ok := mgr.conns[connectionID]
	if !ok {
		return ErrConnectionNotFound
	}
	delete(mgr.conns, connectionID)

	if entry, ok := mgr.loops[conn.sid]; ok {
		entry.store.Unsubscribe(connectionID)
		delete(entry.connections, connectionID)
		if entry.refCount > 0 {
			entry.refCount--
		}
	}

	event.Publish(event.Event{
		Type: event.ConnectionLeft,
		Data: event.ConnectionLeftData{ConversationID: conn.sid, ConnectionID: connectionID},
	})
	return nil
}

// CloseSession force-shuts-down a conversation's controller and runtime
// regardless of connections or idle state (spec.md §4.F).
func (mgr *Manager) CloseSession(sid string) error {
	mgr.mu.Lock()
	entry, ok := mgr.loops[sid]
	if !ok {
		mgr.mu.Unlock()
		return ErrConversationNotFound
	}
	delete(mgr.loops, sid)
	for connID, c := range mgr.conns {
		if c.sid == sid {
			delete(mgr.conns, connID)
		}
	}
	mgr.mu.Unlock()

	if entry.cancel != nil {
		entry.cancel()
		<-entry.done
	}
	entry.runtime.Close()
	entry.store.Close()

	if mgr.locator != nil {
		mgr.locator.Release(sid)
	}

	event.Publish(event.Event{
		Type: event.LoopStopped,
		Data: event.LoopStoppedData{ConversationID: sid},
	})
	return nil
}

// reapIdle is the cron-driven sweep: any non-persistent loop with no
// connections whose last activity exceeds its idle timeout is closed
// (spec.md §5 "Idle conversations are reaped after idle_timeout ... of no
// activity and no connections").
func (mgr *Manager) reapIdle() {
	now := time.Now()
	mgr.mu.Lock()
	var victims, live []string
	for sid, e := range mgr.loops {
		if e.persistent || len(e.connections) > 0 || e.refCount > 0 {
			live = append(live, sid)
			continue
		}
		if now.Sub(e.lastActivity) >= e.idleTimeout {
			victims = append(victims, sid)
		} else {
			live = append(live, sid)
		}
	}
	mgr.mu.Unlock()

	if r, ok := mgr.locator.(interface{ Refresh(sid string) error }); ok {
		for _, sid := range live {
			if err := r.Refresh(sid); err != nil {
				mgr.log.Warn().Err(err).Str("conversation_id", sid).Msg("refreshing ownership claim failed")
			}
		}
	}

	for _, sid := range victims {
		mgr.log.Info().Str("conversation_id", sid).Msg("reaping idle conversation")
		if err := mgr.CloseSession(sid); err != nil {
			mgr.log.Warn().Err(err).Str("conversation_id", sid).Msg("failed to reap idle conversation")
		}
	}
}

// reapOneIdle closes the single oldest idle, non-persistent loop to make
// room for a new one (spec.md §4.F "oldest idle loop may be reaped"),
// preferring one belonging to userID if any qualifies.
func (mgr *Manager) reapOneIdle(userID string) error {
	mgr.mu.Lock()
	var oldestAny, oldestUser *loopEntry
	for _, e := range mgr.loops {
		if e.persistent || len(e.connections) > 0 || e.refCount > 0 {
			continue
		}
		if oldestAny == nil || e.lastActivity.Before(oldestAny.lastActivity) {
			oldestAny = e
		}
		if e.userID == userID && (oldestUser == nil || e.lastActivity.Before(oldestUser.lastActivity)) {
			oldestUser = e
		}
	}
	mgr.mu.Unlock()

	victim := oldestUser
	if victim == nil {
		victim = oldestAny
	}
	if victim == nil {
		return ErrTooManyConversations
	}
	return mgr.CloseSession(victim.sid)
}

// consumeForwarded relays ForwardedSend payloads from peer nodes into this
// node's loops until Close is called (clustered mode only).
func (mgr *Manager) consumeForwarded() {
	defer mgr.forwardWG.Done()
	for {
		select {
		case <-mgr.stopFwd:
			return
		case fwd, ok := <-mgr.locator.Events():
			if !ok {
				return
			}
			mgr.mu.Lock()
			entry, local := mgr.loops[fwd.ConversationID]
			mgr.mu.Unlock()
			if !local {
				continue
			}
			var env conv.Event
			if err := json.Unmarshal(fwd.Data, &env); err != nil {
				mgr.log.Warn().Err(err).Str("conversation_id", fwd.ConversationID).Msg("dropping unparseable forwarded action")
				continue
			}
			action, ok := env.IsAction()
			if !ok {
				continue
			}
			if err := entry.controller.HandleClientAction(context.Background(), action); err != nil {
				mgr.log.Warn().Err(err).Str("conversation_id", fwd.ConversationID).Msg("forwarded action failed")
			}
		}
	}
}
