// Package controller implements the AgentController (component E): the
// per-conversation state machine that drives the step loop connecting the
// EventStore, the condenser pipeline, the StuckDetector, an LLM Provider,
// and a Runtime (spec.md §4.E).
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/relay-agent/runtime/internal/condenser"
	"github.com/relay-agent/runtime/internal/conv"
	"github.com/relay-agent/runtime/internal/eventstore"
	"github.com/relay-agent/runtime/internal/metrics"
	"github.com/relay-agent/runtime/internal/provider"
	"github.com/relay-agent/runtime/internal/runtime"
	"github.com/relay-agent/runtime/internal/stuckdetector"
)

// Defaults named in spec.md §5 Timeouts/Concurrency.
const (
	DefaultActionTimeout        = 120 * time.Second
	DefaultConnectTimeout       = 120 * time.Second
	DefaultConfirmationGrace    = 5 * time.Second
	RuntimeDisconnectMaxRetries = 3
	runtimeRetryInitialInterval = 500 * time.Millisecond
	runtimeRetryMaxInterval     = 10 * time.Second
)

// Delegator spawns and runs a child AgentController to completion for an
// AgentDelegateAction, returning its final outputs. Grounded on
// SubagentExecutor.ExecuteSubtask's synchronous child-session pattern: the
// parent's step loop blocks on the call rather than polling.
type Delegator func(ctx context.Context, parentSID string, action *conv.AgentDelegateAction) (map[string]any, error)

// Config configures one AgentController. Store, Runtime, Pipeline, and
// Provider are required; the rest have spec-named defaults.
type Config struct {
	ConversationID   string
	SystemPrompt     string
	Model            string
	ToolNames        []string
	MaxIterations    int
	MaxBudgetUSD     float64
	ConfirmationMode bool
	HeadlessMode     bool
	ActionTimeout    time.Duration
	ConnectTimeout   time.Duration

	Store    *eventstore.EventStore
	Runtime  runtime.Runtime
	Pipeline *condenser.Pipeline
	Provider provider.Provider
	Metrics  *metrics.Metrics
	Delegate Delegator

	// Confirmer, when set, decides whether a CmdRunAction parks for
	// confirmation whenever ConfirmationMode is set, in place of the
	// "always confirm" default — e.g. internal/permission's bash-command
	// classifier, so only destructive commands park rather than every shell
	// invocation. FileWriteAction, FileEditAction, BrowseInteractiveAction and
	// MCPAction always park; Confirmer is not consulted for them.
	Confirmer func(conv.Action) bool
}

// AgentController is the per-conversation state machine (spec.md §4.E). One
// instance owns exactly one step task; Step is not safe to call
// concurrently with itself (spec.md §5 "Scheduling model").
type AgentController struct {
	cfg Config
	log zerolog.Logger

	mu             sync.Mutex
	state          conv.AgentState
	budget         *metrics.Budget
	pendingEventID *int64
	pendingAction  conv.Action
}

// New constructs an AgentController in the LOADING state. Call Start before
// Run/Step.
func New(cfg Config, log zerolog.Logger) *AgentController {
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = DefaultActionTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	return &AgentController{
		cfg:    cfg,
		log:    log.With().Str("conversation_id", cfg.ConversationID).Logger(),
		state:  conv.StateLoading,
		budget: metrics.NewBudget(cfg.MaxIterations, cfg.MaxBudgetUSD),
	}
}

// State returns the controller's current lifecycle state.
func (c *AgentController) State() conv.AgentState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start connects the Runtime and performs the LOADING -> INIT transition,
// emitting a SystemMessageAction as the table's side effect (spec.md §4.E).
func (c *AgentController) Start(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	if err := c.cfg.Runtime.Connect(connectCtx); err != nil {
		return fmt.Errorf("controller: connecting runtime: %w", err)
	}

	c.transition(ctx, conv.StateInit, "")
	_, err := c.append(ctx, conv.SourceAgent, nil, &conv.SystemMessageAction{
		Content: c.cfg.SystemPrompt,
		Tools:   c.cfg.ToolNames,
	})
	return err
}

// Run drives Step until the controller reaches a terminal or paused state,
// or ctx is cancelled.
func (c *AgentController) Run(ctx context.Context) error {
	c.cfg.Metrics.ActiveLoops.Inc()
	defer c.cfg.Metrics.ActiveLoops.Dec()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := c.Step(ctx); err != nil {
			if errors.Is(err, ErrTerminal) {
				return nil
			}
			return err
		}
	}
}

// HandleClientAction applies a user-originated Action to the controller:
// the first user MessageAction (INIT -> RUNNING), or a ChangeAgentStateAction
// resolving confirmation / pause / resume (spec.md §4.E transition table's
// "direct API calls" column).
func (c *AgentController) HandleClientAction(ctx context.Context, action conv.Action) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch a := action.(type) {
	case *conv.MessageAction:
		if _, err := c.append(ctx, conv.SourceUser, nil, a); err != nil {
			return err
		}
		if state == conv.StateInit {
			c.transition(ctx, conv.StateRunning, "")
		}
		return nil

	case *conv.ChangeAgentStateAction:
		return c.handleStateChange(ctx, state, a)

	default:
		_, err := c.append(ctx, conv.SourceUser, nil, action)
		return err
	}
}

func (c *AgentController) handleStateChange(ctx context.Context, state conv.AgentState, a *conv.ChangeAgentStateAction) error {
	switch {
	case state == conv.StateAwaitingConfirmation && a.NewState == conv.StateConfirmed:
		return c.resolveConfirmation(ctx, true)

	case state == conv.StateAwaitingConfirmation && a.NewState == conv.StateRejected:
		return c.resolveConfirmation(ctx, false)

	case a.NewState == conv.StatePaused:
		c.transition(ctx, conv.StatePaused, "")
		return nil

	case state == conv.StatePaused && a.NewState == conv.StateRunning:
		c.transition(ctx, conv.StateRunning, "")
		return nil

	default:
		return fmt.Errorf("controller: no transition for ChangeAgentStateAction(%s) from state %s", a.NewState, state)
	}
}

// resolveConfirmation executes or rejects the action parked during step 7's
// confirmation gate, per the AWAITING_CONFIRMATION rows of the transition
// table.
func (c *AgentController) resolveConfirmation(ctx context.Context, confirmed bool) error {
	c.mu.Lock()
	actionEventID := c.pendingEventID
	pending := c.pendingAction
	c.pendingEventID = nil
	c.pendingAction = nil
	c.mu.Unlock()

	if actionEventID == nil {
		return fmt.Errorf("controller: no action is awaiting confirmation")
	}

	if !confirmed {
		if _, err := c.append(ctx, conv.SourceUser, actionEventID, &conv.UserRejectObservation{}); err != nil {
			return err
		}
		c.transition(ctx, conv.StateRunning, "")
		return nil
	}

	obs, err := c.runAction(ctx, pending)
	if err != nil {
		obs = &conv.ErrorObservation{Content: err.Error()}
	}
	if _, err := c.append(ctx, conv.SourceEnvironment, actionEventID, obs); err != nil {
		return err
	}
	c.transition(ctx, conv.StateRunning, "")
	return nil
}

// Step executes one iteration of the spec.md §4.E step loop.
// tracerName identifies this package's spans in whatever
// go.opentelemetry.io/otel/sdk TracerProvider the process registered via
// otel.SetTracerProvider (internal/telemetry); with none registered, otel's
// default no-op tracer makes every span call free.
const tracerName = "github.com/relay-agent/runtime/internal/controller"

func (c *AgentController) Step(ctx context.Context) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "controller.Step",
		trace.WithAttributes(attribute.String("conversation_id", c.cfg.ConversationID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state.Terminal() || state == conv.StatePaused || state == conv.StateAwaitingConfirmation {
		return ErrTerminal
	}

	// Step 2: iteration/budget cap.
	if c.budget.Iterate() {
		c.transition(ctx, conv.StateError, "max_iterations exceeded")
		return ErrBudgetExceeded
	}
	c.cfg.Metrics.StepIterations.WithLabelValues(c.cfg.ConversationID).Inc()

	// Step 3: stuck detector.
	history := c.history()
	if stuckdetector.Check(history, c.cfg.HeadlessMode) {
		c.cfg.Metrics.StuckDetections.WithLabelValues(c.cfg.ConversationID).Inc()
		c.transition(ctx, conv.StateStuck, "stuck pattern detected")
		return ErrAgentStuck
	}

	// Step 4: condenser pipeline, restarting whenever a Condensation is
	// emitted so the marker itself becomes part of the next pass.
	view, err := c.buildView(ctx, history)
	if err != nil {
		c.transition(ctx, conv.StateError, err.Error())
		return fmt.Errorf("controller: condensing view: %w", err)
	}

	// Step 5: ask the LLM, recovering once from a context-window rejection.
	resp, err := c.askLLM(ctx, view)
	if errors.Is(err, ErrContextWindowExceeded) {
		tighter, cerr := c.forceCondense(ctx, view)
		if cerr != nil {
			c.transition(ctx, conv.StateError, cerr.Error())
			return fmt.Errorf("controller: forcing condensation: %w", cerr)
		}
		resp, err = c.askLLM(ctx, tighter)
	}
	if err != nil {
		c.transition(ctx, conv.StateError, err.Error())
		return err
	}

	// Step 6: parse the response into typed Actions.
	actions, err := c.parseResponse(resp)
	if err != nil {
		if _, aerr := c.append(ctx, conv.SourceAgent, nil, &conv.ErrorObservation{Content: err.Error()}); aerr != nil {
			return aerr
		}
		return nil
	}

	// Step 7: dispatch each produced action.
	return c.dispatchActions(ctx, actions)
}

func (c *AgentController) dispatchActions(ctx context.Context, actions []conv.Action) error {
	for _, action := range actions {
		switch a := action.(type) {
		case *conv.AgentFinishAction:
			if _, err := c.append(ctx, conv.SourceAgent, nil, a); err != nil {
				return err
			}
			c.transition(ctx, conv.StateFinished, "")
			return nil

		case *conv.AgentRejectAction:
			if _, err := c.append(ctx, conv.SourceAgent, nil, a); err != nil {
				return err
			}
			c.transition(ctx, conv.StateRejected, a.Reason)
			return nil

		case *conv.AgentDelegateAction:
			if err := c.delegate(ctx, a); err != nil {
				return err
			}

		default:
			if c.cfg.ConfirmationMode && c.requiresConfirmation(action) {
				if err := c.parkForConfirmation(ctx, action); err != nil {
					return err
				}
				return nil
			}
			if err := c.executeAction(ctx, action); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *AgentController) parkForConfirmation(ctx context.Context, action conv.Action) error {
	setConfirmationStatus(action, conv.ConfirmationAwaiting)
	id, err := c.append(ctx, conv.SourceAgent, nil, action)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.pendingEventID = &id
	c.pendingAction = action
	c.mu.Unlock()
	c.transition(ctx, conv.StateAwaitingConfirmation, "")
	return nil
}

func (c *AgentController) executeAction(ctx context.Context, action conv.Action) error {
	actionID, err := c.append(ctx, conv.SourceAgent, nil, action)
	if err != nil {
		return err
	}

	obs, runErr := c.runAction(ctx, action)
	if runErr != nil {
		if errors.Is(runErr, ErrFatalRuntime) {
			if _, err := c.append(ctx, conv.SourceEnvironment, &actionID, &conv.ErrorObservation{Content: runErr.Error()}); err != nil {
				return err
			}
			c.transition(ctx, conv.StateError, runErr.Error())
			return runErr
		}
		obs = &conv.ErrorObservation{Content: runErr.Error()}
	}
	_, err = c.append(ctx, conv.SourceEnvironment, &actionID, obs)
	return err
}

// runAction dispatches to the Runtime, retrying a disconnected sandbox with
// exponential backoff up to RuntimeDisconnectMaxRetries (spec.md §7
// AgentRuntimeDisconnected, §4.E "Error handling").
func (c *AgentController) runAction(ctx context.Context, action conv.Action) (obs conv.Observation, rerr error) {
	label := actionLabel(action)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "controller.runAction",
		trace.WithAttributes(
			attribute.String("conversation_id", c.cfg.ConversationID),
			attribute.String("action", label),
		))
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	timeout := c.cfg.ActionTimeout
	if t := action.GetTimeout(); t != nil {
		timeout = *t
	}
	actionCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	timer := time.Now()
	defer func() {
		c.cfg.Metrics.ActionDuration.WithLabelValues(c.cfg.ConversationID, label).Observe(time.Since(timer).Seconds())
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = runtimeRetryInitialInterval
	b.MaxInterval = runtimeRetryMaxInterval
	bo := backoff.WithContext(backoff.WithMaxRetries(b, RuntimeDisconnectMaxRetries), actionCtx)

	operation := func() error {
		var err error
		obs, err = c.cfg.Runtime.RunAction(actionCtx, action)
		if err != nil && errors.Is(err, runtime.ErrUnavailable) {
			return fmt.Errorf("%w: %v", ErrRuntimeDisconnected, err)
		}
		return err
	}

	err := backoff.Retry(operation, bo)
	outcome := "ok"
	switch {
	case errors.Is(err, ErrRuntimeDisconnected):
		outcome = "disconnected"
		err = fmt.Errorf("%w: %v", ErrFatalRuntime, err)
	case errors.Is(actionCtx.Err(), context.DeadlineExceeded):
		outcome = "timeout"
		err = ErrActionTimeout
	case err != nil:
		outcome = "error"
	}
	c.cfg.Metrics.ActionOutcomes.WithLabelValues(c.cfg.ConversationID, label, outcome).Inc()
	return obs, err
}

// delegate spawns a child AgentController via cfg.Delegate and blocks until
// it reaches a terminal state, per spec.md §4.E "Delegation".
func (c *AgentController) delegate(ctx context.Context, action *conv.AgentDelegateAction) error {
	actionID, err := c.append(ctx, conv.SourceAgent, nil, action)
	if err != nil {
		return err
	}
	if c.cfg.Delegate == nil {
		_, err := c.append(ctx, conv.SourceEnvironment, &actionID, &conv.ErrorObservation{Content: "delegation is not supported by this controller"})
		return err
	}

	outputs, derr := c.cfg.Delegate(ctx, c.cfg.ConversationID, action)
	if derr != nil {
		_, err := c.append(ctx, conv.SourceEnvironment, &actionID, &conv.ErrorObservation{Content: derr.Error()})
		return err
	}
	_, err = c.append(ctx, conv.SourceEnvironment, &actionID, &conv.AgentDelegateObservation{Outputs: outputs})
	return err
}

// buildView runs the condenser pipeline to a fixed point: each time a stage
// emits a Condensation, the marker is appended to the stream and the pipeline
// restarts over the updated history (spec.md §4.E step 4).
func (c *AgentController) buildView(ctx context.Context, history []*conv.Event) (conv.View, error) {
	for i := 0; i < 8; i++ { // bounded: a well-formed pipeline converges in one or two passes
		view := conv.View(history)
		res, err := c.cfg.Pipeline.Condense(ctx, view)
		if err != nil {
			return nil, err
		}
		if res.Condensation == nil {
			return res.View, nil
		}
		c.cfg.Metrics.Condensations.WithLabelValues(c.cfg.ConversationID).Inc()
		if _, err := c.append(ctx, conv.SourceAgent, nil, res.Condensation.Summary); err != nil {
			return nil, err
		}
		history = c.history()
	}
	return nil, fmt.Errorf("controller: condenser pipeline did not converge")
}

// forceCondense is invoked once per step when the LLM rejects a view as too
// large. It runs an aggressive amortized-forgetting pass directly over the
// rejected view rather than waiting for the pipeline's own threshold, per
// spec.md §4.E step 5 "force the condenser to produce a tighter view".
func (c *AgentController) forceCondense(ctx context.Context, view conv.View) (conv.View, error) {
	if len(view) < 3 {
		return view, nil
	}
	keep := len(view) / 4
	forced := condenser.AmortizedForgettingCondenser{Threshold: len(view) - 1, Keep: keep}
	res, err := forced.Condense(ctx, view)
	if err != nil {
		return nil, err
	}
	if res.Condensation == nil {
		return res.View, nil
	}
	c.cfg.Metrics.Condensations.WithLabelValues(c.cfg.ConversationID).Inc()
	if _, err := c.append(ctx, conv.SourceAgent, nil, res.Condensation.Summary); err != nil {
		return nil, err
	}
	return c.buildView(ctx, c.history())
}

// askLLM issues one completion request over the given view and accumulates
// the streamed chunks into a single response (spec.md §4.E step 5).
func (c *AgentController) askLLM(ctx context.Context, view conv.View) (*accumulatedResponse, error) {
	req := &provider.CompletionRequest{
		Model:    c.cfg.Model,
		Messages: eventsToMessages(view),
	}

	start := time.Now()
	stream, err := c.cfg.Provider.CreateCompletion(ctx, req)
	if err != nil {
		c.cfg.Metrics.LLMRequests.WithLabelValues(c.cfg.ConversationID, "error").Inc()
		return nil, classifyLLMError(err)
	}
	defer stream.Close()

	resp, err := accumulateStream(stream)
	c.cfg.Metrics.LLMDuration.WithLabelValues(c.cfg.ConversationID).Observe(time.Since(start).Seconds())
	if err != nil {
		c.cfg.Metrics.LLMRequests.WithLabelValues(c.cfg.ConversationID, "error").Inc()
		return nil, classifyLLMError(err)
	}
	c.cfg.Metrics.LLMRequests.WithLabelValues(c.cfg.ConversationID, "ok").Inc()

	if resp.inputTokens > 0 || resp.outputTokens > 0 {
		c.cfg.Metrics.LLMTokens.WithLabelValues(c.cfg.ConversationID, "input").Add(float64(resp.inputTokens))
		c.cfg.Metrics.LLMTokens.WithLabelValues(c.cfg.ConversationID, "output").Add(float64(resp.outputTokens))
	}
	if c.budget.AddCost(resp.costUSD) {
		return nil, ErrBudgetExceeded
	}
	if resp.costUSD > 0 {
		c.cfg.Metrics.LLMCostUSD.WithLabelValues(c.cfg.ConversationID).Add(resp.costUSD)
	}
	return resp, nil
}

func classifyLLMError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "context") && (strings.Contains(msg, "window") || strings.Contains(msg, "length") || strings.Contains(msg, "too long") || strings.Contains(msg, "maximum context")) {
		return fmt.Errorf("%w: %v", ErrContextWindowExceeded, err)
	}
	return err
}

// parseResponse turns the accumulated model response into typed Actions
// (spec.md §4.E step 6). Tool calls become registered conv.Action variants
// when the tool name matches an Action tag, or an MCPAction otherwise. Free
// text becomes an AgentThinkAction, followed by an AgentFinishAction if the
// model's finish reason signals completion with no pending tool calls.
func (c *AgentController) parseResponse(resp *accumulatedResponse) ([]conv.Action, error) {
	var actions []conv.Action
	var malformed []string

	for _, tc := range resp.toolCalls {
		action, err := toolCallToAction(tc)
		if err != nil {
			malformed = append(malformed, err.Error())
			continue
		}
		actions = append(actions, action)
	}

	if len(malformed) > 0 && len(actions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrLLMResponse, strings.Join(malformed, "; "))
	}

	if len(actions) == 0 {
		if strings.TrimSpace(resp.content) != "" {
			actions = append(actions, &conv.AgentThinkAction{Thought: resp.content})
		}
		if isCompletionFinish(resp.finishReason) {
			actions = append(actions, &conv.AgentFinishAction{})
		}
	}

	return actions, nil
}

func isCompletionFinish(reason string) bool {
	switch strings.ToLower(reason) {
	case "stop", "end_turn", "":
		return true
	default:
		return false
	}
}

// toolCallToAction maps one accumulated tool call to a conv.Action, trying
// the registered Action constructors first (conv.NewAction mirrors the
// tag-keyed registry json.go already uses for wire decoding) before falling
// back to a generic MCPAction for unrecognized tool names.
func toolCallToAction(tc toolCall) (conv.Action, error) {
	args := tc.arguments
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	if !json.Valid([]byte(args)) {
		repaired, ok := repairJSON(args)
		if !ok {
			return nil, fmt.Errorf("tool call %q: malformed arguments: %s", tc.name, args)
		}
		args = repaired
	}

	if action, err := conv.NewAction(tc.name); err == nil {
		if err := json.Unmarshal([]byte(args), action); err != nil {
			return nil, fmt.Errorf("tool call %q: %w", tc.name, err)
		}
		return action, nil
	}

	var parsedArgs map[string]any
	if err := json.Unmarshal([]byte(args), &parsedArgs); err != nil {
		return nil, fmt.Errorf("tool call %q: %w", tc.name, err)
	}
	return &conv.MCPAction{Name: tc.name, Arguments: parsedArgs}, nil
}

// repairJSON attempts the single local recovery pass spec.md §7 names for
// LLMResponseError ("json-repair"). No third-party json-repair library
// exists anywhere in the reference pack (see DESIGN.md); this hand-rolled
// heuristic closes unterminated strings/braces/brackets the way truncated
// tool-call argument streams actually fail, and is the one place in this
// package that falls back to the standard library for that reason.
func repairJSON(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "{}", true
	}
	trimmed = strings.TrimRight(trimmed, ", \t\n")

	var stack []byte
	var out []byte
	inString := false
	escaped := false
	for i := 0; i < len(trimmed); i++ {
		ch := trimmed[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			out = append(out, ch)
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, ch)
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			if t := strings.TrimRight(string(out), " \t\r\n"); strings.HasSuffix(t, ",") {
				out = []byte(t[:len(t)-1])
			}
		}
		out = append(out, ch)
	}

	repaired := string(out)
	if inString {
		repaired += `"`
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			repaired += "}"
		} else {
			repaired += "]"
		}
	}
	if !json.Valid([]byte(repaired)) {
		return "", false
	}
	return repaired, true
}

// requiresConfirmation reports whether action must park for confirmation.
// FileWriteAction/FileEditAction/BrowseInteractiveAction/MCPAction always do.
// CmdRunAction defers to cfg.Confirmer when one is set (e.g.
// internal/permission's dangerous-command classifier, so read-only shell
// commands don't park every step) and falls back to "always confirm" when
// none is configured.
func (c *AgentController) requiresConfirmation(action conv.Action) bool {
	switch action.(type) {
	case *conv.FileWriteAction, *conv.FileEditAction, *conv.BrowseInteractiveAction, *conv.MCPAction:
		return true
	case *conv.CmdRunAction:
		if c.cfg.Confirmer != nil {
			return c.cfg.Confirmer(action)
		}
		return true
	default:
		return false
	}
}

func setConfirmationStatus(action conv.Action, status conv.ConfirmationStatus) {
	switch a := action.(type) {
	case *conv.CmdRunAction:
		a.ConfirmationStatus = status
	case *conv.FileWriteAction:
		a.ConfirmationStatus = status
	case *conv.FileEditAction:
		a.ConfirmationStatus = status
	case *conv.BrowseInteractiveAction:
		a.ConfirmationStatus = status
	case *conv.MCPAction:
		a.ConfirmationStatus = status
	}
}

func actionLabel(action conv.Action) string {
	return action.Variant()
}

// append assigns an event's source/cause/payload and appends it to the
// EventStore, returning the assigned id.
func (c *AgentController) append(ctx context.Context, source conv.Source, cause *int64, payload conv.EventPayload) (int64, error) {
	e := &conv.Event{Source: source, Cause: cause, Payload: payload}
	return c.cfg.Store.Append(ctx, e)
}

func (c *AgentController) history() []*conv.Event {
	return c.cfg.Store.Iterate(0, true)
}

func (c *AgentController) transition(ctx context.Context, newState conv.AgentState, reason string) {
	c.mu.Lock()
	c.state = newState
	c.mu.Unlock()
	c.cfg.Metrics.StateTransitions.WithLabelValues(c.cfg.ConversationID, string(newState)).Inc()
	if _, err := c.append(ctx, conv.SourceAgent, nil, &conv.AgentStateChangedObservation{State: newState, Reason: reason}); err != nil {
		c.log.Error().Err(err).Str("state", string(newState)).Msg("controller: failed to append state transition")
	}
}

// accumulatedResponse is the fully-drained result of one LLM completion
// stream: the concatenated text content, any tool calls, the reported
// finish reason, and token/cost accounting.
type accumulatedResponse struct {
	content      string
	toolCalls    []toolCall
	finishReason string
	inputTokens  int
	outputTokens int
	costUSD      float64
}

type toolCall struct {
	id        string
	name      string
	arguments string
}

// accumulateStream drains a CompletionStream into a single response,
// accumulating tool-call argument deltas by index the way the teacher's
// session.processMessageChunk does for its own streaming UI.
func accumulateStream(stream *provider.CompletionStream) (*accumulatedResponse, error) {
	resp := &accumulatedResponse{}
	byIndex := map[int]*toolCall{}
	order := []int{}

	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if msg.Content != "" {
			if strings.HasPrefix(msg.Content, resp.content) {
				resp.content = msg.Content
			} else {
				resp.content += msg.Content
			}
		}
		for _, tc := range msg.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			} else if tc.ID != "" {
				idx = len(order)
			}
			entry, ok := byIndex[idx]
			if !ok {
				entry = &toolCall{}
				byIndex[idx] = entry
				order = append(order, idx)
			}
			if tc.ID != "" {
				entry.id = tc.ID
			}
			if tc.Function.Name != "" {
				entry.name = tc.Function.Name
			}
			entry.arguments += tc.Function.Arguments
		}
		if msg.ResponseMeta != nil {
			if msg.ResponseMeta.Usage != nil {
				resp.inputTokens = msg.ResponseMeta.Usage.PromptTokens
				resp.outputTokens = msg.ResponseMeta.Usage.CompletionTokens
			}
			if msg.ResponseMeta.FinishReason != "" {
				resp.finishReason = msg.ResponseMeta.FinishReason
			}
		}
	}

	for _, idx := range order {
		tc := byIndex[idx]
		if tc.name == "" {
			continue
		}
		resp.toolCalls = append(resp.toolCalls, *tc)
	}
	return resp, nil
}

// eventsToMessages renders a condensed View into the schema.Message sequence
// the Provider expects, reconstructing prior tool calls/results so the model
// sees its own history (spec.md §4.E step 5).
func eventsToMessages(view conv.View) []*schema.Message {
	out := make([]*schema.Message, 0, len(view))
	for _, e := range view {
		switch p := e.Payload.(type) {
		case *conv.SystemMessageAction:
			out = append(out, &schema.Message{Role: schema.System, Content: p.Content})
		case *conv.MessageAction:
			role := schema.Assistant
			if e.Source == conv.SourceUser {
				role = schema.User
			}
			out = append(out, &schema.Message{Role: role, Content: p.Text})
		case *conv.AgentThinkAction:
			out = append(out, &schema.Message{Role: schema.Assistant, Content: p.Thought})
		case *conv.AgentCondensationObservation:
			out = append(out, &schema.Message{Role: schema.System, Content: "Earlier context summarized: " + p.Summary})
		case *conv.AgentStateChangedObservation, *conv.NullAction, *conv.NullObservation:
			continue
		default:
			if action, ok := e.Payload.(conv.Action); ok {
				argsJSON, _ := json.Marshal(action)
				out = append(out, &schema.Message{
					Role: schema.Assistant,
					ToolCalls: []schema.ToolCall{{
						ID: strconv.FormatInt(e.ID, 10),
						Function: schema.FunctionCall{
							Name:      action.Variant(),
							Arguments: string(argsJSON),
						},
					}},
				})
				continue
			}
			if obs, ok := e.Payload.(conv.Observation); ok {
				causeID := int64(-1)
				if e.Cause != nil {
					causeID = *e.Cause
				}
				out = append(out, &schema.Message{
					Role:       schema.Tool,
					Content:    observationText(obs),
					ToolCallID: strconv.FormatInt(causeID, 10),
				})
			}
		}
	}
	return out
}

func observationText(obs conv.Observation) string {
	switch o := obs.(type) {
	case *conv.CmdOutputObservation:
		return fmt.Sprintf("exit_code=%d\n%s", o.ExitCode, o.Content)
	case *conv.IPythonRunCellObservation:
		return o.Content
	case *conv.FileReadObservation:
		return o.Content
	case *conv.FileWriteObservation:
		return "wrote " + o.Path
	case *conv.FileEditObservation:
		return o.Diff
	case *conv.BrowserOutputObservation:
		if o.Error != "" {
			return "error: " + o.Error
		}
		return o.AXTree
	case *conv.ErrorObservation:
		return "error: " + o.Content
	case *conv.SuccessObservation:
		return o.Content
	case *conv.UserRejectObservation:
		return "user rejected: " + o.Reason
	case *conv.MCPObservation:
		return o.Content
	case *conv.RecallObservation:
		return strings.Join(o.Fragments, "\n")
	case *conv.AgentDelegateObservation:
		data, _ := json.Marshal(o.Outputs)
		return string(data)
	default:
		data, _ := json.Marshal(obs)
		return string(data)
	}
}
