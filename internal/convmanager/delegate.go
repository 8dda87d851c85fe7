package convmanager

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/relay-agent/runtime/internal/conv"
)

// Delegate implements controller.Delegator for every AgentController this
// Manager starts (wired in buildLoop). It is the adapted replacement for
// SubagentExecutor.ExecuteSubtask: rather than running a child session's
// processor loop against shared teacher types, it spins up a genuine child
// AgentLoop through the same buildLoop/Start path MaybeStartAgentLoop uses,
// blocks on it synchronously (the parent's step loop is already blocked in
// cfg.Delegate, so there is no benefit to running the child concurrently),
// and extracts its AgentFinishAction outputs once it reaches a terminal
// state.
func (mgr *Manager) Delegate(ctx context.Context, parentSID string, action *conv.AgentDelegateAction) (map[string]any, error) {
	def, err := mgr.agents.Get(action.Agent)
	if err != nil {
		return nil, fmt.Errorf("convmanager: delegate: %w", err)
	}
	if !def.IsSubagent() {
		return nil, fmt.Errorf("convmanager: delegate: agent %q cannot be used as a subagent (mode: %s)", action.Agent, def.Mode)
	}

	mgr.mu.Lock()
	parent, ok := mgr.loops[parentSID]
	mgr.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("convmanager: delegate: parent conversation %s is not running", parentSID)
	}

	childSID := parentSID + "/" + ulid.Make().String()
	toolNames := make([]string, 0, len(def.Tools))
	for name, enabled := range def.Tools {
		if enabled {
			toolNames = append(toolNames, name)
		}
	}

	childSettings := Settings{
		SystemPrompt:     def.Prompt,
		Model:            parent.settings.Model,
		ToolNames:        toolNames,
		MaxIterations:    parent.settings.MaxIterations,
		ConfirmationMode: false,
		HeadlessMode:     true,
		Persistent:       false,
		RuntimeVariant:   "noop",
		Provider:         parent.settings.Provider,
	}

	prompt, _ := action.Inputs["prompt"].(string)

	entry, err := mgr.buildLoop(ctx, childSID, childSettings, parent.userID)
	if err != nil {
		return nil, fmt.Errorf("convmanager: delegate: building child loop: %w", err)
	}
	defer func() {
		entry.runtime.Close()
		entry.store.Close()
	}()

	if err := entry.controller.Start(ctx); err != nil {
		return nil, fmt.Errorf("convmanager: delegate: starting child loop: %w", err)
	}
	if prompt != "" {
		if err := entry.controller.HandleClientAction(ctx, &conv.MessageAction{Text: prompt}); err != nil {
			return nil, fmt.Errorf("convmanager: delegate: seeding child prompt: %w", err)
		}
	}

	if err := entry.controller.Run(ctx); err != nil {
		return nil, fmt.Errorf("convmanager: delegate: child loop %s: %w", childSID, err)
	}

	for _, e := range entry.store.Iterate(0, false) {
		if fin, ok := e.Payload.(*conv.AgentFinishAction); ok {
			return fin.Outputs, nil
		}
	}
	return map[string]any{"state": string(entry.controller.State())}, nil
}
