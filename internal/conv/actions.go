package conv

import "time"

// BaseAction carries the fields common to every Action variant.
type BaseAction struct {
	ConfirmationStatus ConfirmationStatus `json:"confirmation_status,omitempty"`
	Timeout            *time.Duration     `json:"timeout,omitempty"`
}

func (BaseAction) actionMarker() {}

// GetTimeout returns the action's configured timeout, or nil if unset (the
// Runtime falls back to its own default in that case).
func (b BaseAction) GetTimeout() *time.Duration { return b.Timeout }

// MessageAction is a chat turn.
type MessageAction struct {
	BaseAction
	Text   string   `json:"text"`
	Images []string `json:"images,omitempty"`
}

func (MessageAction) Variant() string { return "MessageAction" }

// CmdRunAction requests shell execution.
type CmdRunAction struct {
	BaseAction
	Command  string `json:"command"`
	IsStatic bool   `json:"is_static,omitempty"`
}

func (CmdRunAction) Variant() string { return "CmdRunAction" }

// IPythonRunCellAction requests notebook-cell execution.
type IPythonRunCellAction struct {
	BaseAction
	Code string `json:"code"`
}

func (IPythonRunCellAction) Variant() string { return "IPythonRunCellAction" }

// FileReadAction reads a file range.
type FileReadAction struct {
	BaseAction
	Path  string `json:"path"`
	Start int    `json:"start,omitempty"`
	End   int    `json:"end,omitempty"`
}

func (FileReadAction) Variant() string { return "FileReadAction" }

// FileWriteAction writes a file range.
type FileWriteAction struct {
	BaseAction
	Path    string `json:"path"`
	Content string `json:"content"`
	Start   int    `json:"start,omitempty"`
	End     int    `json:"end,omitempty"`
}

func (FileWriteAction) Variant() string { return "FileWriteAction" }

// FileEditAction replaces a section of a file.
type FileEditAction struct {
	BaseAction
	Path    string `json:"path"`
	OldText string `json:"old_text"`
	NewText string `json:"new_text"`
}

func (FileEditAction) Variant() string { return "FileEditAction" }

// BrowseURLAction navigates the browser runtime to a URL.
type BrowseURLAction struct {
	BaseAction
	URL string `json:"url"`
}

func (BrowseURLAction) Variant() string { return "BrowseURLAction" }

// BrowseInteractiveAction issues a raw browser command (click, type, scroll...).
type BrowseInteractiveAction struct {
	BaseAction
	BrowserCommand string `json:"browser_command"`
}

func (BrowseInteractiveAction) Variant() string { return "BrowseInteractiveAction" }

// AgentDelegateAction spawns a sub-agent.
type AgentDelegateAction struct {
	BaseAction
	Agent  string         `json:"agent"`
	Inputs map[string]any `json:"inputs,omitempty"`
}

func (AgentDelegateAction) Variant() string { return "AgentDelegateAction" }

// AgentFinishAction signals the agent is done.
type AgentFinishAction struct {
	BaseAction
	Outputs map[string]any `json:"outputs,omitempty"`
}

func (AgentFinishAction) Variant() string { return "AgentFinishAction" }

// AgentRejectAction signals the agent refuses to continue.
type AgentRejectAction struct {
	BaseAction
	Reason string `json:"reason,omitempty"`
}

func (AgentRejectAction) Variant() string { return "AgentRejectAction" }

// AgentThinkAction carries free-text reasoning with no side effect.
type AgentThinkAction struct {
	BaseAction
	Thought string `json:"thought"`
}

func (AgentThinkAction) Variant() string { return "AgentThinkAction" }

// ChangeAgentStateAction requests an explicit controller state transition.
type ChangeAgentStateAction struct {
	BaseAction
	NewState AgentState `json:"new_state"`
}

func (ChangeAgentStateAction) Variant() string { return "ChangeAgentStateAction" }

// RecallAction is a memory lookup against microagents.
type RecallAction struct {
	BaseAction
	Query string `json:"query"`
}

func (RecallAction) Variant() string { return "RecallAction" }

// MCPAction is an external tool call.
type MCPAction struct {
	BaseAction
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

func (MCPAction) Variant() string { return "MCPAction" }

// NullAction is the sentinel for non-executable parses.
type NullAction struct {
	BaseAction
}

func (NullAction) Variant() string { return "NullAction" }

// SystemMessageAction is emitted once a conversation's Runtime has finished
// connecting, carrying the system prompt and tool set the agent will run
// with (LOADING -> INIT transition).
type SystemMessageAction struct {
	BaseAction
	Content string   `json:"content"`
	Tools   []string `json:"tools,omitempty"`
	AgentID string   `json:"agent_id,omitempty"`
}

func (SystemMessageAction) Variant() string { return "SystemMessageAction" }

func init() {
	RegisterAction("MessageAction", func() Action { return &MessageAction{} })
	RegisterAction("CmdRunAction", func() Action { return &CmdRunAction{} })
	RegisterAction("IPythonRunCellAction", func() Action { return &IPythonRunCellAction{} })
	RegisterAction("FileReadAction", func() Action { return &FileReadAction{} })
	RegisterAction("FileWriteAction", func() Action { return &FileWriteAction{} })
	RegisterAction("FileEditAction", func() Action { return &FileEditAction{} })
	RegisterAction("BrowseURLAction", func() Action { return &BrowseURLAction{} })
	RegisterAction("BrowseInteractiveAction", func() Action { return &BrowseInteractiveAction{} })
	RegisterAction("AgentDelegateAction", func() Action { return &AgentDelegateAction{} })
	RegisterAction("AgentFinishAction", func() Action { return &AgentFinishAction{} })
	RegisterAction("AgentRejectAction", func() Action { return &AgentRejectAction{} })
	RegisterAction("AgentThinkAction", func() Action { return &AgentThinkAction{} })
	RegisterAction("ChangeAgentStateAction", func() Action { return &ChangeAgentStateAction{} })
	RegisterAction("RecallAction", func() Action { return &RecallAction{} })
	RegisterAction("MCPAction", func() Action { return &MCPAction{} })
	RegisterAction("NullAction", func() Action { return &NullAction{} })
	RegisterAction("SystemMessageAction", func() Action { return &SystemMessageAction{} })
}
