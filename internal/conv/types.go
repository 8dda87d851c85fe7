// Package conv holds the data model shared by every component of the
// conversation runtime plane: events, actions, observations, agent state,
// conversation metadata, and the condensed view the agent prompt is built
// from.
package conv

import "time"

// Source identifies who produced an Event.
type Source string

const (
	SourceUser        Source = "user"
	SourceAgent       Source = "agent"
	SourceEnvironment Source = "environment"
)

// AgentState is the lifecycle enum of an AgentController.
type AgentState string

const (
	StateLoading              AgentState = "loading"
	StateInit                 AgentState = "init"
	StateRunning              AgentState = "running"
	StateAwaitingUserInput    AgentState = "awaiting_user_input"
	StateAwaitingConfirmation AgentState = "awaiting_confirmation"
	StatePaused               AgentState = "paused"
	StateFinished             AgentState = "finished"
	StateRejected             AgentState = "rejected"
	StateError                AgentState = "error"
	StateStuck                AgentState = "stuck"

	// StateConfirmed is never a resting controller state: it is only a
	// directive value of ChangeAgentStateAction.NewState used to resolve an
	// AWAITING_CONFIRMATION pause back to RUNNING (spec.md §4.E transition
	// table). A NewState of StateRejected sent while AWAITING_CONFIRMATION
	// resolves the same pause the other way, distinct from AgentRejectAction
	// driving the controller to the terminal StateRejected.
	StateConfirmed AgentState = "confirmed"
)

// Terminal reports whether a state has no further outbound transitions
// other than an explicit restart.
func (s AgentState) Terminal() bool {
	switch s {
	case StateFinished, StateRejected, StateError, StateStuck:
		return true
	default:
		return false
	}
}

// ConfirmationStatus is carried by every Action.
type ConfirmationStatus string

const (
	ConfirmationNone      ConfirmationStatus = "none"
	ConfirmationAwaiting  ConfirmationStatus = "awaiting"
	ConfirmationConfirmed ConfirmationStatus = "confirmed"
	ConfirmationRejected  ConfirmationStatus = "rejected"
)

// EventPayload is implemented by every concrete Action and Observation
// variant. Variant returns the type-tag string used on the wire (spec
// "Event JSON schema": exactly one of action:<type> / observation:<type>).
type EventPayload interface {
	Variant() string
}

// Action is an intent to mutate the world.
type Action interface {
	EventPayload
	actionMarker()
	// GetTimeout returns the caller-specified execution timeout, or nil
	// to use the Runtime's default (spec.md §5 "Timeouts").
	GetTimeout() *time.Duration
}

// Observation is a response from the environment.
type Observation interface {
	EventPayload
	observationMarker()
}

// Event is the atomic, immutable-after-append unit of a conversation
// stream. Exactly one of the embedded payload's Variant() values is
// serialized under the "action" or "observation" key (see json.go).
type Event struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
	Cause     *int64    `json:"cause,omitempty"`
	Message   string    `json:"message,omitempty"`
	Payload   EventPayload
}

// IsAction reports whether this event's payload is an Action.
func (e *Event) IsAction() (Action, bool) {
	a, ok := e.Payload.(Action)
	return a, ok
}

// IsObservation reports whether this event's payload is an Observation.
func (e *Event) IsObservation() (Observation, bool) {
	o, ok := e.Payload.(Observation)
	return o, ok
}

// ConversationMetadata is persisted separately from events.
type ConversationMetadata struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Title          string    `json:"title,omitempty"`
	Repository     string    `json:"repository,omitempty"`
	Branch         string    `json:"branch,omitempty"`
	Trigger        string    `json:"trigger,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// View is an ordered sequence of Events produced by the condenser pipeline
// from the full history. The LLM prompt is derived strictly from a View.
type View []*Event

// Condensation is a marker produced by a condenser indicating that events
// in range [StartID, EndID] were summarized into an
// AgentCondensationObservation and re-inserted into the stream.
type Condensation struct {
	StartID int64
	EndID   int64
	Summary *AgentCondensationObservation
}
