package convmanager

import "errors"

// Sentinel errors named in spec.md §4.F and §7.
var (
	// ErrTooManyConversations is returned by MaybeStartAgentLoop when the
	// per-user or global cap is exceeded and no idle loop could be reaped
	// to make room.
	ErrTooManyConversations = errors.New("convmanager: too many conversations")

	// ErrConversationNotFound means the conversation is not running on this
	// node (and, in the clustered variant, not known to the cluster either).
	ErrConversationNotFound = errors.New("convmanager: conversation not found")

	// ErrConnectionNotFound means send_to_event_stream/disconnect_from_session
	// was called with an id no JoinConversation registered.
	ErrConnectionNotFound = errors.New("convmanager: connection not found")

	// ErrClosed is returned by any operation performed after the manager's
	// Close.
	ErrClosed = errors.New("convmanager: closed")
)
