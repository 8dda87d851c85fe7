package controller

import "errors"

// Sentinel errors for the taxonomy named in spec.md §7. Each is a "kind",
// not a concrete type: callers use errors.Is against these, and Step wraps
// the underlying cause with %w so context survives.
var (
	// ErrRuntimeDisconnected means the sandbox connection was lost mid-action.
	// Step retries with exponential backoff up to RuntimeDisconnectMaxRetries;
	// exhaustion transitions the controller to ERROR.
	ErrRuntimeDisconnected = errors.New("controller: runtime disconnected")

	// ErrAgentStuck is raised internally when StuckDetector reports true.
	// Terminal for the step loop.
	ErrAgentStuck = errors.New("controller: agent stuck")

	// ErrContextWindowExceeded means the LLM rejected the request because the
	// view did not fit its context window. Recovered once by forcing the
	// condenser pipeline to produce a tighter view; a second occurrence in
	// the same step is fatal.
	ErrContextWindowExceeded = errors.New("controller: context window exceeded")

	// ErrBudgetExceeded means max_iterations or max_budget_per_task was hit.
	// Terminal ERROR.
	ErrBudgetExceeded = errors.New("controller: budget exceeded")

	// ErrActionTimeout means a single action's timer elapsed. Reported as an
	// ErrorObservation; not terminal.
	ErrActionTimeout = errors.New("controller: action timed out")

	// ErrFatalRuntime means the runtime itself reported an unrecoverable
	// failure (e.g. sandbox init failure). Terminal ERROR.
	ErrFatalRuntime = errors.New("controller: fatal runtime error")

	// ErrLLMResponse means the model's response could not be parsed into
	// actions even after a repair attempt.
	ErrLLMResponse = errors.New("controller: malformed llm response")

	// ErrTerminal is returned by Step when the controller is already in a
	// terminal or paused state; callers should stop driving the loop.
	ErrTerminal = errors.New("controller: terminal or paused")
)
