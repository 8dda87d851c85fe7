/*
Package event provides a type-safe, pub/sub event system for process-wide
lifecycle notifications on the conversation runtime plane — distinct from
internal/eventstore, which is the durable, per-conversation Event log the
controller and condenser pipeline operate on. This bus carries things no
single conversation owns: loop and connection lifecycle, permission
prompts, and VCS branch changes.

# Architecture

The package is built on top of watermill's gochannel for infrastructure while
maintaining direct-call semantics to preserve type information. It provides
both synchronous and asynchronous event publishing patterns.

# Event Types

Agent loop lifecycle (published by internal/convmanager):
  - loop.started: a conversation's agent loop was started or resumed
  - loop.stopped: a conversation's agent loop was closed

Connection lifecycle (published by internal/convmanager):
  - connection.joined: a client attached to a conversation's event stream
  - connection.left: a client detached

Permission events (published by internal/permission):
  - permission.required: a permission request was created
  - permission.resolved: a permission request was responded to

VCS events (published by internal/vcs):
  - vcs.branch_updated: the working directory's git branch changed

File events:
  - file.edited: a file was modified

# Basic Usage

Publishing events:

	// Asynchronous publishing (non-blocking)
	event.Publish(event.Event{
		Type: event.LoopStarted,
		Data: event.LoopStartedData{ConversationID: sid, UserID: uid},
	})

	// Synchronous publishing (blocking until all subscribers complete)
	event.PublishSync(event.Event{
		Type: event.LoopStopped,
		Data: event.LoopStoppedData{ConversationID: sid},
	})

Subscribing to specific events:

	unsubscribe := event.Subscribe(event.LoopStarted, func(e event.Event) {
		data := e.Data.(event.LoopStartedData)
		log.Info("loop started", "id", data.ConversationID)
	})
	defer unsubscribe()

Subscribing to all events:

	unsubscribe := event.SubscribeAll(func(e event.Event) {
		log.Debug("event received", "type", e.Type)
	})
	defer unsubscribe()

# Subscriber Safety Guidelines

When using PublishSync, subscribers are called synchronously in the publisher's
goroutine. To avoid blocking or deadlocks, subscribers MUST:

  - Complete quickly (avoid long-running operations)
  - Use non-blocking channel sends (select with default case)
  - Never call Publish/PublishSync from within a subscriber (no re-entrant publishing)
  - Never acquire locks that the publisher might hold

Example of a safe subscriber:

	event.SubscribeAll(func(e event.Event) {
	    select {
	    case eventChan <- e:
	        // Event sent successfully
	    default:
	        // Channel full, drop event to avoid blocking
	        log.Warn("Event dropped due to full channel", "type", e.Type)
	    }
	})

# Custom Event Bus

For testing or isolation, you can create custom bus instances:

	bus := event.NewBus()
	defer bus.Close()

	unsubscribe := bus.Subscribe(event.LoopStarted, handler)
	bus.PublishSync(event.Event{Type: event.LoopStarted, Data: data})

# Testing

The package provides utilities for testing:

	// Reset global bus state (use in test cleanup)
	event.Reset()

# Thread Safety

The event bus is thread-safe and can be used concurrently from multiple goroutines.
Both publishing and subscribing operations are protected by internal synchronization.

# Integration with Watermill

The package uses watermill's gochannel internally, providing access to the
underlying pubsub infrastructure for advanced use cases:

	pubsub := event.PubSub()
	// Use watermill features like middleware, routing, etc.

This allows future migration to a distributed broker if needed while keeping
the current API.
*/
package event
