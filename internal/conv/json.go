package conv

import (
	"encoding/json"
	"fmt"
	"time"
)

// envelope holds the event-level fields that sit alongside the
// flattened payload on the wire (spec.md §6 "Event JSON schema").
type envelope struct {
	ID          int64   `json:"id"`
	Timestamp   string  `json:"timestamp"`
	Source      Source  `json:"source"`
	Cause       *int64  `json:"cause,omitempty"`
	Message     string  `json:"message,omitempty"`
	ActionTag   string  `json:"action,omitempty"`
	ObsTag      string  `json:"observation,omitempty"`
}

// MarshalJSON flattens the payload's own fields alongside the envelope,
// tagging exactly one of "action" or "observation" with the variant name.
func (e *Event) MarshalJSON() ([]byte, error) {
	env := envelope{
		ID:        e.ID,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Source:    e.Source,
		Cause:     e.Cause,
		Message:   e.Message,
	}

	switch p := e.Payload.(type) {
	case Action:
		env.ActionTag = p.Variant()
	case Observation:
		env.ObsTag = p.Variant()
	default:
		return nil, fmt.Errorf("conv: event %d has neither action nor observation payload", e.ID)
	}

	envBytes, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(envBytes, &flat); err != nil {
		return nil, err
	}

	payloadBytes, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	var payloadFlat map[string]json.RawMessage
	if err := json.Unmarshal(payloadBytes, &payloadFlat); err != nil {
		return nil, err
	}
	for k, v := range payloadFlat {
		flat[k] = v
	}

	return json.Marshal(flat)
}

// UnmarshalJSON dispatches on the "action"/"observation" tag to the
// registered constructor. Fields that neither the envelope nor the payload
// type declares are dropped: they are not kept on the Event and do not
// reappear on a later MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	e.ID = env.ID
	e.Source = env.Source
	e.Cause = env.Cause
	e.Message = env.Message
	if env.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, env.Timestamp)
		if err != nil {
			return fmt.Errorf("conv: bad timestamp %q: %w", env.Timestamp, err)
		}
		e.Timestamp = ts
	}

	switch {
	case env.ActionTag != "":
		a, err := NewAction(env.ActionTag)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, a); err != nil {
			return fmt.Errorf("conv: decoding action %q: %w", env.ActionTag, err)
		}
		e.Payload = a
	case env.ObsTag != "":
		o, err := NewObservation(env.ObsTag)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, o); err != nil {
			return fmt.Errorf("conv: decoding observation %q: %w", env.ObsTag, err)
		}
		e.Payload = o
	default:
		return fmt.Errorf("conv: event %d carries neither an action nor observation tag", env.ID)
	}

	return nil
}
