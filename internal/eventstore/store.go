// Package eventstore implements the per-conversation append-only ordered
// event log: component A of the conversation runtime plane. Appends are
// serialized by a per-stream monotonic counter; a single dispatch
// goroutine drains an internal queue and fans events out to subscribers in
// strict id order, evicting any subscriber that falls too far behind.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relay-agent/runtime/internal/conv"
	"github.com/rs/zerolog"
)

// ErrStoreFull is returned by Append only when the underlying persistence
// layer fails (spec.md §4.A: "Fails with StoreFull only on underlying I/O
// failure").
var ErrStoreFull = errors.New("eventstore: store full")

// ErrMissingEvent is returned by Get for an id that was never appended.
var ErrMissingEvent = errors.New("eventstore: missing event")

// ErrClosed is returned by Append after Close. Get, Iterate and
// SearchEvents keep serving the in-memory log after Close.
var ErrClosed = errors.New("eventstore: closed")

// DefaultSubscriberQueueDepth bounds the per-subscriber dispatch queue
// named in spec.md §5 "Backpressure".
const DefaultSubscriberQueueDepth = 128

// FileStore persists events for a single conversation and is satisfied by
// *eventstore.JSONFileStore (grounded on the teacher's internal/storage
// atomic writer) or an in-memory fake used by tests.
type FileStore interface {
	AppendEvent(sid string, e *conv.Event) error
	LoadEvents(sid string) ([]*conv.Event, error)
	PutMetadata(sid string, m *conv.ConversationMetadata) error
	GetMetadata(sid string) (*conv.ConversationMetadata, error)
}

type subscriberState struct {
	id      string
	ch      chan *conv.Event
	lagging bool
}

// EventStore is the totally ordered, durable log of Events for one
// conversation.
type EventStore struct {
	sid   string
	fs    FileStore
	log   zerolog.Logger

	mu     sync.Mutex // guards nextID and the in-memory tail cache
	nextID int64
	events []*conv.Event // in-memory append log; persisted copy lives in fs

	subMu sync.Mutex
	subs  map[string]*subscriberState

	queueDepth int
	queue      chan *conv.Event
	closeOnce  sync.Once
	closed     chan struct{}
	done       chan struct{}
}

// New creates an EventStore for conversation sid, replaying any events
// already persisted in fs so nextID continues from where a prior process
// left off (spec.md §8 scenario 5, crash-and-resume).
func New(sid string, fs FileStore, log zerolog.Logger) (*EventStore, error) {
	existing, err := fs.LoadEvents(sid)
	if err != nil {
		return nil, fmt.Errorf("eventstore: loading existing events for %s: %w", sid, err)
	}

	es := &EventStore{
		sid:        sid,
		fs:         fs,
		log:        log.With().Str("sid", sid).Logger(),
		events:     existing,
		subs:       make(map[string]*subscriberState),
		queueDepth: DefaultSubscriberQueueDepth,
		queue:      make(chan *conv.Event, DefaultSubscriberQueueDepth),
		closed:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	if n := len(existing); n > 0 {
		es.nextID = existing[n-1].ID + 1
	}
	go es.dispatchLoop()
	return es, nil
}

// Append assigns the next id, persists the event, and enqueues it for
// asynchronous subscriber dispatch.
func (es *EventStore) Append(ctx context.Context, e *conv.Event) (int64, error) {
	es.mu.Lock()
	select {
	case <-es.closed:
		es.mu.Unlock()
		return 0, ErrClosed
	default:
	}

	e.ID = es.nextID
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	if err := es.fs.AppendEvent(es.sid, e); err != nil {
		es.mu.Unlock()
		return 0, fmt.Errorf("%w: %v", ErrStoreFull, err)
	}

	es.nextID++
	es.events = append(es.events, e)
	es.mu.Unlock()

	select {
	case es.queue <- e:
	case <-ctx.Done():
		return e.ID, ctx.Err()
	case <-es.closed:
	}

	return e.ID, nil
}

// Get returns the event with the given id.
func (es *EventStore) Get(id int64) (*conv.Event, error) {
	es.mu.Lock()
	defer es.mu.Unlock()
	for _, e := range es.events {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, ErrMissingEvent
}

// Iterate returns a finite, ordered, restartable slice of events with
// id >= startID. filterHidden drops NullAction/NullObservation/RecallAction
// events, matching the replay-collapse rules in spec.md §6.
func (es *EventStore) Iterate(startID int64, filterHidden bool) []*conv.Event {
	es.mu.Lock()
	defer es.mu.Unlock()

	out := make([]*conv.Event, 0, len(es.events))
	for _, e := range es.events {
		if e.ID < startID {
			continue
		}
		if filterHidden && isHidden(e) {
			continue
		}
		out = append(out, e)
	}
	return collapseAgentStateChanged(out)
}

// SearchEvents returns events in [startID, endID] for which filter(e)
// returns true. endID < 0 means "no upper bound".
func (es *EventStore) SearchEvents(startID, endID int64, filter func(*conv.Event) bool) []*conv.Event {
	es.mu.Lock()
	defer es.mu.Unlock()

	var out []*conv.Event
	for _, e := range es.events {
		if e.ID < startID {
			continue
		}
		if endID >= 0 && e.ID > endID {
			break
		}
		if filter == nil || filter(e) {
			out = append(out, e)
		}
	}
	return out
}

// Subscribe registers a callback-free channel subscriber; events are
// delivered in strict id order. The returned channel is closed if the
// subscriber is evicted for lagging or when the store is closed.
func (es *EventStore) Subscribe(subscriberID string) <-chan *conv.Event {
	es.subMu.Lock()
	defer es.subMu.Unlock()

	ch := make(chan *conv.Event, es.queueDepth)
	es.subs[subscriberID] = &subscriberState{id: subscriberID, ch: ch}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (es *EventStore) Unsubscribe(subscriberID string) {
	es.subMu.Lock()
	defer es.subMu.Unlock()
	if s, ok := es.subs[subscriberID]; ok {
		close(s.ch)
		delete(es.subs, subscriberID)
	}
}

// Close flushes (a no-op for the file-backed store, which writes
// synchronously on Append) and releases all subscribers.
func (es *EventStore) Close() error {
	es.closeOnce.Do(func() {
		close(es.closed)
		<-es.done
		es.subMu.Lock()
		for id, s := range es.subs {
			close(s.ch)
			delete(es.subs, id)
		}
		es.subMu.Unlock()
	})
	return nil
}

// dispatchLoop is the single per-stream dispatch task named in spec.md
// §4.A: it drains the internal queue in id order and fans out to every
// subscriber, evicting any whose channel is full rather than blocking or
// reordering.
func (es *EventStore) dispatchLoop() {
	defer close(es.done)
	for {
		select {
		case e, ok := <-es.queue:
			if !ok {
				return
			}
			es.fanOut(e)
		case <-es.closed:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case e := <-es.queue:
					es.fanOut(e)
				default:
					return
				}
			}
		}
	}
}

func (es *EventStore) fanOut(e *conv.Event) {
	es.subMu.Lock()
	defer es.subMu.Unlock()
	for id, s := range es.subs {
		if s.lagging {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.lagging = true
			close(s.ch)
			delete(es.subs, id)
			es.log.Warn().Str("subscriber", id).Msg("eventstore: subscriber evicted for lagging")
		}
	}
}

func isHidden(e *conv.Event) bool {
	switch e.Payload.(type) {
	case *conv.NullAction, *conv.NullObservation, *conv.RecallAction:
		return true
	default:
		return false
	}
}

// collapseAgentStateChanged keeps only the most recent
// AgentStateChangedObservation among a run of them, matching the replay
// rule in spec.md §6: "If the replay crosses an AgentStateChangedObservation,
// only the latest such observation is sent (collapsed)."
func collapseAgentStateChanged(events []*conv.Event) []*conv.Event {
	lastIdx := -1
	for i, e := range events {
		if _, ok := e.Payload.(*conv.AgentStateChangedObservation); ok {
			lastIdx = i
		}
	}

	out := make([]*conv.Event, 0, len(events))
	for i, e := range events {
		if _, ok := e.Payload.(*conv.AgentStateChangedObservation); ok && i != lastIdx {
			continue
		}
		out = append(out, e)
	}
	return out
}
