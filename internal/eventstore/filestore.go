package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/relay-agent/runtime/internal/conv"
	"github.com/relay-agent/runtime/internal/storage"
)

// JSONFileStore persists events and metadata as one JSON file per object,
// reusing the teacher's atomic temp-file-then-rename Storage for crash-safe
// writes. Layout matches spec.md §6 "Persisted state layout":
// sessions/{sid}/events/{id:08d}.json and sessions/{sid}/metadata.json.
type JSONFileStore struct {
	storage *storage.Storage
}

// NewJSONFileStore wraps an existing Storage rooted at the configured data
// directory.
func NewJSONFileStore(s *storage.Storage) *JSONFileStore {
	return &JSONFileStore{storage: s}
}

func eventPath(sid string, id int64) []string {
	return []string{"sessions", sid, "events", fmt.Sprintf("%08d", id)}
}

func metadataPath(sid string) []string {
	return []string{"sessions", sid, "metadata"}
}

// AppendEvent writes event e for conversation sid.
func (fs *JSONFileStore) AppendEvent(sid string, e *conv.Event) error {
	return fs.storage.Put(context.Background(), eventPath(sid, e.ID), e)
}

// LoadEvents returns every persisted event for sid, ordered by id.
func (fs *JSONFileStore) LoadEvents(sid string) ([]*conv.Event, error) {
	var events []*conv.Event
	var keys []string
	raw := map[string]json.RawMessage{}

	err := fs.storage.Scan(context.Background(), []string{"sessions", sid, "events"}, func(key string, data json.RawMessage) error {
		keys = append(keys, key)
		raw[key] = data
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(keys)
	for _, k := range keys {
		var e conv.Event
		if err := json.Unmarshal(raw[k], &e); err != nil {
			return nil, fmt.Errorf("eventstore: decoding persisted event %s/%s: %w", sid, k, err)
		}
		events = append(events, &e)
	}
	return events, nil
}

// PutMetadata persists conversation metadata.
func (fs *JSONFileStore) PutMetadata(sid string, m *conv.ConversationMetadata) error {
	return fs.storage.Put(context.Background(), metadataPath(sid), m)
}

// GetMetadata loads conversation metadata.
func (fs *JSONFileStore) GetMetadata(sid string) (*conv.ConversationMetadata, error) {
	var m conv.ConversationMetadata
	if err := fs.storage.Get(context.Background(), metadataPath(sid), &m); err != nil {
		if err == storage.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}
