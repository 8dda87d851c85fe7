package condenser

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/relay-agent/runtime/internal/conv"
)

// Microagent is a named text fragment loaded from disk that Memory injects
// into a RecallObservation when a RecallAction matches it (spec.md §4.C).
type Microagent struct {
	Name    string
	Content string
	// MCPConfig is the MCP server configuration this microagent wants
	// available when it's recalled, or nil.
	MCPConfig map[string]any
}

// MicroagentStore holds the microagents loaded from a directory and keeps
// them in sync with the filesystem via fsnotify, the same watch-and-reload
// idiom internal/vcs.Watcher uses for .git/HEAD.
type MicroagentStore struct {
	dir     string
	watcher *fsnotify.Watcher
	log     zerolog.Logger

	mu    sync.RWMutex
	byName map[string]*Microagent

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMicroagentStore loads every *.md file directly under dir as a
// Microagent named after its filename (without extension) and begins
// watching dir for changes. Returns (nil, nil) if dir does not exist —
// microagents are optional.
func NewMicroagentStore(dir string, log zerolog.Logger) (*MicroagentStore, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	s := &MicroagentStore{
		dir:     dir,
		watcher: w,
		log:     log,
		byName:  map[string]*Microagent{},
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	if err := s.reload(); err != nil {
		w.Close()
		return nil, err
	}
	go s.run()
	return s, nil
}

func (s *MicroagentStore) run() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				if err := s.reload(); err != nil {
					s.log.Warn().Err(err).Msg("microagent reload failed")
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn().Err(err).Msg("microagent watcher error")
		}
	}
}

func (s *MicroagentStore) reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	next := map[string]*Microagent{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.log.Warn().Err(err).Str("file", entry.Name()).Msg("failed to read microagent")
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".md")
		next[name] = &Microagent{Name: name, Content: string(content)}
	}

	s.mu.Lock()
	s.byName = next
	s.mu.Unlock()
	return nil
}

// Stop closes the watcher and waits for the reload goroutine to exit.
func (s *MicroagentStore) Stop() error {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	<-s.doneCh
	return s.watcher.Close()
}

// Match returns the microagents whose name appears in query as a
// case-insensitive substring, the simplest reading of "matches" spec.md §4.C
// leaves open — it is not a semantic retrieval step. Word boundaries are not
// checked, so a name also matches inside a longer word.
func (s *MicroagentStore) Match(query string) []*Microagent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Microagent
	lowerQuery := strings.ToLower(query)
	for name, m := range s.byName {
		if strings.Contains(lowerQuery, strings.ToLower(name)) {
			out = append(out, m)
		}
	}
	return out
}

// Recall builds a RecallObservation for a RecallAction by matching against
// the loaded microagents.
func (s *MicroagentStore) Recall(action *conv.RecallAction) *conv.RecallObservation {
	matches := s.Match(action.Query)
	fragments := make([]string, len(matches))
	var mcpConfig map[string]any
	for i, m := range matches {
		fragments[i] = m.Content
		if mcpConfig == nil && m.MCPConfig != nil {
			mcpConfig = m.MCPConfig
		}
	}
	return &conv.RecallObservation{
		Query:     action.Query,
		Fragments: fragments,
		MCPConfig: mcpConfig,
	}
}
