// Package history maintains chat threads on disk.
//
// Each thread keeps two aligned message sequences: the model-facing track
// (elaborated prompts, raw structured replies) and the user-facing track
// (what the client displays). Every non-system append adds exactly one
// entry to each track and their roles agree at every index.
//
// Storage model: one JSON file per thread, written atomically
// (write-then-rename), loaded lazily per thread. Appends to the same thread
// are serialized by a per-thread lock; different threads are independent.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nbcopilot/nbcopilot/llm"
)

// SchemaVersion tags persisted thread files for future upgrades.
const SchemaVersion = 1

// ErrNotFound indicates the thread does not exist on disk.
var ErrNotFound = errors.New("thread not found")

// Message is a single conversation message.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	ParentID  string    `json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage creates a message with a fresh id.
func NewMessage(role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// Thread is the persisted form of one conversation.
type Thread struct {
	SchemaVersion   int       `json:"schema_version"`
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	CreatedAt       time.Time `json:"created_at"`
	LastInteraction time.Time `json:"last_interaction"`
	ModelMessages   []Message `json:"model_messages"`
	DisplayMessages []Message `json:"display_messages"`
}

// Info is the listing metadata for a thread.
type Info struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	CreatedAt       time.Time `json:"created_at"`
	LastInteraction time.Time `json:"last_interaction"`
}

// Store owns the chat threads under one directory.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create thread directory: %w", err)
	}
	return &Store{dir: dir, locks: map[string]*sync.Mutex{}}, nil
}

func (s *Store) threadLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Store) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return "", fmt.Errorf("invalid thread id %q", id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

// Ensure creates the thread with the system message at index 0 of both
// tracks if it does not already exist. The system message is part of thread
// creation; downstream code may assume index 0 is the system message.
func (s *Store) Ensure(id, systemPrompt string) error {
	lock := s.threadLock(id)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.load(id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	now := time.Now().UTC()
	sys := NewMessage("system", systemPrompt)
	t := &Thread{
		SchemaVersion:   SchemaVersion,
		ID:              id,
		CreatedAt:       now,
		LastInteraction: now,
		ModelMessages:   []Message{sys},
		DisplayMessages: []Message{sys},
	}
	return s.persist(t)
}

// Append appends the model-facing and user-facing versions of one message
// to the thread, creating the thread record if it does not exist. The two
// versions must carry the same role; they may differ only in content.
func (s *Store) Append(id string, model, display Message) error {
	if model.Role != display.Role {
		return fmt.Errorf("track roles disagree: model %q vs display %q", model.Role, display.Role)
	}

	lock := s.threadLock(id)
	lock.Lock()
	defer lock.Unlock()

	t, err := s.load(id)
	if errors.Is(err, ErrNotFound) {
		now := time.Now().UTC()
		t = &Thread{
			SchemaVersion:   SchemaVersion,
			ID:              id,
			CreatedAt:       now,
			LastInteraction: now,
		}
	} else if err != nil {
		return err
	}

	t.ModelMessages = append(t.ModelMessages, model)
	t.DisplayMessages = append(t.DisplayMessages, display)

	// Last-interaction is monotonically non-decreasing.
	if now := time.Now().UTC(); now.After(t.LastInteraction) {
		t.LastInteraction = now
	}

	return s.persist(t)
}

// SetName sets the thread's display name.
func (s *Store) SetName(id, name string) error {
	lock := s.threadLock(id)
	lock.Lock()
	defer lock.Unlock()

	t, err := s.load(id)
	if err != nil {
		return err
	}
	t.Name = name
	return s.persist(t)
}

// ModelHistory returns the model-facing sequence, suitable for sending to a
// provider.
func (s *Store) ModelHistory(id string) ([]llm.ChatMessage, error) {
	lock := s.threadLock(id)
	lock.Lock()
	defer lock.Unlock()

	t, err := s.load(id)
	if err != nil {
		return nil, err
	}

	out := make([]llm.ChatMessage, len(t.ModelMessages))
	for i, m := range t.ModelMessages {
		out[i] = llm.ChatMessage{Role: m.Role, Content: m.Content}
	}
	return out, nil
}

// DisplayHistory returns the user-facing sequence.
func (s *Store) DisplayHistory(id string) ([]Message, error) {
	lock := s.threadLock(id)
	lock.Lock()
	defer lock.Unlock()

	t, err := s.load(id)
	if err != nil {
		return nil, err
	}
	return append([]Message(nil), t.DisplayMessages...), nil
}

// Get returns the full thread record.
func (s *Store) Get(id string) (*Thread, error) {
	lock := s.threadLock(id)
	lock.Lock()
	defer lock.Unlock()
	return s.load(id)
}

// List returns thread metadata sorted by last interaction descending.
// Corrupt thread files are skipped with a logged warning rather than
// failing the whole listing.
func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read thread directory: %w", err)
	}

	infos := []Info{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		t, err := s.load(id)
		if err != nil {
			slog.Warn("skipping unreadable thread", "thread", id, "err", err)
			continue
		}
		infos = append(infos, Info{
			ID:              t.ID,
			Name:            t.Name,
			CreatedAt:       t.CreatedAt,
			LastInteraction: t.LastInteraction,
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].LastInteraction.After(infos[j].LastInteraction)
	})
	return infos, nil
}

// Delete removes a thread from disk.
func (s *Store) Delete(id string) error {
	lock := s.threadLock(id)
	lock.Lock()
	defer lock.Unlock()

	p, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}

// load reads a thread file. Caller holds the thread lock.
func (s *Store) load(id string) (*Thread, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read thread: %w", err)
	}

	var t Thread
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse thread %s: %w", id, err)
	}
	if len(t.ModelMessages) != len(t.DisplayMessages) {
		return nil, fmt.Errorf("thread %s: track lengths diverge (%d vs %d)",
			id, len(t.ModelMessages), len(t.DisplayMessages))
	}
	return &t, nil
}

// persist writes a thread atomically. Caller holds the thread lock.
func (s *Store) persist(t *Thread) error {
	p, err := s.path(t.ID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize thread: %w", err)
	}

	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write thread: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("replace thread: %w", err)
	}
	return nil
}
