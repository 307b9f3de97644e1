// Package quota enforces the free-tier monthly usage limits.
//
// Counters are kept per (month, class) in one JSON file per user. Check and
// Increment both run under the store lock so the read-check-write sequence
// is atomic with respect to concurrent dispatches.
package quota

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrExceeded indicates the current period's limit for a class is reached.
var ErrExceeded = errors.New("quota exceeded")

// Class groups purpose tags for counting monthly usage.
type Class string

const (
	// ClassChat covers every purpose except inline completion.
	ClassChat Class = "chat"
	// ClassInline covers inline completion only.
	ClassInline Class = "inline"
)

// Default monthly free-tier limits per class.
var defaultLimits = map[Class]int{
	ClassChat:   200,
	ClassInline: 2000,
}

// UserContext identifies the user a dispatch is performed for and carries
// that user's quota store.
type UserContext struct {
	UserID string
	Email  string
	Quota  *Store
}

type counter struct {
	Month string `json:"month"` // YYYY-MM of the current period
	Count int    `json:"count"`
	Reset string `json:"last_reset"` // RFC 3339 date of the last reset
}

type state struct {
	Counters map[Class]*counter `json:"counters"`
}

// Store tracks per-class monthly counters, persisted to a JSON file.
type Store struct {
	path   string
	limits map[Class]int
	bypass bool

	mu sync.Mutex
	st state

	now func() time.Time // injectable for tests
}

// Open loads (or initializes) the quota file at path.
// When bypass is true (pro/enterprise deployments), Check always passes and
// Increment is a no-op.
func Open(path string, bypass bool) (*Store, error) {
	s := &Store{
		path:   path,
		limits: defaultLimits,
		bypass: bypass,
		st:     state{Counters: map[Class]*counter{}},
		now:    time.Now,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read quota file: %w", err)
	}
	if err := json.Unmarshal(data, &s.st); err != nil {
		return nil, fmt.Errorf("parse quota file: %w", err)
	}
	if s.st.Counters == nil {
		s.st.Counters = map[Class]*counter{}
	}
	return s, nil
}

// WithLimits overrides the per-class limits (used in tests and enterprise
// overrides).
func (s *Store) WithLimits(limits map[Class]int) *Store {
	s.limits = limits
	return s
}

// Check reports whether one more dispatch in class is allowed this period.
// Returns ErrExceeded when the limit is reached; no state is changed.
func (s *Store) Check(class Class) error {
	if s.bypass {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.currentLocked(class)
	if c.Count >= s.limits[class] {
		return fmt.Errorf("%w: %s class used %d of %d this month", ErrExceeded, class, c.Count, s.limits[class])
	}
	return nil
}

// Increment records one successful dispatch in class and persists the file.
func (s *Store) Increment(class Class) error {
	if s.bypass {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.currentLocked(class)
	c.Count++
	return s.persistLocked()
}

// Count returns the current period's count for class.
func (s *Store) Count(class Class) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked(class).Count
}

// currentLocked returns the counter for class, resetting it when the month
// has rolled over since the last reset. Caller holds the lock.
func (s *Store) currentLocked(class Class) *counter {
	month := s.now().UTC().Format("2006-01")

	c, ok := s.st.Counters[class]
	if !ok {
		c = &counter{Month: month, Reset: s.now().UTC().Format(time.RFC3339)}
		s.st.Counters[class] = c
	}
	if c.Month != month {
		c.Month = month
		c.Count = 0
		c.Reset = s.now().UTC().Format(time.RFC3339)
	}
	return c
}

// persistLocked writes the state with write-then-rename. Caller holds the lock.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.st, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize quota state: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create quota directory: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write quota file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace quota file: %w", err)
	}
	return nil
}
