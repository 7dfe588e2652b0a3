// Package logstore implements C8: a bounded in-memory ring of structured
// events plus a fan-out listener registry.
package logstore

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Level is the severity of a log entry.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is one structured event.
type Entry struct {
	ID         int64
	Timestamp  time.Time
	ServerName string
	Level      Level
	Message    string
	Err        error
}

// Listener receives every entry as it is added, in addition to ring
// retention. AddLog calls listeners synchronously, in registration order,
// after releasing the store's lock; logstore does no buffering of its own,
// so a slow listener delays the AddLog call that feeds it.
type Listener func(Entry)

// Store is a bounded ring of the most recent entries, defaulting to 1000,
// plus zerolog mirroring and fan-out to registered listeners.
type Store struct {
	mu        sync.Mutex
	capacity  int
	entries   []Entry
	nextID    int64
	listeners []Listener
}

// New builds a Store with the given capacity (entries beyond it evict the
// oldest). capacity <= 0 defaults to 1000.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Store{capacity: capacity}
}

// AddLog records one event: mirrors to zerolog, appends to the ring
// (evicting the oldest if full), and fans out to listeners.
func (s *Store) AddLog(serverName, level, message string, err error) {
	e := Entry{
		Timestamp:  time.Now(),
		ServerName: serverName,
		Level:      Level(level),
		Message:    message,
		Err:        err,
	}

	s.mu.Lock()
	s.nextID++
	e.ID = s.nextID
	s.entries = append(s.entries, e)
	if len(s.entries) > s.capacity {
		s.entries = s.entries[len(s.entries)-s.capacity:]
	}
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	zl := log.With().Str("server", serverName).Logger()
	switch e.Level {
	case LevelError:
		zl.Error().Err(err).Msg(message)
	case LevelWarn:
		zl.Warn().Err(err).Msg(message)
	default:
		zl.Info().Msg(message)
	}

	for _, l := range listeners {
		l(e)
	}
}

// AddListener registers a listener invoked on every future AddLog call. It
// returns a function that removes the listener.
func (s *Store) AddListener(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
	idx := len(s.listeners) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.listeners) {
			s.listeners = append(s.listeners[:idx], s.listeners[idx+1:]...)
		}
	}
}

// Entries returns a snapshot of the current ring, oldest first.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}
