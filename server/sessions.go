package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"interactive_story_generator/story"
)

// ControllerFactory builds the conversation for a new session.
type ControllerFactory func(sessionID string) (*story.Controller, error)

type sessionEntry struct {
	ctrl         *story.Controller
	lastActivity time.Time
}

// sessionStore maps session ids to conversations. Sessions are created on
// first use, dropped after IdleTimeout without activity, and the least
// recently used one is evicted once MaxSessions is reached.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*sessionEntry
	factory  ControllerFactory

	idleTimeout time.Duration
	maxSessions int
	now         func() time.Time
	logger      zerolog.Logger
}

func newStore(factory ControllerFactory, idleTimeout time.Duration, maxSessions int, logger zerolog.Logger) *sessionStore {
	return &sessionStore{
		sessions:    make(map[string]*sessionEntry),
		factory:     factory,
		idleTimeout: idleTimeout,
		maxSessions: maxSessions,
		now:         time.Now,
		logger:      logger,
	}
}

// getOrCreate returns the session's controller, creating it when id is empty,
// malformed or unknown. The returned id is the one the caller must use from
// now on.
func (s *sessionStore) getOrCreate(id string) (string, *story.Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if _, err := uuid.Parse(id); err != nil {
		id = ""
	}
	if e, ok := s.sessions[id]; ok && id != "" {
		e.lastActivity = now
		return id, e.ctrl, nil
	}
	if id == "" {
		id = uuid.NewString()
	}
	ctrl, err := s.factory(id)
	if err != nil {
		return "", nil, err
	}
	if len(s.sessions) >= s.maxSessions {
		s.evictLRU()
	}
	s.sessions[id] = &sessionEntry{ctrl: ctrl, lastActivity: now}
	s.logger.Debug().Str("session", id).Int("sessions", len(s.sessions)).Msg("session created")
	return id, ctrl, nil
}

func (s *sessionStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// sweep removes sessions idle for longer than idleTimeout.
func (s *sessionStore) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, e := range s.sessions {
		if now.Sub(e.lastActivity) > s.idleTimeout {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Int("sessions", len(s.sessions)).Msg("expired idle sessions")
	}
	return removed
}

// evictLRU must be called with s.mu held.
func (s *sessionStore) evictLRU() {
	var oldestID string
	var oldest time.Time
	for id, e := range s.sessions {
		if oldestID == "" || e.lastActivity.Before(oldest) {
			oldestID = id
			oldest = e.lastActivity
		}
	}
	if oldestID != "" {
		delete(s.sessions, oldestID)
		s.logger.Info().Str("session", oldestID).Dur("idle", s.now().Sub(oldest)).Msg("evicted least recently used session")
	}
}

// run sweeps every interval until ctx is done.
func (s *sessionStore) run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep()
		}
	}
}
