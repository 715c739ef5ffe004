package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/taskcoach/internal/bus"
	"github.com/basket/taskcoach/internal/engine"
)

// Registry hands out sessions lazily, one per user id. Lookups of existing
// sessions take the read lock; creation is serialized so concurrent first
// messages from the same user still yield a single Session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	tasks  TaskSource
	brain  engine.Brain
	store  Store
	events *bus.Bus
	logger *slog.Logger
	opts   Options
}

func NewRegistry(tasks TaskSource, brain engine.Brain, store Store, events *bus.Bus, logger *slog.Logger, opts Options) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		tasks:    tasks,
		brain:    brain,
		store:    store,
		events:   events,
		logger:   logger,
		opts:     opts,
	}
}

// Get returns the session for userID if one exists.
func (r *Registry) Get(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// GetOrCreate returns the session for userID, creating it on first use.
// A new session restores persisted state when the store has any; otherwise
// it starts empty at the initial sync cursor.
func (r *Registry) GetOrCreate(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("session: empty user id")
	}

	r.mu.RLock()
	if s, ok := r.sessions[userID]; ok {
		r.mu.RUnlock()
		return s, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[userID]; ok {
		return s, nil
	}

	state := NewState()
	if r.store != nil {
		loaded, found, err := r.store.LoadState(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("restore session %s: %w", userID, err)
		}
		if found {
			state = loaded
			r.logger.Info("session restored", "user_id", userID,
				"messages", len(state.Messages), "tasks", len(state.Tasks))
		}
	}

	s := newSession(userID, state, r.tasks, r.brain, r.store, r.events, r.logger, r.opts)
	r.sessions[userID] = s
	r.logger.Info("session created", "user_id", userID)
	return s, nil
}

// ActiveUsers returns the ids of all in-memory sessions.
func (r *Registry) ActiveUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		users = append(users, id)
	}
	return users
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
