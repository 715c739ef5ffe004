package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/taskcoach/internal/bus"
	"github.com/basket/taskcoach/internal/engine"
	otelx "github.com/basket/taskcoach/internal/otel"
	"github.com/basket/taskcoach/internal/shared"
	"github.com/basket/taskcoach/internal/todoist"
	"github.com/basket/taskcoach/internal/tokenutil"
)

// ErrCollaborator marks reply-generation failures so transports can swap in
// the generic apology instead of leaking provider detail to the user.
var ErrCollaborator = errors.New("session: collaborator failure")

// TaskSource is the remote task store surface the pipeline needs.
type TaskSource interface {
	Sync(ctx context.Context, syncToken string) (*todoist.SyncResult, error)
	AddTask(ctx context.Context, content string) (todoist.Task, error)
	CloseTask(ctx context.Context, taskID string) error
}

// Store persists session state between restarts. A nil Store keeps sessions
// memory-only.
type Store interface {
	LoadState(ctx context.Context, userID string) (State, bool, error)
	CommitTurn(ctx context.Context, userID string, st State, newMessages []Message) error
}

// Options tune per-session behavior.
type Options struct {
	// HistoryLimit caps how many prior messages are sent to the LLM.
	HistoryLimit int
	// PruneCompleted drops checked tasks from state after each merge.
	PruneCompleted bool
	// TurnTimeout bounds one full turn. Zero means no bound beyond the
	// caller's context.
	TurnTimeout time.Duration
	// Tracer records turn spans when set.
	Tracer trace.Tracer
}

// Session owns one user's conversation. All turns for a user run through the
// same Session and are serialized by its mutex; different Sessions never
// block each other.
type Session struct {
	userID string

	mu    sync.Mutex
	state State

	tasks  TaskSource
	brain  engine.Brain
	store  Store
	events *bus.Bus
	logger *slog.Logger
	opts   Options
}

func newSession(userID string, state State, tasks TaskSource, brain engine.Brain, store Store, events *bus.Bus, logger *slog.Logger, opts Options) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		userID: userID,
		state:  state,
		tasks:  tasks,
		brain:  brain,
		store:  store,
		events: events,
		logger: logger.With("user_id", userID),
		opts:   opts,
	}
}

// UserID returns the session owner.
func (s *Session) UserID() string { return s.userID }

// Snapshot returns a deep copy of the current state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Turn runs the two-stage pipeline for one user message: refresh tasks from
// the remote store, then generate a reply. On any failure the session state
// is exactly what it was before the turn; on success the task merge, both
// message appends, and the new sync cursor land together.
func (s *Session) Turn(ctx context.Context, userMessage string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.TurnTimeout)
		defer cancel()
	}

	// Transports may mint the turn id up front so they can correlate stream
	// chunks with the final reply; otherwise the session assigns one.
	turnID := shared.TurnID(ctx)
	if turnID == "" {
		turnID = shared.NewTurnID()
		ctx = shared.WithTurnID(ctx, turnID)
	}

	var span trace.Span
	if s.opts.Tracer != nil {
		ctx, span = otelx.StartSpan(ctx, s.opts.Tracer, "session.turn",
			otelx.AttrUserID.String(s.userID),
			otelx.AttrTurnID.String(turnID),
		)
		defer span.End()
	}

	checkpoint := s.state.Clone()
	fail := func(err error) (string, error) {
		s.state = checkpoint
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.publish(bus.TopicTurnFailed, bus.TurnEvent{UserID: s.userID, TurnID: turnID, Err: shared.Redact(err.Error())})
		return "", err
	}

	s.publish(bus.TopicTurnStarted, bus.TurnEvent{UserID: s.userID, TurnID: turnID})
	started := time.Now()

	// Stage 1: refresh tasks.
	res, err := s.tasks.Sync(ctx, s.state.SyncToken)
	if err != nil {
		s.logger.ErrorContext(ctx, "task refresh failed",
			"trace_id", shared.TraceID(ctx), "turn_id", turnID, "error", err)
		return fail(err)
	}
	s.state.Tasks = MergeTasks(s.state.Tasks, res.Tasks, s.opts.PruneCompleted)
	s.state.SyncToken = res.SyncToken

	// Stage 2: generate the reply. History excludes the message being
	// answered; it travels as the prompt itself.
	userMsg := Message{Role: RoleUser, Content: userMessage, At: time.Now().UTC()}
	turn := engine.Turn{
		History:     s.historyForPrompt(),
		TaskContext: TaskContext(s.state.Tasks),
		UserMessage: userMessage,
	}
	s.state.Messages = append(s.state.Messages, userMsg)

	reply, err := s.brain.Stream(ctx, s.userID, turn, func(chunk string) error {
		s.publish(bus.TopicStreamChunk, bus.StreamChunkEvent{UserID: s.userID, TurnID: turnID, Chunk: chunk})
		return ctx.Err()
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "reply generation failed",
			"trace_id", shared.TraceID(ctx), "turn_id", turnID, "error", err)
		return fail(fmt.Errorf("%w: %v", ErrCollaborator, err))
	}
	if strings.TrimSpace(reply) == "" {
		s.logger.ErrorContext(ctx, "reply generation returned nothing",
			"trace_id", shared.TraceID(ctx), "turn_id", turnID)
		return fail(fmt.Errorf("%w: empty reply", ErrCollaborator))
	}

	assistantMsg := Message{Role: RoleAssistant, Content: reply, At: time.Now().UTC()}
	s.state.Messages = append(s.state.Messages, assistantMsg)

	if s.store != nil {
		if err := s.store.CommitTurn(ctx, s.userID, s.state, []Message{userMsg, assistantMsg}); err != nil {
			s.logger.ErrorContext(ctx, "turn commit failed",
				"trace_id", shared.TraceID(ctx), "turn_id", turnID, "error", err)
			return fail(err)
		}
	}

	if span != nil {
		span.SetAttributes(otelx.AttrTaskCount.Int(len(s.state.Tasks)))
	}
	s.logger.InfoContext(ctx, "turn completed",
		"trace_id", shared.TraceID(ctx), "turn_id", turnID,
		"tasks", len(s.state.Tasks),
		"prompt_tokens", promptTokens(turn),
		"reply_tokens", tokenutil.EstimateTokens(reply),
		"duration_ms", time.Since(started).Milliseconds())
	s.publish(bus.TopicTurnCompleted, bus.TurnEvent{UserID: s.userID, TurnID: turnID, Reply: reply})
	return reply, nil
}

// RefreshTasks syncs the remote store and returns the merged task list
// without touching the conversation log.
func (s *Session) RefreshTasks(ctx context.Context) ([]todoist.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	checkpoint := s.state.Clone()
	res, err := s.tasks.Sync(ctx, s.state.SyncToken)
	if err != nil {
		return nil, err
	}
	s.state.Tasks = MergeTasks(s.state.Tasks, res.Tasks, s.opts.PruneCompleted)
	s.state.SyncToken = res.SyncToken

	if s.store != nil {
		if err := s.store.CommitTurn(ctx, s.userID, s.state, nil); err != nil {
			s.state = checkpoint
			return nil, err
		}
	}

	out := make([]todoist.Task, len(s.state.Tasks))
	copy(out, s.state.Tasks)
	return out, nil
}

// AddTask creates a task in the remote store and folds it into local state.
func (s *Session) AddTask(ctx context.Context, content string) (todoist.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.tasks.AddTask(ctx, content)
	if err != nil {
		return todoist.Task{}, err
	}

	checkpoint := s.state.Clone()
	s.state.Tasks = MergeTasks(s.state.Tasks, []todoist.Task{task}, s.opts.PruneCompleted)
	if s.store != nil {
		if err := s.store.CommitTurn(ctx, s.userID, s.state, nil); err != nil {
			s.state = checkpoint
			return todoist.Task{}, err
		}
	}
	return task, nil
}

// CloseTask completes a task remotely. Local state keeps the task until the
// next sync reports it checked (or prunes it, per options).
func (s *Session) CloseTask(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks.CloseTask(ctx, taskID)
}

// historyForPrompt returns prior messages capped at HistoryLimit, oldest
// first. Called with the mutex held, before the current user message is
// appended.
func (s *Session) historyForPrompt() []engine.ChatMessage {
	msgs := s.state.Messages
	if limit := s.opts.HistoryLimit; limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]engine.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, engine.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// promptTokens estimates what one turn's prompt costs in model tokens.
func promptTokens(turn engine.Turn) int {
	parts := make([]string, 0, len(turn.History)+2)
	for _, m := range turn.History {
		parts = append(parts, m.Content)
	}
	parts = append(parts, turn.TaskContext, turn.UserMessage)
	return tokenutil.EstimatePrompt(parts...)
}

// TaskContext renders open tasks for the LLM prompt.
func TaskContext(tasks []todoist.Task) string {
	var b strings.Builder
	for _, t := range tasks {
		if t.Checked {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(t.Describe())
	}
	return b.String()
}

func (s *Session) publish(topic string, payload any) {
	if s.events != nil {
		s.events.Publish(topic, payload)
	}
}
