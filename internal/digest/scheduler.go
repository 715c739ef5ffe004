// Package digest sends each known user a scheduled agenda: a fresh task
// snapshot rendered as a morning briefing and published on the bus for the
// channel to deliver.
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskcoach/internal/bus"
	"github.com/basket/taskcoach/internal/session"
	"github.com/basket/taskcoach/internal/todoist"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// UserLister enumerates users with persisted sessions.
type UserLister interface {
	ListUsers(ctx context.Context) ([]string, error)
}

// Config holds the dependencies for the digest scheduler.
type Config struct {
	Registry *session.Registry
	Users    UserLister
	Events   *bus.Bus
	Logger   *slog.Logger
	Schedule string        // cron expression, e.g. "0 8 * * *"
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler fires the agenda digest whenever the cron schedule comes due.
type Scheduler struct {
	registry *session.Registry
	users    UserLister
	events   *bus.Bus
	logger   *slog.Logger
	schedule cronlib.Schedule
	interval time.Duration
	nextRun  time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler, validating the cron expression.
func NewScheduler(cfg Config) (*Scheduler, error) {
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("digest: parse schedule %q: %w", cfg.Schedule, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		registry: cfg.Registry,
		users:    cfg.Users,
		events:   cfg.Events,
		logger:   logger,
		schedule: sched,
		interval: interval,
		nextRun:  sched.Next(time.Now()),
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("digest scheduler started", "next_run", s.nextRun)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("digest scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Before(s.nextRun) {
				continue
			}
			s.nextRun = s.schedule.Next(now)
			s.fire(ctx)
		}
	}
}

// fire refreshes every known user's tasks and publishes one digest each.
// A failure for one user never blocks the others.
func (s *Scheduler) fire(ctx context.Context) {
	users, err := s.users.ListUsers(ctx)
	if err != nil {
		s.logger.Error("digest: failed to list users", "error", err)
		return
	}
	for _, userID := range users {
		sess, err := s.registry.GetOrCreate(ctx, userID)
		if err != nil {
			s.logger.Error("digest: failed to open session", "user_id", userID, "error", err)
			continue
		}
		tasks, err := sess.RefreshTasks(ctx)
		if err != nil {
			s.logger.Error("digest: task refresh failed", "user_id", userID, "error", err)
			continue
		}
		s.events.Publish(bus.TopicDigestReady, bus.DigestEvent{
			UserID: userID,
			Text:   Compose(tasks),
		})
		s.logger.Info("digest published", "user_id", userID, "tasks", len(tasks))
	}
}

// Compose renders the agenda digest text for one user.
func Compose(tasks []todoist.Task) string {
	var open []todoist.Task
	for _, t := range tasks {
		if !t.Checked {
			open = append(open, t)
		}
	}
	if len(open) == 0 {
		return "Good morning! Nothing on your list today. What would you like to take on?"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Good morning! You have %d open task", len(open))
	if len(open) != 1 {
		b.WriteString("s")
	}
	b.WriteString(" today:\n")
	for i, t := range open {
		fmt.Fprintf(&b, "%d. %s", i+1, t.Content)
		if t.Due != nil && t.Due.String != "" {
			fmt.Fprintf(&b, " (due %s)", t.Due.String)
		}
		b.WriteString("\n")
	}
	b.WriteString("Which one do you want to tackle first?")
	return b.String()
}
