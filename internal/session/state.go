// Package session holds per-user conversation state and runs the two-stage
// turn pipeline: refresh tasks from the remote store, then generate a reply.
package session

import (
	"time"

	"github.com/basket/taskcoach/internal/todoist"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a session's append-only conversation log.
type Message struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// State is everything a session knows between turns. Tasks preserve first-seen
// order; Messages are append-only; SyncToken is the cursor for the next
// incremental sync (InitialSyncToken before the first).
type State struct {
	Tasks     []todoist.Task
	Messages  []Message
	SyncToken string
}

// NewState returns an empty state positioned at the initial sync cursor.
func NewState() State {
	return State{SyncToken: todoist.InitialSyncToken}
}

// Clone returns a deep copy, used to checkpoint state before a turn so a
// failed turn can restore it untouched.
func (s State) Clone() State {
	out := State{SyncToken: s.SyncToken}
	if s.Tasks != nil {
		out.Tasks = make([]todoist.Task, len(s.Tasks))
		copy(out.Tasks, s.Tasks)
		for i := range out.Tasks {
			if labels := out.Tasks[i].Labels; labels != nil {
				out.Tasks[i].Labels = append([]string(nil), labels...)
			}
		}
	}
	if s.Messages != nil {
		out.Messages = make([]Message, len(s.Messages))
		copy(out.Messages, s.Messages)
	}
	return out
}

// MergeTasks applies incoming task changes to existing ones: upsert by id,
// last write wins, first-seen order preserved, nothing implicitly deleted.
// Merging the same batch twice yields the same result. When pruneCompleted
// is set, tasks marked checked are dropped from the merged view.
func MergeTasks(existing, incoming []todoist.Task, pruneCompleted bool) []todoist.Task {
	merged := make([]todoist.Task, len(existing))
	copy(merged, existing)

	index := make(map[string]int, len(merged))
	for i, t := range merged {
		index[t.ID] = i
	}

	for _, t := range incoming {
		if t.ID == "" {
			continue
		}
		if i, ok := index[t.ID]; ok {
			merged[i] = t
			continue
		}
		index[t.ID] = len(merged)
		merged = append(merged, t)
	}

	if !pruneCompleted {
		return merged
	}
	kept := merged[:0]
	for _, t := range merged {
		if !t.Checked {
			kept = append(kept, t)
		}
	}
	return kept
}
