// Package todoist implements a client for the Todoist Sync API v9: cursor
// based incremental sync plus the item commands the coach needs (add, close).
package todoist

import (
	"fmt"
	"strings"
)

// InitialSyncToken requests a full snapshot from the sync endpoint.
const InitialSyncToken = "*"

// Due describes when a task is due. Date is the canonical field; Datetime and
// Timezone are only set for time-of-day deadlines.
type Due struct {
	Date        string `json:"date"`
	IsRecurring bool   `json:"is_recurring"`
	String      string `json:"string"`
	Datetime    string `json:"datetime,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
}

// Task is a single task as reported by the remote store. Treated as an
// immutable value: sync and merge replace whole tasks, never fields.
type Task struct {
	ID          string   `json:"id"`
	Content     string   `json:"content"`
	Description string   `json:"description,omitempty"`
	Priority    int      `json:"priority"`
	Due         *Due     `json:"due,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	ProjectID   string   `json:"project_id,omitempty"`
	Checked     bool     `json:"checked"`
}

// Describe renders the task for inclusion in an LLM prompt.
func (t Task) Describe() string {
	due := "No due date"
	if t.Due != nil && t.Due.String != "" {
		due = t.Due.String
	}
	s := fmt.Sprintf("Task: %s\nPriority: %d\nDue: %s", t.Content, t.Priority, due)
	if t.Description != "" {
		s += "\nNotes: " + t.Description
	}
	if len(t.Labels) > 0 {
		s += "\nLabels: " + strings.Join(t.Labels, ", ")
	}
	return s
}

// SyncResult is the outcome of one sync exchange.
type SyncResult struct {
	// Tasks changed since the cursor that produced this result. A full
	// sync carries the complete snapshot.
	Tasks []Task
	// SyncToken is the cursor for the next incremental sync.
	SyncToken string
	// FullSync reports whether the server returned a complete snapshot
	// rather than a delta.
	FullSync bool
	// Skipped counts malformed items dropped from the payload.
	Skipped int
}
