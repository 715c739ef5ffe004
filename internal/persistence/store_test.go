package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskcoach/internal/session"
	"github.com/basket/taskcoach/internal/todoist"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLoadState_MissingUser(t *testing.T) {
	s := openTestStore(t)

	st, found, err := s.LoadState(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if found {
		t.Fatal("found state for unknown user")
	}
	if st.SyncToken != todoist.InitialSyncToken {
		t.Fatalf("sync token = %q, want %q", st.SyncToken, todoist.InitialSyncToken)
	}
}

func TestCommitTurn_Roundtrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	st := session.State{
		SyncToken: "tok-5",
		Tasks: []todoist.Task{
			{ID: "2", Content: "beta", Priority: 2,
				Description: "the details",
				Labels:      []string{"work", "deep"},
				Due:         &todoist.Due{Date: "2026-09-01", String: "Sep 1"}},
			{ID: "1", Content: "alpha", Priority: 1, Checked: true, ProjectID: "p1"},
		},
	}
	msgs := []session.Message{
		{Role: session.RoleUser, Content: "hello", At: now},
		{Role: session.RoleAssistant, Content: "hi there", At: now},
	}
	st.Messages = msgs

	if err := s.CommitTurn(ctx, "u1", st, msgs); err != nil {
		t.Fatalf("CommitTurn: %v", err)
	}

	loaded, found, err := s.LoadState(ctx, "u1")
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if !found {
		t.Fatal("state not found after commit")
	}
	if loaded.SyncToken != "tok-5" {
		t.Fatalf("sync token = %q", loaded.SyncToken)
	}

	// Task snapshot order must survive the roundtrip.
	if len(loaded.Tasks) != 2 || loaded.Tasks[0].ID != "2" || loaded.Tasks[1].ID != "1" {
		t.Fatalf("tasks = %v", loaded.Tasks)
	}
	if loaded.Tasks[0].Due == nil || loaded.Tasks[0].Due.String != "Sep 1" {
		t.Fatalf("due = %+v", loaded.Tasks[0].Due)
	}
	if loaded.Tasks[0].Description != "the details" {
		t.Fatalf("description = %q", loaded.Tasks[0].Description)
	}
	if len(loaded.Tasks[0].Labels) != 2 || loaded.Tasks[0].Labels[0] != "work" {
		t.Fatalf("labels = %v", loaded.Tasks[0].Labels)
	}
	if loaded.Tasks[1].Labels != nil {
		t.Fatalf("labels = %v, want nil for unlabeled task", loaded.Tasks[1].Labels)
	}
	if !loaded.Tasks[1].Checked || loaded.Tasks[1].ProjectID != "p1" {
		t.Fatalf("task fields = %+v", loaded.Tasks[1])
	}

	if len(loaded.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(loaded.Messages))
	}
	if loaded.Messages[0].Role != session.RoleUser || loaded.Messages[1].Role != session.RoleAssistant {
		t.Fatalf("roles = %v %v", loaded.Messages[0].Role, loaded.Messages[1].Role)
	}
}

func TestCommitTurn_AppendsMessagesAcrossTurns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st := session.State{SyncToken: "tok-1"}
	turn1 := []session.Message{
		{Role: session.RoleUser, Content: "one", At: time.Now().UTC()},
		{Role: session.RoleAssistant, Content: "reply one", At: time.Now().UTC()},
	}
	st.Messages = turn1
	if err := s.CommitTurn(ctx, "u1", st, turn1); err != nil {
		t.Fatalf("commit 1: %v", err)
	}

	turn2 := []session.Message{
		{Role: session.RoleUser, Content: "two", At: time.Now().UTC()},
		{Role: session.RoleAssistant, Content: "reply two", At: time.Now().UTC()},
	}
	st.Messages = append(st.Messages, turn2...)
	st.SyncToken = "tok-2"
	if err := s.CommitTurn(ctx, "u1", st, turn2); err != nil {
		t.Fatalf("commit 2: %v", err)
	}

	n, err := s.MessageCount(ctx, "u1")
	if err != nil {
		t.Fatalf("MessageCount: %v", err)
	}
	if n != 4 {
		t.Fatalf("messages = %d, want 4", n)
	}

	loaded, _, err := s.LoadState(ctx, "u1")
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if loaded.Messages[2].Content != "two" {
		t.Fatalf("message order broken: %v", loaded.Messages)
	}
	if loaded.SyncToken != "tok-2" {
		t.Fatalf("sync token = %q", loaded.SyncToken)
	}
}

func TestCommitTurn_ReplacesTaskSnapshot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st := session.State{SyncToken: "tok-1", Tasks: []todoist.Task{
		{ID: "1", Content: "alpha"}, {ID: "2", Content: "beta"},
	}}
	if err := s.CommitTurn(ctx, "u1", st, nil); err != nil {
		t.Fatalf("commit 1: %v", err)
	}

	st.Tasks = []todoist.Task{{ID: "2", Content: "beta v2"}}
	st.SyncToken = "tok-2"
	if err := s.CommitTurn(ctx, "u1", st, nil); err != nil {
		t.Fatalf("commit 2: %v", err)
	}

	loaded, _, err := s.LoadState(ctx, "u1")
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if len(loaded.Tasks) != 1 || loaded.Tasks[0].Content != "beta v2" {
		t.Fatalf("tasks = %v", loaded.Tasks)
	}
}

func TestListUsers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, u := range []string{"b", "a"} {
		if err := s.CommitTurn(ctx, u, session.State{SyncToken: "*"}, nil); err != nil {
			t.Fatalf("commit %s: %v", u, err)
		}
	}

	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 2 || users[0] != "a" || users[1] != "b" {
		t.Fatalf("users = %v", users)
	}
}

func TestOpen_SchemaIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s1.CommitTurn(context.Background(), "u1", session.State{SyncToken: "tok"}, nil); err != nil {
		t.Fatalf("commit: %v", err)
	}
	_ = s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	_, found, err := s2.LoadState(context.Background(), "u1")
	if err != nil {
		t.Fatalf("LoadState after reopen: %v", err)
	}
	if !found {
		t.Fatal("state lost across reopen")
	}
}
