package todoist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient("test-token", slog.New(slog.DiscardHandler), WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestSync_FullSnapshot(t *testing.T) {
	var gotToken, gotResources, gotAuth string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotToken = r.PostFormValue("sync_token")
		gotResources = r.PostFormValue("resource_types")
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{
			"sync_token": "tok-1",
			"full_sync": true,
			"items": [
				{"id": "100", "content": "write report", "priority": 3,
				 "description": "quarterly numbers", "labels": ["work", "urgent"],
				 "due": {"date": "2026-09-01", "string": "Sep 1", "is_recurring": false}},
				{"id": "101", "content": "call dentist", "priority": 1, "checked": true}
			]
		}`)
	})

	res, err := c.Sync(context.Background(), InitialSyncToken)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if gotToken != "*" {
		t.Fatalf("sync_token sent = %q, want *", gotToken)
	}
	if gotResources != `["items"]` {
		t.Fatalf("resource_types = %q", gotResources)
	}
	if gotAuth != "Bearer test-token" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if !res.FullSync || res.SyncToken != "tok-1" {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(res.Tasks))
	}
	if res.Tasks[0].Due == nil || res.Tasks[0].Due.String != "Sep 1" {
		t.Fatalf("due = %+v", res.Tasks[0].Due)
	}
	if res.Tasks[0].Description != "quarterly numbers" {
		t.Fatalf("description = %q", res.Tasks[0].Description)
	}
	if len(res.Tasks[0].Labels) != 2 || res.Tasks[0].Labels[1] != "urgent" {
		t.Fatalf("labels = %v", res.Tasks[0].Labels)
	}
	if !res.Tasks[1].Checked {
		t.Fatal("checked flag lost")
	}
}

func TestSync_EmptyTokenDefaultsToInitial(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if got := r.PostFormValue("sync_token"); got != "*" {
			t.Errorf("sync_token = %q, want *", got)
		}
		fmt.Fprint(w, `{"sync_token": "tok-1", "items": []}`)
	})
	if _, err := c.Sync(context.Background(), ""); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}

func TestSync_SkipsMalformedItems(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"sync_token": "tok-2",
			"items": [
				{"id": "100", "content": "ok"},
				"not an object",
				{"content": "missing id"},
				{"id": "101", "content": "also ok"}
			]
		}`)
	})

	res, err := c.Sync(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(res.Tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(res.Tasks))
	}
	if res.Skipped != 2 {
		t.Fatalf("skipped = %d, want 2", res.Skipped)
	}
}

func TestSync_ServerErrorIsUnavailable(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})

	_, err := c.Sync(context.Background(), "*")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestSync_TransportErrorIsUnavailable(t *testing.T) {
	c, err := NewClient("test-token", slog.New(slog.DiscardHandler),
		WithBaseURL("http://127.0.0.1:1/sync"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.Sync(context.Background(), "*"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestSync_MalformedEnvelopeIsProtocolError(t *testing.T) {
	cases := map[string]string{
		"not json":           `<html>oops</html>`,
		"missing sync_token": `{"items": []}`,
		"wrong token type":   `{"sync_token": 42, "items": []}`,
		"items not array":    `{"sync_token": "tok", "items": {"a": 1}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, body)
			})
			if _, err := c.Sync(context.Background(), "*"); !errors.Is(err, ErrProtocol) {
				t.Fatalf("err = %v, want ErrProtocol", err)
			}
		})
	}
}

func decodeCommands(t *testing.T, r *http.Request) []map[string]any {
	t.Helper()
	if err := r.ParseForm(); err != nil {
		t.Fatalf("parse form: %v", err)
	}
	var cmds []map[string]any
	if err := json.Unmarshal([]byte(r.PostFormValue("commands")), &cmds); err != nil {
		t.Fatalf("decode commands: %v", err)
	}
	return cmds
}

func TestAddTask_ReturnsServerTask(t *testing.T) {
	// First request carries the item_add command; the follow-up sync must
	// return the created task with server-assigned fields.
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostFormValue("commands") == "" {
			fmt.Fprint(w, `{
				"sync_token": "tok-after-add",
				"full_sync": true,
				"items": [
					{"id": "900", "content": "buy groceries", "priority": 2,
					 "project_id": "inbox",
					 "due": {"date": "2026-08-29", "string": "tomorrow"}}
				]
			}`)
			return
		}
		cmds := decodeCommands(t, r)
		if len(cmds) != 1 || cmds[0]["type"] != "item_add" {
			t.Errorf("commands = %v", cmds)
		}
		tempID, _ := cmds[0]["temp_id"].(string)
		uuid, _ := cmds[0]["uuid"].(string)
		fmt.Fprintf(w, `{
			"sync_status": {%q: "ok"},
			"temp_id_mapping": {%q: "900"}
		}`, uuid, tempID)
	})

	task, err := c.AddTask(context.Background(), "buy groceries")
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if task.ID != "900" {
		t.Fatalf("id = %q, want 900", task.ID)
	}
	// Server-side defaults must reach the caller, not a fabricated task.
	if task.Priority != 2 || task.ProjectID != "inbox" {
		t.Fatalf("task = %+v", task)
	}
	if task.Due == nil || task.Due.String != "tomorrow" {
		t.Fatalf("due = %+v", task.Due)
	}
}

func TestAddTask_MissingFromFollowUpSync(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostFormValue("commands") == "" {
			fmt.Fprint(w, `{"sync_token": "tok", "items": []}`)
			return
		}
		cmds := decodeCommands(t, r)
		tempID, _ := cmds[0]["temp_id"].(string)
		uuid, _ := cmds[0]["uuid"].(string)
		fmt.Fprintf(w, `{"sync_status": {%q: "ok"}, "temp_id_mapping": {%q: "900"}}`, uuid, tempID)
	})

	if _, err := c.AddTask(context.Background(), "vanishing"); !errors.Is(err, ErrCommandRejected) {
		t.Fatalf("err = %v, want ErrCommandRejected", err)
	}
}

func TestAddTask_MissingMappingIsRejected(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		cmds := decodeCommands(t, r)
		uuid, _ := cmds[0]["uuid"].(string)
		fmt.Fprintf(w, `{"sync_status": {%q: "ok"}, "temp_id_mapping": {}}`, uuid)
	})

	if _, err := c.AddTask(context.Background(), "orphan"); !errors.Is(err, ErrCommandRejected) {
		t.Fatalf("err = %v, want ErrCommandRejected", err)
	}
}

func TestAddTask_ErrorStatusIsRejected(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		cmds := decodeCommands(t, r)
		uuid, _ := cmds[0]["uuid"].(string)
		fmt.Fprintf(w, `{"sync_status": {%q: {"error_code": 15, "error": "Invalid content"}}}`, uuid)
	})

	_, err := c.AddTask(context.Background(), "bad")
	if !errors.Is(err, ErrCommandRejected) {
		t.Fatalf("err = %v, want ErrCommandRejected", err)
	}
	if !strings.Contains(err.Error(), "Invalid content") {
		t.Fatalf("error detail lost: %v", err)
	}
}

func TestAddTask_EmptyContent(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for empty content")
	})
	if _, err := c.AddTask(context.Background(), "  "); !errors.Is(err, ErrCommandRejected) {
		t.Fatalf("err = %v, want ErrCommandRejected", err)
	}
}

func TestCloseTask_OK(t *testing.T) {
	var gotID string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		cmds := decodeCommands(t, r)
		if cmds[0]["type"] != "item_close" {
			t.Errorf("type = %v", cmds[0]["type"])
		}
		args, _ := cmds[0]["args"].(map[string]any)
		gotID, _ = args["id"].(string)
		uuid, _ := cmds[0]["uuid"].(string)
		fmt.Fprintf(w, `{"sync_status": {%q: "ok"}}`, uuid)
	})

	if err := c.CloseTask(context.Background(), "100"); err != nil {
		t.Fatalf("CloseTask: %v", err)
	}
	if gotID != "100" {
		t.Fatalf("closed id = %q, want 100", gotID)
	}
}

func TestCloseTask_MissingAckIsRejected(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"sync_status": {}}`)
	})
	if err := c.CloseTask(context.Background(), "100"); !errors.Is(err, ErrCommandRejected) {
		t.Fatalf("err = %v, want ErrCommandRejected", err)
	}
}

func TestListTasks_ReturnsSnapshotAndCursor(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"sync_token": "tok-9", "full_sync": true,
			"items": [{"id": "1", "content": "alpha"}]}`)
	})

	tasks, token, err := c.ListTasks(context.Background())
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if token != "tok-9" {
		t.Fatalf("token = %q", token)
	}
	if len(tasks) != 1 || tasks[0].Content != "alpha" {
		t.Fatalf("tasks = %v", tasks)
	}
}

func TestNewClient_RequiresToken(t *testing.T) {
	if _, err := NewClient("", slog.New(slog.DiscardHandler)); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestDescribe(t *testing.T) {
	withDue := Task{Content: "write report", Priority: 3,
		Due: &Due{Date: "2026-09-01", String: "Sep 1"}}
	got := withDue.Describe()
	want := "Task: write report\nPriority: 3\nDue: Sep 1"
	if got != want {
		t.Fatalf("Describe() = %q, want %q", got, want)
	}

	noDue := Task{Content: "call dentist", Priority: 1}
	if !strings.Contains(noDue.Describe(), "No due date") {
		t.Fatalf("Describe() = %q", noDue.Describe())
	}

	full := Task{Content: "file taxes", Priority: 4,
		Description: "gather receipts first", Labels: []string{"home", "finance"}}
	got = full.Describe()
	if !strings.Contains(got, "Notes: gather receipts first") {
		t.Fatalf("Describe() = %q", got)
	}
	if !strings.Contains(got, "Labels: home, finance") {
		t.Fatalf("Describe() = %q", got)
	}
}

func TestSync_RecordsClientSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"sync_token": "tok-1", "full_sync": true, "items": []}`)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient("test-token", slog.New(slog.DiscardHandler),
		WithBaseURL(srv.URL), WithTracer(tp.Tracer("test")))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.Sync(context.Background(), "*"); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != "todoist.sync" {
		t.Fatalf("spans = %v", spans)
	}
	found := false
	for _, attr := range spans[0].Attributes() {
		if attr.Key == "taskcoach.sync.full" && attr.Value.AsBool() {
			found = true
		}
	}
	if !found {
		t.Fatal("sync span missing full-sync attribute")
	}
}
