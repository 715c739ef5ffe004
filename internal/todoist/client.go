package todoist

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	otelx "github.com/basket/taskcoach/internal/otel"
	"github.com/basket/taskcoach/internal/shared"
)

const defaultBaseURL = "https://api.todoist.com/sync/v9/sync"

// Client talks to the Todoist Sync API. One Client is shared across all
// sessions; the underlying http.Client pools connections, and each call
// scopes its request to the caller's context.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
	logger  *slog.Logger
	tracer  trace.Tracer

	syncSchema    *jsonschema.Schema
	commandSchema *jsonschema.Schema
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the sync endpoint, mainly for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient replaces the transport.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithTimeout sets the per-request timeout on the default transport.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithTracer records a client span around every outbound call.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// NewClient builds a Client for the given API token.
func NewClient(token string, logger *slog.Logger, opts ...Option) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("todoist: api token required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	syncSchema, err := compileSchema("sync.json", syncPayloadSchema)
	if err != nil {
		return nil, err
	}
	commandSchema, err := compileSchema("command.json", commandPayloadSchema)
	if err != nil {
		return nil, err
	}
	c := &Client{
		token:         token,
		baseURL:       defaultBaseURL,
		http:          &http.Client{Timeout: 30 * time.Second},
		logger:        logger.With("component", "todoist"),
		syncSchema:    syncSchema,
		commandSchema: commandSchema,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Sync fetches changes since syncToken. Pass InitialSyncToken for a full
// snapshot. The returned SyncResult carries the next cursor; on error the
// caller's cursor remains valid and may be retried.
func (c *Client) Sync(ctx context.Context, syncToken string) (*SyncResult, error) {
	if syncToken == "" {
		syncToken = InitialSyncToken
	}
	var span trace.Span
	if c.tracer != nil {
		ctx, span = otelx.StartClientSpan(ctx, c.tracer, "todoist.sync")
		defer span.End()
	}

	form := url.Values{}
	form.Set("sync_token", syncToken)
	form.Set("resource_types", `["items"]`)

	body, err := c.post(ctx, form)
	if err != nil {
		return nil, spanFail(span, err)
	}
	res, err := c.parseSyncPayload(ctx, body)
	if err != nil {
		return nil, spanFail(span, err)
	}
	if span != nil {
		span.SetAttributes(otelx.AttrSyncFull.Bool(res.FullSync))
	}
	return res, nil
}

func spanFail(span trace.Span, err error) error {
	if span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// ListTasks returns the full current snapshot along with a fresh cursor.
func (c *Client) ListTasks(ctx context.Context) ([]Task, string, error) {
	res, err := c.Sync(ctx, InitialSyncToken)
	if err != nil {
		return nil, "", err
	}
	return res.Tasks, res.SyncToken, nil
}

// AddTask creates a task with the given content and returns it with the
// server-assigned id.
func (c *Client) AddTask(ctx context.Context, content string) (Task, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Task{}, rejectedf("empty task content")
	}

	tempID := uuid.NewString()
	cmdUUID := uuid.NewString()
	cmd := map[string]any{
		"type":    "item_add",
		"temp_id": tempID,
		"uuid":    cmdUUID,
		"args":    map[string]any{"content": content},
	}
	payload, err := c.runCommands(ctx, []map[string]any{cmd})
	if err != nil {
		return Task{}, err
	}
	if err := commandStatus(payload, cmdUUID); err != nil {
		return Task{}, err
	}
	realID, ok := payload.TempIDMapping[tempID]
	if !ok || realID == "" {
		return Task{}, rejectedf("item_add: no id mapping for temp id %s", tempID)
	}

	// The ack only maps the temp id. Fetch a fresh snapshot so the returned
	// task carries the server-assigned fields (project, due parsing, priority).
	res, err := c.Sync(ctx, InitialSyncToken)
	if err != nil {
		return Task{}, err
	}
	for _, t := range res.Tasks {
		if t.ID == realID {
			c.logger.InfoContext(ctx, "task added",
				"trace_id", shared.TraceID(ctx), "task_id", realID)
			return t, nil
		}
	}
	return Task{}, rejectedf("item_add: task %s missing from follow-up sync", realID)
}

// CloseTask marks the task with the given id as completed.
func (c *Client) CloseTask(ctx context.Context, taskID string) error {
	if taskID == "" {
		return rejectedf("empty task id")
	}
	cmdUUID := uuid.NewString()
	cmd := map[string]any{
		"type": "item_close",
		"uuid": cmdUUID,
		"args": map[string]any{"id": taskID},
	}
	payload, err := c.runCommands(ctx, []map[string]any{cmd})
	if err != nil {
		return err
	}
	if err := commandStatus(payload, cmdUUID); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "task closed",
		"trace_id", shared.TraceID(ctx), "task_id", taskID)
	return nil
}

// commandPayload is the decoded command response envelope.
type commandPayload struct {
	SyncStatus    map[string]json.RawMessage `json:"sync_status"`
	TempIDMapping map[string]string          `json:"temp_id_mapping"`
}

func (c *Client) runCommands(ctx context.Context, commands []map[string]any) (*commandPayload, error) {
	encoded, err := json.Marshal(commands)
	if err != nil {
		return nil, fmt.Errorf("todoist: encode commands: %w", err)
	}
	var span trace.Span
	if c.tracer != nil {
		ctx, span = otelx.StartClientSpan(ctx, c.tracer, "todoist.command")
		defer span.End()
	}
	form := url.Values{}
	form.Set("commands", string(encoded))

	body, err := c.post(ctx, form)
	if err != nil {
		return nil, spanFail(span, err)
	}
	if err := c.validate(c.commandSchema, body); err != nil {
		return nil, spanFail(span, protocolf("command response: %s", err))
	}
	var payload commandPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, spanFail(span, protocolf("decode command response: %s", err))
	}
	return &payload, nil
}

// commandStatus checks the per-command acknowledgement for the given uuid.
// A missing entry is treated the same as an explicit error: the command
// cannot be confirmed as applied.
func commandStatus(payload *commandPayload, cmdUUID string) error {
	raw, ok := payload.SyncStatus[cmdUUID]
	if !ok {
		return rejectedf("no acknowledgement for command %s", cmdUUID)
	}
	var status string
	if err := json.Unmarshal(raw, &status); err == nil {
		if status == "ok" {
			return nil
		}
		return rejectedf("command %s: %s", cmdUUID, status)
	}
	// Error statuses arrive as objects: {"error_code": .., "error": ".."}.
	var detail struct {
		ErrorCode int    `json:"error_code"`
		Error     string `json:"error"`
	}
	if err := json.Unmarshal(raw, &detail); err != nil {
		return rejectedf("command %s: unreadable status", cmdUUID)
	}
	return rejectedf("command %s: %s (code %d)", cmdUUID, detail.Error, detail.ErrorCode)
}

func (c *Client) post(ctx context.Context, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, unavailablef("build request: %s", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, unavailablef("%s", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, unavailablef("read response: %s", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, unavailablef("status %d: %s", resp.StatusCode, shared.Redact(truncate(string(body), 200)))
	}
	return body, nil
}

func (c *Client) parseSyncPayload(ctx context.Context, body []byte) (*SyncResult, error) {
	if err := c.validate(c.syncSchema, body); err != nil {
		return nil, protocolf("sync response: %s", err)
	}

	var envelope struct {
		SyncToken string            `json:"sync_token"`
		FullSync  bool              `json:"full_sync"`
		Items     []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, protocolf("decode sync response: %s", err)
	}

	result := &SyncResult{
		SyncToken: envelope.SyncToken,
		FullSync:  envelope.FullSync,
		Tasks:     make([]Task, 0, len(envelope.Items)),
	}
	for i, raw := range envelope.Items {
		var task Task
		if err := json.Unmarshal(raw, &task); err != nil || task.ID == "" {
			result.Skipped++
			c.logger.WarnContext(ctx, "skipping malformed item",
				"trace_id", shared.TraceID(ctx), "index", i, "error", errString(err))
			continue
		}
		result.Tasks = append(result.Tasks, task)
	}
	return result, nil
}

func (c *Client) validate(schema *jsonschema.Schema, body []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("not JSON: %w", err)
	}
	return schema.Validate(doc)
}

func errString(err error) string {
	if err == nil {
		return "missing id"
	}
	return err.Error()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
