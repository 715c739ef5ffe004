package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/taskcoach/internal/bus"
	"github.com/basket/taskcoach/internal/session"
	"github.com/basket/taskcoach/internal/shared"
	"github.com/basket/taskcoach/internal/todoist"
)

// TelegramChannel implements the Channel interface for Telegram.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	registry   *session.Registry
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
	eventBus   *bus.Bus

	chatMu sync.Mutex
	chats  map[string]int64 // userID -> chatID

	// streamMu protects streamMsgs and doneTurns for progressive editing.
	streamMu   sync.Mutex
	streamMsgs map[string]*streamState // userID -> streaming state
	doneTurns  map[string]string       // userID -> last finished turn id
}

// streamState tracks progressive editing for a turn in flight.
type streamState struct {
	turnID    string
	chatID    int64
	messageID int
	text      strings.Builder
	lastEdit  time.Time
}

// NewTelegramChannel creates a new Telegram channel.
func NewTelegramChannel(token string, allowedIDs []int64, registry *session.Registry, logger *slog.Logger, eventBus *bus.Bus) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		registry:   registry,
		logger:     logger,
		eventBus:   eventBus,
		chats:      make(map[string]int64),
		streamMsgs: make(map[string]*streamState),
		doneTurns:  make(map[string]string),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	if t.eventBus != nil {
		go t.monitorStreamChunks(ctx)
		go t.monitorDigests(ctx)
	}

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout (stall
// detection). Returns nil on context cancellation, or an error to trigger
// reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5
	// minutes, the connection is likely dead (the library blocks rather
	// than closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			// Reset stall timer on every received update (including empty long-poll returns).
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if len(t.allowedIDs) > 0 {
				if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
					t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
					continue
				}
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	userID := fmt.Sprintf("telegram-%d", msg.From.ID)
	chatID := msg.Chat.ID

	t.chatMu.Lock()
	t.chats[userID] = chatID
	t.chatMu.Unlock()

	sess, err := t.registry.GetOrCreate(ctx, userID)
	if err != nil {
		t.logger.Error("failed to open session", "user_id", userID, "error", err)
		t.reply(chatID, Apology)
		return
	}

	switch {
	case content == "/start":
		t.reply(chatID, "Hi! I'm Alex, your productivity coach. Tell me what's on "+
			"your plate, ask \"/tasks\" to see your list, or say \"add task: ...\" "+
			"to capture something new.")
		return

	case content == "/tasks":
		go t.handleListTasks(ctx, sess, chatID)
		return

	case strings.HasPrefix(content, "/done "):
		go t.handleCloseTask(ctx, sess, chatID, strings.TrimSpace(strings.TrimPrefix(content, "/done ")))
		return

	case strings.HasPrefix(strings.ToLower(content), "add task:"):
		go t.handleAddTask(ctx, sess, chatID, strings.TrimSpace(content[len("add task:"):]))
		return
	}

	// A full coaching turn. The session serializes turns per user; running
	// it off the poll loop keeps other users' messages flowing.
	go t.handleTurn(ctx, sess, chatID, userID, content)
}

func (t *TelegramChannel) handleTurn(ctx context.Context, sess *session.Session, chatID int64, userID, content string) {
	// Minting the turn id here lets finishStream tell this turn's stream
	// chunks apart from stragglers still queued on the bus.
	turnID := shared.NewTurnID()
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithTurnID(ctx, turnID)
	t.sendTyping(chatID)

	reply, err := sess.Turn(ctx, content)
	if err != nil {
		t.logger.Error("turn failed", "trace_id", shared.TraceID(ctx), "user_id", userID, "error", err)
		t.finishStream(userID, turnID, Apology)
		return
	}
	t.finishStream(userID, turnID, reply)
}

func (t *TelegramChannel) handleListTasks(ctx context.Context, sess *session.Session, chatID int64) {
	t.sendTyping(chatID)
	tasks, err := sess.RefreshTasks(ctx)
	if err != nil {
		t.logger.Error("task list failed", "user_id", sess.UserID(), "error", err)
		t.reply(chatID, Apology)
		return
	}
	t.reply(chatID, FormatTaskList(tasks))
}

func (t *TelegramChannel) handleAddTask(ctx context.Context, sess *session.Session, chatID int64, content string) {
	if content == "" {
		t.reply(chatID, "What should the task say? Try: add task: buy groceries")
		return
	}
	t.sendTyping(chatID)
	task, err := sess.AddTask(ctx, content)
	if err != nil {
		t.logger.Error("add task failed", "user_id", sess.UserID(), "error", err)
		t.reply(chatID, Apology)
		return
	}
	t.reply(chatID, fmt.Sprintf("Added: %s", task.Content))
}

func (t *TelegramChannel) handleCloseTask(ctx context.Context, sess *session.Session, chatID int64, query string) {
	if query == "" {
		t.reply(chatID, "Which task? Try: /done buy groceries")
		return
	}
	tasks := sess.Snapshot().Tasks
	var match *todoist.Task
	for i := range tasks {
		if !tasks[i].Checked && strings.Contains(strings.ToLower(tasks[i].Content), strings.ToLower(query)) {
			match = &tasks[i]
			break
		}
	}
	if match == nil {
		t.reply(chatID, fmt.Sprintf("No open task matching %q.", query))
		return
	}
	if err := sess.CloseTask(ctx, match.ID); err != nil {
		t.logger.Error("close task failed", "user_id", sess.UserID(), "error", err)
		t.reply(chatID, Apology)
		return
	}
	t.reply(chatID, fmt.Sprintf("Done: %s", match.Content))
}

// FormatTaskList renders tasks for a chat message.
func FormatTaskList(tasks []todoist.Task) string {
	var b strings.Builder
	n := 0
	for _, task := range tasks {
		if task.Checked {
			continue
		}
		n++
		fmt.Fprintf(&b, "%d. %s", n, task.Content)
		if task.Due != nil && task.Due.String != "" {
			fmt.Fprintf(&b, " (due %s)", task.Due.String)
		}
		b.WriteString("\n")
	}
	if n == 0 {
		return "No open tasks. Enjoy the clear runway!"
	}
	return "Your tasks:\n" + b.String()
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}

func (t *TelegramChannel) sendTyping(chatID int64) {
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	if _, err := t.bot.Request(action); err != nil {
		t.logger.Warn("failed to send typing action", "error", err)
	}
}

// monitorStreamChunks subscribes to stream chunk bus events and progressively
// edits Telegram messages as tokens arrive from the LLM.
func (t *TelegramChannel) monitorStreamChunks(ctx context.Context) {
	sub := t.eventBus.Subscribe("stream.")
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			if ev.Topic != bus.TopicStreamChunk {
				continue
			}
			payload, ok := ev.Payload.(bus.StreamChunkEvent)
			if !ok || payload.Chunk == "" {
				continue
			}

			t.chatMu.Lock()
			chatID, known := t.chats[payload.UserID]
			t.chatMu.Unlock()
			if !known {
				continue
			}

			t.streamMu.Lock()
			if t.staleChunkLocked(payload.UserID, payload.TurnID) {
				// Leftover from a turn whose final reply already went out.
				t.streamMu.Unlock()
				continue
			}
			state, exists := t.streamMsgs[payload.UserID]
			if exists && state.turnID != payload.TurnID {
				// A new turn started before the old state was cleaned up.
				delete(t.streamMsgs, payload.UserID)
				exists = false
			}
			if !exists {
				// First chunk: send a new placeholder message.
				state = &streamState{turnID: payload.TurnID, chatID: chatID}
				msg := tgbotapi.NewMessage(chatID, payload.Chunk)
				sent, err := t.bot.Send(msg)
				if err != nil {
					t.logger.Warn("failed to send stream placeholder", "user_id", payload.UserID, "error", err)
					t.streamMu.Unlock()
					continue
				}
				state.messageID = sent.MessageID
				state.text.WriteString(payload.Chunk)
				state.lastEdit = time.Now()
				t.streamMsgs[payload.UserID] = state
				t.streamMu.Unlock()
				continue
			}

			state.text.WriteString(payload.Chunk)

			// Rate-limit edits to ~1/second to avoid Telegram 429 errors.
			if time.Since(state.lastEdit) < time.Second {
				t.streamMu.Unlock()
				continue
			}
			text := state.text.String()
			msgID := state.messageID
			state.lastEdit = time.Now()
			t.streamMu.Unlock()

			t.editMessageText(chatID, msgID, text)
		}
	}
}

// finishStream delivers the final reply for one turn: a last edit of that
// turn's streaming message if one exists, otherwise a fresh message. The turn
// is marked finished first so stragglers on the bus cannot resurrect it.
func (t *TelegramChannel) finishStream(userID, turnID, finalText string) {
	t.streamMu.Lock()
	t.doneTurns[userID] = turnID
	state, wasStreaming := t.streamMsgs[userID]
	if wasStreaming && state.turnID == turnID {
		delete(t.streamMsgs, userID)
	} else {
		state, wasStreaming = nil, false
	}
	t.streamMu.Unlock()

	t.chatMu.Lock()
	chatID, known := t.chats[userID]
	t.chatMu.Unlock()
	if !known {
		return
	}

	if wasStreaming && state.messageID != 0 {
		if state.text.String() != finalText {
			t.editMessageText(chatID, state.messageID, finalText)
		}
		return
	}
	t.reply(chatID, finalText)
}

// staleChunkLocked reports whether a chunk belongs to a turn that has already
// delivered its final reply. Callers hold streamMu.
func (t *TelegramChannel) staleChunkLocked(userID, turnID string) bool {
	return turnID != "" && t.doneTurns[userID] == turnID
}

// monitorDigests delivers scheduled agenda digests to their users.
func (t *TelegramChannel) monitorDigests(ctx context.Context) {
	sub := t.eventBus.Subscribe("digest.")
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			payload, ok := ev.Payload.(bus.DigestEvent)
			if !ok || payload.Text == "" {
				continue
			}
			t.chatMu.Lock()
			chatID, known := t.chats[payload.UserID]
			t.chatMu.Unlock()
			if !known {
				// User hasn't messaged since startup; recover the chat id
				// from the Telegram user id embedded in the session id.
				var tgID int64
				if _, err := fmt.Sscanf(payload.UserID, "telegram-%d", &tgID); err != nil || tgID == 0 {
					continue
				}
				chatID = tgID
			}
			t.reply(chatID, payload.Text)
		}
	}
}

func (t *TelegramChannel) editMessageText(chatID int64, messageID int, text string) {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if _, err := t.bot.Send(edit); err != nil {
		t.logger.Warn("failed to edit telegram message", "error", err)
	}
}
