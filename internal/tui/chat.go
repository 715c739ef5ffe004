// Package tui provides a local chat console for talking to the coach
// without Telegram, useful for development and for driving a session from
// the terminal.
package tui

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/taskcoach/internal/channels"
	"github.com/basket/taskcoach/internal/session"
	"github.com/basket/taskcoach/internal/shared"
)

// LocalUserID is the session id used by the console.
const LocalUserID = "local"

type chatRole string

const (
	chatRoleUser      chatRole = "user"
	chatRoleAssistant chatRole = "assistant"
	chatRoleSystem    chatRole = "system"
)

type chatEntry struct {
	role chatRole
	text string
}

type turnReplyMsg struct {
	reply string
	err   error
}

type ctxDoneMsg struct{}

type spinnerTickMsg struct{}

const spinnerInterval = 150 * time.Millisecond

// ChatConfig holds the dependencies for the chat console.
type ChatConfig struct {
	Registry  *session.Registry
	ModelName string
}

var (
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	systemStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

type chatModel struct {
	ctx context.Context
	cc  ChatConfig

	width  int
	height int

	history    []chatEntry
	thinking   bool
	spinnerIdx int

	input  []rune
	cursor int // rune index within input
}

func newChatModel(ctx context.Context, cc ChatConfig) chatModel {
	m := chatModel{ctx: ctx, cc: cc}
	m.history = append(m.history, chatEntry{
		role: chatRoleSystem,
		text: "Coach is online. Type a message, /tasks to list tasks, /quit to exit.",
	})
	return m
}

// Run starts the chat console and blocks until it exits.
func Run(ctx context.Context, cc ChatConfig) error {
	defer bestEffortResetTTY()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newChatModel(ctx, cc), tea.WithAltScreen(), tea.WithInput(os.Stdin), tea.WithOutput(os.Stdout))
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		// If the parent context is cancelled we don't care about the renderer error.
		return nil
	}
	return err
}

func (m chatModel) Init() tea.Cmd {
	return waitCtxDone(m.ctx)
}

func waitCtxDone(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		<-ctx.Done()
		return ctxDoneMsg{}
	}
}

func waitForSpinner() tea.Cmd {
	return tea.Tick(spinnerInterval, func(time.Time) tea.Msg { return spinnerTickMsg{} })
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case ctxDoneMsg:
		return m, tea.Quit

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinnerTickMsg:
		if !m.thinking {
			return m, nil
		}
		m.spinnerIdx++
		return m, waitForSpinner()

	case turnReplyMsg:
		m.thinking = false
		if msg.err != nil {
			m.history = append(m.history, chatEntry{role: chatRoleSystem, text: channels.Apology})
			slog.Warn("tui: turn failed", "error", msg.err)
		} else {
			m.history = append(m.history, chatEntry{role: chatRoleAssistant, text: msg.reply})
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "ctrl+d":
			return m, tea.Quit

		case "enter":
			if m.thinking {
				return m, nil
			}
			line := strings.TrimSpace(string(m.input))
			m.input = nil
			m.cursor = 0
			if line == "" {
				return m, nil
			}
			return m.submit(line)

		case "backspace":
			if m.cursor > 0 {
				m.input = append(m.input[:m.cursor-1], m.input[m.cursor:]...)
				m.cursor--
			}
			return m, nil

		case "left":
			if m.cursor > 0 {
				m.cursor--
			}
			return m, nil

		case "right":
			if m.cursor < len(m.input) {
				m.cursor++
			}
			return m, nil

		default:
			if len(msg.Runes) > 0 {
				head := append([]rune{}, m.input[:m.cursor]...)
				tail := append([]rune{}, m.input[m.cursor:]...)
				m.input = append(append(head, msg.Runes...), tail...)
				m.cursor += len(msg.Runes)
			}
			return m, nil
		}
	}

	return m, nil
}

func (m chatModel) submit(line string) (tea.Model, tea.Cmd) {
	switch {
	case line == "/quit" || line == "/exit":
		return m, tea.Quit

	case line == "/help":
		m.history = append(m.history, chatEntry{role: chatRoleSystem,
			text: "Commands: /tasks, add task: <content>, /quit. Anything else goes to the coach."})
		return m, nil

	case line == "/tasks":
		m.thinking = true
		return m, tea.Batch(listTasksCmd(m.ctx, m.cc), waitForSpinner())
	}

	m.history = append(m.history, chatEntry{role: chatRoleUser, text: line})
	m.thinking = true
	return m, tea.Batch(respondCmd(m.ctx, m.cc, line), waitForSpinner())
}

func respondCmd(ctx context.Context, cc ChatConfig, prompt string) tea.Cmd {
	return func() tea.Msg {
		sess, err := cc.Registry.GetOrCreate(ctx, LocalUserID)
		if err != nil {
			return turnReplyMsg{err: err}
		}
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())

		if strings.HasPrefix(strings.ToLower(prompt), "add task:") {
			content := strings.TrimSpace(prompt[len("add task:"):])
			task, err := sess.AddTask(ctx, content)
			if err != nil {
				return turnReplyMsg{err: err}
			}
			return turnReplyMsg{reply: fmt.Sprintf("Added: %s", task.Content)}
		}

		reply, err := sess.Turn(ctx, prompt)
		return turnReplyMsg{reply: reply, err: err}
	}
}

func listTasksCmd(ctx context.Context, cc ChatConfig) tea.Cmd {
	return func() tea.Msg {
		sess, err := cc.Registry.GetOrCreate(ctx, LocalUserID)
		if err != nil {
			return turnReplyMsg{err: err}
		}
		tasks, err := sess.RefreshTasks(shared.WithTraceID(ctx, shared.NewTraceID()))
		if err != nil {
			return turnReplyMsg{err: err}
		}
		return turnReplyMsg{reply: channels.FormatTaskList(tasks)}
	}
}

func (m chatModel) View() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("taskcoach — %s\n", m.cc.ModelName))
	b.WriteString("Type a message. /help for commands, Ctrl+D or /quit to exit.\n\n")

	hLines := m.renderHistoryLines()
	available := m.height - 6
	if available < 3 {
		available = 3
	}
	if len(hLines) > available {
		hLines = hLines[len(hLines)-available:]
	}
	for _, l := range hLines {
		b.WriteString(l)
		b.WriteString("\n")
	}

	b.WriteString("\n> ")
	b.WriteString(string(m.input))
	b.WriteString("\n")
	if m.thinking {
		spin := []string{"|", "/", "-", "\\"}[m.spinnerIdx%4]
		b.WriteString(fmt.Sprintf("%s thinking...\n", spin))
	} else {
		b.WriteString("\n")
	}

	return b.String()
}

func (m chatModel) renderHistoryLines() []string {
	lines := make([]string, 0, len(m.history)*2)
	for _, e := range m.history {
		prefix := ""
		switch e.role {
		case chatRoleUser:
			prefix = userStyle.Render("You: ")
		case chatRoleAssistant:
			prefix = assistantStyle.Render("Coach: ")
		case chatRoleSystem:
			prefix = systemStyle.Render("* ")
		}
		for _, line := range strings.Split(e.text, "\n") {
			lines = append(lines, prefix+line)
		}
	}
	return lines
}
