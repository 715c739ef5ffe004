// Package engine wraps the LLM behind the Brain interface. The session
// pipeline hands it the conversation history and the current task snapshot;
// everything provider-specific stays in here.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// ChatMessage is one prior conversation entry passed to the model.
type ChatMessage struct {
	Role    string // "user" or "assistant"
	Content string
}

// Turn carries everything the model needs to answer one user message.
type Turn struct {
	// History is the prior conversation, oldest first, excluding the
	// current user message.
	History []ChatMessage
	// TaskContext is the formatted task snapshot for this turn.
	TaskContext string
	// UserMessage is the message being answered.
	UserMessage string
}

// Brain is the LLM abstraction used by the session pipeline.
type Brain interface {
	Respond(ctx context.Context, userID string, turn Turn) (string, error)
	Stream(ctx context.Context, userID string, turn Turn, onChunk func(chunk string) error) (string, error)
}

// BrainConfig holds configuration for the GenkitBrain.
type BrainConfig struct {
	// Provider is the LLM provider: "google", "anthropic", "openai",
	// "openai_compatible", "openrouter". Empty defaults to "google".
	Provider string
	Model    string
	APIKey   string

	// Persona is the coaching persona from COACH.md, used as the base
	// system prompt.
	Persona string

	// OpenAICompatible config.
	OpenAICompatibleProvider string
	OpenAICompatibleBaseURL  string
}

// GenkitBrain backs Brain with a Genkit instance for the configured provider.
type GenkitBrain struct {
	g     *genkit.Genkit
	cfg   BrainConfig
	llmOn bool

	personaMu sync.RWMutex // protects cfg.Persona for hot-reload
}

// NewGenkitBrain initializes Genkit with the configured LLM provider.
func NewGenkitBrain(ctx context.Context, cfg BrainConfig) *GenkitBrain {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}

	modelID := strings.TrimSpace(cfg.Model)
	if modelID == "" {
		modelID = defaultModelForProvider(provider)
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			anthropicPlugin := &anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}
			g = genkit.Init(ctx, genkit.WithPlugins(anthropicPlugin))
			llmOn = true
			slog.Info("genkit brain initialized", "provider", "anthropic", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Anthropic API key missing; using deterministic fallback")
		}

	case "openai":
		if apiKey != "" {
			openaiPlugin := &compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}
			g = genkit.Init(ctx, genkit.WithPlugins(openaiPlugin))
			llmOn = true
			slog.Info("genkit brain initialized", "provider", "openai", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI API key missing; using deterministic fallback")
		}

	case "openai_compatible":
		if apiKey != "" {
			openaiCompatPlugin := &compat_oai.OpenAICompatible{
				Provider: cfg.OpenAICompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.OpenAICompatibleBaseURL,
			}
			g = genkit.Init(ctx, genkit.WithPlugins(openaiCompatPlugin))
			llmOn = true
			slog.Info("genkit brain initialized", "provider", "openai_compatible", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI compatible API key missing; using deterministic fallback")
		}

	case "openrouter":
		if apiKey != "" {
			openrouterPlugin := &compat_oai.OpenAICompatible{
				Provider: "openrouter",
				APIKey:   apiKey,
				BaseURL:  "https://openrouter.ai/api/v1",
			}
			g = genkit.Init(ctx, genkit.WithPlugins(openrouterPlugin))
			llmOn = true
			slog.Info("genkit brain initialized", "provider", "openrouter", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenRouter API key missing; using deterministic fallback")
		}

	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+modelID),
			)
			llmOn = true
			slog.Info("genkit brain initialized", "provider", "google", "model", "googleai/"+modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Google API key missing; using deterministic fallback")
		}

	default:
		g = genkit.Init(ctx)
		slog.Warn("unknown LLM provider, using deterministic fallback", "provider", provider)
	}

	return &GenkitBrain{
		g:     g,
		cfg:   cfg,
		llmOn: llmOn,
	}
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5-20250929"
	case "openai", "openai_compatible":
		return "gpt-4o"
	case "openrouter":
		return "anthropic/claude-sonnet-4-5-20250929"
	default:
		return "gemini-2.5-flash"
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "google", "":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible", "openrouter":
		return model
	default:
		return "googleai/" + model
	}
}

// Respond generates a reply for one turn. A missing user message is treated
// as empty text rather than an error.
func (b *GenkitBrain) Respond(ctx context.Context, userID string, turn Turn) (string, error) {
	trimmed := strings.TrimSpace(turn.UserMessage)

	if !b.llmOn {
		return "I can answer with full coaching once an API key is configured.", nil
	}

	opts := b.buildOptions(trimmed, turn)
	resp, err := genkit.Generate(ctx, b.g, opts...)
	if err != nil {
		slog.Error("genkit generate failed", "error", err, "user_id", userID)
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	return resp.Text(), nil
}

// Stream generates a reply for one turn, invoking onChunk for each text
// fragment. Returns the full reply. A missing user message is treated as
// empty text rather than an error.
func (b *GenkitBrain) Stream(ctx context.Context, userID string, turn Turn, onChunk func(chunk string) error) (string, error) {
	trimmed := strings.TrimSpace(turn.UserMessage)

	if !b.llmOn {
		reply := "I can answer with full coaching once an API key is configured."
		if err := onChunk(reply); err != nil {
			return "", err
		}
		return reply, nil
	}

	opts := b.buildOptions(trimmed, turn)
	stream := genkit.GenerateStream(ctx, b.g, opts...)

	var fullReply strings.Builder
	var doneReply string
	for streamVal, err := range stream {
		if err != nil {
			slog.Error("genkit stream failed", "error", err, "user_id", userID)
			return "", fmt.Errorf("genkit stream: %w", err)
		}
		if streamVal.Chunk != nil {
			for _, part := range streamVal.Chunk.Content {
				if part.Kind == ai.PartText && part.Text != "" {
					if err := onChunk(part.Text); err != nil {
						return "", err
					}
					fullReply.WriteString(part.Text)
				}
			}
		}
		if streamVal.Done && streamVal.Response != nil {
			doneReply = streamVal.Response.Text()
		}
	}

	// Prefer accumulated chunks, fall back to the Done response.
	finalReply := fullReply.String()
	if finalReply == "" {
		finalReply = doneReply
	}
	return finalReply, nil
}

func (b *GenkitBrain) buildOptions(prompt string, turn Turn) []ai.GenerateOption {
	b.personaMu.RLock()
	systemPrompt := strings.TrimSpace(b.cfg.Persona)
	b.personaMu.RUnlock()
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt()
	}
	if tc := strings.TrimSpace(turn.TaskContext); tc != "" {
		systemPrompt = systemPrompt + "\n\nThe user's current tasks:\n" + tc
	}
	// Escape % characters to prevent fmt.Sprintf corruption in ai.WithSystem().
	systemPrompt = strings.ReplaceAll(systemPrompt, "%", "%%")

	provider := strings.ToLower(strings.TrimSpace(b.cfg.Provider))
	opts := []ai.GenerateOption{
		ai.WithModelName(modelNameForProvider(provider, b.cfg.Model)),
		ai.WithPrompt(prompt),
		ai.WithSystem(systemPrompt),
	}
	if msgs := historyToMessages(turn.History); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}
	return opts
}

func defaultSystemPrompt() string {
	return "You are Alex, a supportive productivity coach. Help the user plan " +
		"their day, prioritize, and follow through on their tasks. Be concise, " +
		"concrete, and encouraging. Refer to their tasks by content when relevant."
}

// historyToMessages converts conversation history to Genkit messages.
func historyToMessages(items []ChatMessage) []*ai.Message {
	var msgs []*ai.Message
	for _, item := range items {
		var role ai.Role
		switch item.Role {
		case "user":
			role = ai.RoleUser
		case "assistant":
			role = ai.RoleModel
		default:
			continue
		}
		msgs = append(msgs, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(item.Content)},
		})
	}
	return msgs
}

// UpdatePersona replaces the COACH.md content used as system prompt.
// Thread-safe for concurrent access from hot-reload and Respond/Stream.
func (b *GenkitBrain) UpdatePersona(persona string) {
	b.personaMu.Lock()
	defer b.personaMu.Unlock()
	b.cfg.Persona = persona
}
