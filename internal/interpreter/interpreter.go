// Package interpreter turns free-form captured commands into structured
// task intents using an agent runtime.
package interpreter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/cexll/agentsdk-go/pkg/model"

	"github.com/kestrelworks/donna/internal/config"
)

const systemPrompt = `You turn a personal note into a to-do item. Reply with a single JSON object and nothing else:
{"title": "short imperative task title", "notes": "extra detail, may be empty", "due": "RFC3339 timestamp or empty when no deadline is mentioned", "clarify": "a question for the user, only when the note is too ambiguous to act on"}
Keep the title under 10 words. Put everything that does not fit the title into notes. Use clarify sparingly.`

// Intent is the structured reading of one captured command. A non-empty
// Clarify means the command needs user input before it can become a task.
type Intent struct {
	Title   string    `json:"title"`
	Notes   string    `json:"notes"`
	Clarify string    `json:"clarify"`
	Due     time.Time `json:"-"`
}

// Runtime interface for agent runtime (allows mocking in tests)
type Runtime interface {
	Run(ctx context.Context, req api.Request) (*api.Response, error)
	Close()
}

// runtimeAdapter wraps api.Runtime to implement Runtime interface
type runtimeAdapter struct {
	rt *api.Runtime
}

func (r *runtimeAdapter) Run(ctx context.Context, req api.Request) (*api.Response, error) {
	return r.rt.Run(ctx, req)
}

func (r *runtimeAdapter) Close() {
	r.rt.Close()
}

// RuntimeFactory creates a Runtime instance
type RuntimeFactory func(cfg *config.Config) (Runtime, error)

// DefaultRuntimeFactory creates the default agentsdk-go runtime
func DefaultRuntimeFactory(cfg *config.Config) (Runtime, error) {
	var provider api.ModelFactory
	switch cfg.Provider.Type {
	case "openai":
		provider = &model.OpenAIProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	default: // "anthropic" or empty
		provider = &model.AnthropicProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	}

	rt, err := api.New(context.Background(), api.Options{
		ProjectRoot:   cfg.Agent.Workspace,
		ModelFactory:  provider,
		SystemPrompt:  systemPrompt,
		MaxIterations: cfg.Agent.MaxToolIterations,
	})
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	return &runtimeAdapter{rt: rt}, nil
}

// Interpreter reads command text and produces task intents. When the
// runtime fails, the raw text becomes the task title so a flaky model
// never loses a command.
type Interpreter struct {
	runtime Runtime
}

func New(runtime Runtime) *Interpreter {
	return &Interpreter{runtime: runtime}
}

func (i *Interpreter) Interpret(ctx context.Context, text string) Intent {
	fallback := fallbackIntent(text)
	if i.runtime == nil {
		return fallback
	}

	resp, err := i.runtime.Run(ctx, api.Request{Prompt: text})
	if err != nil {
		log.Printf("[interpreter] agent error, using raw text: %v", err)
		return fallback
	}
	if resp == nil || resp.Result == nil {
		return fallback
	}

	intent, err := parseIntent(resp.Result.Output)
	if err != nil {
		log.Printf("[interpreter] unparseable agent output, using raw text: %v", err)
		return fallback
	}
	return intent
}

func (i *Interpreter) Close() {
	if i.runtime != nil {
		i.runtime.Close()
	}
}

func fallbackIntent(text string) Intent {
	title := strings.TrimSpace(text)
	if title == "" {
		title = "(empty command)"
	}
	return Intent{Title: title}
}

// parseIntent extracts the JSON object from the model output, tolerating
// code fences and surrounding prose.
func parseIntent(output string) (Intent, error) {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start == -1 || end <= start {
		return Intent{}, fmt.Errorf("no JSON object in output %q", truncate(output, 120))
	}

	var raw struct {
		Title   string `json:"title"`
		Notes   string `json:"notes"`
		Due     string `json:"due"`
		Clarify string `json:"clarify"`
	}
	if err := json.Unmarshal([]byte(output[start:end+1]), &raw); err != nil {
		return Intent{}, fmt.Errorf("parse intent: %w", err)
	}
	if strings.TrimSpace(raw.Clarify) != "" {
		return Intent{Clarify: strings.TrimSpace(raw.Clarify)}, nil
	}
	if strings.TrimSpace(raw.Title) == "" {
		return Intent{}, fmt.Errorf("intent has no title")
	}

	intent := Intent{Title: strings.TrimSpace(raw.Title), Notes: strings.TrimSpace(raw.Notes)}
	if raw.Due != "" {
		due, err := time.Parse(time.RFC3339, raw.Due)
		if err != nil {
			// A bad timestamp loses the deadline, not the task.
			log.Printf("[interpreter] ignoring unparseable due %q: %v", raw.Due, err)
		} else {
			intent.Due = due
		}
	}
	return intent, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
