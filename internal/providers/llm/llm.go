package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Provider interface {
	// StreamAnswer returns a stream of text chunks (incremental).
	StreamAnswer(ctx context.Context, prompt string) (chunks <-chan string, errs <-chan error)
	Close() error
}

type Config struct {
	Backend string // vertex|openai

	VertexProject  string
	VertexLocation string
	VertexModel    string

	OpenAIBaseURL string
	OpenAIAPIKey  string
	OpenAIModel   string
	// OllamaUnloadURL, when set, is called on Close so an Ollama server
	// drops the model from memory.
	OllamaUnloadURL string
}

// New builds the configured backend; used as the llm slot loader.
func New(ctx context.Context, cfg Config) (Provider, error) {
	switch cfg.Backend {
	case "", "vertex":
		return NewVertexGemini(ctx, cfg.VertexProject, cfg.VertexLocation, cfg.VertexModel)
	case "openai", "ollama":
		return NewOpenAICompatible(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OllamaUnloadURL)
	default:
		return nil, fmt.Errorf("llm: unknown backend %q", cfg.Backend)
	}
}

// Generate drains StreamAnswer into one string.
func Generate(ctx context.Context, p Provider, prompt string) (string, error) {
	chunks, errs := p.StreamAnswer(ctx, prompt)
	var sb strings.Builder
	for c := range chunks {
		sb.WriteString(c)
	}
	if err := <-errs; err != nil {
		return "", err
	}
	return sb.String(), nil
}

var ErrNoJSON = errors.New("llm: no json object in response")

// DecodeJSON unmarshals the JSON value in a model reply into dst. Models
// often wrap output in ```json fences or add prose around it.
func DecodeJSON(reply string, dst any) error {
	s := strings.TrimSpace(reply)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			rest = rest[:j]
		}
		s = strings.TrimSpace(rest)
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ErrNoJSON
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end < start {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), dst); err != nil {
		return fmt.Errorf("llm: decode json: %w", err)
	}
	return nil
}
