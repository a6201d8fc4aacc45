package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// OpenAICompatible serves any /v1/chat/completions endpoint; with Ollama it
// runs local models such as phi3.
type OpenAICompatible struct {
	client    oai.Client
	model     string
	unloadURL string
	http      *http.Client
}

func NewOpenAICompatible(baseURL, apiKey, model, unloadURL string) (*OpenAICompatible, error) {
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	if apiKey == "" {
		// local servers ignore the key but the client requires one
		apiKey = "local"
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAICompatible{
		client:    oai.NewClient(opts...),
		model:     model,
		unloadURL: unloadURL,
		http:      &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (p *OpenAICompatible) StreamAnswer(ctx context.Context, prompt string) (<-chan string, <-chan error) {
	out := make(chan string, 32)
	errs := make(chan error, 1)

	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage("You are an interview coach. Reply with JSON only."),
			oai.UserMessage(prompt),
		},
		Temperature: param.NewOpt(0.2),
	}

	go func() {
		defer close(out)
		defer close(errs)

		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case out <- chunk.Choices[0].Delta.Content:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if err := stream.Err(); err != nil {
			errs <- fmt.Errorf("openai: stream: %w", err)
		}
	}()

	return out, errs
}

// Close asks Ollama to evict the model (keep_alive 0) when an unload URL is
// configured. Without it the remote server keeps its own memory policy.
func (p *OpenAICompatible) Close() error {
	if p.unloadURL == "" {
		return nil
	}
	body, _ := json.Marshal(map[string]any{"model": p.model, "keep_alive": 0})
	req, err := http.NewRequest(http.MethodPost, p.unloadURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("openai: unload %s: %w", p.model, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("openai: unload %s: %s", p.model, resp.Status)
	}
	return nil
}
