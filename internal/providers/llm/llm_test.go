package llm

import (
	"context"
	"errors"
	"testing"
)

func TestDecodeJSON(t *testing.T) {
	type eval struct {
		Score    int    `json:"score"`
		Feedback string `json:"feedback"`
	}
	tests := map[string]string{
		"plain":      `{"score": 80, "feedback": "ok"}`,
		"fenced":     "```json\n{\"score\": 80, \"feedback\": \"ok\"}\n```",
		"prose":      "Here is my evaluation:\n{\"score\": 80, \"feedback\": \"ok\"}\nHope it helps.",
		"bare fence": "```\n{\"score\": 80, \"feedback\": \"ok\"}\n```",
	}
	for name, reply := range tests {
		var got eval
		if err := DecodeJSON(reply, &got); err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if got.Score != 80 || got.Feedback != "ok" {
			t.Errorf("%s: got %+v", name, got)
		}
	}

	var arr []map[string]string
	if err := DecodeJSON(`[{"question":"q"}]`, &arr); err != nil || len(arr) != 1 {
		t.Fatalf("array: %v %v", arr, err)
	}
	if err := DecodeJSON("no json here", &arr); !errors.Is(err, ErrNoJSON) {
		t.Fatalf("err = %v, want ErrNoJSON", err)
	}
}

type chunked struct {
	parts []string
	err   error
}

func (c chunked) StreamAnswer(ctx context.Context, prompt string) (<-chan string, <-chan error) {
	out := make(chan string, len(c.parts))
	errs := make(chan error, 1)
	for _, p := range c.parts {
		out <- p
	}
	close(out)
	errs <- c.err
	close(errs)
	return out, errs
}

func (chunked) Close() error { return nil }

func TestGenerate(t *testing.T) {
	got, err := Generate(context.Background(), chunked{parts: []string{`{"a":`, `1}`}}, "p")
	if err != nil || got != `{"a":1}` {
		t.Fatalf("Generate = %q, %v", got, err)
	}
	boom := errors.New("quota")
	if _, err := Generate(context.Background(), chunked{err: boom}, "p"); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}
