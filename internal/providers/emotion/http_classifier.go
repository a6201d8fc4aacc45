package emotion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClassifier talks to a model server that keeps its weights in memory
// between POST /load and POST /unload, and answers POST /classify with a
// JPEG/PNG body.
type HTTPClassifier struct {
	c       *http.Client
	baseURL string
}

type Score struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

type classifyResp struct {
	Emotions        []Score `json:"emotions"`
	DominantEmotion string  `json:"dominant_emotion"`
}

// NewHTTPClassifier asks the server to load its model and returns once it
// reports ready.
func NewHTTPClassifier(ctx context.Context, baseURL string, timeout time.Duration) (*HTTPClassifier, error) {
	if baseURL == "" {
		return nil, errors.New("emotion: base url must not be empty")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	h := &HTTPClassifier{
		c:       &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
	if err := h.post(ctx, "/load", "", nil, nil); err != nil {
		return nil, fmt.Errorf("emotion load: %w", err)
	}
	return h, nil
}

func (h *HTTPClassifier) Classify(ctx context.Context, image []byte) (string, float64, error) {
	if len(image) == 0 {
		return "", 0, errors.New("emotion: empty image")
	}
	var out classifyResp
	if err := h.post(ctx, "/classify", http.DetectContentType(image), image, &out); err != nil {
		return "", 0, fmt.Errorf("emotion classify: %w", err)
	}
	return Dominant(out.Emotions, out.DominantEmotion)
}

// Close tells the server to free the model. It uses its own deadline so it
// still runs during shutdown.
func (h *HTTPClassifier) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.post(ctx, "/unload", "", nil, nil)
}

// Dominant picks the named label if the server supplied one, otherwise the
// highest score.
func Dominant(scores []Score, named string) (string, float64, error) {
	var best Score
	found := false
	for _, s := range scores {
		if named != "" && s.Label == named {
			return s.Label, s.Score, nil
		}
		if !found || s.Score > best.Score {
			best, found = s, true
		}
	}
	if named != "" {
		return named, 0, nil
	}
	if !found {
		return "", 0, errors.New("emotion: no scores in response")
	}
	return best.Label, best.Score, nil
}

func (h *HTTPClassifier) post(ctx context.Context, path, contentType string, body []byte, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := h.c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("%s %s: %s", path, resp.Status, strings.TrimSpace(string(b)))
	}
	if dst == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
