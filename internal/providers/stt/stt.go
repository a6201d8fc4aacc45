package stt

import (
	"context"
	"fmt"
)

type Provider interface {
	Transcribe(ctx context.Context, audio []byte, language string) (text string, confidence float64, err error)
	Close() error
}

type Config struct {
	Backend  string // google|whisper
	Language string

	GoogleEncoding   string // WEBM_OPUS, OGG_OPUS, LINEAR16, ...
	GoogleSampleRate int32
	GoogleModel      string

	WhisperModelPath string
}

// New builds the configured backend. Each call loads a fresh model, so it is
// meant to be used as a model slot loader.
func New(ctx context.Context, cfg Config) (Provider, error) {
	switch cfg.Backend {
	case "", "google":
		return NewGoogleSpeech(ctx,
			WithEncoding(cfg.GoogleEncoding),
			WithSampleRate(cfg.GoogleSampleRate),
			WithModel(cfg.GoogleModel),
		)
	case "whisper":
		return NewWhisper(cfg.WhisperModelPath, cfg.Language)
	default:
		return nil, fmt.Errorf("stt: unknown backend %q", cfg.Backend)
	}
}
