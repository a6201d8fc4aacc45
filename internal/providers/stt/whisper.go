//go:build whisper

package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// Whisper runs whisper.cpp in-process. It expects 16 kHz mono 16-bit PCM,
// raw or wrapped in a canonical WAV header.
type Whisper struct {
	model    whisperlib.Model
	language string
}

func NewWhisper(modelPath, language string) (Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: model path must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	if language == "" {
		language = "en"
	}
	return &Whisper{model: model, language: language}, nil
}

func (w *Whisper) Close() error {
	if w.model != nil {
		return w.model.Close()
	}
	return nil
}

func (w *Whisper) Transcribe(ctx context.Context, audio []byte, language string) (string, float64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	if language == "" {
		language = w.language
	}
	// whisper wants "en", not "en-US"
	language, _, _ = strings.Cut(language, "-")

	wctx, err := w.model.NewContext()
	if err != nil {
		return "", 0, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(language); err != nil {
		return "", 0, fmt.Errorf("whisper: set language %q: %w", language, err)
	}
	// whisper.cpp checks the encoder-begin callback before each encode pass;
	// returning false abandons the call once ctx is done
	keepGoing := func() bool { return ctx.Err() == nil }
	if err := wctx.Process(pcmToFloat32(stripWAVHeader(audio)), keepGoing, nil, nil); err != nil {
		return "", 0, fmt.Errorf("whisper: process audio: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	var parts []string
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", 0, fmt.Errorf("whisper: read segment: %w", err)
		}
		if t := strings.TrimSpace(seg.Text); t != "" {
			parts = append(parts, t)
		}
	}
	if len(parts) == 0 {
		return "", 0, nil
	}
	// whisper.cpp exposes no utterance confidence
	return strings.Join(parts, " "), 1, nil
}

func stripWAVHeader(b []byte) []byte {
	if len(b) >= 44 && bytes.Equal(b[:4], []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WAVE")) {
		return b[44:]
	}
	return b
}

func pcmToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return samples
}
