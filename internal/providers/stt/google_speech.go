package stt

import (
	"context"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
)

// GoogleSpeech defaults to WebM/Opus at 48 kHz, which is what browser
// MediaRecorder chunks carry.
type GoogleSpeech struct {
	c *speech.Client

	Encoding     speechpb.RecognitionConfig_AudioEncoding
	SampleRateHz int32
	Model        string
}

type GoogleOption func(*GoogleSpeech)

// WithEncoding takes a RecognitionConfig encoding name such as "OGG_OPUS".
// Unknown or empty names keep the default.
func WithEncoding(name string) GoogleOption {
	return func(g *GoogleSpeech) {
		if v, ok := speechpb.RecognitionConfig_AudioEncoding_value[strings.ToUpper(name)]; ok {
			g.Encoding = speechpb.RecognitionConfig_AudioEncoding(v)
		}
	}
}

func WithSampleRate(hz int32) GoogleOption {
	return func(g *GoogleSpeech) {
		if hz > 0 {
			g.SampleRateHz = hz
		}
	}
}

func WithModel(model string) GoogleOption {
	return func(g *GoogleSpeech) { g.Model = model }
}

func NewGoogleSpeech(ctx context.Context, opts ...GoogleOption) (*GoogleSpeech, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	g := &GoogleSpeech{
		c:            c,
		Encoding:     speechpb.RecognitionConfig_WEBM_OPUS,
		SampleRateHz: 48000,
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

func (g *GoogleSpeech) Close() error { return g.c.Close() }

// language example: "en-US", "id-ID"
func (g *GoogleSpeech) Transcribe(ctx context.Context, audio []byte, language string) (string, float64, error) {
	if language == "" {
		language = "en-US"
	}

	resp, err := g.c.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   g.Encoding,
			SampleRateHertz:            g.SampleRateHz,
			LanguageCode:               language,
			Model:                      g.Model,
			EnableAutomaticPunctuation: true,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audio},
		},
	})
	if err != nil {
		return "", 0, err
	}

	// results are consecutive pieces of the utterance; keep the top
	// alternative of each
	var parts []string
	var confSum float64
	for _, r := range resp.Results {
		if len(r.Alternatives) == 0 || r.Alternatives[0].Transcript == "" {
			continue
		}
		alt := r.Alternatives[0]
		parts = append(parts, strings.TrimSpace(alt.Transcript))
		confSum += float64(alt.Confidence)
	}
	if len(parts) == 0 {
		return "", 0, nil
	}
	return strings.Join(parts, " "), confSum / float64(len(parts)), nil
}
