// Package protocol is the wire format of the realtime media channel: JSON
// control messages in both directions and binary payload frames from the
// client.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yoockh/intraview/internal/models"
	"github.com/yoockh/intraview/internal/reassembly"
)

// ErrMalformed marks input that is dropped with an error record while the
// channel stays open.
var ErrMalformed = errors.New("malformed message")

// client -> server
const (
	TypeSessionInit     = "session_init"
	TypeAudioMetadata   = "audio_metadata"
	TypeAudioBlob       = "audio_blob"
	TypeFrameMetadata   = "frame_metadata"
	TypeFrameBlob       = "frame_blob"
	TypeSessionComplete = "session_complete"
	TypeEnd             = "end"
	TypePing            = "ping"
)

type ClientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	ChunkIndex *int64 `json:"chunk_index,omitempty"`
	FrameIndex *int64 `json:"frame_index,omitempty"`

	StartTimestamp string `json:"start_timestamp,omitempty"`
	EndTimestamp   string `json:"end_timestamp,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`

	DurationMS *float64 `json:"duration_ms,omitempty"`
	OffsetMS   *float64 `json:"offset_ms,omitempty"`
	QuestionID *int64   `json:"question_id,omitempty"`
	MimeType   string   `json:"mime_type,omitempty"`

	// Data is the base64 payload of *_blob messages. A data: URL prefix is
	// tolerated.
	Data string `json:"data,omitempty"`
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Decode parses a text message.
func Decode(raw []byte) (*ClientMessage, error) {
	var m ClientMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, malformed("invalid json: %v", err)
	}
	if m.Type == "" {
		return nil, malformed("missing type")
	}
	return &m, nil
}

// IsComplete reports whether m ends the session.
func (m *ClientMessage) IsComplete() bool {
	return m.Type == TypeSessionComplete || m.Type == TypeEnd
}

// Modality returns the media kind a metadata or blob message carries.
func (m *ClientMessage) Modality() (models.Modality, bool) {
	switch m.Type {
	case TypeAudioMetadata, TypeAudioBlob:
		return models.ModalityAudio, true
	case TypeFrameMetadata, TypeFrameBlob:
		return models.ModalityVideo, true
	}
	return "", false
}

// IsMetadata reports whether m is the metadata half of a fragment.
func (m *ClientMessage) IsMetadata() bool {
	return m.Type == TypeAudioMetadata || m.Type == TypeFrameMetadata
}

// Key returns the reassembly key of a metadata or blob message.
func (m *ClientMessage) Key() (reassembly.Key, error) {
	modality, ok := m.Modality()
	if !ok {
		return reassembly.Key{}, malformed("%s carries no fragment", m.Type)
	}
	idx := m.ChunkIndex
	field := "chunk_index"
	if modality == models.ModalityVideo {
		idx, field = m.FrameIndex, "frame_index"
	}
	if idx == nil {
		return reassembly.Key{}, malformed("%s: missing %s", m.Type, field)
	}
	if *idx < 0 {
		return reassembly.Key{}, malformed("%s: negative %s", m.Type, field)
	}
	return reassembly.Key{Modality: modality, Index: *idx}, nil
}

// Metadata builds the descriptive half from an audio_metadata or
// frame_metadata message.
func (m *ClientMessage) Metadata() (reassembly.Metadata, error) {
	var meta reassembly.Metadata
	switch m.Type {
	case TypeAudioMetadata:
		ts, err := ParseTimestamp(m.StartTimestamp)
		if err != nil {
			return meta, malformed("start_timestamp: %v", err)
		}
		meta.Timestamp = ts
		if m.EndTimestamp != "" {
			end, err := ParseTimestamp(m.EndTimestamp)
			if err != nil {
				return meta, malformed("end_timestamp: %v", err)
			}
			meta.EndTimestamp = &end
			if m.DurationMS == nil {
				meta.DurationMS = end.Sub(ts).Milliseconds()
			}
		}
		if m.DurationMS != nil {
			meta.DurationMS = int64(*m.DurationMS)
		}
		meta.QuestionID = m.QuestionID
		meta.MimeType = orDefault(m.MimeType, "audio/webm")
	case TypeFrameMetadata:
		ts, err := ParseTimestamp(m.Timestamp)
		if err != nil {
			return meta, malformed("timestamp: %v", err)
		}
		meta.Timestamp = ts
		if m.OffsetMS != nil {
			meta.OffsetMS = int64(*m.OffsetMS)
		}
		meta.AudioChunkIndex = m.ChunkIndex
		meta.QuestionID = m.QuestionID
		meta.MimeType = orDefault(m.MimeType, "image/jpeg")
	default:
		return meta, malformed("%s is not metadata", m.Type)
	}
	return meta, nil
}

// Payload decodes the base64 data of a blob message.
func (m *ClientMessage) Payload() ([]byte, error) {
	s := m.Data
	if strings.HasPrefix(s, "data:") {
		i := strings.Index(s, ",")
		if i < 0 {
			return nil, malformed("data url without payload")
		}
		s = s[i+1:]
	}
	if s == "" {
		return nil, malformed("%s: empty data", m.Type)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, malformed("%s: bad base64: %v", m.Type, err)
	}
	return b, nil
}

// ParseTimestamp accepts RFC 3339 with or without fractional seconds, and
// zone-less ISO 8601 which is taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("missing")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02T15:04:05.999999999", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("not an ISO 8601 time: %q", s)
	}
	return t.UTC(), nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
