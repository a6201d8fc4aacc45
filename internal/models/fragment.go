package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type Modality string

const (
	ModalityAudio Modality = "audio"
	ModalityVideo Modality = "video"
)

func (m Modality) Valid() bool { return m == ModalityAudio || m == ModalityVideo }

type FragmentStatus string

const (
	FragmentPending FragmentStatus = "pending"
	FragmentDone    FragmentStatus = "done"
	FragmentFailed  FragmentStatus = "failed"
)

// MediaFragment is one complete audio chunk or video frame. Only complete
// fragments are ever stored; the payload itself lives in blob storage.
type MediaFragment struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	SessionID     string             `bson:"session_id" json:"session_id"`
	Modality      Modality           `bson:"modality" json:"modality"`
	SequenceIndex int64              `bson:"sequence_index" json:"sequence_index"`

	PayloadPath string `bson:"payload_path" json:"payload_path"`
	PayloadSize int    `bson:"payload_size" json:"payload_size"`
	MimeType    string `bson:"mime_type" json:"mime_type"`

	CapturedAt time.Time  `bson:"captured_at" json:"captured_at"`
	EndAt      *time.Time `bson:"end_at,omitempty" json:"end_at,omitempty"`
	DurationMS int64      `bson:"duration_ms,omitempty" json:"duration_ms,omitempty"`
	OffsetMS   int64      `bson:"offset_ms,omitempty" json:"offset_ms,omitempty"`

	AudioChunkIndex *int64 `bson:"audio_chunk_index,omitempty" json:"audio_chunk_index,omitempty"` // video only
	QuestionID      *int64 `bson:"question_id,omitempty" json:"question_id,omitempty"`

	Transcript        string  `bson:"transcript,omitempty" json:"transcript,omitempty"`
	EmotionLabel      string  `bson:"emotion_label,omitempty" json:"emotion_label,omitempty"`
	EmotionConfidence float64 `bson:"emotion_confidence,omitempty" json:"emotion_confidence,omitempty"`

	Status        FragmentStatus `bson:"status" json:"status"` // pending|done|failed
	Processed     bool           `bson:"processed" json:"processed"`
	FailureReason string         `bson:"failure_reason,omitempty" json:"failure_reason,omitempty"`
	Purged        bool           `bson:"purged,omitempty" json:"purged,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// FragmentResult is the derived artifact written once inference finishes.
type FragmentResult struct {
	Status        FragmentStatus
	Transcript    string
	EmotionLabel  string
	Confidence    float64
	FailureReason string
}
