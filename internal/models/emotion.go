package models

import (
	"time"

	"gorm.io/datatypes"
)

type EmotionSample struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	SessionID  string    `gorm:"column:session_id;type:uuid;index" json:"session_id"`
	FrameIndex int64     `gorm:"column:frame_index" json:"frame_index"`
	Label      string    `gorm:"column:label;type:text" json:"label"`
	Confidence float64   `gorm:"column:confidence" json:"confidence"`
	CapturedAt time.Time `gorm:"column:captured_at;type:timestamptz" json:"captured_at"`
}

func (EmotionSample) TableName() string { return "emotion_samples" }

// EmotionResult is the per-session aggregate, at most one per session.
type EmotionResult struct {
	ID             int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	SessionID      string         `gorm:"column:session_id;type:uuid;uniqueIndex" json:"session_id"`
	DominantLabel  string         `gorm:"column:dominant_label;type:text" json:"dominant_label"`
	Confidence     float64        `gorm:"column:confidence" json:"confidence"`
	Perception     string         `gorm:"column:perception;type:text" json:"perception"`
	Recommendation string         `gorm:"column:recommendation;type:text" json:"recommendation"`
	Distribution   datatypes.JSON `gorm:"column:distribution;type:jsonb" json:"distribution"` // label -> sample count
	SampleCount    int            `gorm:"column:sample_count" json:"sample_count"`
	CreatedAt      time.Time      `gorm:"column:created_at;type:timestamptz" json:"created_at"`
}

func (EmotionResult) TableName() string { return "emotion_results" }
