package models

import "time"

// Transcript is append-only text recognised from one or more audio chunks.
type Transcript struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	SessionID  string    `gorm:"column:session_id;type:uuid;index:idx_transcripts_session_ts" json:"session_id"`
	QuestionID *int64    `gorm:"column:question_id;index" json:"question_id,omitempty"`
	ChunkIndex int64     `gorm:"column:chunk_index" json:"chunk_index"`
	Text       string    `gorm:"column:text;type:text" json:"text"`
	IsSystem   bool      `gorm:"column:is_system;not null;default:false" json:"is_system"` // false = candidate speech
	CreatedAt  time.Time `gorm:"column:created_at;type:timestamptz;index:idx_transcripts_session_ts" json:"created_at"`
}

func (Transcript) TableName() string { return "transcripts" }
