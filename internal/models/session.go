package models

import "time"

type SessionStatus string

const (
	SessionOngoing    SessionStatus = "ongoing"
	SessionCompleted  SessionStatus = "completed"
	SessionAnalyzing  SessionStatus = "analyzing"
	SessionTerminated SessionStatus = "terminated"
)

// Session is one interview attempt. Rows are created by the CRUD layer; the
// realtime core only reads them and moves Status forward.
type Session struct {
	ID     string `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	UserID string `gorm:"column:user_id;type:text;index" json:"user_id"`

	CVRef         string `gorm:"column:cv_ref;type:text" json:"cv_ref,omitempty"`
	JobContextRef string `gorm:"column:job_context_ref;type:text" json:"job_context_ref,omitempty"`

	// snapshots used when generating questions
	CVText         string `gorm:"column:cv_text;type:text" json:"-"`
	JobDescription string `gorm:"column:job_description;type:text" json:"job_description,omitempty"`

	Status SessionStatus `gorm:"column:status;type:text;index;not null;default:ongoing" json:"status"` // ongoing|completed|analyzing|terminated

	StartTime    time.Time  `gorm:"column:start_time;type:timestamptz" json:"start_time"`
	EndTime      *time.Time `gorm:"column:end_time;type:timestamptz" json:"end_time,omitempty"`
	LastActivity time.Time  `gorm:"column:last_activity;type:timestamptz;index" json:"last_activity"`

	TotalChunks int64 `gorm:"column:total_chunks;not null;default:0" json:"total_chunks"`
	TotalFrames int64 `gorm:"column:total_frames;not null;default:0" json:"total_frames"`

	FinalScore *int    `gorm:"column:final_score" json:"final_score,omitempty"`
	Analysis   *string `gorm:"column:analysis;type:text" json:"analysis,omitempty"`
}

func (Session) TableName() string { return "sessions" }
