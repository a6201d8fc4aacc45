package models

import "time"

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Question is a prompt with its reference answer. SessionID is nil for
// question-bank rows and set for questions generated for one session.
type Question struct {
	ID           int64      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	SessionID    *string    `gorm:"column:session_id;type:uuid;index" json:"session_id,omitempty"`
	QuestionText string     `gorm:"column:question_text;type:text;not null" json:"question_text"`
	AnswerText   string     `gorm:"column:answer_text;type:text" json:"answer_text"`
	Difficulty   Difficulty `gorm:"column:difficulty;type:text" json:"difficulty"`
	Topic        string     `gorm:"column:topic;type:text" json:"topic"`
	CreatedAt    time.Time  `gorm:"column:created_at;type:timestamptz" json:"created_at"`
}

func (Question) TableName() string { return "questions" }
