package models

import (
	"time"

	"github.com/lib/pq"
)

// QnaResult is the evaluation of one answered question.
type QnaResult struct {
	ID         int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	SessionID  string         `gorm:"column:session_id;type:uuid;uniqueIndex:uniq_qna_session_question" json:"session_id"`
	QuestionID int64          `gorm:"column:question_id;uniqueIndex:uniq_qna_session_question" json:"question_id"`
	Score      int            `gorm:"column:score" json:"score"` // 0..100
	Feedback   string         `gorm:"column:feedback;type:text" json:"feedback"`
	Strengths  pq.StringArray `gorm:"column:strengths;type:text[]" json:"strengths"`
	Weaknesses pq.StringArray `gorm:"column:weaknesses;type:text[]" json:"weaknesses"`
	CreatedAt  time.Time      `gorm:"column:created_at;type:timestamptz" json:"created_at"`
}

func (QnaResult) TableName() string { return "qna_results" }
