package postgres

import (
	"context"

	"github.com/yoockh/intraview/internal/models"
	"gorm.io/gorm"
)

type QuestionRepository interface {
	GetByIDs(ctx context.Context, ids []int64) ([]models.Question, error)
	ListBySession(ctx context.Context, sessionID string) ([]models.Question, error)
	InsertMany(ctx context.Context, qs []models.Question) error
}

type questionRepo struct {
	db *gorm.DB
}

func NewQuestionRepo(db *gorm.DB) QuestionRepository {
	return &questionRepo{db: db}
}

func (r *questionRepo) GetByIDs(ctx context.Context, ids []int64) ([]models.Question, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []models.Question
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error
	return rows, err
}

func (r *questionRepo) ListBySession(ctx context.Context, sessionID string) ([]models.Question, error) {
	var rows []models.Question
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

func (r *questionRepo) InsertMany(ctx context.Context, qs []models.Question) error {
	if len(qs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&qs).Error
}
