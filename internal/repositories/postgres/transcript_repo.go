package postgres

import (
	"context"

	"github.com/yoockh/intraview/internal/models"
	"gorm.io/gorm"
)

type TranscriptRepository interface {
	Insert(ctx context.Context, t *models.Transcript) error
	ListBySession(ctx context.Context, sessionID string) ([]models.Transcript, error)
}

type transcriptRepo struct {
	db *gorm.DB
}

func NewTranscriptRepo(db *gorm.DB) TranscriptRepository {
	return &transcriptRepo{db: db}
}

func (r *transcriptRepo) Insert(ctx context.Context, t *models.Transcript) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *transcriptRepo) ListBySession(ctx context.Context, sessionID string) ([]models.Transcript, error) {
	var rows []models.Transcript
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	return rows, err
}
