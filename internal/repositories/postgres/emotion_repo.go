package postgres

import (
	"context"
	"errors"

	"github.com/yoockh/intraview/internal/models"
	"github.com/yoockh/intraview/internal/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type EmotionRepository interface {
	InsertSample(ctx context.Context, s *models.EmotionSample) error
	ListSamples(ctx context.Context, sessionID string) ([]models.EmotionSample, error)
	// InsertResult stores r unless the session already has a result. It
	// reports whether a row was written.
	InsertResult(ctx context.Context, r *models.EmotionResult) (bool, error)
	GetResult(ctx context.Context, sessionID string) (*models.EmotionResult, error)
}

type emotionRepo struct {
	db *gorm.DB
}

func NewEmotionRepo(db *gorm.DB) EmotionRepository {
	return &emotionRepo{db: db}
}

func (r *emotionRepo) InsertSample(ctx context.Context, s *models.EmotionSample) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *emotionRepo) ListSamples(ctx context.Context, sessionID string) ([]models.EmotionSample, error) {
	var rows []models.EmotionSample
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("captured_at ASC, id ASC").
		Find(&rows).Error
	return rows, err
}

func (r *emotionRepo) InsertResult(ctx context.Context, res *models.EmotionResult) (bool, error) {
	tx := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoNothing: true,
		}).
		Create(res)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (r *emotionRepo) GetResult(ctx context.Context, sessionID string) (*models.EmotionResult, error) {
	var row models.EmotionResult
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	return &row, err
}
