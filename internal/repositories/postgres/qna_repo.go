package postgres

import (
	"context"

	"github.com/yoockh/intraview/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type QnaRepository interface {
	// InsertIfAbsent keeps the first evaluation per (session, question).
	InsertIfAbsent(ctx context.Context, r *models.QnaResult) (bool, error)
	ListBySession(ctx context.Context, sessionID string) ([]models.QnaResult, error)
}

type qnaRepo struct {
	db *gorm.DB
}

func NewQnaRepo(db *gorm.DB) QnaRepository {
	return &qnaRepo{db: db}
}

func (r *qnaRepo) InsertIfAbsent(ctx context.Context, row *models.QnaResult) (bool, error) {
	tx := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "question_id"}},
			DoNothing: true,
		}).
		Create(row)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (r *qnaRepo) ListBySession(ctx context.Context, sessionID string) ([]models.QnaResult, error) {
	var rows []models.QnaResult
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("question_id ASC").
		Find(&rows).Error
	return rows, err
}
