package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/yoockh/intraview/internal/models"
	"github.com/yoockh/intraview/internal/utils"
	"gorm.io/gorm"
)

type SessionRepository interface {
	GetByID(ctx context.Context, id string) (*models.Session, error)
	// Transition moves the session from one status to another only if it is
	// still in from. It reports whether a row changed.
	Transition(ctx context.Context, id string, from, to models.SessionStatus, at time.Time) (bool, error)
	Touch(ctx context.Context, id string, modality models.Modality, at time.Time) error
	SetScore(ctx context.Context, id string, score *int, analysis string) error
	// ListStale returns sessions in status whose last_activity is before
	// cutoff, oldest first. Entering analyzing stamps last_activity.
	ListStale(ctx context.Context, status models.SessionStatus, cutoff time.Time, limit int) ([]models.Session, error)
}

type sessionRepo struct {
	db *gorm.DB
}

func NewSessionRepo(db *gorm.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) GetByID(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	return &s, err
}

func (r *sessionRepo) Transition(ctx context.Context, id string, from, to models.SessionStatus, at time.Time) (bool, error) {
	updates := map[string]any{"status": to}
	if to == models.SessionCompleted || to == models.SessionTerminated {
		updates["end_time"] = gorm.Expr("COALESCE(end_time, ?)", at.UTC())
	}
	if to == models.SessionAnalyzing {
		updates["last_activity"] = at.UTC()
	}
	res := r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *sessionRepo) Touch(ctx context.Context, id string, modality models.Modality, at time.Time) error {
	counter := "total_chunks"
	if modality == models.ModalityVideo {
		counter = "total_frames"
	}
	return r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ?", id).
		UpdateColumns(map[string]any{
			"last_activity": at.UTC(),
			counter:         gorm.Expr(counter + " + 1"),
		}).Error
}

func (r *sessionRepo) SetScore(ctx context.Context, id string, score *int, analysis string) error {
	return r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ?", id).
		Updates(map[string]any{"final_score": score, "analysis": analysis}).Error
}

func (r *sessionRepo) ListStale(ctx context.Context, status models.SessionStatus, cutoff time.Time, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.Session
	err := r.db.WithContext(ctx).
		Where("status = ? AND last_activity < ?", status, cutoff.UTC()).
		Order("last_activity ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
