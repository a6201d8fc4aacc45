package services

import (
	"context"
	"errors"
	"time"

	"github.com/yoockh/intraview/internal/models"
	pgrepo "github.com/yoockh/intraview/internal/repositories/postgres"
	"github.com/yoockh/intraview/internal/utils"
)

type EmotionService interface {
	RecordSample(ctx context.Context, sessionID string, frameIndex int64, label string, confidence float64, capturedAt time.Time) error
	ListSamples(ctx context.Context, sessionID string) ([]models.EmotionSample, error)
	// SaveResult keeps the first aggregate per session and reports whether
	// r was written.
	SaveResult(ctx context.Context, r *models.EmotionResult) (bool, error)
	GetResult(ctx context.Context, sessionID string) (*models.EmotionResult, error)
}

type emotionService struct {
	emotions pgrepo.EmotionRepository
}

func NewEmotionService(emotions pgrepo.EmotionRepository) EmotionService {
	return &emotionService{emotions: emotions}
}

func (s *emotionService) RecordSample(ctx context.Context, sessionID string, frameIndex int64, label string, confidence float64, capturedAt time.Time) error {
	const op = "EmotionService.RecordSample"

	if sessionID == "" || label == "" {
		return utils.E(utils.CodeInvalidArgument, op, "session_id and label are required", nil)
	}
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}
	row := &models.EmotionSample{
		SessionID:  sessionID,
		FrameIndex: frameIndex,
		Label:      label,
		Confidence: confidence,
		CapturedAt: capturedAt,
	}
	if err := s.emotions.InsertSample(ctx, row); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to insert emotion sample", err)
	}
	return nil
}

func (s *emotionService) ListSamples(ctx context.Context, sessionID string) ([]models.EmotionSample, error) {
	const op = "EmotionService.ListSamples"

	rows, err := s.emotions.ListSamples(ctx, sessionID)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list emotion samples", err)
	}
	return rows, nil
}

func (s *emotionService) SaveResult(ctx context.Context, r *models.EmotionResult) (bool, error) {
	const op = "EmotionService.SaveResult"

	if r == nil || r.SessionID == "" {
		return false, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	ok, err := s.emotions.InsertResult(ctx, r)
	if err != nil {
		return false, utils.E(utils.CodeInternal, op, "failed to insert emotion result", err)
	}
	return ok, nil
}

func (s *emotionService) GetResult(ctx context.Context, sessionID string) (*models.EmotionResult, error) {
	const op = "EmotionService.GetResult"

	r, err := s.emotions.GetResult(ctx, sessionID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "emotion result not found", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to get emotion result", err)
	}
	return r, nil
}
