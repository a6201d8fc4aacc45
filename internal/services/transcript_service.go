package services

import (
	"context"
	"strings"
	"time"

	"github.com/yoockh/intraview/internal/models"
	pgrepo "github.com/yoockh/intraview/internal/repositories/postgres"
	"github.com/yoockh/intraview/internal/utils"
)

type TranscriptService interface {
	Append(ctx context.Context, sessionID string, questionID *int64, chunkIndex int64, text string) (*models.Transcript, error)
	ListBySession(ctx context.Context, sessionID string) ([]models.Transcript, error)
	// FullText joins the candidate's transcripts in arrival order.
	FullText(ctx context.Context, sessionID string) (string, error)
}

type transcriptService struct {
	transcripts pgrepo.TranscriptRepository
}

func NewTranscriptService(transcripts pgrepo.TranscriptRepository) TranscriptService {
	return &transcriptService{transcripts: transcripts}
}

func (s *transcriptService) Append(ctx context.Context, sessionID string, questionID *int64, chunkIndex int64, text string) (*models.Transcript, error) {
	const op = "TranscriptService.Append"

	text = strings.TrimSpace(text)
	if sessionID == "" || text == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id and text are required", nil)
	}

	row := &models.Transcript{
		SessionID:  sessionID,
		QuestionID: questionID,
		ChunkIndex: chunkIndex,
		Text:       text,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.transcripts.Insert(ctx, row); err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to insert transcript", err)
	}
	return row, nil
}

func (s *transcriptService) ListBySession(ctx context.Context, sessionID string) ([]models.Transcript, error) {
	const op = "TranscriptService.ListBySession"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	rows, err := s.transcripts.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list transcripts", err)
	}
	return rows, nil
}

func (s *transcriptService) FullText(ctx context.Context, sessionID string) (string, error) {
	rows, err := s.ListBySession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(rows))
	for _, r := range rows {
		if !r.IsSystem {
			parts = append(parts, r.Text)
		}
	}
	return strings.Join(parts, " "), nil
}
