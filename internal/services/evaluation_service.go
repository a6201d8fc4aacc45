package services

import (
	"context"
	"time"

	"github.com/yoockh/intraview/internal/models"
	pgrepo "github.com/yoockh/intraview/internal/repositories/postgres"
	"github.com/yoockh/intraview/internal/utils"
)

// EvaluationService covers questions and their per-session scores.
type EvaluationService interface {
	Questions(ctx context.Context, ids []int64) (map[int64]models.Question, error)
	ListQuestions(ctx context.Context, sessionID string) ([]models.Question, error)
	SaveQuestions(ctx context.Context, sessionID string, qs []models.Question) ([]models.Question, error)

	SaveResult(ctx context.Context, r *models.QnaResult) (bool, error)
	ListResults(ctx context.Context, sessionID string) ([]models.QnaResult, error)
}

type evaluationService struct {
	questions pgrepo.QuestionRepository
	qna       pgrepo.QnaRepository
}

func NewEvaluationService(questions pgrepo.QuestionRepository, qna pgrepo.QnaRepository) EvaluationService {
	return &evaluationService{questions: questions, qna: qna}
}

func (s *evaluationService) Questions(ctx context.Context, ids []int64) (map[int64]models.Question, error) {
	const op = "EvaluationService.Questions"

	out := make(map[int64]models.Question, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.questions.GetByIDs(ctx, ids)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to load questions", err)
	}
	for _, q := range rows {
		out[q.ID] = q
	}
	return out, nil
}

func (s *evaluationService) ListQuestions(ctx context.Context, sessionID string) ([]models.Question, error) {
	const op = "EvaluationService.ListQuestions"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	rows, err := s.questions.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list questions", err)
	}
	return rows, nil
}

func (s *evaluationService) SaveQuestions(ctx context.Context, sessionID string, qs []models.Question) ([]models.Question, error) {
	const op = "EvaluationService.SaveQuestions"

	if sessionID == "" || len(qs) == 0 {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id and questions are required", nil)
	}
	now := time.Now().UTC()
	sid := sessionID
	for i := range qs {
		qs[i].SessionID = &sid
		qs[i].CreatedAt = now
	}
	if err := s.questions.InsertMany(ctx, qs); err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to insert questions", err)
	}
	return qs, nil
}

func (s *evaluationService) SaveResult(ctx context.Context, r *models.QnaResult) (bool, error) {
	const op = "EvaluationService.SaveResult"

	if r == nil || r.SessionID == "" || r.QuestionID == 0 {
		return false, utils.E(utils.CodeInvalidArgument, op, "session_id and question_id are required", nil)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	ok, err := s.qna.InsertIfAbsent(ctx, r)
	if err != nil {
		return false, utils.E(utils.CodeInternal, op, "failed to insert qna result", err)
	}
	return ok, nil
}

func (s *evaluationService) ListResults(ctx context.Context, sessionID string) ([]models.QnaResult, error) {
	const op = "EvaluationService.ListResults"

	rows, err := s.qna.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list qna results", err)
	}
	return rows, nil
}
