package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yoockh/intraview/internal/cache"
	"github.com/yoockh/intraview/internal/models"
	"github.com/yoockh/intraview/internal/utils"
)

type Report struct {
	SessionID  string                `json:"session_id"`
	Status     models.SessionStatus  `json:"status"`
	FinalScore *int                  `json:"final_score,omitempty"`
	Analysis   *string               `json:"analysis,omitempty"`
	Answers    []models.QnaResult    `json:"answers"`
	Emotion    *models.EmotionResult `json:"emotion,omitempty"`
}

type ReportService interface {
	Get(ctx context.Context, sessionID string) (*Report, error)
	Invalidate(ctx context.Context, sessionID string)
}

type reportService struct {
	sessions SessionService
	evals    EvaluationService
	emotions EmotionService
	cache    cache.Cache
	ttl      time.Duration
	log      *logrus.Logger
}

func NewReportService(sessions SessionService, evals EvaluationService, emotions EmotionService, c cache.Cache, ttl time.Duration, log *logrus.Logger) ReportService {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &reportService{sessions: sessions, evals: evals, emotions: emotions, cache: c, ttl: ttl, log: log}
}

func (s *reportService) Get(ctx context.Context, sessionID string) (*Report, error) {
	const op = "ReportService.Get"

	key := cache.ReportKey(sessionID)
	if s.cache != nil {
		var cached Report
		if hit, err := s.cache.GetJSON(ctx, key, &cached); err == nil && hit {
			return &cached, nil
		}
	}

	ss, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	answers, err := s.evals.ListResults(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	rep := &Report{
		SessionID:  ss.ID,
		Status:     ss.Status,
		FinalScore: ss.FinalScore,
		Analysis:   ss.Analysis,
		Answers:    answers,
	}
	if em, err := s.emotions.GetResult(ctx, sessionID); err == nil {
		rep.Emotion = em
	} else if !utils.IsCode(err, utils.CodeNotFound) {
		return nil, utils.E(utils.CodeInternal, op, "failed to assemble report", err)
	}

	// only a finished report is stable enough to cache
	if s.cache != nil && ss.Status == models.SessionCompleted && ss.FinalScore != nil {
		if err := s.cache.SetJSON(ctx, key, rep, s.ttl); err != nil {
			s.log.WithFields(logrus.Fields{"session_id": sessionID, "error": err}).Warn("report cache set failed")
		}
	}
	return rep, nil
}

func (s *reportService) Invalidate(ctx context.Context, sessionID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, cache.ReportKey(sessionID)); err != nil {
		s.log.WithFields(logrus.Fields{"session_id": sessionID, "error": err}).Warn("report cache invalidate failed")
	}
}
