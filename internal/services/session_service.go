package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yoockh/intraview/internal/cache"
	"github.com/yoockh/intraview/internal/models"
	pgrepo "github.com/yoockh/intraview/internal/repositories/postgres"
	"github.com/yoockh/intraview/internal/utils"
)

type SessionService interface {
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	// RequireOngoing returns the session only if it can still ingest media.
	RequireOngoing(ctx context.Context, sessionID string) (*models.Session, error)
	Touch(ctx context.Context, sessionID string, modality models.Modality) error

	// Complete moves ongoing -> completed and reports whether this call did it.
	Complete(ctx context.Context, sessionID string) (bool, error)
	// BeginAnalysis moves completed -> analyzing.
	BeginAnalysis(ctx context.Context, sessionID string) (bool, error)
	// FinishAnalysis stores the score and moves analyzing -> completed.
	FinishAnalysis(ctx context.Context, sessionID string, score *int, note string) error

	// ReapStale terminates ongoing sessions idle since before cutoff that have
	// no live channel.
	ReapStale(ctx context.Context, cutoff time.Time) (int, error)
	// RecoverAnalyses returns sessions stuck in analyzing since before cutoff
	// to completed. A session whose score was already stored is settled; the
	// others are returned so their analysis can be queued again.
	RecoverAnalyses(ctx context.Context, cutoff time.Time) ([]string, error)
	IsConnected(ctx context.Context, sessionID string) bool
}

type sessionService struct {
	sessions pgrepo.SessionRepository
	presence cache.Presence
	log      *logrus.Logger
	now      func() time.Time
}

func NewSessionService(sessions pgrepo.SessionRepository, presence cache.Presence, log *logrus.Logger) SessionService {
	return &sessionService{sessions: sessions, presence: presence, log: log, now: time.Now}
}

func (s *sessionService) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	const op = "SessionService.Get"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}

	out, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "session not found", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to get session", err)
	}
	return out, nil
}

func (s *sessionService) RequireOngoing(ctx context.Context, sessionID string) (*models.Session, error) {
	const op = "SessionService.RequireOngoing"

	ss, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if ss.Status != models.SessionOngoing {
		return nil, utils.E(utils.CodeConflict, op, fmt.Sprintf("session is %s", ss.Status), nil)
	}
	return ss, nil
}

func (s *sessionService) Touch(ctx context.Context, sessionID string, modality models.Modality) error {
	const op = "SessionService.Touch"

	if err := s.sessions.Touch(ctx, sessionID, modality, s.now()); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to update activity", err)
	}
	return nil
}

func (s *sessionService) Complete(ctx context.Context, sessionID string) (bool, error) {
	return s.transition(ctx, "SessionService.Complete", sessionID, models.SessionOngoing, models.SessionCompleted)
}

func (s *sessionService) BeginAnalysis(ctx context.Context, sessionID string) (bool, error) {
	return s.transition(ctx, "SessionService.BeginAnalysis", sessionID, models.SessionCompleted, models.SessionAnalyzing)
}

func (s *sessionService) FinishAnalysis(ctx context.Context, sessionID string, score *int, note string) error {
	const op = "SessionService.FinishAnalysis"

	if err := s.sessions.SetScore(ctx, sessionID, score, note); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to store final score", err)
	}
	if _, err := s.transition(ctx, op, sessionID, models.SessionAnalyzing, models.SessionCompleted); err != nil {
		return err
	}
	return nil
}

func (s *sessionService) transition(ctx context.Context, op, sessionID string, from, to models.SessionStatus) (bool, error) {
	if sessionID == "" {
		return false, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	ok, err := s.sessions.Transition(ctx, sessionID, from, to, s.now())
	if err != nil {
		return false, utils.E(utils.CodeInternal, op, fmt.Sprintf("failed to move session to %s", to), err)
	}
	return ok, nil
}

func (s *sessionService) ReapStale(ctx context.Context, cutoff time.Time) (int, error) {
	const op = "SessionService.ReapStale"

	stale, err := s.sessions.ListStale(ctx, models.SessionOngoing, cutoff, 100)
	if err != nil {
		return 0, utils.E(utils.CodeInternal, op, "failed to list stale sessions", err)
	}

	n := 0
	for _, ss := range stale {
		if s.IsConnected(ctx, ss.ID) {
			continue
		}
		ok, err := s.sessions.Transition(ctx, ss.ID, models.SessionOngoing, models.SessionTerminated, s.now())
		if err != nil {
			s.log.WithFields(logrus.Fields{"session_id": ss.ID, "error": err}).Warn("terminate stale session failed")
			continue
		}
		if ok {
			n++
			s.log.WithFields(logrus.Fields{
				"session_id":    ss.ID,
				"last_activity": ss.LastActivity,
			}).Info("stale session terminated")
		}
	}
	return n, nil
}

func (s *sessionService) RecoverAnalyses(ctx context.Context, cutoff time.Time) ([]string, error) {
	const op = "SessionService.RecoverAnalyses"

	stuck, err := s.sessions.ListStale(ctx, models.SessionAnalyzing, cutoff, 100)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list stuck analyses", err)
	}

	var rerun []string
	for _, ss := range stuck {
		ok, err := s.sessions.Transition(ctx, ss.ID, models.SessionAnalyzing, models.SessionCompleted, s.now())
		if err != nil {
			s.log.WithFields(logrus.Fields{"session_id": ss.ID, "error": err}).Warn("reset stuck analysis failed")
			continue
		}
		if !ok {
			continue
		}
		settled := ss.Analysis != nil
		s.log.WithFields(logrus.Fields{
			"session_id": ss.ID,
			"started":    ss.LastActivity,
			"settled":    settled,
		}).Warn("stuck analysis reset")
		if !settled {
			rerun = append(rerun, ss.ID)
		}
	}
	return rerun, nil
}

func (s *sessionService) IsConnected(ctx context.Context, sessionID string) bool {
	if s.presence == nil {
		return false
	}
	live, err := s.presence.IsLive(ctx, sessionID)
	if err != nil {
		// unknown counts as connected so the reaper never kills a live session
		s.log.WithFields(logrus.Fields{"session_id": sessionID, "error": err}).Warn("presence lookup failed")
		return true
	}
	return live
}
