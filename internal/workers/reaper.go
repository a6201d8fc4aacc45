package workers

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yoockh/intraview/internal/services"
)

// Reaper terminates sessions left ongoing without a live channel. With an
// Analyzer set it also requeues analyses that never finished.
type Reaper struct {
	Sessions   services.SessionService
	StaleAfter time.Duration
	Interval   time.Duration
	Logger     *logrus.Logger

	Analyzer Analyzer
	// AnalysisStaleAfter is how long a session may stay analyzing before it
	// counts as abandoned.
	AnalysisStaleAfter time.Duration
}

// Run blocks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	if r.StaleAfter <= 0 {
		r.StaleAfter = 5 * time.Minute
	}
	if r.Interval <= 0 {
		r.Interval = time.Minute
	}
	if r.AnalysisStaleAfter <= 0 {
		r.AnalysisStaleAfter = 30 * time.Minute
	}
	t := time.NewTicker(r.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			r.Sweep(ctx, now)
		}
	}
}

// Sweep runs one pass as of now.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) {
	n, err := r.Sessions.ReapStale(ctx, now.Add(-r.StaleAfter))
	if err != nil {
		r.Logger.WithError(err).Warn("stale session sweep failed")
	} else if n > 0 {
		r.Logger.WithField("terminated", n).Info("stale sessions terminated")
	}

	if r.Analyzer == nil {
		return
	}
	rerun, err := r.Sessions.RecoverAnalyses(ctx, now.Add(-r.AnalysisStaleAfter))
	if err != nil {
		r.Logger.WithError(err).Warn("stuck analysis sweep failed")
		return
	}
	for _, id := range rerun {
		if err := r.Analyzer.Submit(ctx, id); err != nil {
			r.Logger.WithFields(logrus.Fields{"session_id": id, "error": err}).Error("requeue analysis failed")
		}
	}
}
