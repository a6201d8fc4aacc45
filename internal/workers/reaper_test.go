package workers

import (
	"context"
	"testing"
	"time"

	"github.com/yoockh/intraview/internal/logger"
	"github.com/yoockh/intraview/internal/models"
)

func TestSweepRerunsAnalysisLeftBehindByCrash(t *testing.T) {
	f := newFixture(t)
	seedAnalysis(t, f, "s1")
	w := f.analysisWorker()
	ctx := context.Background()

	// a previous process entered analyzing and died before storing a score
	if ok, err := f.svcSessions.BeginAnalysis(ctx, "s1"); !ok || err != nil {
		t.Fatalf("BeginAnalysis = %v, %v", ok, err)
	}
	if sum := w.Analyze(ctx, "s1"); sum.Ran {
		t.Fatal("redelivered job ran over an analysis in flight")
	}

	r := &Reaper{Sessions: f.svcSessions, Analyzer: w, Logger: logger.Discard(), AnalysisStaleAfter: time.Minute}

	// a recent run is left alone
	r.Sweep(ctx, time.Now())
	if ss, _ := f.svcSessions.Get(ctx, "s1"); ss.Status != models.SessionAnalyzing {
		t.Fatalf("status = %s, want analyzing", ss.Status)
	}

	r.Sweep(ctx, time.Now().Add(time.Hour))
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := w.Wait(wctx); err != nil {
		t.Fatal(err)
	}

	ss, _ := f.svcSessions.Get(ctx, "s1")
	if ss.Status != models.SessionCompleted || ss.Analysis == nil || ss.FinalScore == nil || *ss.FinalScore != 81 {
		t.Fatalf("session = %+v", ss)
	}
}
