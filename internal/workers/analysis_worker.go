package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/yoockh/intraview/internal/logger"
	"github.com/yoockh/intraview/internal/models"
	"github.com/yoockh/intraview/internal/modelslot"
	"github.com/yoockh/intraview/internal/observe"
	"github.com/yoockh/intraview/internal/providers/llm"
	"github.com/yoockh/intraview/internal/services"
	"github.com/yoockh/intraview/internal/utils"
)

// Summary describes one analysis run.
type Summary struct {
	SessionID string `json:"session_id"`
	// Ran is false when the session was not in the completed state, e.g.
	// because another run already took it.
	Ran           bool  `json:"ran"`
	Evaluated     int   `json:"evaluated"`
	Skipped       int   `json:"skipped"`
	Failed        int   `json:"failed"`
	EmotionReport bool  `json:"emotion_report"`
	FinalScore    *int  `json:"final_score,omitempty"`
	Partial       bool  `json:"partial"`
	Err           error `json:"-"`
}

type evaluation struct {
	Score      int      `json:"score"`
	Feedback   string   `json:"feedback"`
	Strengths  []string `json:"strengths"`
	Weaknesses []string `json:"weaknesses"`
}

type narrative struct {
	Perception     string `json:"perception"`
	Recommendation string `json:"recommendation"`
}

type generated struct {
	Question   string `json:"question"`
	Answer     string `json:"answer"`
	Difficulty string `json:"difficulty"`
	Topic      string `json:"topic"`
}

type AnalysisDeps struct {
	Slots       *modelslot.Manager
	Sessions    services.SessionService
	Transcripts services.TranscriptService
	Evaluations services.EvaluationService
	Emotions    services.EmotionService
	Fragments   services.FragmentService
	Reports     services.ReportService
	Log         *logrus.Logger
	Metrics     *observe.Metrics
}

// AnalysisWorker scores a finished session with the language model.
type AnalysisWorker struct {
	AnalysisDeps

	InferenceTimeout time.Duration
	AnalysisTimeout  time.Duration
	PurgeAudio       bool

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewAnalysisWorker(deps AnalysisDeps) *AnalysisWorker {
	if deps.Log == nil {
		deps.Log = logger.Discard()
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	root, cancel := context.WithCancel(context.Background())
	return &AnalysisWorker{
		AnalysisDeps:     deps,
		InferenceTimeout: 60 * time.Second,
		AnalysisTimeout:  10 * time.Minute,
		root:             root,
		cancel:           cancel,
	}
}

// Enqueue runs Analyze in the background, detached from the caller.
func (w *AnalysisWorker) Enqueue(sessionID string) <-chan Summary {
	out := make(chan Summary, 1)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(out)
		ctx, cancel := context.WithTimeout(w.root, w.AnalysisTimeout)
		defer cancel()
		out <- w.Analyze(ctx, sessionID)
	}()
	return out
}

// Submit queues an analysis without waiting for its outcome.
func (w *AnalysisWorker) Submit(_ context.Context, sessionID string) error {
	w.Enqueue(sessionID)
	return nil
}

// Wait blocks until background analyses finish or ctx ends; on ctx expiry
// the remaining runs are cancelled.
func (w *AnalysisWorker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		w.cancel()
		<-done
		return ctx.Err()
	}
}

// Analyze evaluates each answered question, aggregates the emotion samples
// and stores the final score. It runs at most once per session: the
// completed -> analyzing transition decides who proceeds.
func (w *AnalysisWorker) Analyze(ctx context.Context, sessionID string) Summary {
	sum := Summary{SessionID: sessionID}
	log := w.Log.WithField("session_id", sessionID)

	// FinishAnalysis moves the session back to completed; the note marks a
	// run that already happened
	if ss, err := w.Sessions.Get(ctx, sessionID); err == nil && ss.Analysis != nil {
		log.Info("analysis skipped: already analysed")
		w.Metrics.RecordAnalysis(ctx, "skipped")
		return sum
	}

	ok, err := w.Sessions.BeginAnalysis(ctx, sessionID)
	if err != nil {
		sum.Err = err
		w.Metrics.RecordAnalysis(ctx, "error")
		log.WithError(err).Error("analysis could not start")
		return sum
	}
	if !ok {
		log.Info("analysis skipped: session not in completed state")
		w.Metrics.RecordAnalysis(ctx, "skipped")
		return sum
	}
	sum.Ran = true
	defer w.Slots.Release(modelslot.KindLLM)

	w.evaluateAnswers(ctx, sessionID, &sum, log)
	w.aggregateEmotion(ctx, sessionID, &sum, log)

	// the run context may have expired; the session must not stay analyzing
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	results, err := w.Evaluations.ListResults(fctx, sessionID)
	if err != nil {
		log.WithError(err).Warn("list qna results failed")
		sum.Partial = true
	}
	sum.FinalScore = meanScore(results)
	note := fmt.Sprintf("evaluated %d, skipped %d, failed %d answers; emotion report: %t",
		sum.Evaluated, sum.Skipped, sum.Failed, sum.EmotionReport)
	if err := w.Sessions.FinishAnalysis(fctx, sessionID, sum.FinalScore, note); err != nil {
		sum.Err = err
		log.WithError(err).Error("store final score failed")
	}

	if w.PurgeAudio {
		if n, err := w.Fragments.PurgeAudio(fctx, sessionID); err != nil {
			log.WithError(err).Warn("audio purge failed")
		} else {
			log.WithField("purged", n).Info("audio payloads purged")
		}
	}
	if w.Reports != nil {
		w.Reports.Invalidate(fctx, sessionID)
	}

	sum.Partial = sum.Partial || sum.Skipped > 0 || sum.Failed > 0 || !sum.EmotionReport
	status := "ok"
	if sum.Partial {
		status = "partial"
	}
	w.Metrics.RecordAnalysis(ctx, status)
	log.WithFields(logrus.Fields{
		"evaluated": sum.Evaluated,
		"skipped":   sum.Skipped,
		"failed":    sum.Failed,
		"emotion":   sum.EmotionReport,
	}).Info("analysis finished")
	return sum
}

func (w *AnalysisWorker) evaluateAnswers(ctx context.Context, sessionID string, sum *Summary, log *logrus.Entry) {
	rows, err := w.Transcripts.ListBySession(ctx, sessionID)
	if err != nil {
		log.WithError(err).Warn("list transcripts failed")
		sum.Partial = true
		return
	}

	answers := map[int64][]string{}
	for _, t := range rows {
		if t.IsSystem || t.QuestionID == nil {
			continue
		}
		answers[*t.QuestionID] = append(answers[*t.QuestionID], t.Text)
	}
	ids := make([]int64, 0, len(answers))
	for id := range answers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	questions, err := w.Evaluations.Questions(ctx, ids)
	if err != nil {
		log.WithError(err).Warn("load questions failed")
		sum.Failed += len(ids)
		return
	}

	for _, id := range ids {
		q, found := questions[id]
		answer := strings.TrimSpace(strings.Join(answers[id], " "))
		if !found || strings.TrimSpace(q.AnswerText) == "" || answer == "" {
			sum.Skipped++
			continue
		}

		var ev evaluation
		if err := w.generateJSON(ctx, evaluationPrompt(q.QuestionText, q.AnswerText, answer), &ev); err != nil {
			log.WithFields(logrus.Fields{"question_id": id, "error": err}).Warn("answer evaluation failed")
			sum.Failed++
			continue
		}
		_, err := w.Evaluations.SaveResult(ctx, &models.QnaResult{
			SessionID:  sessionID,
			QuestionID: id,
			Score:      clampScore(ev.Score),
			Feedback:   ev.Feedback,
			Strengths:  ev.Strengths,
			Weaknesses: ev.Weaknesses,
		})
		if err != nil {
			log.WithFields(logrus.Fields{"question_id": id, "error": err}).Warn("store evaluation failed")
			sum.Failed++
			continue
		}
		sum.Evaluated++
	}
}

func (w *AnalysisWorker) aggregateEmotion(ctx context.Context, sessionID string, sum *Summary, log *logrus.Entry) {
	samples, err := w.Emotions.ListSamples(ctx, sessionID)
	if err != nil {
		log.WithError(err).Warn("list emotion samples failed")
		sum.Partial = true
		return
	}
	if len(samples) == 0 {
		return
	}

	dist := map[string]int{}
	best := samples[0]
	for _, s := range samples {
		dist[s.Label]++
		if s.Confidence > best.Confidence {
			best = s
		}
	}
	distJSON, _ := json.Marshal(dist)

	res := &models.EmotionResult{
		SessionID:     sessionID,
		DominantLabel: best.Label,
		Confidence:    best.Confidence,
		Distribution:  datatypes.JSON(distJSON),
		SampleCount:   len(samples),
	}
	var nar narrative
	if err := w.generateJSON(ctx, emotionPrompt(best.Label, best.Confidence, dist, len(samples)), &nar); err != nil {
		// the aggregate is still worth keeping without the narrative
		log.WithError(err).Warn("emotion narrative failed")
		sum.Partial = true
	}
	res.Perception, res.Recommendation = nar.Perception, nar.Recommendation

	if _, err := w.Emotions.SaveResult(ctx, res); err != nil {
		log.WithError(err).Warn("store emotion result failed")
		sum.Partial = true
		return
	}
	sum.EmotionReport = true
}

// GenerateQuestions asks the model for count questions tailored to the
// session's CV and job description and stores them for the session.
func (w *AnalysisWorker) GenerateQuestions(ctx context.Context, sessionID string, count int) ([]models.Question, error) {
	const op = "AnalysisWorker.GenerateQuestions"

	if count <= 0 || count > 20 {
		return nil, utils.E(utils.CodeInvalidArgument, op, "count must be between 1 and 20", nil)
	}
	ss, err := w.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(ss.CVText) == "" && strings.TrimSpace(ss.JobDescription) == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session has no cv or job description", nil)
	}
	defer w.Slots.Release(modelslot.KindLLM)

	var gen []generated
	if err := w.generateJSON(ctx, questionsPrompt(ss.CVText, ss.JobDescription, count), &gen); err != nil {
		switch {
		case errors.Is(err, modelslot.ErrUnavailable):
			return nil, utils.E(utils.CodeUnavailable, op, "language model unavailable", err)
		case errors.Is(err, context.DeadlineExceeded):
			return nil, utils.E(utils.CodeTimeout, op, "language model timed out", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "question generation failed", err)
	}

	qs := make([]models.Question, 0, len(gen))
	for _, g := range gen {
		if strings.TrimSpace(g.Question) == "" {
			continue
		}
		qs = append(qs, models.Question{
			QuestionText: g.Question,
			AnswerText:   g.Answer,
			Difficulty:   difficulty(g.Difficulty),
			Topic:        g.Topic,
		})
		if len(qs) == count {
			break
		}
	}
	if len(qs) == 0 {
		return nil, utils.E(utils.CodeInternal, op, "model returned no questions", nil)
	}
	return w.Evaluations.SaveQuestions(ctx, sessionID, qs)
}

func (w *AnalysisWorker) generateJSON(ctx context.Context, prompt string, dst any) error {
	ictx, cancel := context.WithTimeout(ctx, w.InferenceTimeout)
	defer cancel()

	start := time.Now()
	var reply string
	err := w.Slots.Use(ictx, modelslot.KindLLM, func(m modelslot.Model) error {
		p, ok := m.(llm.Provider)
		if !ok {
			return errors.New("resident model is not a language model")
		}
		var err error
		reply, err = llm.Generate(ictx, p, prompt)
		return err
	})
	if err == nil {
		err = llm.DecodeJSON(reply, dst)
	}
	status := "ok"
	if err != nil {
		status = inferenceStatus(err)
	}
	w.Metrics.RecordInference(ctx, string(modelslot.KindLLM), status, time.Since(start))
	return err
}

func inferenceStatus(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}

func meanScore(rows []models.QnaResult) *int {
	if len(rows) == 0 {
		return nil
	}
	total := 0
	for _, r := range rows {
		total += r.Score
	}
	v := int(math.Round(float64(total) / float64(len(rows))))
	return &v
}

func clampScore(v int) int {
	return max(0, min(100, v))
}

func difficulty(s string) models.Difficulty {
	switch models.Difficulty(strings.ToLower(strings.TrimSpace(s))) {
	case models.DifficultyEasy:
		return models.DifficultyEasy
	case models.DifficultyHard:
		return models.DifficultyHard
	default:
		return models.DifficultyMedium
	}
}
