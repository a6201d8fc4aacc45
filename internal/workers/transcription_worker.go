package workers

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yoockh/intraview/internal/logger"
	"github.com/yoockh/intraview/internal/models"
	"github.com/yoockh/intraview/internal/modelslot"
	"github.com/yoockh/intraview/internal/observe"
	"github.com/yoockh/intraview/internal/protocol"
	"github.com/yoockh/intraview/internal/providers/stt"
	"github.com/yoockh/intraview/internal/services"
)

type TranscriptionResult struct {
	SessionID  string
	ChunkIndex int64 // last chunk covered
	QuestionID *int64
	Text       string
	Confidence float64
	Status     string // ok|unavailable|buffered
	Err        error
}

type ReprocessSummary struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Missing   int `json:"missing"`
}

type batch struct {
	chunks []models.MediaFragment
	audio  []byte
}

// TranscriptionWorker turns stored audio chunks into transcript rows. Chunks
// are accumulated per session until MinBatchBytes is reached and then
// recognised in one call.
type TranscriptionWorker struct {
	slots       *modelslot.Manager
	fragments   services.FragmentService
	transcripts services.TranscriptService
	log         *logrus.Logger
	metrics     *observe.Metrics

	Language         string
	MinBatchBytes    int
	InferenceTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*batch
}

func NewTranscriptionWorker(slots *modelslot.Manager, fragments services.FragmentService, transcripts services.TranscriptService, log *logrus.Logger, metrics *observe.Metrics) *TranscriptionWorker {
	if log == nil {
		log = logger.Discard()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &TranscriptionWorker{
		slots:            slots,
		fragments:        fragments,
		transcripts:      transcripts,
		log:              log,
		metrics:          metrics,
		Language:         "en-US",
		InferenceTimeout: 30 * time.Second,
		pending:          map[string]*batch{},
	}
}

func normalizeLanguage(v string) string {
	v = strings.TrimSpace(v)
	switch v {
	case "id", "id-ID":
		return "id-ID"
	case "en", "en-US", "":
		return "en-US"
	default:
		return v
	}
}

// Transcribe adds one stored chunk to the session batch and recognises the
// batch once it is large enough. Calls for one session must be serial.
func (w *TranscriptionWorker) Transcribe(ctx context.Context, frag *models.MediaFragment, payload []byte) TranscriptionResult {
	if err := ctx.Err(); err != nil {
		// left unprocessed for Reprocess
		return TranscriptionResult{
			SessionID:  frag.SessionID,
			ChunkIndex: frag.SequenceIndex,
			QuestionID: frag.QuestionID,
			Status:     protocol.StatusUnavailable,
			Err:        err,
		}
	}
	w.mu.Lock()
	b := w.pending[frag.SessionID]
	if b == nil {
		b = &batch{}
		w.pending[frag.SessionID] = b
	}
	b.chunks = append(b.chunks, *frag)
	b.audio = append(b.audio, payload...)
	if len(b.audio) < w.MinBatchBytes {
		w.mu.Unlock()
		return TranscriptionResult{
			SessionID:  frag.SessionID,
			ChunkIndex: frag.SequenceIndex,
			QuestionID: frag.QuestionID,
			Status:     protocol.StatusBuffered,
		}
	}
	delete(w.pending, frag.SessionID)
	w.mu.Unlock()

	return w.run(ctx, b)
}

// Flush recognises whatever the session has accumulated. ok is false when
// nothing was pending.
func (w *TranscriptionWorker) Flush(ctx context.Context, sessionID string) (TranscriptionResult, bool) {
	w.mu.Lock()
	b := w.pending[sessionID]
	delete(w.pending, sessionID)
	w.mu.Unlock()
	if b == nil || len(b.chunks) == 0 {
		return TranscriptionResult{}, false
	}
	return w.run(ctx, b), true
}

// Discard drops the session accumulator. Its chunks stay unprocessed in the
// store and can be picked up by Reprocess.
func (w *TranscriptionWorker) Discard(sessionID string) {
	w.mu.Lock()
	delete(w.pending, sessionID)
	w.mu.Unlock()
}

// Reprocess re-runs recognition for stored chunks that never completed,
// reading payloads back from blob storage. Each chunk is recognised alone.
func (w *TranscriptionWorker) Reprocess(ctx context.Context, sessionID string) (ReprocessSummary, error) {
	var sum ReprocessSummary
	frs, err := w.fragments.ListUnprocessed(ctx, sessionID, models.ModalityAudio)
	if err != nil {
		return sum, err
	}
	defer w.slots.Release(modelslot.KindSTT)

	for i := range frs {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		f := frs[i]
		payload, err := w.fragments.LoadPayload(ctx, &f)
		if err != nil {
			sum.Missing++
			w.markFailed(ctx, []models.MediaFragment{f}, "payload unavailable: "+err.Error())
			continue
		}
		res := w.run(ctx, &batch{chunks: []models.MediaFragment{f}, audio: payload})
		if res.Status == protocol.StatusOK {
			sum.Processed++
		} else {
			sum.Failed++
		}
	}
	return sum, nil
}

func (w *TranscriptionWorker) run(ctx context.Context, b *batch) TranscriptionResult {
	last := b.chunks[len(b.chunks)-1]
	res := TranscriptionResult{
		SessionID:  last.SessionID,
		ChunkIndex: last.SequenceIndex,
		QuestionID: last.QuestionID,
	}
	log := w.log.WithFields(logrus.Fields{
		"session_id":  last.SessionID,
		"chunk_index": last.SequenceIndex,
		"chunks":      len(b.chunks),
	})

	ictx, cancel := context.WithTimeout(ctx, w.InferenceTimeout)
	defer cancel()

	start := time.Now()
	var text string
	var conf float64
	// text and conf belong to the call until Use returns nil
	err := w.slots.Use(ictx, modelslot.KindSTT, func(m modelslot.Model) error {
		p, ok := m.(stt.Provider)
		if !ok {
			return errors.New("resident model is not a speech provider")
		}
		var err error
		text, conf, err = p.Transcribe(ictx, b.audio, normalizeLanguage(w.Language))
		return err
	})
	if err != nil {
		w.metrics.RecordInference(ctx, string(modelslot.KindSTT), inferenceStatus(err), time.Since(start))
		log.WithError(err).Warn("stt failed")
		res.Status, res.Err = protocol.StatusUnavailable, err
		w.markFailed(ctx, b.chunks, err.Error())
		return res
	}
	w.metrics.RecordInference(ctx, string(modelslot.KindSTT), "ok", time.Since(start))
	res.Status, res.Text, res.Confidence = protocol.StatusOK, strings.TrimSpace(text), conf

	// results of a finished call are kept even if the session went away
	pctx := context.WithoutCancel(ctx)
	// empty text is silence, not an error
	if res.Text != "" {
		if _, err := w.transcripts.Append(pctx, last.SessionID, last.QuestionID, last.SequenceIndex, res.Text); err != nil {
			log.WithError(err).Error("transcript insert failed")
		}
	}
	for i, f := range b.chunks {
		r := models.FragmentResult{Status: models.FragmentDone}
		if i == len(b.chunks)-1 {
			r.Transcript = res.Text
		}
		if err := w.fragments.SetResult(pctx, f.SessionID, models.ModalityAudio, f.SequenceIndex, r); err != nil {
			log.WithError(err).Warn("mark fragment done failed")
		}
	}
	return res
}

func (w *TranscriptionWorker) markFailed(ctx context.Context, chunks []models.MediaFragment, reason string) {
	// the inference context may be the one that expired
	ctx = context.WithoutCancel(ctx)
	for _, f := range chunks {
		err := w.fragments.SetResult(ctx, f.SessionID, models.ModalityAudio, f.SequenceIndex, models.FragmentResult{
			Status:        models.FragmentFailed,
			FailureReason: reason,
		})
		if err != nil {
			w.log.WithFields(logrus.Fields{"session_id": f.SessionID, "chunk_index": f.SequenceIndex, "error": err}).Warn("mark fragment failed failed")
		}
	}
}
