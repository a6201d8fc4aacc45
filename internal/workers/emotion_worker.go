package workers

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yoockh/intraview/internal/logger"
	"github.com/yoockh/intraview/internal/models"
	"github.com/yoockh/intraview/internal/modelslot"
	"github.com/yoockh/intraview/internal/observe"
	"github.com/yoockh/intraview/internal/protocol"
	"github.com/yoockh/intraview/internal/providers/emotion"
	"github.com/yoockh/intraview/internal/services"
)

type EmotionResult struct {
	SessionID  string
	FrameIndex int64
	Label      string
	Confidence float64
	Status     string // ok|unavailable
	Err        error
}

// EmotionWorker classifies single video frames. It holds no per-session
// state.
type EmotionWorker struct {
	slots     *modelslot.Manager
	fragments services.FragmentService
	emotions  services.EmotionService
	log       *logrus.Logger
	metrics   *observe.Metrics

	InferenceTimeout time.Duration
}

func NewEmotionWorker(slots *modelslot.Manager, fragments services.FragmentService, emotions services.EmotionService, log *logrus.Logger, metrics *observe.Metrics) *EmotionWorker {
	if log == nil {
		log = logger.Discard()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &EmotionWorker{
		slots:            slots,
		fragments:        fragments,
		emotions:         emotions,
		log:              log,
		metrics:          metrics,
		InferenceTimeout: 30 * time.Second,
	}
}

func (w *EmotionWorker) Classify(ctx context.Context, frag *models.MediaFragment, payload []byte) EmotionResult {
	res := EmotionResult{SessionID: frag.SessionID, FrameIndex: frag.SequenceIndex}
	log := w.log.WithFields(logrus.Fields{"session_id": frag.SessionID, "frame_index": frag.SequenceIndex})

	ictx, cancel := context.WithTimeout(ctx, w.InferenceTimeout)
	defer cancel()

	start := time.Now()
	var label string
	var conf float64
	err := w.slots.Use(ictx, modelslot.KindEmotion, func(m modelslot.Model) error {
		c, ok := m.(emotion.Classifier)
		if !ok {
			return errors.New("resident model is not an emotion classifier")
		}
		var err error
		label, conf, err = c.Classify(ictx, payload)
		return err
	})

	pctx := context.WithoutCancel(ctx)
	if err != nil {
		w.metrics.RecordInference(ctx, string(modelslot.KindEmotion), inferenceStatus(err), time.Since(start))
		log.WithError(err).Warn("emotion classification failed")
		res.Status, res.Err = protocol.StatusUnavailable, err
		if serr := w.fragments.SetResult(pctx, frag.SessionID, models.ModalityVideo, frag.SequenceIndex, models.FragmentResult{
			Status:        models.FragmentFailed,
			FailureReason: err.Error(),
		}); serr != nil {
			log.WithError(serr).Warn("mark fragment failed failed")
		}
		return res
	}
	w.metrics.RecordInference(ctx, string(modelslot.KindEmotion), "ok", time.Since(start))
	res.Status, res.Label, res.Confidence = protocol.StatusOK, label, conf

	if err := w.emotions.RecordSample(pctx, frag.SessionID, frag.SequenceIndex, res.Label, res.Confidence, frag.CapturedAt); err != nil {
		log.WithError(err).Error("emotion sample insert failed")
	}
	if err := w.fragments.SetResult(pctx, frag.SessionID, models.ModalityVideo, frag.SequenceIndex, models.FragmentResult{
		Status:       models.FragmentDone,
		EmotionLabel: res.Label,
		Confidence:   res.Confidence,
	}); err != nil {
		log.WithError(err).Warn("mark fragment done failed")
	}
	return res
}
