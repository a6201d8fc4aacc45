package realtime

import (
	"context"
	"errors"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/intraview/internal/models"
	"github.com/yoockh/intraview/internal/modelslot"
	"github.com/yoockh/intraview/internal/protocol"
	"github.com/yoockh/intraview/internal/reassembly"
	"github.com/yoockh/intraview/internal/utils"
	"github.com/yoockh/intraview/internal/workers"
)

// handle dispatches one message. It returns false when the channel must
// close.
func (ch *channel) handle(mt int, data []byte) bool {
	if mt == websocket.BinaryMessage {
		ch.onBinary(data)
		return true
	}
	if mt != websocket.TextMessage {
		return true
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		ch.reject(protocol.CodeMalformed, err)
		return true
	}

	if msg.IsComplete() {
		ch.complete()
		return true
	}
	if _, media := msg.Modality(); media {
		ch.onHalf(msg)
		return true
	}
	switch msg.Type {
	case protocol.TypePing:
		_ = ch.out.send(protocol.Pong{Type: protocol.TypePong})
	case protocol.TypeSessionInit:
		return ch.accept(msg.SessionID)
	default:
		ch.reject(protocol.CodeMalformed, errors.New("unknown message type "+msg.Type))
	}
	return true
}

func (ch *channel) reject(code string, err error) {
	msg := err.Error()
	var ae *utils.AppError
	if errors.As(err, &ae) {
		msg = utils.SafeMessage(err)
	}
	ch.log.WithFields(logrus.Fields{"session_id": ch.sessionID, "code": code, "error": err}).Warn("message rejected")
	_ = ch.out.send(protocol.NewError(code, msg))
}

// violation closes the channel with reason; nothing has been created yet.
func (ch *channel) violation(code int, reason string) bool {
	ch.log.WithFields(logrus.Fields{"session_id": ch.sessionID, "close_code": code, "reason": reason}).Warn("channel refused")
	ch.out.closeWith(code, reason)
	return false
}

func (ch *channel) accept(sessionID string) bool {
	if ch.state != statePending {
		ch.reject(protocol.CodeMalformed, errors.New("session already initialised"))
		return true
	}
	if sessionID == "" {
		return ch.violation(websocket.ClosePolicyViolation, "session_id required")
	}
	h := ch.h

	ss, err := h.Sessions.RequireOngoing(ch.ctx, sessionID)
	if err != nil {
		if utils.IsCode(err, utils.CodeInternal) {
			return ch.violation(websocket.CloseInternalServerErr, "session lookup failed")
		}
		return ch.violation(websocket.ClosePolicyViolation, utils.SafeMessage(err))
	}
	if ch.subject != "" && ss.UserID != ch.subject {
		return ch.violation(websocket.ClosePolicyViolation, "session belongs to another user")
	}
	ok, err := h.Presence.Claim(ch.ctx, sessionID, ch.owner, h.cfg.PresenceTTL)
	if err != nil {
		ch.log.WithError(err).Error("presence claim failed")
		return ch.violation(websocket.CloseInternalServerErr, "presence unavailable")
	}
	if !ok {
		return ch.violation(websocket.ClosePolicyViolation, "session already has a live channel")
	}

	ch.sessionID = sessionID
	ch.log = ch.log.WithField("session_id", sessionID)
	ch.buf = reassembly.New(sessionID, h.cfg.Limits)
	ch.audio = workers.NewLane(ch.ctx, h.Pool, h.cfg.LaneQueue)
	ch.video = workers.NewLane(ch.ctx, h.Pool, h.cfg.LaneQueue)
	ch.state = stateOngoing
	ch.accepted.Store(true)
	h.Metrics.RecordChannel(ch.ctx, 1)

	ch.log.WithField("user_id", ss.UserID).Info("channel accepted")
	_ = ch.out.send(protocol.SessionInitAck{
		Type:      protocol.TypeSessionInitAck,
		SessionID: sessionID,
		Status:    string(models.SessionOngoing),
	})
	return true
}

// ingesting reports whether media may be accepted, answering with an error
// record when not.
func (ch *channel) ingesting() bool {
	switch ch.state {
	case stateOngoing:
		return true
	case statePending:
		ch.reject(protocol.CodeNotAccepted, errNotAccepted)
	default:
		ch.reject(protocol.CodeSessionClosed, errors.New("session already completed"))
	}
	return false
}

func (ch *channel) onBinary(data []byte) {
	if !ch.ingesting() {
		return
	}
	fr, err := protocol.ParseBinary(data)
	if err != nil {
		ch.reject(protocol.CodeMalformed, err)
		return
	}
	if fr.SessionID != ch.sessionID {
		ch.reject(protocol.CodeMalformed, errors.New("binary header session mismatch"))
		return
	}
	ch.pair(ch.buf.OnBlob(fr.Key, fr.Payload))
}

func (ch *channel) onHalf(msg *protocol.ClientMessage) {
	if !ch.ingesting() {
		return
	}
	if msg.SessionID != "" && msg.SessionID != ch.sessionID {
		ch.reject(protocol.CodeMalformed, errors.New("session_id does not match channel"))
		return
	}
	key, err := msg.Key()
	if err != nil {
		ch.reject(protocol.CodeMalformed, err)
		return
	}
	if msg.IsMetadata() {
		meta, err := msg.Metadata()
		if err != nil {
			ch.reject(protocol.CodeMalformed, err)
			return
		}
		ch.pair(ch.buf.OnMetadata(key, meta))
		return
	}
	payload, err := msg.Payload()
	if err != nil {
		ch.reject(protocol.CodeMalformed, err)
		return
	}
	ch.pair(ch.buf.OnBlob(key, payload))
}

func (ch *channel) pair(frag *reassembly.Fragment, err error) {
	switch {
	case errors.Is(err, reassembly.ErrBufferFull):
		ch.reject(protocol.CodeBufferFull, err)
	case errors.Is(err, reassembly.ErrDuplicateHalf):
		ch.reject(protocol.CodeMalformed, err)
	case err != nil:
		ch.reject(protocol.CodeInternal, err)
	case frag != nil:
		ch.ingest(frag)
	}
}

type stored struct {
	doc     *models.MediaFragment
	payload []byte
}

// persist stores a complete fragment before any inference sees it.
func (ch *channel) persist(frag *reassembly.Fragment) (*stored, bool) {
	h := ch.h
	modality := string(frag.Key.Modality)

	doc, err := h.Fragments.Store(ch.ctx, frag)
	if err != nil {
		if utils.IsCode(err, utils.CodeConflict) {
			h.Metrics.RecordFragment(ch.ctx, modality, "duplicate")
			ch.reject(protocol.CodeDuplicate, err)
		} else {
			h.Metrics.RecordFragment(ch.ctx, modality, "rejected")
			ch.reject(protocol.CodeStorage, err)
		}
		return nil, false
	}
	if err := h.Sessions.Touch(ch.ctx, ch.sessionID, frag.Key.Modality); err != nil {
		ch.log.WithError(err).Warn("touch session failed")
	}
	return &stored{doc: doc, payload: frag.Payload}, true
}

func (ch *channel) ingest(frag *reassembly.Fragment) {
	s, ok := ch.persist(frag)
	if !ok {
		return
	}
	modality := frag.Key.Modality

	err := ch.laneFor(modality).Submit(ch.guard(func(ctx context.Context) {
		ch.process(ctx, s)
	}))
	if err != nil {
		// stored with processed=false; Reprocess can pick it up later
		ch.h.Metrics.RecordFragment(ch.ctx, string(modality), "skipped")
		idx := frag.Key.Index
		_ = ch.out.send(protocol.Status{
			Type:     protocol.TypeStatus,
			Status:   protocol.StatusSkipped,
			Message:  "inference backlog full",
			Modality: string(modality),
			Index:    &idx,
		})
		return
	}
	ch.h.Metrics.RecordFragment(ch.ctx, string(modality), "queued")
}

func (ch *channel) process(ctx context.Context, s *stored) {
	if s.doc.Modality == models.ModalityVideo {
		ch.emitEmotion(ch.h.Emotions.Classify(ctx, s.doc, s.payload))
		return
	}
	ch.emitTranscription(ch.h.Transcriber.Transcribe(ctx, s.doc, s.payload))
}

func (ch *channel) emitTranscription(res workers.TranscriptionResult) {
	if res.Status == protocol.StatusBuffered {
		idx := res.ChunkIndex
		_ = ch.out.send(protocol.Status{
			Type:     protocol.TypeStatus,
			Status:   protocol.StatusBuffered,
			Message:  "chunk buffered for batch transcription",
			Modality: string(models.ModalityAudio),
			Index:    &idx,
		})
		return
	}
	_ = ch.out.sendSeq(func(seq uint64) any {
		return protocol.Transcription{
			Type:       protocol.TypeTranscription,
			Seq:        seq,
			ChunkIndex: res.ChunkIndex,
			QuestionID: res.QuestionID,
			Text:       res.Text,
			Status:     res.Status,
		}
	})
}

func (ch *channel) emitEmotion(res workers.EmotionResult) {
	_ = ch.out.sendSeq(func(seq uint64) any {
		return protocol.EmotionAnalysis{
			Type:       protocol.TypeEmotionAnalysis,
			Seq:        seq,
			FrameIndex: res.FrameIndex,
			Label:      res.Label,
			Confidence: res.Confidence,
			Status:     res.Status,
		}
	})
}

// complete runs the completion handshake. Each step is best-effort; the
// committed status is never rolled back.
func (ch *channel) complete() {
	switch ch.state {
	case statePending:
		ch.reject(protocol.CodeNotAccepted, errNotAccepted)
		return
	case stateCompleted:
		_ = ch.out.send(protocol.CompleteAck{
			Type:             protocol.TypeCompleteAck,
			SessionID:        ch.sessionID,
			AlreadyCompleted: true,
		})
		return
	}
	h := ch.h
	ch.state = stateCompleting

	// audio payloads whose metadata never came are still speech
	var orphans []*stored
	for _, o := range ch.buf.TakeOrphanBlobs(models.ModalityAudio) {
		if s, ok := ch.persist(&o); ok {
			orphans = append(orphans, s)
		}
	}
	dropped := ch.buf.Discard()

	ch.audio.Close(ch.guard(func(ctx context.Context) {
		for _, s := range orphans {
			ch.emitTranscription(h.Transcriber.Transcribe(ctx, s.doc, s.payload))
		}
		if res, ok := h.Transcriber.Flush(ctx, ch.sessionID); ok {
			ch.emitTranscription(res)
		}
	}))
	ch.video.Close(nil)

	wctx, cancel := context.WithTimeout(ch.ctx, h.cfg.DrainTimeout)
	if err := ch.audio.Wait(wctx); err != nil {
		ch.log.WithError(err).Warn("audio lane drain timed out")
	}
	if err := ch.video.Wait(wctx); err != nil {
		ch.log.WithError(err).Warn("video lane drain timed out")
	}
	cancel()

	sctx := context.WithoutCancel(ch.ctx)
	done, err := h.Sessions.Complete(sctx, ch.sessionID)
	if err != nil {
		ch.log.WithError(err).Error("mark session completed failed")
	}
	h.Slots.Release(modelslot.KindSTT)
	h.Slots.Release(modelslot.KindEmotion)

	queued := false
	if done && h.Analyzer != nil {
		if err := h.Analyzer.Submit(sctx, ch.sessionID); err != nil {
			ch.log.WithError(err).Error("queue analysis failed")
		} else {
			queued = true
		}
	}
	ch.state = stateCompleted

	ch.log.WithFields(logrus.Fields{
		"orphan_audio":     len(orphans),
		"dropped_partials": dropped,
		"analysis_queued":  queued,
	}).Info("session completed")
	_ = ch.out.send(protocol.CompleteAck{
		Type:           protocol.TypeCompleteAck,
		SessionID:      ch.sessionID,
		AnalysisQueued: queued,
	})
}
