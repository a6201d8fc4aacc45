package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yoockh/intraview/internal/services"
	"github.com/yoockh/intraview/internal/utils"
	"github.com/yoockh/intraview/internal/workers"
)

type TranscriptionHandler struct {
	sessions    services.SessionService
	fragments   services.FragmentService
	transcripts services.TranscriptService
	worker      *workers.TranscriptionWorker
}

func NewTranscriptionHandler(sessions services.SessionService, fragments services.FragmentService, transcripts services.TranscriptService, worker *workers.TranscriptionWorker) *TranscriptionHandler {
	return &TranscriptionHandler{sessions: sessions, fragments: fragments, transcripts: transcripts, worker: worker}
}

func (h *TranscriptionHandler) authorized(c *gin.Context, op string) (string, bool) {
	sessionID := c.Param("session_id")
	sess, err := h.sessions.Get(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return "", false
	}
	return sessionID, authorize(c, op, sess)
}

func (h *TranscriptionHandler) Status(c *gin.Context) {
	sessionID, ok := h.authorized(c, "TranscriptionHandler.Status")
	if !ok {
		return
	}
	st, err := h.fragments.Stats(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":  sessionID,
		"total":       st.Total,
		"transcribed": st.Transcribed,
		"pending":     st.Pending,
		"failed":      st.Failed,
	})
}

func (h *TranscriptionHandler) FullText(c *gin.Context) {
	sessionID, ok := h.authorized(c, "TranscriptionHandler.FullText")
	if !ok {
		return
	}
	text, err := h.transcripts.FullText(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"text":       text,
	})
}

// Process re-transcribes the session's unprocessed audio. Admin only.
func (h *TranscriptionHandler) Process(c *gin.Context) {
	const op = "TranscriptionHandler.Process"

	sessionID, ok := h.authorized(c, op)
	if !ok {
		return
	}
	if h.sessions.IsConnected(c.Request.Context(), sessionID) {
		writeError(c, utils.E(utils.CodeConflict, op, "session has a live channel", nil))
		return
	}
	sum, err := h.worker.Reprocess(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"summary":    sum,
	})
}
