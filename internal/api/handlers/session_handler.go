package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yoockh/intraview/internal/models"
	"github.com/yoockh/intraview/internal/services"
	"github.com/yoockh/intraview/internal/utils"
	"github.com/yoockh/intraview/internal/workers"
)

type SessionHandler struct {
	sessions services.SessionService
	evals    services.EvaluationService
	reports  services.ReportService
	analysis *workers.AnalysisWorker
}

func NewSessionHandler(sessions services.SessionService, evals services.EvaluationService, reports services.ReportService, analysis *workers.AnalysisWorker) *SessionHandler {
	return &SessionHandler{sessions: sessions, evals: evals, reports: reports, analysis: analysis}
}

type SessionStatusResponse struct {
	SessionID    string               `json:"session_id"`
	Status       models.SessionStatus `json:"status"`
	StartTime    time.Time            `json:"start_time"`
	EndTime      *time.Time           `json:"end_time,omitempty"`
	LastActivity time.Time            `json:"last_activity"`
	TotalChunks  int64                `json:"total_chunks"`
	TotalFrames  int64                `json:"total_frames"`
	FinalScore   *int                 `json:"final_score,omitempty"`
	IsConnected  bool                 `json:"is_connected"`
}

func (h *SessionHandler) load(c *gin.Context, op string) (*models.Session, bool) {
	sess, err := h.sessions.Get(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if !authorize(c, op, sess) {
		return nil, false
	}
	return sess, true
}

func (h *SessionHandler) Status(c *gin.Context) {
	sess, ok := h.load(c, "SessionHandler.Status")
	if !ok {
		return
	}
	c.JSON(http.StatusOK, SessionStatusResponse{
		SessionID:    sess.ID,
		Status:       sess.Status,
		StartTime:    sess.StartTime,
		EndTime:      sess.EndTime,
		LastActivity: sess.LastActivity,
		TotalChunks:  sess.TotalChunks,
		TotalFrames:  sess.TotalFrames,
		FinalScore:   sess.FinalScore,
		IsConnected:  h.sessions.IsConnected(c.Request.Context(), sess.ID),
	})
}

func (h *SessionHandler) Report(c *gin.Context) {
	sess, ok := h.load(c, "SessionHandler.Report")
	if !ok {
		return
	}
	rep, err := h.reports.Get(c.Request.Context(), sess.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

type GenerateQuestionsRequest struct {
	Count int `json:"count"`
}

func (h *SessionHandler) GenerateQuestions(c *gin.Context) {
	sess, ok := h.load(c, "SessionHandler.GenerateQuestions")
	if !ok {
		return
	}

	req := GenerateQuestionsRequest{Count: 5}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, utils.E(utils.CodeInvalidArgument, "SessionHandler.GenerateQuestions", "invalid request body", err))
			return
		}
	}

	qs, err := h.analysis.GenerateQuestions(c.Request.Context(), sess.ID, req.Count)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session_id": sess.ID,
		"questions":  qs,
	})
}

func (h *SessionHandler) ListQuestions(c *gin.Context) {
	sess, ok := h.load(c, "SessionHandler.ListQuestions")
	if !ok {
		return
	}
	qs, err := h.evals.ListQuestions(c.Request.Context(), sess.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": sess.ID,
		"questions":  qs,
	})
}
