package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yoockh/intraview/internal/api/handlers"
	"github.com/yoockh/intraview/internal/api/middleware"
)

type Deps struct {
	Session       *handlers.SessionHandler
	Transcription *handlers.TranscriptionHandler
	WS            *handlers.WSHandler
	JWT           middleware.JWTConfig
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	// Health-ish
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "pong"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Protected routes (JWT)
	auth := r.Group("/")
	auth.Use(middleware.JWTAuth(d.JWT))

	auth.GET("/sessions/:session_id/status", d.Session.Status)
	auth.GET("/sessions/:session_id/report", d.Session.Report)
	auth.GET("/sessions/:session_id/questions", d.Session.ListQuestions)
	auth.POST("/sessions/:session_id/questions", d.Session.GenerateQuestions)

	auth.GET("/transcription/status/:session_id", d.Transcription.Status)
	auth.GET("/transcription/full-text/:session_id", d.Transcription.FullText)
	auth.POST("/transcription/process/:session_id", middleware.RequireAdmin(), d.Transcription.Process)

	// WebSocket
	auth.GET("/ws/media-stream", d.WS.MediaStream)
}
