package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/yoockh/intraview/internal/realtime"
)

type WSHandler struct {
	rt       *realtime.Handler
	upgrader websocket.Upgrader
}

// NewWSHandler accepts any origin when allowedOrigins is empty.
func NewWSHandler(rt *realtime.Handler, allowedOrigins []string) *WSHandler {
	allow := map[string]struct{}{}
	for _, o := range allowedOrigins {
		allow[o] = struct{}{}
	}
	return &WSHandler{
		rt: rt,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 16 << 10,
			CheckOrigin: func(r *http.Request) bool {
				if len(allow) == 0 {
					return true
				}
				_, ok := allow[r.Header.Get("Origin")]
				return ok
			},
		},
	}
}

// MediaStream upgrades the request and runs the channel. The session is
// named by the client's session_init, not the URL.
func (h *WSHandler) MediaStream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrade already wrote response in most cases
		return
	}
	h.rt.Serve(c.Request.Context(), conn, subject(c))
}
