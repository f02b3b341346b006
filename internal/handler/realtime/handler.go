package realtime

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/oriva/events-api/internal/handler"
	"github.com/oriva/events-api/internal/middleware"
	"github.com/oriva/events-api/internal/realtime"
	"github.com/oriva/events-api/pkg/logger"
)

type Handler struct {
	hub      *realtime.Hub
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

func NewHandler(hub *realtime.Hub, logger *logger.Logger) *Handler {
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser origins are enforced upstream by the gateway.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/realtime/ws", h.Connect)
}

// Connect upgrades the request and serves the socket until it closes. The
// optional app_ids query narrows which apps' notifications the client wants.
func (h *Handler) Connect(c *gin.Context) {
	userID, err := uuid.Parse(c.GetString(middleware.ContextUserID))
	if err != nil {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("invalid user ID"))
		return
	}
	appIDs := c.QueryArray("app_ids")

	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error(err, "websocket upgrade failed", "user_id", userID.String())
		return
	}

	conn, err := h.hub.Connect(c.Request.Context(), userID, appIDs, socket)
	if err != nil {
		socket.Close()
		return
	}

	// Blocks for the connection's lifetime. The hub evicts the connection on
	// read failure or heartbeat timeout.
	h.hub.Serve(c.Request.Context(), conn)
}
