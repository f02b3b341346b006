package notification

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/oriva/events-api/internal/handler"
	"github.com/oriva/events-api/internal/middleware"
	"github.com/oriva/events-api/internal/model"
	notificationService "github.com/oriva/events-api/internal/service/notification"
)

type Handler struct {
	service *notificationService.Service
}

func NewHandler(service *notificationService.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	notifications := r.Group("/notifications")
	{
		notifications.GET("", h.Poll)
		notifications.POST("/:id/read", h.MarkRead)
		notifications.GET("/:id/delivery", h.DeliveryStatus)
	}

	preferences := r.Group("/notification-preferences")
	{
		preferences.GET("", h.GetPreferences)
		preferences.PUT("", h.UpdatePreferences)
	}
}

// Poll returns persisted notifications newest-first. Clients without a live
// socket call this on an interval.
func (h *Handler) Poll(c *gin.Context) {
	userID, err := callerID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("invalid user ID"))
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	appIDs := c.QueryArray("app_ids")

	var since *time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse("since must be RFC3339"))
			return
		}
		since = &t
	}

	notifications, err := h.service.Poll(c.Request.Context(), userID, appIDs, limit, since)
	if err != nil {
		c.JSON(handler.StatusForError(err), handler.NewErrorResponse(err.Error()))
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(notifications))
}

func (h *Handler) MarkRead(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid notification ID"))
		return
	}

	userID, err := callerID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("invalid user ID"))
		return
	}

	if err := h.service.MarkRead(c.Request.Context(), id, userID); err != nil {
		c.JSON(handler.StatusForError(err), handler.NewErrorResponse(err.Error()))
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(nil))
}

func (h *Handler) DeliveryStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid notification ID"))
		return
	}

	attempts, err := h.service.DeliveryStatus(c.Request.Context(), id)
	if err != nil {
		c.JSON(handler.StatusForError(err), handler.NewErrorResponse(err.Error()))
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(attempts))
}

func (h *Handler) GetPreferences(c *gin.Context) {
	userID, err := callerID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("invalid user ID"))
		return
	}

	prefs, err := h.service.GetPreferences(c.Request.Context(), userID)
	if err != nil {
		c.JSON(handler.StatusForError(err), handler.NewErrorResponse(err.Error()))
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(prefs))
}

type updatePreferencesRequest struct {
	Channels          map[string]model.ChannelPreference `json:"channels"`
	NotificationTypes map[string]model.TypePreference    `json:"notification_types"`
	UnsubscribedTypes []string                           `json:"unsubscribed_types"`
}

func (h *Handler) UpdatePreferences(c *gin.Context) {
	userID, err := callerID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("invalid user ID"))
		return
	}

	var req updatePreferencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	prefs := &model.NotificationPreferences{
		UserID:            userID,
		Channels:          req.Channels,
		NotificationTypes: req.NotificationTypes,
		UnsubscribedTypes: req.UnsubscribedTypes,
	}

	if err := h.service.UpdatePreferences(c.Request.Context(), prefs); err != nil {
		c.JSON(handler.StatusForError(err), handler.NewErrorResponse(err.Error()))
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(prefs))
}

func callerID(c *gin.Context) (uuid.UUID, error) {
	return uuid.Parse(c.GetString(middleware.ContextUserID))
}
