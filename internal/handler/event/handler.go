package event

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/oriva/events-api/internal/handler"
	"github.com/oriva/events-api/internal/middleware"
	"github.com/oriva/events-api/internal/model"
	eventService "github.com/oriva/events-api/internal/service/event"
)

type Handler struct {
	service *eventService.Service
}

func NewHandler(service *eventService.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	events := r.Group("/events")
	{
		events.POST("", h.Publish)
		events.GET("", h.History)
		events.POST("/subscriptions", h.Subscribe)
		events.GET("/subscriptions", h.ListSubscriptions)
		events.DELETE("/subscriptions/:id", h.Unsubscribe)
	}
}

func (h *Handler) Publish(c *gin.Context) {
	var req eventService.PublishInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}
	req.CorrelationID = c.GetString(middleware.ContextCorrelationID)

	source := model.EventSource{
		AppID:   c.GetString(middleware.ContextAppID),
		AppName: c.GetHeader("X-App-Name"),
		Version: c.GetHeader("X-App-Version"),
	}

	userID, err := callerID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("invalid user ID"))
		return
	}

	event, err := h.service.Publish(c.Request.Context(), source, &userID, &req)
	if err != nil {
		c.JSON(handler.StatusForError(err), handler.NewErrorResponse(err.Error()))
		return
	}

	c.Header(middleware.HeaderXCorrelationID, event.CorrelationID)
	c.JSON(http.StatusCreated, handler.NewSuccessResponse(event))
}

func (h *Handler) History(c *gin.Context) {
	userID, err := callerID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("invalid user ID"))
		return
	}

	var filter model.EventFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))

	events, err := h.service.EventHistory(c.Request.Context(), userID, c.GetString(middleware.ContextAppID), &filter, limit, offset)
	if err != nil {
		c.JSON(handler.StatusForError(err), handler.NewErrorResponse(err.Error()))
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(events))
}

func (h *Handler) Subscribe(c *gin.Context) {
	var req eventService.SubscribeInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	userID, err := callerID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("invalid user ID"))
		return
	}

	// REST subscriptions have no in-process handler; consumers pick events up
	// through history, polling, or a live socket.
	sub, err := h.service.Subscribe(c.Request.Context(), userID, c.GetString(middleware.ContextAppID), &req, nil)
	if err != nil {
		c.JSON(handler.StatusForError(err), handler.NewErrorResponse(err.Error()))
		return
	}

	c.JSON(http.StatusCreated, handler.NewSuccessResponse(sub))
}

func (h *Handler) ListSubscriptions(c *gin.Context) {
	userID, err := callerID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("invalid user ID"))
		return
	}

	subs, err := h.service.Subscriptions(c.Request.Context(), userID, c.GetString(middleware.ContextAppID))
	if err != nil {
		c.JSON(handler.StatusForError(err), handler.NewErrorResponse(err.Error()))
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(subs))
}

func (h *Handler) Unsubscribe(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid subscription ID"))
		return
	}

	userID, err := callerID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("invalid user ID"))
		return
	}

	if err := h.service.Unsubscribe(c.Request.Context(), id, userID); err != nil {
		c.JSON(handler.StatusForError(err), handler.NewErrorResponse(err.Error()))
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(nil))
}

func callerID(c *gin.Context) (uuid.UUID, error) {
	return uuid.Parse(c.GetString(middleware.ContextUserID))
}
