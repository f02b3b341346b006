package webhook

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/oriva/events-api/internal/handler"
	"github.com/oriva/events-api/internal/middleware"
	webhookService "github.com/oriva/events-api/internal/service/webhook"
)

type Handler struct {
	service *webhookService.Service
}

func NewHandler(service *webhookService.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("", h.Register)
		webhooks.GET("", h.List)
		webhooks.PATCH("/:id", h.SetActive)
		webhooks.GET("/:id/logs", h.Logs)
	}
}

type registerRequest struct {
	URL        string   `json:"url" binding:"required,url"`
	Secret     string   `json:"secret" binding:"required"`
	EventTypes []string `json:"event_types" binding:"required,min=1,dive,event_type"`
}

func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	sub, err := h.service.Register(c.Request.Context(), c.GetString(middleware.ContextAppID), req.URL, req.Secret, req.EventTypes)
	if err != nil {
		c.JSON(handler.StatusForError(err), handler.NewErrorResponse(err.Error()))
		return
	}

	c.JSON(http.StatusCreated, handler.NewSuccessResponse(sub))
}

func (h *Handler) List(c *gin.Context) {
	subs, err := h.service.ListForApp(c.Request.Context(), c.GetString(middleware.ContextAppID))
	if err != nil {
		c.JSON(handler.StatusForError(err), handler.NewErrorResponse(err.Error()))
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(subs))
}

type setActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

func (h *Handler) SetActive(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid webhook ID"))
		return
	}

	var req setActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	if err := h.service.SetActive(c.Request.Context(), id, c.GetString(middleware.ContextAppID), *req.Active); err != nil {
		c.JSON(handler.StatusForError(err), handler.NewErrorResponse(err.Error()))
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(nil))
}

func (h *Handler) Logs(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid webhook ID"))
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	logs, err := h.service.Logs(c.Request.Context(), id, c.GetString(middleware.ContextAppID), limit)
	if err != nil {
		c.JSON(handler.StatusForError(err), handler.NewErrorResponse(err.Error()))
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(logs))
}
