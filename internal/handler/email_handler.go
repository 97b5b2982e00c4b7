package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailqueue/internal/repository"
	"mailqueue/internal/service"
	"mailqueue/pkg/logger"
)

// UserHeader names the owning user of a list request.
const UserHeader = "X-User-ID"

type EmailHandler struct {
	queue  *service.QueueService
	logger *zap.Logger
}

func NewEmailHandler(queue *service.QueueService, logger *zap.Logger) *EmailHandler {
	return &EmailHandler{queue: queue, logger: logger}
}

// Greeting handles GET /
func (h *EmailHandler) Greeting(c *gin.Context) {
	c.String(http.StatusOK, "Email queue is running")
}

// List handles GET /email
func (h *EmailHandler) List(c *gin.Context) {
	user := strings.TrimSpace(c.GetHeader(UserHeader))
	if user == "" {
		user = strings.TrimSpace(c.Query("user"))
	}
	if user == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user is required"})
		return
	}

	items, err := h.queue.List(c.Request.Context(), user)
	if err != nil {
		h.writeError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, items)
}

// Create handles POST /email
func (h *EmailHandler) Create(c *gin.Context) {
	var req service.NewEmail
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	item, err := h.queue.Insert(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err, req.PublicID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"email": item})
}

// MarkDone handles POST /email/:publicId/done
func (h *EmailHandler) MarkDone(c *gin.Context) {
	publicID := c.Param("publicId")
	item, err := h.queue.MarkDone(c.Request.Context(), publicID)
	if err != nil {
		h.writeError(c, err, publicID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"email": item})
}

// MarkCleared handles POST /email/:publicId/clear
func (h *EmailHandler) MarkCleared(c *gin.Context) {
	publicID := c.Param("publicId")
	item, err := h.queue.MarkCleared(c.Request.Context(), publicID)
	if err != nil {
		h.writeError(c, err, publicID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"email": item})
}

func (h *EmailHandler) writeError(c *gin.Context, err error, publicID string) {
	kind := service.ErrorKind(err)
	log := logger.WithTrace(c.Request.Context(), h.logger).With(
		zap.String("path", c.FullPath()),
		zap.String("error_kind", kind),
	)

	switch kind {
	case service.KindInvalid:
		c.JSON(http.StatusBadRequest, gin.H{"error": strings.TrimPrefix(err.Error(), service.ErrInvalid.Error()+": ")})
	case service.KindNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "email not found", "publicId": publicID})
	case service.KindTransitionRejected:
		var transitionErr *repository.TransitionError
		errors.As(err, &transitionErr)
		log.Info("status change rejected", zap.String("public_id", publicID), zap.Error(err))
		c.JSON(http.StatusConflict, gin.H{
			"error":    "status change not allowed",
			"publicId": publicID,
			"status":   transitionErr.From,
		})
	case service.KindDuplicate:
		c.JSON(http.StatusConflict, gin.H{"error": "email already exists"})
	default:
		log.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
