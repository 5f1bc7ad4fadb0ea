package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/socialhub/internal/media"
	"github.com/zulandar/socialhub/internal/scheduler"
)

type handlers struct {
	opts    StartOpts
	started time.Time
}

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, h *handlers) {
	router.Static("/media", h.opts.Media.Dir())

	api := router.Group("/api")
	api.GET("/health", h.health)

	api.GET("/posts", h.listPosts)
	api.POST("/posts", h.createPost)
	api.GET("/posts/:id", h.getPost)
	api.PATCH("/posts/:id", h.reschedulePost)
	api.DELETE("/posts/:id", h.cancelPost)
	api.POST("/posts/:id/run", h.runPost)
	api.GET("/pending", h.pending)

	api.POST("/publish", h.publishNow)

	api.POST("/generate-content", h.generateContent)
	api.POST("/refine-content", h.refineContent)
	api.POST("/regenerate-content", h.regenerateContent)

	api.GET("/verify", h.verify)
	api.GET("/events", h.events)
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"uptime":    time.Since(h.started).Round(time.Second).String(),
		"pending":   len(h.opts.Scheduler.Pending()),
		"platforms": h.opts.Platforms,
		"generator": h.opts.Generator != nil,
	})
}

func (h *handlers) pending(c *gin.Context) {
	c.JSON(http.StatusOK, h.opts.Scheduler.Pending())
}

func (h *handlers) verify(c *gin.Context) {
	if h.opts.Verifier == nil {
		abortError(c, http.StatusServiceUnavailable, errors.New("verification is not available"))
		return
	}
	c.JSON(http.StatusOK, h.opts.Verifier.VerifyAll(c.Request.Context()))
}

// abortError writes a JSON error body.
func abortError(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrValidation), errors.Is(err, media.ErrEmpty):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrAlreadyDispatched):
		return http.StatusConflict
	case errors.Is(err, media.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, media.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logrus.WithField("path", c.FullPath()).Errorf("api: %v", err)
	}
	abortError(c, status, err)
}
