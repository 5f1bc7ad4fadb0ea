package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/socialhub/internal/models"
	"github.com/zulandar/socialhub/internal/scheduler"
)

func (h *handlers) listPosts(c *gin.Context) {
	posts := h.opts.Scheduler.List()
	if status := c.Query("status"); status != "" {
		filtered := posts[:0]
		for _, p := range posts {
			if string(p.Status) == status {
				filtered = append(filtered, p)
			}
		}
		posts = filtered
	}
	c.JSON(http.StatusOK, posts)
}

func (h *handlers) getPost(c *gin.Context) {
	post, err := h.opts.Scheduler.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, post)
}

// createPost accepts multipart form fields caption, platforms,
// scheduled_time and an optional photo file.
func (h *handlers) createPost(c *gin.Context) {
	platforms, err := formPlatforms(c)
	if err != nil {
		respondError(c, err)
		return
	}
	at, err := formTime(c, "scheduled_time")
	if err != nil {
		respondError(c, err)
		return
	}
	imagePath, err := h.saveUpload(c)
	if err != nil {
		respondError(c, err)
		return
	}

	post, err := h.opts.Scheduler.Create(c.Request.Context(), scheduler.CreateRequest{
		Caption:       c.PostForm("caption"),
		ImagePath:     imagePath,
		Platforms:     platforms,
		ScheduledTime: at,
		Source:        sourceOf(c, "web"),
	})
	if err != nil && post.ID == "" {
		h.dropUpload(imagePath)
		respondError(c, err)
		return
	}
	// A stored post whose trigger failed is still returned; restore will pick it up.
	if err != nil {
		logrus.WithField("post_id", post.ID).Warnf("api: post stored but not scheduled: %v", err)
	}
	c.JSON(http.StatusCreated, post)
}

type rescheduleBody struct {
	Caption       *string `json:"caption"`
	ScheduledTime string  `json:"scheduled_time" binding:"required"`
}

func (h *handlers) reschedulePost(c *gin.Context) {
	var body rescheduleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, fmt.Errorf("%w: %v", scheduler.ErrValidation, err))
		return
	}
	ts, err := models.ParseTimestamp(body.ScheduledTime)
	if err != nil {
		respondError(c, fmt.Errorf("%w: %v", scheduler.ErrValidation, err))
		return
	}
	post, err := h.opts.Scheduler.Reschedule(c.Request.Context(), c.Param("id"), scheduler.RescheduleRequest{
		Caption:       body.Caption,
		ScheduledTime: ts.Time,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, post)
}

func (h *handlers) cancelPost(c *gin.Context) {
	if err := h.opts.Scheduler.Cancel(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) runPost(c *gin.Context) {
	outcome, err := h.opts.Scheduler.RunNow(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcomeView(outcome))
}

// publishNow publishes a multipart upload immediately. It answers 500 when
// every platform failed.
func (h *handlers) publishNow(c *gin.Context) {
	platforms, err := formPlatforms(c)
	if err != nil {
		respondError(c, err)
		return
	}
	imagePath, err := h.saveUpload(c)
	if err != nil {
		respondError(c, err)
		return
	}

	outcome, err := h.opts.Scheduler.PublishNow(c.Request.Context(), scheduler.PublishRequest{
		Caption:   c.PostForm("caption"),
		ImagePath: imagePath,
		Platforms: platforms,
		Source:    sourceOf(c, "web"),
	})
	if err != nil {
		h.dropUpload(imagePath)
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if outcome.Status() == models.StatusFailed {
		status = http.StatusInternalServerError
	}
	c.JSON(status, outcomeView(outcome))
}

func outcomeView(o models.Outcome) gin.H {
	return gin.H{
		"status":    o.Status(),
		"results":   o.Results,
		"posted_to": o.Succeeded(),
		"failed_on": o.Failed(),
	}
}

// saveUpload stores the optional "photo" file and returns its path.
func (h *handlers) saveUpload(c *gin.Context) (string, error) {
	fh, err := c.FormFile("photo")
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: photo: %v", scheduler.ErrValidation, err)
	}
	f, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("api: open upload: %w", err)
	}
	defer f.Close()
	return h.opts.Media.Save(f, fh.Filename)
}

func (h *handlers) dropUpload(path string) {
	if path != "" {
		h.opts.Media.Remove(path)
	}
}

// formPlatforms reads "platforms" as a comma list or repeated fields.
func formPlatforms(c *gin.Context) ([]models.Platform, error) {
	raw := strings.Join(c.PostFormArray("platforms"), ",")
	platforms, err := models.ParsePlatformList(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", scheduler.ErrValidation, err)
	}
	return platforms, nil
}

func formTime(c *gin.Context, field string) (time.Time, error) {
	raw := c.PostForm(field)
	if raw == "" {
		return time.Time{}, nil
	}
	ts, err := models.ParseTimestamp(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %v", scheduler.ErrValidation, field, err)
	}
	return ts.Time, nil
}

func sourceOf(c *gin.Context, def string) string {
	if s := c.PostForm("source"); s != "" {
		return s
	}
	if s := c.GetHeader("X-Socialhub-Source"); s != "" {
		return s
	}
	return def
}
