package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/socialhub/internal/generate"
	"github.com/zulandar/socialhub/internal/models"
	"github.com/zulandar/socialhub/internal/scheduler"
)

var errNoGenerator = errors.New("content generation is not configured")

type generateBody struct {
	Topic         string   `json:"topic" binding:"required"`
	Tone          string   `json:"tone"`
	ImageStyle    string   `json:"image_style"`
	GenerateImage *bool    `json:"generate_image"`
	Platforms     []string `json:"platforms"`
}

func (h *handlers) generateContent(c *gin.Context) {
	if h.opts.Generator == nil {
		abortError(c, http.StatusServiceUnavailable, errNoGenerator)
		return
	}
	var body generateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, fmt.Errorf("%w: %v", scheduler.ErrValidation, err))
		return
	}
	var platforms []models.Platform
	for _, name := range body.Platforms {
		p, err := models.ParsePlatform(name)
		if err != nil {
			respondError(c, fmt.Errorf("%w: %v", scheduler.ErrValidation, err))
			return
		}
		platforms = append(platforms, p)
	}
	withImage := body.GenerateImage == nil || *body.GenerateImage

	draft, err := h.opts.Generator.Generate(c.Request.Context(), generate.Request{
		Topic:         body.Topic,
		Tone:          body.Tone,
		ImageStyle:    body.ImageStyle,
		GenerateImage: withImage,
		Platforms:     platforms,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"draft":     draft,
		"image_url": mediaURL(draft.ImagePath),
	})
}

type refineBody struct {
	Platform     string `json:"platform" binding:"required"`
	Content      string `json:"content" binding:"required"`
	Instructions string `json:"instructions" binding:"required"`
}

func (h *handlers) refineContent(c *gin.Context) {
	if h.opts.Generator == nil {
		abortError(c, http.StatusServiceUnavailable, errNoGenerator)
		return
	}
	var body refineBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, fmt.Errorf("%w: %v", scheduler.ErrValidation, err))
		return
	}
	p, err := models.ParsePlatform(body.Platform)
	if err != nil {
		respondError(c, fmt.Errorf("%w: %v", scheduler.ErrValidation, err))
		return
	}
	out, err := h.opts.Generator.Refine(c.Request.Context(), p, body.Content, body.Instructions)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"platform": p, "content": out})
}

type regenerateBody struct {
	Topic           string `json:"topic" binding:"required"`
	Platform        string `json:"platform" binding:"required"`
	Tone            string `json:"tone"`
	PreviousContent string `json:"previous_content"`
}

func (h *handlers) regenerateContent(c *gin.Context) {
	if h.opts.Generator == nil {
		abortError(c, http.StatusServiceUnavailable, errNoGenerator)
		return
	}
	var body regenerateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, fmt.Errorf("%w: %v", scheduler.ErrValidation, err))
		return
	}
	p, err := models.ParsePlatform(body.Platform)
	if err != nil {
		respondError(c, fmt.Errorf("%w: %v", scheduler.ErrValidation, err))
		return
	}
	out, err := h.opts.Generator.Regenerate(c.Request.Context(), body.Topic, p, body.Tone, body.PreviousContent)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"platform": p, "content": out})
}

// mediaURL is the server-relative URL of a stored media file.
func mediaURL(path string) string {
	if path == "" {
		return ""
	}
	return "/media/" + url.PathEscape(filepath.Base(path))
}
