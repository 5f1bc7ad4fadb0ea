// Package api serves the SocialHub HTTP API: post scheduling, immediate
// publishing, content generation, credential checks, an SSE stream of
// publish events and the public media route Instagram fetches images from.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/socialhub/internal/dispatch"
	"github.com/zulandar/socialhub/internal/generate"
	"github.com/zulandar/socialhub/internal/models"
	"github.com/zulandar/socialhub/internal/publish"
	"github.com/zulandar/socialhub/internal/scheduler"
)

// Scheduler is the post lifecycle the API exposes.
type Scheduler interface {
	Create(ctx context.Context, req scheduler.CreateRequest) (models.ScheduledPost, error)
	Reschedule(ctx context.Context, id string, req scheduler.RescheduleRequest) (models.ScheduledPost, error)
	List() []models.ScheduledPost
	Get(id string) (models.ScheduledPost, error)
	Cancel(id string) error
	RunNow(ctx context.Context, id string) (models.Outcome, error)
	PublishNow(ctx context.Context, req scheduler.PublishRequest) (models.Outcome, error)
	Pending() []dispatch.Pending
}

// Generator drafts content. Optional.
type Generator interface {
	Generate(ctx context.Context, req generate.Request) (generate.Draft, error)
	Refine(ctx context.Context, platform models.Platform, text, instructions string) (string, error)
	Regenerate(ctx context.Context, topic string, platform models.Platform, tone, previous string) (string, error)
}

// Verifier checks platform credentials.
type Verifier interface {
	VerifyAll(ctx context.Context) map[models.Platform]publish.VerifyResult
}

// MediaStore stores uploads.
type MediaStore interface {
	Save(r io.Reader, name string) (string, error)
	Remove(path string) error
	Dir() string
	MaxBytes() int64
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Scheduler Scheduler
	Media     MediaStore
	Verifier  Verifier  // optional
	Generator Generator // optional; content routes return 503 without it
	Hub       *Hub      // optional; /api/events streams from it
	// Platforms lists the configured publishers, reported by /api/health.
	Platforms []models.Platform
	Host      string
	Port      int
	Out       io.Writer
}

func (o StartOpts) validate() error {
	if o.Scheduler == nil {
		return fmt.Errorf("api: scheduler is required")
	}
	if o.Media == nil {
		return fmt.Errorf("api: media store is required")
	}
	return nil
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.MaxMultipartMemory = opts.Media.MaxBytes() + 1<<20

	registerRoutes(router, &handlers{opts: opts, started: time.Now()})
	return router, nil
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8000
	}

	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if opts.Hub != nil {
			opts.Hub.Close()
		}
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		host := opts.Host
		if host == "" {
			host = "localhost"
		}
		fmt.Fprintf(opts.Out, "API listening on http://%s:%d\n", host, opts.Port)
	}
	logrus.WithField("addr", addr).Info("api: server started")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}
