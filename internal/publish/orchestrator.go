package publish

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/socialhub/internal/models"
	"golang.org/x/time/rate"
)

// DefaultTimeout bounds a single platform publish call.
const DefaultTimeout = 30 * time.Second

// Job is one orchestration run: a caption and optional image sent to every
// enabled platform.
type Job struct {
	ID        string // store id; empty for immediate publishes with no record
	ImagePath string
	Caption   string
	Platforms models.PlatformSet
}

// Recorder persists the outcome of a job. The post store implements it.
type Recorder interface {
	RecordOutcome(id string, outcome models.Outcome) error
}

// MediaRemover deletes a job's media file once it has been attempted.
type MediaRemover interface {
	Remove(path string) error
}

// Orchestrator runs jobs against the registered publishers.
type Orchestrator struct {
	registry *Registry
	recorder Recorder
	media    MediaRemover
	timeout  time.Duration
	limiters map[models.Platform]*rate.Limiter
	now      func() time.Time
}

// OrchestratorOpts holds parameters for creating an Orchestrator.
type OrchestratorOpts struct {
	Registry *Registry
	Recorder Recorder     // optional; outcomes are not persisted when nil
	Media    MediaRemover // defaults to deleting the file with os.Remove
	Timeout  time.Duration
	// RatePerMinute caps publish calls per platform. Zero disables limiting.
	RatePerMinute int
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(opts OrchestratorOpts) (*Orchestrator, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("publish: registry is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	media := opts.Media
	if media == nil {
		media = fileRemover{}
	}
	o := &Orchestrator{
		registry: opts.Registry,
		recorder: opts.Recorder,
		media:    media,
		timeout:  timeout,
		limiters: make(map[models.Platform]*rate.Limiter),
		now:      time.Now,
	}
	if opts.RatePerMinute > 0 {
		every := rate.Every(time.Minute / time.Duration(opts.RatePerMinute))
		for _, p := range models.AllPlatforms {
			o.limiters[p] = rate.NewLimiter(every, 1)
		}
	}
	return o, nil
}

// Execute publishes job to each enabled platform in order. A failing or
// panicking platform is recorded in the outcome and never stops the others.
// When job.ID is set the outcome is recorded; the media file is removed in
// every case. Execute never returns an error: failures are data.
func (o *Orchestrator) Execute(ctx context.Context, job Job) models.Outcome {
	outcome := models.Outcome{
		JobID:     job.ID,
		Results:   make(map[models.Platform]models.PlatformResult),
		StartedAt: o.now(),
	}
	log := logrus.WithField("post_id", job.ID)

	for _, p := range job.Platforms.Enabled() {
		res := o.publishOne(ctx, p, job)
		outcome.Results[p] = res
		if res.Success {
			log.WithFields(logrus.Fields{"platform": p, "remote_id": res.PostID}).Info("publish: posted")
		} else {
			log.WithField("platform", p).Warnf("publish: failed: %s", res.Error)
		}
	}
	outcome.FinishedAt = o.now()

	if job.ID != "" && o.recorder != nil {
		if err := o.recorder.RecordOutcome(job.ID, outcome); err != nil {
			log.Errorf("publish: record outcome: %v", err)
		}
	}
	if job.ImagePath != "" {
		if err := o.media.Remove(job.ImagePath); err != nil {
			log.WithField("path", job.ImagePath).Errorf("publish: remove media: %v", err)
		}
	}
	return outcome
}

// publishOne calls a single publisher behind a timeout and panic guard.
func (o *Orchestrator) publishOne(ctx context.Context, p models.Platform, job Job) (res models.PlatformResult) {
	defer func() {
		if r := recover(); r != nil {
			res = models.PlatformResult{Error: fmt.Sprintf("panic: %v", r)}
		}
	}()

	if !p.Valid() {
		return models.PlatformResult{Error: fmt.Sprintf("unsupported platform %q", p)}
	}
	pub, ok := o.registry.Get(p)
	if !ok {
		return models.PlatformResult{Error: fmt.Sprintf("%s is not configured", p.Title())}
	}

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	if lim := o.limiters[p]; lim != nil {
		if err := lim.Wait(callCtx); err != nil {
			return models.PlatformResult{Error: fmt.Sprintf("rate limit wait: %v", err)}
		}
	}

	receipt, err := pub.Publish(callCtx, job.ImagePath, job.Caption)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return models.PlatformResult{Error: fmt.Sprintf("timed out after %s: %v", o.timeout, err)}
		}
		return models.PlatformResult{Error: err.Error()}
	}
	return models.PlatformResult{Success: true, PostID: receipt.ID, URL: receipt.URL}
}

// fileRemover deletes media from the local filesystem.
type fileRemover struct{}

func (fileRemover) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
