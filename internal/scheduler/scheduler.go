// Package scheduler is the caller-facing core of SocialHub. It validates and
// persists scheduled posts, binds them to one-shot dispatcher triggers,
// executes them through the publish orchestrator when they fire and
// reconciles the store with the dispatcher on startup.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/socialhub/internal/dispatch"
	"github.com/zulandar/socialhub/internal/models"
	"github.com/zulandar/socialhub/internal/publish"
	"github.com/zulandar/socialhub/internal/store"
)

var (
	// ErrNotFound is returned for unknown post ids.
	ErrNotFound = errors.New("scheduler: post not found")
	// ErrAlreadyDispatched is returned when a post has left the scheduled state.
	ErrAlreadyDispatched = errors.New("scheduler: post already dispatched")
	// ErrValidation wraps request validation failures.
	ErrValidation = errors.New("scheduler: invalid request")
)

// InterruptedError is recorded for posts found mid-publish at startup.
const InterruptedError = "interrupted by restart"

// Event is delivered to notifiers after a post has been attempted.
type Event struct {
	Post    models.ScheduledPost
	Outcome models.Outcome
}

// Notifier receives publish events. Notify runs on the dispatch goroutine
// and should return promptly.
type Notifier interface {
	Notify(ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ev Event)

// Notify implements Notifier.
func (f NotifierFunc) Notify(ev Event) { f(ev) }

// Service implements create/list/cancel/run-now over the store, dispatcher
// and orchestrator.
type Service struct {
	store        *store.Store
	dispatcher   *dispatch.Dispatcher
	orchestrator *publish.Orchestrator
	media        publish.MediaRemover
	now          func() time.Time

	mu        sync.RWMutex
	notifiers []Notifier
}

// Opts holds parameters for creating a Service.
type Opts struct {
	Store        *store.Store
	Dispatcher   *dispatch.Dispatcher
	Orchestrator *publish.Orchestrator
	Media        publish.MediaRemover // optional; used to drop media of cancelled posts
	Notifiers    []Notifier
	// For testing.
	Now func() time.Time
}

// New creates a Service.
func New(opts Opts) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("scheduler: store is required")
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("scheduler: dispatcher is required")
	}
	if opts.Orchestrator == nil {
		return nil, fmt.Errorf("scheduler: orchestrator is required")
	}
	s := &Service{
		store:        opts.Store,
		dispatcher:   opts.Dispatcher,
		orchestrator: opts.Orchestrator,
		media:        opts.Media,
		now:          opts.Now,
		notifiers:    slices.Clone(opts.Notifiers),
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// AddNotifier registers a notifier for subsequent events.
func (s *Service) AddNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifiers = append(s.notifiers, n)
}

// Create validates, persists and schedules a new post. If the dispatcher
// refuses the trigger the record stays in the store and the next Restore
// picks it up.
func (s *Service) Create(ctx context.Context, req CreateRequest) (models.ScheduledPost, error) {
	now := s.now()
	if err := req.Validate(ctx, now); err != nil {
		return models.ScheduledPost{}, err
	}

	source := req.Source
	if source == "" {
		source = "api"
	}
	post := models.ScheduledPost{
		ID:            uuid.NewString(),
		Caption:       req.Caption,
		ImagePath:     req.ImagePath,
		Platforms:     models.NewPlatformSet(req.Platforms...),
		ScheduledTime: models.NewTimestamp(req.ScheduledTime),
		CreatedAt:     models.NewTimestamp(now),
		Status:        models.StatusScheduled,
		Source:        source,
		Origin:        req.Origin,
	}
	if err := s.store.Append(post); err != nil {
		return models.ScheduledPost{}, fmt.Errorf("scheduler: create: %w", err)
	}
	if err := s.schedule(post); err != nil {
		return post, fmt.Errorf("scheduler: create: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"post_id":   post.ID,
		"at":        post.ScheduledTime.String(),
		"platforms": models.JoinPlatforms(post.Platforms.Enabled()),
		"source":    post.Source,
	}).Info("scheduler: post scheduled")
	return post, nil
}

// Reschedule moves a pending post to a new time and optionally replaces its
// caption. The previous trigger is replaced.
func (s *Service) Reschedule(ctx context.Context, id string, req RescheduleRequest) (models.ScheduledPost, error) {
	if err := req.Validate(ctx, s.now()); err != nil {
		return models.ScheduledPost{}, err
	}
	var (
		prev      models.ScheduledPost
		cancelled bool
	)
	post, err := s.store.Modify(id, func(p *models.ScheduledPost) error {
		if p.Status != models.StatusScheduled {
			return ErrAlreadyDispatched
		}
		// A trigger that already fired may not have claimed the post yet.
		cancelled = s.dispatcher.Cancel(id)
		if !cancelled && s.dispatcher.Running(id) {
			return ErrAlreadyDispatched
		}
		prev = *p
		p.ScheduledTime = models.NewTimestamp(req.ScheduledTime)
		if req.Caption != nil {
			p.Caption = *req.Caption
		}
		return nil
	})
	if err != nil {
		if cancelled && prev.ID != "" {
			if rerr := s.schedule(prev); rerr != nil {
				logrus.WithField("post_id", id).Errorf("scheduler: restore trigger: %v", rerr)
			}
		}
		return models.ScheduledPost{}, s.mapStoreErr("reschedule", err)
	}
	if err := s.schedule(post); err != nil {
		return post, fmt.Errorf("scheduler: reschedule: %w", err)
	}
	return post, nil
}

// List returns every stored post, newest fire time first.
func (s *Service) List() []models.ScheduledPost {
	posts := s.store.Load()
	slices.SortStableFunc(posts, func(a, b models.ScheduledPost) int {
		return b.ScheduledTime.Compare(a.ScheduledTime.Time)
	})
	return posts
}

// Get returns one post.
func (s *Service) Get(id string) (models.ScheduledPost, error) {
	post, err := s.store.Get(id)
	if err != nil {
		return models.ScheduledPost{}, s.mapStoreErr("get", err)
	}
	return post, nil
}

// Cancel removes a pending post, its trigger and its media. Posts that have
// already been dispatched are kept as history and ErrAlreadyDispatched is
// returned.
func (s *Service) Cancel(id string) error {
	s.dispatcher.Cancel(id)

	var removed models.ScheduledPost
	err := s.store.Update(func(posts []models.ScheduledPost) ([]models.ScheduledPost, error) {
		for i, p := range posts {
			if p.ID != id {
				continue
			}
			if p.Status != models.StatusScheduled {
				return nil, ErrAlreadyDispatched
			}
			removed = p
			return slices.Delete(posts, i, i+1), nil
		}
		return nil, store.ErrNotFound
	})
	if err != nil {
		return s.mapStoreErr("cancel", err)
	}
	s.removeMedia(removed.ID, removed.ImagePath)
	logrus.WithField("post_id", id).Info("scheduler: post cancelled")
	return nil
}

// RunNow fires a pending post immediately and returns its outcome.
func (s *Service) RunNow(ctx context.Context, id string) (models.Outcome, error) {
	s.dispatcher.Cancel(id)
	return s.dispatchPost(ctx, id)
}

// PublishNow publishes content immediately without a store record.
func (s *Service) PublishNow(ctx context.Context, req PublishRequest) (models.Outcome, error) {
	if err := req.Validate(ctx); err != nil {
		return models.Outcome{}, err
	}
	platforms := models.NewPlatformSet(req.Platforms...)
	outcome := s.orchestrator.Execute(ctx, publish.Job{
		ImagePath: req.ImagePath,
		Caption:   req.Caption,
		Platforms: platforms,
	})
	post := models.ScheduledPost{
		Caption:   req.Caption,
		Platforms: platforms,
		CreatedAt: models.NewTimestamp(outcome.StartedAt),
		Source:    req.Source,
		Origin:    req.Origin,
	}
	post.ApplyOutcome(outcome)
	s.notify(Event{Post: post, Outcome: outcome})
	return outcome, nil
}

// Pending lists the live triggers.
func (s *Service) Pending() []dispatch.Pending {
	return s.dispatcher.Pending()
}

// Summary counts stored posts by status.
func (s *Service) Summary() map[models.Status]int {
	counts := make(map[models.Status]int)
	for _, p := range s.store.Load() {
		counts[p.Status]++
	}
	return counts
}

// AttemptedSince returns posts whose dispatch finished at or after t, oldest first.
func (s *Service) AttemptedSince(t time.Time) []models.ScheduledPost {
	var out []models.ScheduledPost
	for _, p := range s.store.Load() {
		if p.AttemptedAt != nil && !p.AttemptedAt.Before(t) {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b models.ScheduledPost) int {
		return a.AttemptedAt.Compare(b.AttemptedAt.Time)
	})
	return out
}

func (s *Service) schedule(post models.ScheduledPost) error {
	id := post.ID
	return s.dispatcher.Schedule(id, post.ScheduledTime.Time, func(ctx context.Context) {
		if _, err := s.dispatchPost(ctx, id); err != nil {
			logrus.WithField("post_id", id).Warnf("scheduler: skip trigger: %v", err)
		}
	})
}

// dispatchPost claims a scheduled post, executes it and notifies. The claim
// flips the status to publishing under the store lock, so a post is
// executed at most once however many triggers reach it.
func (s *Service) dispatchPost(ctx context.Context, id string) (models.Outcome, error) {
	post, err := s.store.Modify(id, func(p *models.ScheduledPost) error {
		if p.Status != models.StatusScheduled {
			return ErrAlreadyDispatched
		}
		p.Status = models.StatusPublishing
		return nil
	})
	if err != nil {
		return models.Outcome{}, s.mapStoreErr("dispatch", err)
	}

	logrus.WithFields(logrus.Fields{
		"post_id":   id,
		"platforms": models.JoinPlatforms(post.Platforms.Enabled()),
	}).Info("scheduler: publishing post")

	outcome := s.orchestrator.Execute(ctx, publish.Job{
		ID:        post.ID,
		ImagePath: post.ImagePath,
		Caption:   post.Caption,
		Platforms: post.Platforms,
	})
	post.ApplyOutcome(outcome)
	logrus.WithFields(logrus.Fields{
		"post_id": id,
		"status":  post.Status,
	}).Info("scheduler: post attempted")

	s.notify(Event{Post: post, Outcome: outcome})
	return outcome, nil
}

func (s *Service) notify(ev Event) {
	s.mu.RLock()
	notifiers := slices.Clone(s.notifiers)
	s.mu.RUnlock()
	for _, n := range notifiers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logrus.WithField("post_id", ev.Post.ID).Errorf("scheduler: notifier panic: %v", r)
				}
			}()
			n.Notify(ev)
		}()
	}
}

func (s *Service) removeMedia(id, path string) {
	if path == "" || s.media == nil {
		return
	}
	if err := s.media.Remove(path); err != nil {
		logrus.WithFields(logrus.Fields{"post_id": id, "path": path}).Warnf("scheduler: remove media: %v", err)
	}
}

func (s *Service) mapStoreErr(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("scheduler: %s: %w", op, ErrNotFound)
	case errors.Is(err, ErrAlreadyDispatched):
		return fmt.Errorf("scheduler: %s: %w", op, ErrAlreadyDispatched)
	default:
		return fmt.Errorf("scheduler: %s: %w", op, err)
	}
}
