package scheduler

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/socialhub/internal/models"
)

// RestoreReport summarises a Restore pass.
type RestoreReport struct {
	Scheduled   int `json:"scheduled"`   // triggers registered
	Overdue     int `json:"overdue"`     // of those, already due
	Interrupted int `json:"interrupted"` // publishing posts marked failed
	Finished    int `json:"finished"`    // terminal posts left alone
}

// Restore rebuilds the dispatcher's triggers from the store. Scheduled posts
// are registered (overdue ones fire immediately). Posts left publishing by a
// crash are marked failed rather than re-published, since some platforms may
// already have received them. Re-running Restore replaces triggers by id and
// never duplicates them.
func (s *Service) Restore(ctx context.Context) (RestoreReport, error) {
	var report RestoreReport
	now := s.now()

	for _, post := range s.store.Load() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		log := logrus.WithField("post_id", post.ID)

		switch post.Status {
		case models.StatusScheduled:
			if err := s.schedule(post); err != nil {
				return report, fmt.Errorf("scheduler: restore: %w", err)
			}
			report.Scheduled++
			if post.Due(now) {
				report.Overdue++
				log.WithField("at", post.ScheduledTime.String()).Info("scheduler: overdue post will fire now")
			}

		case models.StatusPublishing:
			if err := s.markInterrupted(post); err != nil {
				log.Errorf("scheduler: mark interrupted: %v", err)
				continue
			}
			report.Interrupted++

		default:
			report.Finished++
		}
	}

	logrus.WithFields(logrus.Fields{
		"scheduled":   report.Scheduled,
		"overdue":     report.Overdue,
		"interrupted": report.Interrupted,
		"finished":    report.Finished,
	}).Info("scheduler: restore complete")
	return report, nil
}

func (s *Service) markInterrupted(post models.ScheduledPost) error {
	now := s.now()
	outcome := models.Outcome{
		JobID:      post.ID,
		Results:    make(map[models.Platform]models.PlatformResult),
		StartedAt:  now,
		FinishedAt: now,
	}
	for _, p := range post.Platforms.Enabled() {
		outcome.Results[p] = models.PlatformResult{Error: InterruptedError}
	}
	updated, err := s.store.Modify(post.ID, func(p *models.ScheduledPost) error {
		if p.Status != models.StatusPublishing {
			return ErrAlreadyDispatched
		}
		p.ApplyOutcome(outcome)
		return nil
	})
	if err != nil {
		return err
	}
	s.removeMedia(post.ID, post.ImagePath)
	s.notify(Event{Post: updated, Outcome: outcome})
	return nil
}
