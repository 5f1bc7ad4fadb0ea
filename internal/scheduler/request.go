package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/zulandar/socialhub/internal/models"
)

// CreateRequest describes a post to schedule.
type CreateRequest struct {
	Caption       string            `json:"caption"`
	ImagePath     string            `json:"image_path"`
	Platforms     []models.Platform `json:"platforms"`
	ScheduledTime time.Time         `json:"scheduled_time"`
	Source        string            `json:"source"`
	Origin        *models.Origin    `json:"origin"`
}

// Validate checks the request against now.
func (r CreateRequest) Validate(ctx context.Context, now time.Time) error {
	err := validation.ValidateStructWithContext(ctx, &r,
		validation.Field(&r.Caption, validation.When(r.ImagePath == "", validation.Required.Error("caption or image is required"))),
		validation.Field(&r.ImagePath, validation.By(fileExists)),
		validation.Field(&r.Platforms, validation.Required.Error("select at least one platform"), validation.Each(validation.By(knownPlatform))),
		validation.Field(&r.ScheduledTime, validation.Required, validation.By(inFuture(now))),
	)
	return wrapValidation(err)
}

// RescheduleRequest moves a pending post.
type RescheduleRequest struct {
	Caption       *string   `json:"caption"`
	ScheduledTime time.Time `json:"scheduled_time"`
}

// Validate checks the request against now.
func (r RescheduleRequest) Validate(ctx context.Context, now time.Time) error {
	err := validation.ValidateStructWithContext(ctx, &r,
		validation.Field(&r.ScheduledTime, validation.Required, validation.By(inFuture(now))),
	)
	return wrapValidation(err)
}

// PublishRequest describes content to publish immediately.
type PublishRequest struct {
	Caption   string            `json:"caption"`
	ImagePath string            `json:"image_path"`
	Platforms []models.Platform `json:"platforms"`
	Source    string            `json:"source"`
	Origin    *models.Origin    `json:"origin"`
}

// Validate checks the request.
func (r PublishRequest) Validate(ctx context.Context) error {
	err := validation.ValidateStructWithContext(ctx, &r,
		validation.Field(&r.Caption, validation.When(r.ImagePath == "", validation.Required.Error("caption or image is required"))),
		validation.Field(&r.ImagePath, validation.By(fileExists)),
		validation.Field(&r.Platforms, validation.Required.Error("select at least one platform"), validation.Each(validation.By(knownPlatform))),
	)
	return wrapValidation(err)
}

func wrapValidation(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrValidation, err)
}

func knownPlatform(value any) error {
	p, _ := value.(models.Platform)
	if !p.Valid() {
		return fmt.Errorf("unknown platform %q", p)
	}
	return nil
}

func fileExists(value any) error {
	path, _ := value.(string)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errors.New("image file does not exist")
		}
		return err
	}
	return nil
}

func inFuture(now time.Time) validation.RuleFunc {
	return func(value any) error {
		t, _ := value.(time.Time)
		if !t.After(now) {
			return errors.New("must be in the future")
		}
		return nil
	}
}
