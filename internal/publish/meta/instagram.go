package meta

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/socialhub/internal/models"
	"github.com/zulandar/socialhub/internal/publish"
)

// ErrImageRequired is returned when Instagram is asked to publish a text-only post.
var ErrImageRequired = errors.New("instagram: an image is required")

// Instagram publishes to an Instagram professional account. The Graph API
// fetches the image itself, so every local file must be reachable at
// PublicBaseURL + "/media/" + its base name.
type Instagram struct {
	graph         *graphClient
	accountID     string
	publicBaseURL string
	pollInterval  time.Duration
	maxPolls      int
}

// InstagramOpts holds parameters for creating an Instagram publisher.
type InstagramOpts struct {
	AccessToken   string
	AccountID     string
	PublicBaseURL string // externally reachable base URL of the media route
	GraphVersion  string
	BaseURL       string       // defaults to DefaultBaseURL
	HTTPClient    *http.Client // optional
	PollInterval  time.Duration
	MaxPolls      int
}

// NewInstagram creates an Instagram publisher.
func NewInstagram(opts InstagramOpts) (*Instagram, error) {
	if opts.AccessToken == "" {
		return nil, fmt.Errorf("instagram: access token is required")
	}
	if opts.AccountID == "" {
		return nil, fmt.Errorf("instagram: account id is required")
	}
	if opts.PublicBaseURL == "" {
		return nil, fmt.Errorf("instagram: public base url is required")
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	polls := opts.MaxPolls
	if polls <= 0 {
		polls = 20
	}
	return &Instagram{
		graph:         newGraphClient(opts.BaseURL, opts.GraphVersion, opts.AccessToken, opts.HTTPClient),
		accountID:     opts.AccountID,
		publicBaseURL: strings.TrimRight(opts.PublicBaseURL, "/"),
		pollInterval:  interval,
		maxPolls:      polls,
	}, nil
}

// Platform implements publish.Publisher.
func (i *Instagram) Platform() models.Platform { return models.Instagram }

// Verify implements publish.Verifier.
func (i *Instagram) Verify(ctx context.Context) (publish.Account, error) {
	var acct struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	if err := i.graph.get(ctx, "/"+i.accountID, url.Values{"fields": {"id,username"}}, &acct); err != nil {
		return publish.Account{}, fmt.Errorf("instagram: verify: %w", err)
	}
	return publish.Account{ID: acct.ID, Name: acct.Username}, nil
}

// MediaURL returns the public URL Instagram will fetch imagePath from.
func (i *Instagram) MediaURL(imagePath string) string {
	return i.publicBaseURL + "/media/" + url.PathEscape(filepath.Base(imagePath))
}

// Publish creates a media container, waits for it to finish processing and
// publishes it.
func (i *Instagram) Publish(ctx context.Context, imagePath, caption string) (models.Receipt, error) {
	if imagePath == "" {
		return models.Receipt{}, ErrImageRequired
	}

	var container struct {
		ID string `json:"id"`
	}
	err := i.graph.postForm(ctx, "/"+i.accountID+"/media", url.Values{
		"image_url": {i.MediaURL(imagePath)},
		"caption":   {caption},
	}, &container)
	if err != nil {
		return models.Receipt{}, fmt.Errorf("instagram: create container: %w", err)
	}
	if container.ID == "" {
		return models.Receipt{}, fmt.Errorf("instagram: create container: no id returned")
	}

	if err := i.waitFinished(ctx, container.ID); err != nil {
		return models.Receipt{}, err
	}

	var published struct {
		ID string `json:"id"`
	}
	err = i.graph.postForm(ctx, "/"+i.accountID+"/media_publish", url.Values{
		"creation_id": {container.ID},
	}, &published)
	if err != nil {
		return models.Receipt{}, fmt.Errorf("instagram: publish: %w", err)
	}

	receipt := models.Receipt{ID: published.ID}
	var media struct {
		Permalink string `json:"permalink"`
	}
	if err := i.graph.get(ctx, "/"+published.ID, url.Values{"fields": {"permalink"}}, &media); err != nil {
		logrus.WithField("media_id", published.ID).Debugf("instagram: permalink lookup: %v", err)
	} else {
		receipt.URL = media.Permalink
	}
	return receipt, nil
}

// waitFinished polls the container status until FINISHED.
func (i *Instagram) waitFinished(ctx context.Context, containerID string) error {
	for attempt := 0; attempt < i.maxPolls; attempt++ {
		var status struct {
			StatusCode string `json:"status_code"`
		}
		if err := i.graph.get(ctx, "/"+containerID, url.Values{"fields": {"status_code"}}, &status); err != nil {
			return fmt.Errorf("instagram: container status: %w", err)
		}
		switch status.StatusCode {
		case "FINISHED", "PUBLISHED":
			return nil
		case "ERROR", "EXPIRED", "FAILED":
			return fmt.Errorf("instagram: media processing failed: %s", status.StatusCode)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(i.pollInterval):
		}
	}
	return fmt.Errorf("instagram: container %s not ready after %d polls", containerID, i.maxPolls)
}
