package meta

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/zulandar/socialhub/internal/models"
	"github.com/zulandar/socialhub/internal/publish"
)

// Facebook publishes to the Page the access token belongs to.
type Facebook struct {
	graph *graphClient

	mu     sync.Mutex
	pageID string
}

// FacebookOpts holds parameters for creating a Facebook publisher.
type FacebookOpts struct {
	PageAccessToken string
	PageID          string // optional; resolved from /me when empty
	GraphVersion    string
	BaseURL         string       // defaults to DefaultBaseURL
	HTTPClient      *http.Client // optional
}

// NewFacebook creates a Facebook publisher.
func NewFacebook(opts FacebookOpts) (*Facebook, error) {
	if opts.PageAccessToken == "" {
		return nil, fmt.Errorf("facebook: page access token is required")
	}
	return &Facebook{
		graph:  newGraphClient(opts.BaseURL, opts.GraphVersion, opts.PageAccessToken, opts.HTTPClient),
		pageID: opts.PageID,
	}, nil
}

// Platform implements publish.Publisher.
func (f *Facebook) Platform() models.Platform { return models.Facebook }

type graphMe struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Verify implements publish.Verifier.
func (f *Facebook) Verify(ctx context.Context) (publish.Account, error) {
	var me graphMe
	if err := f.graph.get(ctx, "/me", url.Values{"fields": {"id,name"}}, &me); err != nil {
		return publish.Account{}, fmt.Errorf("facebook: verify: %w", err)
	}
	return publish.Account{ID: me.ID, Name: me.Name}, nil
}

func (f *Facebook) resolvePageID(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pageID != "" {
		return f.pageID, nil
	}
	var me graphMe
	if err := f.graph.get(ctx, "/me", url.Values{"fields": {"id"}}, &me); err != nil {
		return "", err
	}
	if me.ID == "" {
		return "", fmt.Errorf("empty page id from /me")
	}
	f.pageID = me.ID
	return f.pageID, nil
}

// Publish posts a photo with caption, or a status update when imagePath is empty.
func (f *Facebook) Publish(ctx context.Context, imagePath, caption string) (models.Receipt, error) {
	pageID, err := f.resolvePageID(ctx)
	if err != nil {
		return models.Receipt{}, fmt.Errorf("facebook: resolve page: %w", err)
	}

	var resp struct {
		ID     string `json:"id"`
		PostID string `json:"post_id"`
	}
	if imagePath == "" {
		err = f.graph.postForm(ctx, "/"+pageID+"/feed", url.Values{"message": {caption}}, &resp)
	} else {
		err = f.graph.postFile(ctx, "/"+pageID+"/photos", map[string]string{"message": caption}, "source", imagePath, &resp)
	}
	if err != nil {
		return models.Receipt{}, fmt.Errorf("facebook: publish: %w", err)
	}

	id := resp.PostID
	if id == "" {
		id = resp.ID
	}
	return models.Receipt{ID: id, URL: "https://www.facebook.com/" + id}, nil
}
