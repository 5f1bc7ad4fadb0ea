// Package twitter implements a Twitter/X publisher using OAuth 1.0a user
// context: media goes through the v1.1 upload endpoint and tweets through v2.
package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dghubble/oauth1"
	"github.com/zulandar/socialhub/internal/models"
	"github.com/zulandar/socialhub/internal/publish"
)

const (
	// DefaultAPIURL is the v2 API host.
	DefaultAPIURL = "https://api.twitter.com"
	// DefaultUploadURL is the v1.1 media upload host.
	DefaultUploadURL = "https://upload.twitter.com"
	// MaxTweetLength is the tweet length limit in characters.
	MaxTweetLength = 280
)

// Publisher posts tweets.
type Publisher struct {
	apiURL     string
	uploadURL  string
	httpClient *http.Client
}

// Opts holds parameters for creating a Publisher.
type Opts struct {
	APIKey            string
	APISecret         string
	AccessToken       string
	AccessTokenSecret string
	APIURL            string // defaults to DefaultAPIURL
	UploadURL         string // defaults to DefaultUploadURL
	// For testing: inject a client instead of the OAuth1-signing client.
	HTTPClient *http.Client
}

// New creates a Twitter publisher.
func New(opts Opts) (*Publisher, error) {
	hc := opts.HTTPClient
	if hc == nil {
		if opts.APIKey == "" || opts.APISecret == "" {
			return nil, fmt.Errorf("twitter: api key and secret are required")
		}
		if opts.AccessToken == "" || opts.AccessTokenSecret == "" {
			return nil, fmt.Errorf("twitter: access token and secret are required")
		}
		cfg := oauth1.NewConfig(opts.APIKey, opts.APISecret)
		hc = cfg.Client(oauth1.NoContext, oauth1.NewToken(opts.AccessToken, opts.AccessTokenSecret))
	}
	apiURL := opts.APIURL
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	uploadURL := opts.UploadURL
	if uploadURL == "" {
		uploadURL = DefaultUploadURL
	}
	return &Publisher{
		apiURL:     strings.TrimRight(apiURL, "/"),
		uploadURL:  strings.TrimRight(uploadURL, "/"),
		httpClient: hc,
	}, nil
}

// Platform implements publish.Publisher.
func (p *Publisher) Platform() models.Platform { return models.Twitter }

// Publish uploads the image (if any) and posts a tweet. Captions longer
// than MaxTweetLength are truncated.
func (p *Publisher) Publish(ctx context.Context, imagePath, caption string) (models.Receipt, error) {
	body := tweetRequest{Text: Truncate(caption, MaxTweetLength)}
	if imagePath != "" {
		mediaID, err := p.uploadMedia(ctx, imagePath)
		if err != nil {
			return models.Receipt{}, fmt.Errorf("twitter: upload media: %w", err)
		}
		body.Media = &tweetMedia{MediaIDs: []string{mediaID}}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return models.Receipt{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL+"/2/tweets", bytes.NewReader(payload))
	if err != nil {
		return models.Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp struct {
		Data struct {
			ID   string `json:"id"`
			Text string `json:"text"`
		} `json:"data"`
	}
	if err := p.do(req, &resp); err != nil {
		return models.Receipt{}, fmt.Errorf("twitter: create tweet: %w", err)
	}
	return models.Receipt{
		ID:  resp.Data.ID,
		URL: "https://twitter.com/i/web/status/" + resp.Data.ID,
	}, nil
}

// Verify implements publish.Verifier.
func (p *Publisher) Verify(ctx context.Context) (publish.Account, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiURL+"/2/users/me", nil)
	if err != nil {
		return publish.Account{}, err
	}
	var resp struct {
		Data struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"data"`
	}
	if err := p.do(req, &resp); err != nil {
		return publish.Account{}, fmt.Errorf("twitter: verify: %w", err)
	}
	return publish.Account{ID: resp.Data.ID, Name: "@" + resp.Data.Username}, nil
}

type tweetRequest struct {
	Text  string      `json:"text"`
	Media *tweetMedia `json:"media,omitempty"`
}

type tweetMedia struct {
	MediaIDs []string `json:"media_ids"`
}

func (p *Publisher) uploadMedia(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("media", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.uploadURL+"/1.1/media/upload.json", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var resp struct {
		MediaIDString string `json:"media_id_string"`
	}
	if err := p.do(req, &resp); err != nil {
		return "", err
	}
	if resp.MediaIDString == "" {
		return "", fmt.Errorf("no media id returned")
	}
	return resp.MediaIDString, nil
}

// APIError is an error response from the Twitter API.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twitter api %d: %s", e.Status, e.Detail)
}

func (p *Publisher) do(req *http.Request, out any) error {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return &APIError{Status: resp.StatusCode, Detail: errorDetail(data)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// errorDetail extracts a message from v2 problem or v1.1 error bodies.
func errorDetail(data []byte) string {
	var body struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if json.Unmarshal(data, &body) == nil {
		switch {
		case body.Detail != "":
			return body.Detail
		case len(body.Errors) > 0 && body.Errors[0].Message != "":
			return body.Errors[0].Message
		case body.Title != "":
			return body.Title
		}
	}
	return strings.TrimSpace(string(data))
}

// Truncate shortens s to at most max runes, ending with an ellipsis when cut.
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 1 {
		return string(r[:max])
	}
	return string(r[:max-1]) + "…"
}
