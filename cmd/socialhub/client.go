package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zulandar/socialhub/internal/models"
	"github.com/zulandar/socialhub/internal/publish"
)

const (
	defaultServer = "http://localhost:8000"
	// clientTimeout covers run-now, which waits for every platform.
	clientTimeout = 5 * time.Minute
	sourceCLI     = "cli"
)

// errNoMatch is returned when no post id starts with the given prefix.
var errNoMatch = errors.New("no post matches")

// apiError is a non-2xx answer from the server.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// runResult is the body of POST /api/posts/:id/run.
type runResult struct {
	Status   models.Status                             `json:"status"`
	Results  map[models.Platform]models.PlatformResult `json:"results"`
	PostedTo models.PlatformList                       `json:"posted_to"`
	FailedOn models.PlatformList                       `json:"failed_on"`
}

// newPost describes a post to schedule.
type newPost struct {
	Caption   string
	Platforms string
	At        time.Time
	PhotoPath string
}

// apiClient talks to a running SocialHub server.
type apiClient struct {
	base string
	hc   *http.Client
}

func newAPIClient(server string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(server, "/"),
		hc:   &http.Client{Timeout: clientTimeout},
	}
}

func (c *apiClient) listPosts(ctx context.Context, status string) ([]models.ScheduledPost, error) {
	path := "/api/posts"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	var posts []models.ScheduledPost
	if err := c.do(req, &posts); err != nil {
		return nil, err
	}
	return posts, nil
}

func (c *apiClient) createPost(ctx context.Context, p newPost) (models.ScheduledPost, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := [][2]string{
		{"caption", p.Caption},
		{"platforms", p.Platforms},
		{"scheduled_time", p.At.Format(time.RFC3339)},
		{"source", sourceCLI},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return models.ScheduledPost{}, err
		}
	}
	if p.PhotoPath != "" {
		if err := attachFile(mw, "photo", p.PhotoPath); err != nil {
			return models.ScheduledPost{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return models.ScheduledPost{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/posts", &body)
	if err != nil {
		return models.ScheduledPost{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var post models.ScheduledPost
	if err := c.do(req, &post); err != nil {
		return models.ScheduledPost{}, err
	}
	return post, nil
}

func attachFile(mw *multipart.Writer, field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open photo: %w", err)
	}
	defer f.Close()
	part, err := mw.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}

func (c *apiClient) cancelPost(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.base+"/api/posts/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *apiClient) runPost(ctx context.Context, id string) (runResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/posts/"+url.PathEscape(id)+"/run", nil)
	if err != nil {
		return runResult{}, err
	}
	var res runResult
	if err := c.do(req, &res); err != nil {
		return runResult{}, err
	}
	return res, nil
}

// resolveID expands a unique id prefix to the full post id.
func (c *apiClient) resolveID(ctx context.Context, prefix string) (string, error) {
	posts, err := c.listPosts(ctx, "")
	if err != nil {
		return "", err
	}
	var matches []string
	for _, p := range posts {
		if p.ID == prefix {
			return p.ID, nil
		}
		if strings.HasPrefix(p.ID, prefix) {
			matches = append(matches, p.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w %q", errNoMatch, prefix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("prefix %q is ambiguous (%d posts)", prefix, len(matches))
	}
}

// do sends req and decodes a JSON answer into out. Error answers carry
// {"error": "..."}.
func (c *apiClient) do(req *http.Request, out any) error {
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var body struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			msg = body.Error
		}
		return &apiError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *apiClient) verify(ctx context.Context) (map[models.Platform]publish.VerifyResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/verify", nil)
	if err != nil {
		return nil, err
	}
	var results map[models.Platform]publish.VerifyResult
	if err := c.do(req, &results); err != nil {
		return nil, err
	}
	return results, nil
}
