// Package reddit implements a Reddit publisher for script-type apps. It
// authenticates with the OAuth2 password grant and submits image posts via
// the media asset upload flow.
package reddit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/zulandar/socialhub/internal/models"
	"github.com/zulandar/socialhub/internal/publish"
	"golang.org/x/oauth2"
)

const (
	DefaultTokenURL  = "https://www.reddit.com/api/v1/access_token"
	DefaultAPIURL    = "https://oauth.reddit.com"
	DefaultUserAgent = "socialhub/1.0"
	// MaxTitleLength is Reddit's submission title limit.
	MaxTitleLength = 300
	// DefaultTitle is used when the caption is empty.
	DefaultTitle = "Untitled post"
)

// Publisher submits posts to one subreddit.
type Publisher struct {
	subreddit string
	apiURL    string
	tokens    *passwordSource
	api       *http.Client // token-bearing
	plain     *http.Client // for the upload bucket
}

// Opts holds parameters for creating a Publisher.
type Opts struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	UserAgent    string
	Subreddit    string
	TokenURL     string       // defaults to DefaultTokenURL
	APIURL       string       // defaults to DefaultAPIURL
	HTTPClient   *http.Client // base client; optional
}

// New creates a Reddit publisher. No network call is made until first use.
func New(opts Opts) (*Publisher, error) {
	if opts.ClientID == "" || opts.ClientSecret == "" {
		return nil, fmt.Errorf("reddit: client id and secret are required")
	}
	if opts.Username == "" || opts.Password == "" {
		return nil, fmt.Errorf("reddit: username and password are required")
	}
	if opts.Subreddit == "" {
		return nil, fmt.Errorf("reddit: subreddit is required")
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	tokenURL := opts.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	apiURL := opts.APIURL
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}

	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 60 * time.Second}
	}
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	plain := &http.Client{Timeout: base.Timeout, Transport: &userAgentTransport{ua: ua, base: rt}}

	cfg := &oauth2.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
	// Reddit's token endpoint also requires the User-Agent.
	src := &passwordSource{client: plain, cfg: cfg, username: opts.Username, password: opts.Password}
	api := &http.Client{
		Timeout:   plain.Timeout,
		Transport: &oauth2.Transport{Source: src, Base: plain.Transport},
	}

	return &Publisher{
		subreddit: strings.TrimPrefix(opts.Subreddit, "r/"),
		apiURL:    strings.TrimRight(apiURL, "/"),
		tokens:    src,
		api:       api,
		plain:     plain,
	}, nil
}

// passwordSource caches the password-grant token and re-runs the grant
// when it expires; script apps receive no refresh token.
type passwordSource struct {
	client   *http.Client
	cfg      *oauth2.Config
	username string
	password string

	mu  sync.Mutex
	tok *oauth2.Token
}

// Token implements oauth2.TokenSource. Callers fetch with TokenContext
// first, so this only runs the grant if the token expires mid-call.
func (s *passwordSource) Token() (*oauth2.Token, error) {
	return s.TokenContext(context.Background())
}

// TokenContext returns the cached token or runs the grant bounded by ctx.
func (s *passwordSource) TokenContext(ctx context.Context) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tok.Valid() {
		return s.tok, nil
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)
	tok, err := s.cfg.PasswordCredentialsToken(ctx, s.username, s.password)
	if err != nil {
		return nil, err
	}
	s.tok = tok
	return tok, nil
}

type userAgentTransport struct {
	ua   string
	base http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.ua)
	return t.base.RoundTrip(req)
}

// Platform implements publish.Publisher.
func (p *Publisher) Platform() models.Platform { return models.Reddit }

// Title derives a submission title from a caption.
func Title(caption string) string {
	caption = strings.TrimSpace(caption)
	if caption == "" {
		return DefaultTitle
	}
	r := []rune(caption)
	if len(r) > MaxTitleLength {
		r = r[:MaxTitleLength]
	}
	return string(r)
}

// Publish submits an image post, or a self post when imagePath is empty.
func (p *Publisher) Publish(ctx context.Context, imagePath, caption string) (models.Receipt, error) {
	if _, err := p.tokens.TokenContext(ctx); err != nil {
		return models.Receipt{}, fmt.Errorf("reddit: token: %w", err)
	}
	form := url.Values{
		"sr":       {p.subreddit},
		"title":    {Title(caption)},
		"api_type": {"json"},
		"resubmit": {"true"},
	}
	if imagePath == "" {
		form.Set("kind", "self")
		form.Set("text", caption)
	} else {
		imageURL, err := p.uploadMedia(ctx, imagePath)
		if err != nil {
			return models.Receipt{}, fmt.Errorf("reddit: upload media: %w", err)
		}
		form.Set("kind", "image")
		form.Set("url", imageURL)
	}

	var resp submitResponse
	if err := p.postForm(ctx, "/api/submit", form, &resp); err != nil {
		return models.Receipt{}, fmt.Errorf("reddit: submit: %w", err)
	}
	if err := resp.JSON.err(); err != nil {
		return models.Receipt{}, fmt.Errorf("reddit: submit: %w", err)
	}
	d := resp.JSON.Data
	receipt := models.Receipt{ID: d.ID, URL: d.URL}
	if receipt.ID == "" {
		receipt.ID = d.Name
	}
	if receipt.URL == "" {
		receipt.URL = d.UserSubmittedPage
	}
	return receipt, nil
}

// Verify implements publish.Verifier.
func (p *Publisher) Verify(ctx context.Context) (publish.Account, error) {
	if _, err := p.tokens.TokenContext(ctx); err != nil {
		return publish.Account{}, fmt.Errorf("reddit: token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiURL+"/api/v1/me", nil)
	if err != nil {
		return publish.Account{}, err
	}
	var me struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := p.do(p.api, req, &me); err != nil {
		return publish.Account{}, fmt.Errorf("reddit: verify: %w", err)
	}
	return publish.Account{ID: me.ID, Name: "u/" + me.Name}, nil
}

type submitResponse struct {
	JSON submitResult `json:"json"`
}

type submitResult struct {
	// Each error is [code, message, field].
	Errors [][]any `json:"errors"`
	Data   struct {
		ID                string `json:"id"`
		Name              string `json:"name"`
		URL               string `json:"url"`
		UserSubmittedPage string `json:"user_submitted_page"`
	} `json:"data"`
}

func (r submitResult) err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	parts := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		strs := make([]string, 0, 2)
		for _, v := range e[:min(2, len(e))] {
			strs = append(strs, fmt.Sprint(v))
		}
		parts = append(parts, strings.Join(strs, ": "))
	}
	return &APIError{Message: strings.Join(parts, "; ")}
}

// APIError is a Reddit API failure.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return "reddit api: " + e.Message
	}
	return fmt.Sprintf("reddit api %d: %s", e.Status, e.Message)
}

type assetLease struct {
	Args struct {
		Action string `json:"action"`
		Fields []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"fields"`
	} `json:"args"`
	Asset struct {
		AssetID string `json:"asset_id"`
	} `json:"asset"`
}

// uploadMedia obtains an upload lease, pushes the file to the lease's
// bucket and returns the resulting public URL.
func (p *Publisher) uploadMedia(ctx context.Context, path string) (string, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "", err
	}
	name := filepath.Base(path)

	var lease assetLease
	err = p.postForm(ctx, "/api/media/asset.json", url.Values{
		"filepath": {name},
		"mimetype": {mtype.String()},
	}, &lease)
	if err != nil {
		return "", fmt.Errorf("lease: %w", err)
	}
	action := lease.Args.Action
	if action == "" {
		return "", fmt.Errorf("lease: no upload action returned")
	}
	if strings.HasPrefix(action, "//") {
		action = "https:" + action
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	var key string
	for _, field := range lease.Args.Fields {
		if field.Name == "key" {
			key = field.Value
		}
		if err := mw.WriteField(field.Name, field.Value); err != nil {
			return "", err
		}
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, action, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := p.plain.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return "", &APIError{Status: resp.StatusCode, Message: "media bucket rejected upload"}
	}
	if key == "" {
		return "", fmt.Errorf("lease: no key field")
	}
	return strings.TrimRight(action, "/") + "/" + key, nil
}

func (p *Publisher) postForm(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return p.do(p.api, req, out)
}

func (p *Publisher) do(hc *http.Client, req *http.Request, out any) error {
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var body struct {
			Message string `json:"message"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &body) == nil && body.Message != "" {
			msg = body.Message
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
