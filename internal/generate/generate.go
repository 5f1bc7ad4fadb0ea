// Package generate drafts per-platform captions and images with OpenAI.
package generate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/socialhub/internal/models"
)

const (
	DefaultModel      = "gpt-4o-mini"
	DefaultImageModel = "dall-e-3"
	DefaultTone       = "casual"
	DefaultImageStyle = "realistic"

	maxImagePrompt = 4000
)

// ErrEmptyResponse is returned when the model produces no usable text.
var ErrEmptyResponse = errors.New("generate: empty response from model")

// ImageStore persists generated images.
type ImageStore interface {
	SaveBytes(data []byte, name string) (string, error)
}

// Generator drafts post content.
type Generator struct {
	client     openai.Client
	model      string
	imageModel string
	images     ImageStore
}

// Opts holds parameters for creating a Generator.
type Opts struct {
	APIKey     string
	Model      string // defaults to DefaultModel
	ImageModel string // defaults to DefaultImageModel
	BaseURL    string // optional, for compatible endpoints
	Images     ImageStore
	// Extra client options (retries, HTTP client).
	RequestOptions []option.RequestOption
}

// New creates a Generator.
func New(opts Opts) (*Generator, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("generate: api key is required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	reqOpts = append(reqOpts, opts.RequestOptions...)

	g := &Generator{
		client:     openai.NewClient(reqOpts...),
		model:      opts.Model,
		imageModel: opts.ImageModel,
		images:     opts.Images,
	}
	if g.model == "" {
		g.model = DefaultModel
	}
	if g.imageModel == "" {
		g.imageModel = DefaultImageModel
	}
	return g, nil
}

// Request describes what to draft.
type Request struct {
	Topic         string
	Tone          string
	ImageStyle    string
	GenerateImage bool
	// Platforms to draft for; all platforms when empty.
	Platforms []models.Platform
}

// Draft is generated content awaiting review.
type Draft struct {
	Topic      string                     `json:"topic"`
	Tone       string                     `json:"tone"`
	ImageStyle string                     `json:"image_style"`
	Captions   map[models.Platform]string `json:"captions"`
	ImagePath  string                     `json:"image_path,omitempty"`
	// ImageError is set when captions succeeded but the image did not.
	ImageError string `json:"image_error,omitempty"`
}

// Generate drafts one caption per platform and, when requested, an image.
// A failed image does not fail the draft.
func (g *Generator) Generate(ctx context.Context, req Request) (Draft, error) {
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return Draft{}, fmt.Errorf("generate: topic is required")
	}
	tone := orDefault(req.Tone, DefaultTone)
	style := orDefault(req.ImageStyle, DefaultImageStyle)
	platforms := req.Platforms
	if len(platforms) == 0 {
		platforms = models.AllPlatforms
	}

	reply, err := g.complete(ctx, systemPrompt, captionPrompt(topic, tone, platforms), draftSchema(platforms), 0.8)
	if err != nil {
		return Draft{}, fmt.Errorf("generate: captions: %w", err)
	}
	var parsed map[string]string
	if err := json.Unmarshal([]byte(extractJSON(reply)), &parsed); err != nil {
		return Draft{}, fmt.Errorf("generate: parse captions: %w", err)
	}

	draft := Draft{
		Topic:      topic,
		Tone:       tone,
		ImageStyle: style,
		Captions:   make(map[models.Platform]string, len(platforms)),
	}
	for _, p := range platforms {
		if text := strings.TrimSpace(parsed[string(p)]); text != "" {
			draft.Captions[p] = text
		}
	}
	if len(draft.Captions) == 0 {
		return Draft{}, ErrEmptyResponse
	}

	if req.GenerateImage {
		prompt := parsed["image_prompt"]
		if prompt == "" {
			prompt = topic
		}
		path, err := g.Image(ctx, prompt, tone, style)
		if err != nil {
			logrus.WithError(err).Warn("generate: image failed, continuing with captions only")
			draft.ImageError = err.Error()
		} else {
			draft.ImagePath = path
		}
	}
	return draft, nil
}

// Refine rewrites one caption following the user's instructions.
func (g *Generator) Refine(ctx context.Context, platform models.Platform, text, instructions string) (string, error) {
	if strings.TrimSpace(instructions) == "" {
		return "", fmt.Errorf("generate: instructions are required")
	}
	prompt := fmt.Sprintf("Rewrite this %s post following the instructions.\n\nPOST:\n%s\n\nINSTRUCTIONS:\n%s\n\n%s\nReturn ONLY the rewritten post text.",
		platform.Title(), text, instructions, platformGuide(platform, ""))
	out, err := g.complete(ctx, systemPrompt, prompt, nil, 0.7)
	if err != nil {
		return "", fmt.Errorf("generate: refine: %w", err)
	}
	return cleanCaption(out), nil
}

// Regenerate drafts a fresh caption for one platform, avoiding the previous one.
func (g *Generator) Regenerate(ctx context.Context, topic string, platform models.Platform, tone, previous string) (string, error) {
	tone = orDefault(tone, DefaultTone)
	var b strings.Builder
	fmt.Fprintf(&b, "Write a %s %s post about: %s\n\n", tone, platform.Title(), topic)
	b.WriteString(platformGuide(platform, tone))
	b.WriteString("\nTONE: " + toneGuide(tone) + "\n")
	if previous != "" {
		fmt.Fprintf(&b, "\nTake a clearly different angle from this previous version:\n%s\n", previous)
	}
	b.WriteString("\nReturn ONLY the post text.")

	out, err := g.complete(ctx, systemPrompt, b.String(), nil, 0.9)
	if err != nil {
		return "", fmt.Errorf("generate: regenerate: %w", err)
	}
	return cleanCaption(out), nil
}

// Image renders an image for prompt and stores it, returning the local path.
func (g *Generator) Image(ctx context.Context, prompt, tone, style string) (string, error) {
	if g.images == nil {
		return "", fmt.Errorf("generate: no image store configured")
	}
	full := fmt.Sprintf("%s. Style: %s, %s. Professional quality, suitable for social media.",
		prompt, styleGuide(orDefault(style, DefaultImageStyle)), toneImageGuide(orDefault(tone, DefaultTone)))
	if r := []rune(full); len(r) > maxImagePrompt {
		full = string(r[:maxImagePrompt])
	}

	resp, err := g.client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt:         full,
		Model:          openai.ImageModel(g.imageModel),
		N:              openai.Int(1),
		Size:           openai.ImageGenerateParamsSize1024x1024,
		ResponseFormat: openai.ImageGenerateParamsResponseFormatB64JSON,
	})
	if err != nil {
		return "", fmt.Errorf("generate: image: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return "", fmt.Errorf("generate: image: no image data returned")
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return "", fmt.Errorf("generate: image: decode: %w", err)
	}
	path, err := g.images.SaveBytes(data, "ai_generated.png")
	if err != nil {
		return "", fmt.Errorf("generate: image: %w", err)
	}
	return path, nil
}

// complete runs one chat completion. A non-nil schema requests strict JSON output.
func (g *Generator) complete(ctx context.Context, system, user string, schema map[string]any, temperature float64) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(g.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(temperature),
	}
	if schema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "social_post_draft",
					Schema: any(schema),
					Strict: openai.Bool(true),
				},
			},
		}
	}

	completion, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(completion.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	text := strings.TrimSpace(completion.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	logrus.WithFields(logrus.Fields{
		"model":         g.model,
		"input_tokens":  completion.Usage.PromptTokens,
		"output_tokens": completion.Usage.CompletionTokens,
	}).Debug("generate: completion done")
	return text, nil
}

// extractJSON returns the outermost JSON object in s, tolerating code fences
// and surrounding prose.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

// cleanCaption strips quoting the model sometimes wraps around a post.
func cleanCaption(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "Post:")
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return strings.TrimSpace(s)
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(strings.ToLower(s)); s == "" {
		return def
	}
	return s
}
