package generate

import (
	"fmt"
	"slices"
	"strings"

	"github.com/zulandar/socialhub/internal/models"
)

const systemPrompt = "You are a professional social media content creator. You write engaging, authentic posts " +
	"optimised for each platform's audience and format, and you follow length limits exactly."

var toneGuides = map[string]string{
	"casual":        "Be conversational, friendly and approachable, like talking to a friend.",
	"professional":  "Be formal, polished and business-appropriate, showing expertise.",
	"corporate":     "Be extremely brief: one or two short sentences. No hashtags, no emojis.",
	"funny":         "Be witty and entertaining, with humour that lands.",
	"inspirational": "Be motivational and uplifting with emotional depth.",
	"educational":   "Be clear and informative, teaching something of value.",
	"storytelling":  "Be narrative-driven with an emotional hook.",
	"promotional":   "Be persuasive and action-oriented with a strong call to action.",
}

var toneImageGuides = map[string]string{
	"casual":        "friendly and approachable, warm and inviting atmosphere",
	"professional":  "sleek and polished with sophisticated elegance",
	"corporate":     "ultra-clean minimalist corporate aesthetic",
	"funny":         "playful, vibrant and whimsical",
	"inspirational": "uplifting and dramatic with cinematic quality",
	"educational":   "clear and well-structured with visual learning elements",
	"storytelling":  "narrative composition with emotional depth",
	"promotional":   "bold, eye-catching and attention-grabbing",
}

var styleGuides = map[string]string{
	"realistic": "professional photography, well-lit, sharp focus, commercial aesthetic",
	"minimal":   "ultra-minimalist design, clean white space, single focal point, no text overlays",
	"anime":     "Japanese anime art, vibrant cel-shaded colours",
	"2d":        "flat 2D vector illustration, clean shapes",
	"comics":    "comic book art, bold outlines, dramatic shading",
	"sketch":    "hand-drawn pencil sketch, visible strokes",
	"vintage":   "retro vintage poster, muted warm palette, aged texture",
	"disney":    "3D animated cartoon, whimsical characters, bright colours",
}

type platformStyle struct {
	maxLength int
	style     string
	hashtags  string
}

var platformStyles = map[models.Platform]platformStyle{
	models.Facebook:  {500, "conversational and friendly, can be longer", "optional, 2-3 max"},
	models.Instagram: {400, "visual and engaging with emojis", "5-10 relevant hashtags"},
	models.Twitter:   {260, "concise and punchy", "1-3 hashtags"},
	models.Reddit:    {300, "authentic and community-focused, no spam", "avoid hashtags"},
}

var corporateStyles = map[models.Platform]platformStyle{
	models.Facebook:  {150, "ultra-brief, minimal, clean", "no hashtags"},
	models.Instagram: {100, "minimal caption, let the image speak", "1-2 hashtags max"},
	models.Twitter:   {100, "extremely brief and impactful", "no hashtags"},
	models.Reddit:    {150, "simple and direct, no fluff", "avoid hashtags"},
}

// Tones lists the supported writing tones.
func Tones() []string { return sortedKeys(toneGuides) }

// Styles lists the supported image styles.
func Styles() []string { return sortedKeys(styleGuides) }

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func toneGuide(tone string) string {
	if g, ok := toneGuides[tone]; ok {
		return g
	}
	return "Be engaging and authentic."
}

func toneImageGuide(tone string) string {
	if g, ok := toneImageGuides[tone]; ok {
		return g
	}
	return "clean and modern"
}

func styleGuide(style string) string {
	if g, ok := styleGuides[style]; ok {
		return g
	}
	return "photorealistic"
}

func platformGuide(p models.Platform, tone string) string {
	styles := platformStyles
	if tone == "corporate" {
		styles = corporateStyles
	}
	s, ok := styles[p]
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s: %s. Max %d characters. Hashtags: %s.", p.Title(), s.style, s.maxLength, s.hashtags)
}

func captionPrompt(topic, tone string, platforms []models.Platform) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Create a %s social media post about: %s\n\n", tone, topic)
	b.WriteString("TONE: " + toneGuide(tone) + "\n\n")
	b.WriteString("Write one version per platform:\n")
	for _, p := range platforms {
		b.WriteString("- " + platformGuide(p, tone) + "\n")
	}
	b.WriteString("\nAlso write image_prompt: a detailed visual description (subject, composition, lighting, palette, mood) " +
		"for an image that accompanies the post. No text in the image.\n")
	b.WriteString("\nReturn a JSON object keyed by platform name, plus image_prompt.")
	return b.String()
}

func draftSchema(platforms []models.Platform) map[string]any {
	props := map[string]any{
		"image_prompt": map[string]any{"type": "string"},
	}
	required := []string{"image_prompt"}
	for _, p := range platforms {
		props[string(p)] = map[string]any{"type": "string"}
		required = append(required, string(p))
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}
