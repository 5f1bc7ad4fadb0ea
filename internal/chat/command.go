package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/socialhub/internal/dispatch"
	"github.com/zulandar/socialhub/internal/generate"
	"github.com/zulandar/socialhub/internal/models"
	"github.com/zulandar/socialhub/internal/scheduler"
)

// Service is the post lifecycle the bot drives.
type Service interface {
	Create(ctx context.Context, req scheduler.CreateRequest) (models.ScheduledPost, error)
	List() []models.ScheduledPost
	Cancel(id string) error
	RunNow(ctx context.Context, id string) (models.Outcome, error)
	PublishNow(ctx context.Context, req scheduler.PublishRequest) (models.Outcome, error)
	Pending() []dispatch.Pending
	Summary() map[models.Status]int
	AttemptedSince(t time.Time) []models.ScheduledPost
}

// Generator drafts captions. Optional.
type Generator interface {
	Generate(ctx context.Context, req generate.Request) (generate.Draft, error)
	Refine(ctx context.Context, platform models.Platform, text, instructions string) (string, error)
}

// MediaStore stores draft images and hands out per-job copies.
type MediaStore interface {
	Save(r io.Reader, name string) (string, error)
	Clone(path string) (string, error)
	Remove(path string) error
}

// listLimit caps the rows returned by "list all".
const listLimit = 15

// CommandHandler executes "!hub" commands and compose-session verbs.
type CommandHandler struct {
	service    Service
	generator  Generator
	media      MediaStore
	sessions   *SessionManager
	platforms  []models.Platform
	httpClient *http.Client
	mediaURL   func(path string) string
	now        func() time.Time
}

// CommandHandlerOpts holds parameters for creating a CommandHandler.
type CommandHandlerOpts struct {
	Service   Service
	Generator Generator // optional; "generate" and "refine" are disabled without it
	Media     MediaStore
	Sessions  *SessionManager
	// Platforms are the configured publishers drafts are written for.
	// Defaults to every platform.
	Platforms  []models.Platform
	HTTPClient *http.Client // downloads image attachments
	// MediaURL maps a stored image to its public URL, for adapters that
	// cannot upload files. Optional.
	MediaURL func(path string) string
	Now      func() time.Time
}

// NewCommandHandler creates a CommandHandler.
func NewCommandHandler(opts CommandHandlerOpts) (*CommandHandler, error) {
	if opts.Service == nil {
		return nil, fmt.Errorf("chat: command handler: service is required")
	}
	if opts.Media == nil {
		return nil, fmt.Errorf("chat: command handler: media store is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("chat: command handler: session manager is required")
	}
	platforms := opts.Platforms
	if len(platforms) == 0 {
		platforms = models.AllPlatforms
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &CommandHandler{
		service:    opts.Service,
		generator:  opts.Generator,
		media:      opts.Media,
		sessions:   opts.Sessions,
		platforms:  platforms,
		httpClient: client,
		mediaURL:   opts.MediaURL,
		now:        now,
	}, nil
}

// sessionVerbs are the commands that act on the caller's compose session.
var sessionVerbs = map[string]bool{
	"approve":  true,
	"refine":   true,
	"publish":  true,
	"schedule": true,
	"show":     true,
	"cancel":   true,
}

// Execute runs one command. text is the message with the "!hub" prefix
// removed. The returned message has no channel or thread set.
func (ch *CommandHandler) Execute(ctx context.Context, msg InboundMessage, text string) OutboundMessage {
	verb, rest := splitCommand(text)
	key := keyFor(msg)

	if sessionVerbs[verb] && !(verb == "cancel" && rest != "") {
		if reply, ok := ch.executeSession(ctx, key, verb, rest); ok {
			return reply
		}
		if verb != "cancel" {
			return textReply(fmt.Sprintf("No active draft here. Start one with `%s generate <topic>` or `%s post <caption>`.",
				commandPrefix, commandPrefix))
		}
	}

	switch verb {
	case "", "help":
		return textReply(ch.helpText())
	case "list":
		return textReply(ch.cmdList(rest))
	case "status":
		return textReply(formatStatus(ch.service.Summary(), ch.service.Pending()))
	case "cancel":
		return textReply(ch.cmdCancel(rest))
	case "run":
		return textReply(ch.cmdRun(ctx, rest))
	case "generate":
		return ch.cmdGenerate(ctx, msg, key, rest)
	case "post":
		return ch.cmdPost(ctx, msg, key, rest)
	default:
		return textReply(fmt.Sprintf("Unknown command: `%s`\n\n%s", verb, ch.helpText()))
	}
}

// executeSession runs a session verb. ok is false when the caller has no session.
func (ch *CommandHandler) executeSession(ctx context.Context, key SessionKey, verb, rest string) (OutboundMessage, bool) {
	if !ch.sessions.Has(key) {
		return OutboundMessage{}, false
	}
	switch verb {
	case "show":
		return ch.withDraft(key, func(s *Session) error { return nil })
	case "approve":
		platforms, err := parseApproval(rest)
		if err != nil {
			return textReply(err.Error()), true
		}
		return ch.withDraft(key, func(s *Session) error {
			if len(platforms) == 0 {
				platforms = s.platforms()
			}
			return s.approve(platforms)
		})
	case "refine":
		return ch.refine(ctx, key, rest), true
	case "publish":
		return ch.publish(ctx, key), true
	case "schedule":
		return ch.schedule(ctx, key, rest), true
	case "cancel":
		ch.sessions.End(key)
		return textReply("Draft discarded."), true
	}
	return OutboundMessage{}, false
}

// withDraft applies fn to the session and replies with the updated draft.
func (ch *CommandHandler) withDraft(key SessionKey, fn func(s *Session) error) (OutboundMessage, bool) {
	var reply OutboundMessage
	ok, err := ch.sessions.With(key, func(s *Session) error {
		if err := fn(s); err != nil {
			return err
		}
		reply = ch.draftReply(s)
		return nil
	})
	if !ok {
		return OutboundMessage{}, false
	}
	if err != nil {
		return textReply(err.Error()), true
	}
	return reply, true
}

func (ch *CommandHandler) refine(ctx context.Context, key SessionKey, rest string) OutboundMessage {
	if ch.generator == nil {
		return textReply("Content generation is not configured.")
	}
	name, instructions, _ := strings.Cut(rest, " ")
	instructions = strings.TrimSpace(instructions)
	if name == "" || instructions == "" {
		return textReply(fmt.Sprintf("Usage: `%s refine <platform> <instructions>`", commandPrefix))
	}
	p, err := models.ParsePlatform(name)
	if err != nil {
		return textReply(fmt.Sprintf("Unknown platform `%s`.", name))
	}

	var current string
	ch.sessions.With(key, func(s *Session) error {
		current = s.Captions[p]
		return nil
	})
	if current == "" {
		return textReply(fmt.Sprintf("The draft has no %s caption.", p.Title()))
	}

	refined, err := ch.generator.Refine(ctx, p, current, instructions)
	if err != nil {
		logrus.WithField("platform", p).Errorf("chat: refine: %v", err)
		return textReply(fmt.Sprintf("Could not refine the %s caption: %v", p.Title(), err))
	}
	reply, ok := ch.withDraft(key, func(s *Session) error {
		s.Captions[p] = refined
		return nil
	})
	if !ok {
		return textReply("The draft expired while refining.")
	}
	return reply
}

// publish sends every approved caption now, one job per platform, and ends
// the session.
func (ch *CommandHandler) publish(ctx context.Context, key SessionKey) OutboundMessage {
	s, ok := ch.sessions.Take(key)
	if !ok {
		return textReply("No active draft here.")
	}
	approved := s.Approved.Enabled()
	if len(approved) == 0 {
		ch.sessions.Restore(key, s)
		return textReply(fmt.Sprintf("Approve at least one platform first: `%s approve <platforms|all>`.", commandPrefix))
	}
	defer ch.sessions.Discard(s)

	var failed []string
	for _, p := range approved {
		image, err := ch.media.Clone(s.ImagePath)
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", p.Title(), err))
			continue
		}
		origin := s.Origin
		if _, err := ch.service.PublishNow(ctx, scheduler.PublishRequest{
			Caption:   s.Captions[p],
			ImagePath: image,
			Platforms: []models.Platform{p},
			Source:    "chat",
			Origin:    &origin,
		}); err != nil {
			ch.removeMedia(image)
			failed = append(failed, fmt.Sprintf("%s: %v", p.Title(), err))
		}
	}
	if len(failed) > 0 {
		return textReply("Some platforms were not attempted:\n" + strings.Join(failed, "\n"))
	}
	return textReply(fmt.Sprintf("Published to %s.", models.JoinPlatforms(approved)))
}

// schedule creates one scheduled post per approved platform and ends the
// session.
func (ch *CommandHandler) schedule(ctx context.Context, key SessionKey, rest string) OutboundMessage {
	at, err := parseWhen(rest, ch.now())
	if err != nil {
		return textReply(err.Error())
	}
	if !at.After(ch.now()) {
		return textReply("The scheduled time must be in the future.")
	}

	s, ok := ch.sessions.Take(key)
	if !ok {
		return textReply("No active draft here.")
	}
	approved := s.Approved.Enabled()
	if len(approved) == 0 {
		ch.sessions.Restore(key, s)
		return textReply(fmt.Sprintf("Approve at least one platform first: `%s approve <platforms|all>`.", commandPrefix))
	}
	defer ch.sessions.Discard(s)

	var lines []string
	for _, p := range approved {
		image, err := ch.media.Clone(s.ImagePath)
		if err != nil {
			lines = append(lines, fmt.Sprintf("%s: %v", p.Title(), err))
			continue
		}
		origin := s.Origin
		post, err := ch.service.Create(ctx, scheduler.CreateRequest{
			Caption:       s.Captions[p],
			ImagePath:     image,
			Platforms:     []models.Platform{p},
			ScheduledTime: at,
			Source:        "chat",
			Origin:        &origin,
		})
		switch {
		case err != nil && post.ID == "":
			ch.removeMedia(image)
			lines = append(lines, fmt.Sprintf("%s: %v", p.Title(), err))
		default:
			lines = append(lines, fmt.Sprintf("%s: `%s`", p.Title(), shortID(post.ID)))
		}
	}
	return textReply(fmt.Sprintf("Scheduled for %s:\n%s",
		models.NewTimestamp(at).Format("Mon Jan 2 15:04"), strings.Join(lines, "\n")))
}

func (ch *CommandHandler) cmdList(rest string) string {
	posts := ch.service.List()
	switch filter := strings.TrimSpace(rest); filter {
	case "", string(models.StatusScheduled):
		posts = slices.DeleteFunc(posts, func(p models.ScheduledPost) bool {
			return p.Status != models.StatusScheduled
		})
		if len(posts) == 0 {
			return "No scheduled posts."
		}
	case "all":
	default:
		posts = slices.DeleteFunc(posts, func(p models.ScheduledPost) bool {
			return string(p.Status) != filter
		})
		if len(posts) == 0 {
			return fmt.Sprintf("No %s posts.", filter)
		}
	}
	if len(posts) > listLimit {
		posts = posts[:listLimit]
	}
	return formatPostTable(posts)
}

func (ch *CommandHandler) cmdCancel(rest string) string {
	id, err := ch.resolveID(rest)
	if err != nil {
		return err.Error()
	}
	switch err := ch.service.Cancel(id); {
	case errors.Is(err, scheduler.ErrAlreadyDispatched):
		return fmt.Sprintf("Post `%s` was already dispatched and can't be cancelled.", shortID(id))
	case err != nil:
		return fmt.Sprintf("Error cancelling `%s`: %v", shortID(id), err)
	}
	return fmt.Sprintf("Post `%s` cancelled.", shortID(id))
}

func (ch *CommandHandler) cmdRun(ctx context.Context, rest string) string {
	id, err := ch.resolveID(rest)
	if err != nil {
		return err.Error()
	}
	outcome, err := ch.service.RunNow(ctx, id)
	switch {
	case errors.Is(err, scheduler.ErrAlreadyDispatched):
		return fmt.Sprintf("Post `%s` was already dispatched.", shortID(id))
	case err != nil:
		return fmt.Sprintf("Error running `%s`: %v", shortID(id), err)
	}
	return fmt.Sprintf("Post `%s` dispatched: %s.", shortID(id), outcome.Status())
}

func (ch *CommandHandler) cmdGenerate(ctx context.Context, msg InboundMessage, key SessionKey, rest string) OutboundMessage {
	if ch.generator == nil {
		return textReply("Content generation is not configured.")
	}
	opts, topic := parseOptions(rest, "tone", "style", "image")
	if topic == "" {
		return textReply(fmt.Sprintf("Usage: `%s generate [tone=<tone>] [style=<style>] [image=no] <topic>`\nTones: %s\nStyles: %s",
			commandPrefix, strings.Join(generate.Tones(), ", "), strings.Join(generate.Styles(), ", ")))
	}

	draft, err := ch.generator.Generate(ctx, generate.Request{
		Topic:         topic,
		Tone:          opts["tone"],
		ImageStyle:    opts["style"],
		GenerateImage: !isNo(opts["image"]),
		Platforms:     ch.platforms,
	})
	if err != nil {
		logrus.WithField("topic", topic).Errorf("chat: generate: %v", err)
		return textReply(fmt.Sprintf("Could not generate content: %v", err))
	}

	s := &Session{
		Origin:     originOf(msg),
		Topic:      topic,
		Tone:       draft.Tone,
		Captions:   draft.Captions,
		ImagePath:  draft.ImagePath,
		ImageError: draft.ImageError,
	}
	ch.sessions.Start(key, s)
	return ch.draftReply(s)
}

func (ch *CommandHandler) cmdPost(ctx context.Context, msg InboundMessage, key SessionKey, rest string) OutboundMessage {
	opts, caption := parseOptions(rest, "image")

	var source, name string
	if u := opts["image"]; u != "" {
		source, name = u, path.Base(u)
	} else if a, ok := firstImage(msg.Attachments); ok {
		source, name = a.URL, a.Name
	}
	if caption == "" && source == "" {
		return textReply(fmt.Sprintf("Usage: `%s post [image=<url>] <caption>` (or attach an image)", commandPrefix))
	}

	var imagePath string
	if source != "" {
		p, err := ch.fetchImage(ctx, source, name)
		if err != nil {
			return textReply(fmt.Sprintf("Could not use the image: %v", err))
		}
		imagePath = p
	}

	captions := make(map[models.Platform]string, len(ch.platforms))
	for _, p := range ch.platforms {
		captions[p] = caption
	}
	s := &Session{
		Origin:    originOf(msg),
		Captions:  captions,
		ImagePath: imagePath,
	}
	ch.sessions.Start(key, s)
	return ch.draftReply(s)
}

// fetchImage downloads an image into the media library.
func (ch *CommandHandler) fetchImage(ctx context.Context, rawURL, name string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("unsupported image URL %q", rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := ch.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download: %s", resp.Status)
	}
	return ch.media.Save(resp.Body, name)
}

// resolveID accepts a full post ID or a unique prefix of one.
func (ch *CommandHandler) resolveID(arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", fmt.Errorf("A post ID is required.")
	}
	var matches []string
	for _, p := range ch.service.List() {
		if p.ID == arg {
			return p.ID, nil
		}
		if strings.HasPrefix(p.ID, arg) {
			matches = append(matches, p.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("No post matches `%s`.", arg)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("`%s` matches %d posts; use more characters.", arg, len(matches))
	}
}

func (ch *CommandHandler) removeMedia(path string) {
	if path == "" {
		return
	}
	if err := ch.media.Remove(path); err != nil {
		logrus.WithField("path", path).Warnf("chat: remove media: %v", err)
	}
}

// helpText returns usage information for all commands.
func (ch *CommandHandler) helpText() string {
	p := commandPrefix
	return "**SocialHub Commands**\n" +
		"`" + p + " list [all|<status>]` List posts\n" +
		"`" + p + " status` Post counts and pending triggers\n" +
		"`" + p + " cancel <id>` Cancel a scheduled post\n" +
		"`" + p + " run <id>` Publish a scheduled post now\n" +
		"`" + p + " generate [tone=..] [style=..] [image=no] <topic>` Draft posts with AI\n" +
		"`" + p + " post [image=<url>] <caption>` Draft a post from your own text\n" +
		"**In a draft**\n" +
		"`" + p + " approve <platforms|all>` `" + p + " refine <platform> <instructions>` `" + p + " show`\n" +
		"`" + p + " publish` `" + p + " schedule <YYYY-MM-DD HH:MM | in 3h>` `" + p + " cancel`"
}

func textReply(text string) OutboundMessage {
	return OutboundMessage{Text: text}
}

func (ch *CommandHandler) draftReply(s *Session) OutboundMessage {
	reply := OutboundMessage{
		Events:    []FormattedEvent{formatDraft(s)},
		ImagePath: s.ImagePath,
	}
	if s.ImagePath != "" && ch.mediaURL != nil {
		reply.ImageURL = ch.mediaURL(s.ImagePath)
	}
	return reply
}

func originOf(msg InboundMessage) models.Origin {
	return models.Origin{
		Platform:  msg.Platform,
		ChannelID: msg.ChannelID,
		ThreadID:  msg.ThreadID,
		UserName:  msg.UserName,
	}
}

// splitCommand returns the lower-cased first word and the remaining text.
func splitCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	verb, rest, _ := strings.Cut(text, " ")
	return strings.ToLower(verb), strings.TrimSpace(rest)
}

// parseOptions strips leading key=value tokens whose key is allowed.
func parseOptions(text string, allowed ...string) (map[string]string, string) {
	opts := make(map[string]string)
	for {
		text = strings.TrimSpace(text)
		token, rest, _ := strings.Cut(text, " ")
		k, v, ok := strings.Cut(token, "=")
		if !ok || !slices.Contains(allowed, strings.ToLower(k)) {
			return opts, text
		}
		opts[strings.ToLower(k)] = strings.Trim(v, "<>")
		text = rest
	}
}

// parseApproval parses "all" or a platform list. A nil result means every
// platform of the draft.
func parseApproval(text string) ([]models.Platform, error) {
	text = strings.TrimSpace(text)
	if text == "" || strings.EqualFold(text, "all") {
		return nil, nil
	}
	ps, err := models.ParsePlatformList(text)
	if err != nil {
		return nil, fmt.Errorf("Unknown platform in `%s`.", text)
	}
	return ps, nil
}

// parseWhen accepts "in <duration>" or an absolute local time.
func parseWhen(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, fmt.Errorf("Usage: `%s schedule <YYYY-MM-DD HH:MM | in 3h>`", commandPrefix)
	}
	if rel, ok := strings.CutPrefix(strings.ToLower(text), "in "); ok {
		d, err := time.ParseDuration(strings.ReplaceAll(rel, " ", ""))
		if err != nil || d <= 0 {
			return time.Time{}, fmt.Errorf("Could not understand the delay `%s`; try `in 90m` or `in 3h`.", rel)
		}
		return now.Add(d), nil
	}
	ts, err := models.ParseTimestamp(text)
	if err != nil {
		return time.Time{}, fmt.Errorf("Could not understand the time `%s`; use `YYYY-MM-DD HH:MM`.", text)
	}
	return ts.Time, nil
}

func firstImage(atts []Attachment) (Attachment, bool) {
	for _, a := range atts {
		if strings.HasPrefix(a.ContentType, "image/") {
			return a, true
		}
	}
	return Attachment{}, false
}

func isNo(v string) bool {
	switch strings.ToLower(v) {
	case "no", "false", "off", "0", "none":
		return true
	}
	return false
}
