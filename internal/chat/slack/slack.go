// Package slack connects the SocialHub bot to Slack over Socket Mode.
//
// Replies and outcome reports go to the thread a draft was composed in.
// Draft previews show the image by public URL when one is known, and
// otherwise upload the stored file into the thread.
package slack

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/socialhub/internal/chat"
)

const (
	platformName = "slack"
	// rateLimitRetries is how often a rate-limited post is retried.
	rateLimitRetries = 3
	inboundBuffer    = 100
)

// backoff is an exponential delay schedule with a ceiling.
type backoff struct {
	base  time.Duration
	limit time.Duration
	tries int
}

var reconnectBackoff = backoff{base: 2 * time.Second, limit: 2 * time.Minute, tries: 10}

// delay returns the wait before retry n (0-based).
func (b backoff) delay(n int) time.Duration {
	d := b.base
	for i := 0; i < n && d < b.limit; i++ {
		d *= 2
	}
	return min(d, b.limit)
}

// webAPI is the part of the Slack Web API the adapter calls.
type webAPI interface {
	AuthTestContext(ctx context.Context) (*slackapi.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
	UploadFileContext(ctx context.Context, params slackapi.UploadFileParameters) (*slackapi.FileSummary, error)
	GetUserInfoContext(ctx context.Context, user string) (*slackapi.User, error)
}

// eventStream is a Socket Mode connection.
type eventStream interface {
	RunContext(ctx context.Context) error
	Events() <-chan socketmode.Event
	Ack(req socketmode.Request, payload ...any)
}

type socketStream struct{ c *socketmode.Client }

func (s socketStream) RunContext(ctx context.Context) error { return s.c.RunContext(ctx) }
func (s socketStream) Events() <-chan socketmode.Event      { return s.c.Events }
func (s socketStream) Ack(req socketmode.Request, payload ...any) {
	s.c.Ack(req, payload...)
}

// Adapter is the chat.Adapter for Slack.
type Adapter struct {
	appToken       string
	botToken       string
	defaultChannel string
	api            webAPI
	stream         eventStream
	reconnect      backoff

	mu     sync.Mutex
	selfID string
	live   bool
	closed bool
	stop   context.CancelFunc
	names  map[string]string

	// feedMu guards sends on inbound against Close.
	feedMu     sync.RWMutex
	feedClosed bool
	inbound    chan chat.InboundMessage
}

// AdapterOpts configures an Adapter. API and Stream replace the real
// clients in tests.
type AdapterOpts struct {
	AppToken  string // xapp- token for Socket Mode
	BotToken  string // xoxb- token for the Web API
	ChannelID string // receives reports for posts composed elsewhere
	API       webAPI
	Stream    eventStream
}

// New validates opts. No network call is made until Connect.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.API == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Stream == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	return &Adapter{
		appToken:       opts.AppToken,
		botToken:       opts.BotToken,
		defaultChannel: opts.ChannelID,
		api:            opts.API,
		stream:         opts.Stream,
		reconnect:      reconnectBackoff,
		names:          make(map[string]string),
		inbound:        make(chan chat.InboundMessage, inboundBuffer),
	}, nil
}

// Connect checks the bot token and learns the bot's own user id.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.closed:
		return fmt.Errorf("slack: adapter already closed")
	case a.live:
		return nil
	}
	if a.api == nil {
		client := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.api = client
		a.stream = socketStream{c: socketmode.New(client)}
	}
	auth, err := a.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.selfID = auth.UserID
	a.live = true
	return nil
}

// Listen starts the Socket Mode connection and returns the inbound stream.
func (a *Adapter) Listen(ctx context.Context) (<-chan chat.InboundMessage, error) {
	a.mu.Lock()
	if !a.live {
		a.mu.Unlock()
		return nil, fmt.Errorf("slack: not connected")
	}
	ctx, a.stop = context.WithCancel(ctx)
	a.mu.Unlock()

	go a.keepAlive(ctx)
	go a.forward(ctx)
	return a.inbound, nil
}

// Send posts msg. An ImagePath without an ImageURL is uploaded into the
// same thread after the text.
func (a *Adapter) Send(ctx context.Context, msg chat.OutboundMessage) error {
	a.mu.Lock()
	live := a.live
	a.mu.Unlock()
	if !live {
		return fmt.Errorf("slack: not connected")
	}

	channel := msg.ChannelID
	if channel == "" {
		channel = a.defaultChannel
	}
	if channel == "" {
		return fmt.Errorf("slack: no channel specified")
	}

	if msg.Text != "" || len(msg.Events) > 0 || msg.ImageURL != "" {
		err := withRateLimitRetry(ctx, func() error {
			_, _, err := a.api.PostMessageContext(ctx, channel, messageOptions(msg)...)
			return err
		})
		if err != nil {
			return fmt.Errorf("slack: post message: %w", err)
		}
	}
	if msg.ImagePath != "" && msg.ImageURL == "" {
		if err := a.upload(ctx, channel, msg.ThreadID, msg.ImagePath); err != nil {
			return fmt.Errorf("slack: upload image: %w", err)
		}
	}
	return nil
}

// upload shares a stored draft image into a thread.
func (a *Adapter) upload(ctx context.Context, channel, thread, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	_, err = a.api.UploadFileContext(ctx, slackapi.UploadFileParameters{
		File:            path,
		FileSize:        int(info.Size()),
		Filename:        filepath.Base(path),
		Title:           "Draft image",
		Channel:         channel,
		ThreadTimestamp: thread,
	})
	return err
}

// Close stops the Socket Mode connection and closes the inbound stream.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.live = false
	if a.stop != nil {
		a.stop()
	}
	a.mu.Unlock()

	a.feedMu.Lock()
	defer a.feedMu.Unlock()
	a.feedClosed = true
	close(a.inbound)
	return nil
}

// BotUserID returns the bot's user id once connected.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selfID
}

// keepAlive runs the Socket Mode connection, restarting it after errors
// until ctx ends or the retry budget is spent.
func (a *Adapter) keepAlive(ctx context.Context) {
	for n := 0; n < a.reconnect.tries; n++ {
		err := a.stream.RunContext(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		wait := a.reconnect.delay(n)
		logrus.WithField("attempt", n+1).Warnf("slack: socket mode dropped: %v; retrying in %v", err, wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	logrus.Errorf("slack: socket mode failed %d times, giving up", a.reconnect.tries)
}

// forward acks Events API envelopes and turns user messages into
// InboundMessages.
func (a *Adapter) forward(ctx context.Context) {
	events := a.stream.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.route(ctx, evt)
		}
	}
}

func (a *Adapter) route(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		payload, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.stream.Ack(*evt.Request)
		}
		if payload.Type != slackevents.CallbackEvent {
			return
		}
		// Mentions arrive as message events too.
		if m, ok := payload.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			a.deliver(ctx, m)
		}
	case socketmode.EventTypeConnected:
		logrus.Info("slack: socket mode connected")
	case socketmode.EventTypeConnectionError:
		logrus.Warnf("slack: socket mode connection error: %v", evt.Data)
	}
}

// deliver queues a user's message. Bot posts and edits are skipped.
func (a *Adapter) deliver(ctx context.Context, m *slackevents.MessageEvent) {
	if m.BotID != "" || m.SubType != "" {
		return
	}
	a.mu.Lock()
	skip := a.closed || m.User == a.selfID
	a.mu.Unlock()
	if skip {
		return
	}

	msg := chat.InboundMessage{
		Platform:  platformName,
		ChannelID: m.Channel,
		ThreadID:  m.ThreadTimeStamp,
		UserID:    m.User,
		UserName:  a.displayName(ctx, m.User),
		Text:      m.Text,
		Timestamp: messageTime(m.TimeStamp),
	}

	a.feedMu.RLock()
	defer a.feedMu.RUnlock()
	if a.feedClosed {
		return
	}
	select {
	case a.inbound <- msg:
	case <-ctx.Done():
	}
}

// displayName resolves and caches a user's display name, falling back to
// the real name and then the id.
func (a *Adapter) displayName(ctx context.Context, user string) string {
	if user == "" {
		return ""
	}
	a.mu.Lock()
	name, ok := a.names[user]
	a.mu.Unlock()
	if ok {
		return name
	}

	info, err := a.api.GetUserInfoContext(ctx, user)
	if err != nil {
		return user
	}
	name = cmp.Or(info.Profile.DisplayName, info.RealName, user)
	a.mu.Lock()
	a.names[user] = name
	a.mu.Unlock()
	return name
}

// messageOptions renders msg as a threaded post with one attachment per
// event. A public image is shown on the first attachment.
func messageOptions(msg chat.OutboundMessage) []slackapi.MsgOption {
	var opts []slackapi.MsgOption
	if msg.ThreadID != "" {
		opts = append(opts, slackapi.MsgOptionTS(msg.ThreadID))
	}

	atts := make([]slackapi.Attachment, 0, len(msg.Events)+1)
	for _, e := range msg.Events {
		atts = append(atts, attachment(e))
	}
	if msg.ImageURL != "" {
		if len(atts) == 0 {
			atts = append(atts, slackapi.Attachment{Fallback: "image"})
		}
		atts[0].ImageURL = msg.ImageURL
	}

	if len(atts) > 0 {
		opts = append(opts, slackapi.MsgOptionAttachments(atts...))
	}
	if msg.Text != "" || len(atts) == 0 {
		opts = append(opts, slackapi.MsgOptionText(msg.Text, false))
	}
	return opts
}

func attachment(e chat.FormattedEvent) slackapi.Attachment {
	att := slackapi.Attachment{
		Fallback: e.Title,
		Title:    e.Title,
		Text:     e.Body,
		Color:    e.Color,
	}
	for _, f := range e.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{Title: f.Name, Value: f.Value, Short: f.Short})
	}
	return att
}

// withRateLimitRetry retries fn after the delay Slack asks for.
func withRateLimitRetry(ctx context.Context, fn func() error) error {
	var err error
	for n := 0; n <= rateLimitRetries; n++ {
		if err = fn(); err == nil {
			return nil
		}
		var limited *slackapi.RateLimitedError
		if !errors.As(err, &limited) || n == rateLimitRetries {
			return err
		}
		wait := limited.RetryAfter
		if wait <= 0 {
			wait = time.Second << n
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}

// messageTime parses a Slack "seconds.micros" timestamp.
func messageTime(ts string) time.Time {
	secs, micros, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	us, _ := strconv.ParseInt(micros, 10, 64)
	return time.Unix(s, us*int64(time.Microsecond))
}
