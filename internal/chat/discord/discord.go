// Package discord connects the SocialHub bot to Discord over the Gateway.
//
// Discord threads are channels, so replies to a draft thread are sent to
// the thread's id directly. Stored draft images go up as message files and
// are shown inside the first embed.
package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/socialhub/internal/chat"
)

const (
	platformName = "discord"
	// rateLimitRetries is how often a rate-limited send is retried.
	rateLimitRetries = 3
	inboundBuffer    = 100
)

// gateway is the part of a discordgo session the adapter uses.
type gateway interface {
	Open() error
	Close() error
	Channel(channelID string) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	AddHandler(handler any) func()
}

type gatewaySession struct{ s *discordgo.Session }

func (g gatewaySession) Open() error  { return g.s.Open() }
func (g gatewaySession) Close() error { return g.s.Close() }

func (g gatewaySession) AddHandler(handler any) func() { return g.s.AddHandler(handler) }

func (g gatewaySession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return g.s.ChannelMessageSendComplex(channelID, data, options...)
}

// Channel reads the state cache first. Threads created before the bot
// joined are only known to the REST API.
func (g gatewaySession) Channel(channelID string) (*discordgo.Channel, error) {
	if ch, err := g.s.State.Channel(channelID); err == nil {
		return ch, nil
	}
	return g.s.Channel(channelID)
}

// Adapter is the chat.Adapter for Discord.
type Adapter struct {
	token          string
	defaultChannel string
	gw             gateway
	retryBase      time.Duration
	retryLimit     time.Duration

	mu       sync.Mutex
	selfID   string
	live     bool
	closed   bool
	handlers []func()
	done     chan struct{}

	// feedMu guards sends on inbound against Close.
	feedMu     sync.RWMutex
	feedClosed bool
	inbound    chan chat.InboundMessage
}

// AdapterOpts configures an Adapter. Gateway replaces the real session in
// tests.
type AdapterOpts struct {
	BotToken  string
	ChannelID string // receives reports for posts composed elsewhere
	Gateway   gateway
}

// New validates opts. No network call is made until Connect.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Gateway == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	return &Adapter{
		token:          opts.BotToken,
		defaultChannel: opts.ChannelID,
		gw:             opts.Gateway,
		retryBase:      2 * time.Second,
		retryLimit:     2 * time.Minute,
		done:           make(chan struct{}),
		inbound:        make(chan chat.InboundMessage, inboundBuffer),
	}, nil
}

// Connect opens the Gateway. The bot's own id arrives with the Ready event,
// which discordgo also replays after every reconnect.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.closed:
		return fmt.Errorf("discord: adapter already closed")
	case a.live:
		return nil
	}

	if a.gw == nil {
		dg, err := discordgo.New("Bot " + a.token)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
		a.gw = gatewaySession{s: dg}
	}

	a.handlers = append(a.handlers,
		a.gw.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			a.mu.Lock()
			a.selfID = r.User.ID
			a.mu.Unlock()
			logrus.WithField("bot", r.User.Username).Info("discord: gateway ready")
		}),
		a.gw.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
			logrus.Warn("discord: gateway disconnected")
		}),
	)

	if err := a.gw.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.live = true
	return nil
}

// Listen subscribes to message events and returns the inbound stream.
func (a *Adapter) Listen(ctx context.Context) (<-chan chat.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.live {
		return nil, fmt.Errorf("discord: not connected")
	}
	a.handlers = append(a.handlers, a.gw.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.deliver(m)
	}))
	return a.inbound, nil
}

// Send posts msg to its thread, its channel or the default channel, in
// that order of preference.
func (a *Adapter) Send(ctx context.Context, msg chat.OutboundMessage) error {
	a.mu.Lock()
	live := a.live
	a.mu.Unlock()
	if !live {
		return fmt.Errorf("discord: not connected")
	}

	target := msg.ThreadID
	for _, c := range []string{msg.ChannelID, a.defaultChannel} {
		if target == "" {
			target = c
		}
	}
	if target == "" {
		return fmt.Errorf("discord: no channel specified")
	}

	var image []byte
	if msg.ImagePath != "" {
		b, err := os.ReadFile(msg.ImagePath)
		if err != nil {
			return fmt.Errorf("discord: read image: %w", err)
		}
		image = b
	}

	err := a.withRateLimitRetry(ctx, func() error {
		_, err := a.gw.ChannelMessageSendComplex(target, composeMessage(msg, image),
			discordgo.WithContext(ctx), discordgo.WithRetryOnRatelimit(false))
		return err
	})
	if err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// Close detaches handlers, closes the Gateway and ends the inbound stream.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.live = false
	close(a.done)
	for _, remove := range a.handlers {
		remove()
	}
	a.handlers = nil
	gw := a.gw
	a.mu.Unlock()

	a.feedMu.Lock()
	a.feedClosed = true
	close(a.inbound)
	a.feedMu.Unlock()

	if gw == nil {
		return nil
	}
	return gw.Close()
}

// BotUserID returns the bot's user id once the Gateway is ready.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selfID
}

// deliver queues a user's message. Bot and system messages are skipped.
func (a *Adapter) deliver(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	a.mu.Lock()
	skip := a.closed || m.Author.ID == a.selfID
	a.mu.Unlock()
	if skip {
		return
	}

	channel, thread := m.ChannelID, ""
	if ch, err := a.gw.Channel(m.ChannelID); err == nil && ch.IsThread() {
		channel, thread = ch.ParentID, m.ChannelID
	}

	var files []chat.Attachment
	for _, att := range m.Attachments {
		if att != nil {
			files = append(files, chat.Attachment{URL: att.URL, Name: att.Filename, ContentType: att.ContentType})
		}
	}

	sent := m.Timestamp
	if sent.IsZero() {
		sent, _ = discordgo.SnowflakeTimestamp(m.ID)
	}

	msg := chat.InboundMessage{
		Platform:    platformName,
		ChannelID:   channel,
		ThreadID:    thread,
		UserID:      m.Author.ID,
		UserName:    m.Author.Username,
		Text:        m.Content,
		Attachments: files,
		Timestamp:   sent,
	}

	a.feedMu.RLock()
	defer a.feedMu.RUnlock()
	if a.feedClosed {
		return
	}
	select {
	case a.inbound <- msg:
	case <-a.done:
	}
}

// composeMessage renders msg with one embed per event. image holds the
// bytes of msg.ImagePath and takes precedence over msg.ImageURL.
func composeMessage(msg chat.OutboundMessage, image []byte) *discordgo.MessageSend {
	out := &discordgo.MessageSend{Content: msg.Text}
	for _, e := range msg.Events {
		out.Embeds = append(out.Embeds, embed(e))
	}

	var shown string
	switch {
	case image != nil:
		name := filepath.Base(msg.ImagePath)
		out.Files = []*discordgo.File{{
			Name:        name,
			ContentType: mimetype.Detect(image).String(),
			Reader:      bytes.NewReader(image),
		}}
		if len(out.Embeds) > 0 {
			shown = "attachment://" + name
		}
	case msg.ImageURL != "":
		shown = msg.ImageURL
		if len(out.Embeds) == 0 {
			out.Embeds = []*discordgo.MessageEmbed{{}}
		}
	}
	if shown != "" {
		out.Embeds[0].Image = &discordgo.MessageEmbedImage{URL: shown}
	}
	return out
}

func embed(e chat.FormattedEvent) *discordgo.MessageEmbed {
	em := &discordgo.MessageEmbed{
		Title:       e.Title,
		Description: e.Body,
		Color:       hexColor(e.Color),
	}
	for _, f := range e.Fields {
		em.Fields = append(em.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Short})
	}
	return em
}

// hexColor parses "#rrggbb" or "rrggbb". Anything else is 0, which Discord
// renders as the default embed color.
func hexColor(s string) int {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "#"), 16, 24)
	if err != nil {
		return 0
	}
	return int(v)
}

// retryAfter reports whether err is a rate limit, and the wait Discord
// asked for when it said.
func retryAfter(err error) (time.Duration, bool) {
	var limited *discordgo.RateLimitError
	if errors.As(err, &limited) && limited.RateLimit != nil && limited.TooManyRequests != nil {
		return limited.RetryAfter, true
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == http.StatusTooManyRequests {
		return 0, true
	}
	return 0, false
}

// withRateLimitRetry retries fn on rate limits, waiting as long as Discord
// asks or doubling from retryBase when it does not say.
func (a *Adapter) withRateLimitRetry(ctx context.Context, fn func() error) error {
	var err error
	for n := 0; n <= rateLimitRetries; n++ {
		if err = fn(); err == nil {
			return nil
		}
		wait, limited := retryAfter(err)
		if !limited || n == rateLimitRetries {
			return err
		}
		if wait <= 0 {
			wait = min(a.retryBase<<n, a.retryLimit)
		}
		logrus.WithField("attempt", n+1).Warnf("discord: rate limited, retrying in %v", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}
