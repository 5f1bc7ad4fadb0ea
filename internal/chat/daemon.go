package chat

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/socialhub/internal/dispatch"
	"github.com/zulandar/socialhub/internal/models"
	"github.com/zulandar/socialhub/internal/scheduler"
)

const (
	// DefaultSweepSpec is how often expired compose sessions are removed.
	DefaultSweepSpec = "@every 1m"
	// DefaultDigestWindow is the period a digest covers.
	DefaultDigestWindow = 24 * time.Hour
	// eventBuffer is how many outcome reports may queue before new ones are dropped.
	eventBuffer = 64
	// drainTimeout bounds the wait for in-flight commands on shutdown.
	drainTimeout = 10 * time.Second
)

// Recurring registers housekeeping jobs; *dispatch.Dispatcher implements it.
type Recurring interface {
	Every(spec string, fn dispatch.JobFunc) (cron.EntryID, error)
}

// Daemon is the chat bot process. It connects to a chat platform via an
// Adapter, pumps inbound messages to the Router and reports publish
// outcomes. It implements scheduler.Notifier.
type Daemon struct {
	adapter      Adapter
	platform     string
	service      Service
	sessions     *SessionManager
	cmdHandler   *CommandHandler
	jobs         Recurring
	sweepSpec    string
	digestSpec   string
	digestWindow time.Duration
	announceAll  bool
	now          func() time.Time
	out          io.Writer

	events  chan OutboundMessage
	running atomic.Bool
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	Adapter Adapter
	// Platform is the adapter's name ("slack", "discord"). Outcomes of
	// posts composed on this platform are reported to their origin thread.
	Platform  string
	Service   Service
	Generator Generator // optional
	Media     MediaStore
	Jobs      Recurring
	// Platforms are the configured publishers. Defaults to every platform.
	Platforms  []models.Platform
	SessionTTL time.Duration // defaults to DefaultSessionTTL
	SweepSpec  string        // defaults to DefaultSweepSpec
	// DigestSpec is a cron expression; empty disables the digest.
	DigestSpec   string
	DigestWindow time.Duration // defaults to DefaultDigestWindow
	// AnnounceAll reports outcomes of posts without a chat origin to the
	// adapter's default channel.
	AnnounceAll bool
	HTTPClient  *http.Client
	// MediaURL maps a stored image to its public URL. Optional.
	MediaURL func(path string) string
	Now      func() time.Time
	Out      io.Writer // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("chat: adapter is required")
	}
	if opts.Platform == "" {
		return nil, fmt.Errorf("chat: platform is required")
	}
	if opts.Jobs == nil {
		return nil, fmt.Errorf("chat: jobs scheduler is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sessions, err := NewSessionManager(SessionManagerOpts{
		Media: opts.Media,
		TTL:   opts.SessionTTL,
		Now:   now,
	})
	if err != nil {
		return nil, err
	}
	cmdHandler, err := NewCommandHandler(CommandHandlerOpts{
		Service:    opts.Service,
		Generator:  opts.Generator,
		Media:      opts.Media,
		Sessions:   sessions,
		Platforms:  opts.Platforms,
		HTTPClient: opts.HTTPClient,
		MediaURL:   opts.MediaURL,
		Now:        now,
	})
	if err != nil {
		return nil, err
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	sweep := opts.SweepSpec
	if sweep == "" {
		sweep = DefaultSweepSpec
	}
	window := opts.DigestWindow
	if window <= 0 {
		window = DefaultDigestWindow
	}
	return &Daemon{
		adapter:      opts.Adapter,
		platform:     opts.Platform,
		service:      opts.Service,
		sessions:     sessions,
		cmdHandler:   cmdHandler,
		jobs:         opts.Jobs,
		sweepSpec:    sweep,
		digestSpec:   opts.DigestSpec,
		digestWindow: window,
		announceAll:  opts.AnnounceAll,
		now:          now,
		out:          out,
		events:       make(chan OutboundMessage, eventBuffer),
	}, nil
}

// Sessions exposes the compose session manager.
func (d *Daemon) Sessions() *SessionManager { return d.sessions }

// Run starts the bot. It connects the adapter, registers the session sweep
// and digest jobs, and blocks until the context is cancelled. On shutdown
// it closes the adapter gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Chat bot connecting to %s...\n", d.platform)
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("chat: connect: %w", err)
	}

	var botUserID string
	if bui, ok := d.adapter.(BotUserIDer); ok {
		botUserID = bui.BotUserID()
	}

	router, err := NewRouter(RouterOpts{
		CmdHandler: d.cmdHandler,
		Sessions:   d.sessions,
		Adapter:    d.adapter,
		BotUserID:  botUserID,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("chat: build router: %w", err)
	}

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("chat: listen: %w", err)
	}

	if _, err := d.jobs.Every(d.sweepSpec, d.sweep); err != nil {
		d.adapter.Close()
		return fmt.Errorf("chat: register session sweep: %w", err)
	}
	if d.digestSpec != "" {
		if _, err := d.jobs.Every(d.digestSpec, d.fireDigest); err != nil {
			d.adapter.Close()
			return fmt.Errorf("chat: register digest: %w", err)
		}
	}

	d.running.Store(true)
	defer d.running.Store(false)
	go d.dispatchEvents(ctx)

	fmt.Fprintf(d.out, "Chat bot online\n")
	if err := d.adapter.Send(ctx, OutboundMessage{Text: "SocialHub bot online"}); err != nil {
		logrus.Warnf("chat: send online message: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Chat bot shutting down...\n")
			drain(router)
			d.sendShutdown()
			if err := d.adapter.Close(); err != nil {
				logrus.Warnf("chat: close adapter: %v", err)
			}
			fmt.Fprintf(d.out, "Chat bot stopped\n")
			return nil

		case msg, ok := <-inbound:
			if !ok {
				fmt.Fprintf(d.out, "Chat inbound channel closed\n")
				drain(router)
				return nil
			}
			router.Handle(ctx, msg)
		}
	}
}

// drain waits, up to drainTimeout, for commands still running.
func drain(r *Router) {
	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		logrus.Warn("chat: commands still running at shutdown")
	}
}

// Notify implements scheduler.Notifier. Outcomes are queued and delivered
// by the daemon's event loop; a full queue drops the report.
func (d *Daemon) Notify(ev scheduler.Event) {
	msg, ok := d.outcomeMessage(ev)
	if !ok {
		return
	}
	select {
	case d.events <- msg:
	default:
		logrus.WithField("post_id", ev.Post.ID).Warn("chat: event queue full, outcome report dropped")
	}
}

// outcomeMessage builds the report for ev and picks its destination.
func (d *Daemon) outcomeMessage(ev scheduler.Event) (OutboundMessage, bool) {
	msg := OutboundMessage{Events: []FormattedEvent{FormatOutcome(ev.Post, ev.Outcome)}}
	if o := ev.Post.Origin; o != nil && o.Platform == d.platform {
		msg.ChannelID = o.ChannelID
		msg.ThreadID = o.ThreadID
		return msg, true
	}
	return msg, d.announceAll
}

// dispatchEvents sends queued outcome reports until ctx is cancelled.
func (d *Daemon) dispatchEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.events:
			if err := d.adapter.Send(ctx, msg); err != nil {
				logrus.Errorf("chat: send outcome: %v", err)
			}
		}
	}
}

// sweep expires idle compose sessions and tells their owners.
func (d *Daemon) sweep(ctx context.Context) {
	for _, s := range d.sessions.Sweep() {
		if !d.running.Load() {
			continue
		}
		if err := d.adapter.Send(ctx, OutboundMessage{
			ChannelID: s.Origin.ChannelID,
			ThreadID:  s.Origin.ThreadID,
			Text:      "Your draft expired and was discarded.",
		}); err != nil {
			logrus.Warnf("chat: send expiry notice: %v", err)
		}
	}
}

// fireDigest posts a summary of recent outcomes to the default channel.
// Nothing is sent when there was no activity.
func (d *Daemon) fireDigest(ctx context.Context) {
	if !d.running.Load() {
		return
	}
	since := d.now().Add(-d.digestWindow)
	evt, ok := formatDigest(d.service.AttemptedSince(since), since)
	if !ok {
		return
	}
	if err := d.adapter.Send(ctx, OutboundMessage{Events: []FormattedEvent{evt}}); err != nil {
		logrus.Errorf("chat: send digest: %v", err)
	}
}

// sendShutdown posts a shutdown message to the adapter (best-effort).
func (d *Daemon) sendShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.adapter.Send(ctx, OutboundMessage{Text: "SocialHub bot shutting down"}); err != nil {
		logrus.Warnf("chat: send shutdown message: %v", err)
	}
}
