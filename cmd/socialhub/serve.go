package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/zulandar/socialhub/internal/api"
	"github.com/zulandar/socialhub/internal/chat"
	"github.com/zulandar/socialhub/internal/chat/discord"
	"github.com/zulandar/socialhub/internal/chat/slack"
	"github.com/zulandar/socialhub/internal/config"
	"github.com/zulandar/socialhub/internal/dispatch"
	"github.com/zulandar/socialhub/internal/generate"
	"github.com/zulandar/socialhub/internal/media"
	"github.com/zulandar/socialhub/internal/publish"
	"github.com/zulandar/socialhub/internal/publish/meta"
	"github.com/zulandar/socialhub/internal/publish/reddit"
	"github.com/zulandar/socialhub/internal/publish/twitter"
	"github.com/zulandar/socialhub/internal/scheduler"
	"github.com/zulandar/socialhub/internal/store"
)

// stopTimeout bounds how long shutdown waits for in-flight publishes.
const stopTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, the dispatcher and the chat bot",
		Long: "Starts SocialHub: restores scheduled posts from the post file, serves the HTTP API " +
			"and, when configured, connects the chat bot.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to SocialHub config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	a, err := buildApp(cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	return a.run(ctx)
}

// loadConfig reads path. A missing default config file falls back to
// environment-only settings.
func loadConfig(path string) (*config.Config, error) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	return config.Load(path)
}

// app is the fully wired server process.
type app struct {
	cfg          *config.Config
	store        *store.Store
	dispatcher   *dispatch.Dispatcher
	registry     *publish.Registry
	orchestrator *publish.Orchestrator
	media        *media.Library
	generator    *generate.Generator // nil when OpenAI is not configured
	service      *scheduler.Service
	hub          *api.Hub
	daemon       *chat.Daemon // nil when the chat bot is disabled
	out          io.Writer
}

// buildApp wires every component from cfg. Nothing is started.
func buildApp(cfg *config.Config, out io.Writer) (*app, error) {
	st, err := store.New(cfg.Storage.PostsFile)
	if err != nil {
		return nil, err
	}
	lib, err := media.New(media.Opts{
		Dir:      cfg.Storage.MediaDir,
		MaxBytes: cfg.Storage.MaxUploadBytes(),
	})
	if err != nil {
		return nil, err
	}

	pubs, err := buildPublishers(cfg, nil)
	if err != nil {
		return nil, err
	}
	registry, err := publish.NewRegistry(pubs...)
	if err != nil {
		return nil, err
	}
	orch, err := publish.NewOrchestrator(publish.OrchestratorOpts{
		Registry:      registry,
		Recorder:      st,
		Media:         lib,
		Timeout:       cfg.Publish.Timeout(),
		RatePerMinute: cfg.Publish.RatePerMinute,
	})
	if err != nil {
		return nil, err
	}

	d := dispatch.New(dispatch.Opts{})
	hub := api.NewHub()
	svc, err := scheduler.New(scheduler.Opts{
		Store:        st,
		Dispatcher:   d,
		Orchestrator: orch,
		Media:        lib,
		Notifiers:    []scheduler.Notifier{hub},
	})
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:          cfg,
		store:        st,
		dispatcher:   d,
		registry:     registry,
		orchestrator: orch,
		media:        lib,
		service:      svc,
		hub:          hub,
		out:          out,
	}

	if cfg.OpenAI.Enabled() {
		a.generator, err = generate.New(generate.Opts{
			APIKey:     cfg.OpenAI.APIKey,
			Model:      cfg.OpenAI.Model,
			ImageModel: cfg.OpenAI.ImageModel,
			BaseURL:    cfg.OpenAI.BaseURL,
			Images:     lib,
		})
		if err != nil {
			return nil, err
		}
	}

	if cfg.Chat.Enabled() {
		adapter, err := newChatAdapter(cfg.Chat)
		if err != nil {
			return nil, err
		}
		if err := a.attachChat(adapter); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// buildPublishers creates a publisher for every platform with credentials.
// hc is passed to the adapters that accept a base client; nil uses their
// defaults.
func buildPublishers(cfg *config.Config, hc *http.Client) ([]publish.Publisher, error) {
	var pubs []publish.Publisher

	if cfg.Facebook.Configured() {
		fb, err := meta.NewFacebook(meta.FacebookOpts{
			PageAccessToken: cfg.Facebook.PageAccessToken,
			PageID:          cfg.Facebook.PageID,
			GraphVersion:    cfg.Publish.GraphVersion,
			HTTPClient:      hc,
		})
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, fb)
	}
	if cfg.Instagram.Configured() {
		ig, err := meta.NewInstagram(meta.InstagramOpts{
			AccessToken:   cfg.Instagram.AccessToken,
			AccountID:     cfg.Instagram.AccountID,
			PublicBaseURL: cfg.Server.PublicBaseURL,
			GraphVersion:  cfg.Publish.GraphVersion,
			HTTPClient:    hc,
		})
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, ig)
	}
	if cfg.Twitter.Configured() {
		tw, err := twitter.New(twitter.Opts{
			APIKey:            cfg.Twitter.APIKey,
			APISecret:         cfg.Twitter.APISecret,
			AccessToken:       cfg.Twitter.AccessToken,
			AccessTokenSecret: cfg.Twitter.AccessTokenSecret,
		})
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, tw)
	}
	if cfg.Reddit.Configured() {
		rd, err := reddit.New(reddit.Opts{
			ClientID:     cfg.Reddit.ClientID,
			ClientSecret: cfg.Reddit.ClientSecret,
			Username:     cfg.Reddit.Username,
			Password:     cfg.Reddit.Password,
			UserAgent:    cfg.Reddit.UserAgent,
			Subreddit:    cfg.Reddit.Subreddit,
			HTTPClient:   hc,
		})
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, rd)
	}
	return pubs, nil
}

// newChatAdapter builds the adapter named by cfg.Platform.
func newChatAdapter(cfg config.ChatConfig) (chat.Adapter, error) {
	switch cfg.Platform {
	case "slack":
		return slack.New(slack.AdapterOpts{
			BotToken:  cfg.Slack.BotToken,
			AppToken:  cfg.Slack.AppToken,
			ChannelID: cfg.Slack.ChannelID,
		})
	case "discord":
		return discord.New(discord.AdapterOpts{
			BotToken:  cfg.Discord.BotToken,
			ChannelID: cfg.Discord.ChannelID,
		})
	default:
		return nil, fmt.Errorf("unsupported chat platform %q", cfg.Platform)
	}
}

// attachChat creates the chat daemon over adapter and subscribes it to
// publish outcomes.
func (a *app) attachChat(adapter chat.Adapter) error {
	var gen chat.Generator
	if a.generator != nil {
		gen = a.generator
	}
	d, err := chat.NewDaemon(chat.DaemonOpts{
		Adapter:     adapter,
		Platform:    a.cfg.Chat.Platform,
		Service:     a.service,
		Generator:   gen,
		Media:       a.media,
		Jobs:        a.dispatcher,
		Platforms:   a.registry.Configured(),
		SessionTTL:  a.cfg.Chat.SessionTTL(),
		DigestSpec:  a.cfg.Chat.DigestCron,
		AnnounceAll: a.cfg.Chat.AnnounceAll,
		MediaURL:    publicMediaURL(a.cfg.Server.PublicBaseURL),
		Out:         a.out,
	})
	if err != nil {
		return err
	}
	a.daemon = d
	a.service.AddNotifier(d)
	return nil
}

// publicMediaURL maps a stored file to its address under the public /media route.
func publicMediaURL(base string) func(path string) string {
	return func(path string) string {
		if path == "" {
			return ""
		}
		return base + "/media/" + url.PathEscape(filepath.Base(path))
	}
}

// run restores persisted posts, starts the dispatcher and the chat bot, and
// serves the API until ctx is cancelled.
func (a *app) run(ctx context.Context) error {
	report, err := a.service.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	fmt.Fprintf(a.out, "Restored %d scheduled post(s) (%d overdue), %d interrupted\n",
		report.Scheduled, report.Overdue, report.Interrupted)

	if err := a.dispatcher.Start(); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := a.dispatcher.Stop(stopCtx); err != nil {
			logrus.Warnf("dispatch: stop: %v", err)
		}
	}()

	platforms := a.registry.Configured()
	if len(platforms) == 0 {
		fmt.Fprintln(a.out, "Warning: no platform credentials configured; posts will fail to publish")
	}

	if a.daemon != nil {
		go func() {
			if err := a.daemon.Run(ctx); err != nil {
				logrus.Errorf("chat: %v", err)
			}
		}()
	}

	var gen api.Generator
	if a.generator != nil {
		gen = a.generator
	}
	return api.Start(ctx, api.StartOpts{
		Scheduler: a.service,
		Media:     a.media,
		Verifier:  a.orchestrator,
		Generator: gen,
		Hub:       a.hub,
		Platforms: platforms,
		Host:      a.cfg.Server.Host,
		Port:      a.cfg.Server.Port,
		Out:       a.out,
	})
}
