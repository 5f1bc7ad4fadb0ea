// Package config provides YAML-based configuration loading for SocialHub.
//
// Values are read from socialhub.yaml after loading a sibling .env file.
// ${VAR} references in the YAML are expanded from the environment, and
// empty credentials fall back to well-known environment variables so a
// deployment can run from .env alone.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level SocialHub configuration, loaded from socialhub.yaml.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Publish   PublishConfig   `yaml:"publish"`
	Facebook  FacebookConfig  `yaml:"facebook"`
	Instagram InstagramConfig `yaml:"instagram"`
	Twitter   TwitterConfig   `yaml:"twitter"`
	Reddit    RedditConfig    `yaml:"reddit"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Chat      ChatConfig      `yaml:"chat"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// PublicBaseURL is the externally reachable address of this server.
	// Instagram fetches images from it.
	PublicBaseURL string `yaml:"public_base_url"`
}

// StorageConfig locates the post file and the media directory.
type StorageConfig struct {
	PostsFile   string `yaml:"posts_file"`
	MediaDir    string `yaml:"media_dir"`
	MaxUploadMB int    `yaml:"max_upload_mb"`
}

// PublishConfig tunes outbound publish calls.
type PublishConfig struct {
	TimeoutSec    int    `yaml:"timeout_sec"`
	RatePerMinute int    `yaml:"rate_per_minute"`
	GraphVersion  string `yaml:"graph_version"`
}

// FacebookConfig holds Facebook Page credentials.
type FacebookConfig struct {
	PageAccessToken string `yaml:"page_access_token"`
	PageID          string `yaml:"page_id"`
}

// InstagramConfig holds Instagram business account credentials.
type InstagramConfig struct {
	AccessToken string `yaml:"access_token"`
	AccountID   string `yaml:"account_id"`
}

// TwitterConfig holds OAuth 1.0a user-context credentials.
type TwitterConfig struct {
	APIKey            string `yaml:"api_key"`
	APISecret         string `yaml:"api_secret"`
	AccessToken       string `yaml:"access_token"`
	AccessTokenSecret string `yaml:"access_token_secret"`
}

// RedditConfig holds script-app credentials and the target subreddit.
type RedditConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	UserAgent    string `yaml:"user_agent"`
	Subreddit    string `yaml:"subreddit"`
}

// OpenAIConfig enables content generation.
type OpenAIConfig struct {
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	ImageModel string `yaml:"image_model"`
	BaseURL    string `yaml:"base_url"`
}

// ChatConfig holds settings for the chat bot.
type ChatConfig struct {
	// Platform selects the adapter: "slack", "discord" or empty to disable.
	Platform      string        `yaml:"platform"`
	Slack         SlackConfig   `yaml:"slack"`
	Discord       DiscordConfig `yaml:"discord"`
	SessionTTLMin int           `yaml:"session_ttl_min"`
	// DigestCron is a standard 5-field cron expression; empty disables the digest.
	DigestCron  string `yaml:"digest_cron"`
	AnnounceAll bool   `yaml:"announce_all"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	AppToken  string `yaml:"app_token"`
	ChannelID string `yaml:"channel_id"`
}

// DiscordConfig holds Discord bot credentials.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// Configured reports whether the Facebook credentials are present.
func (c FacebookConfig) Configured() bool { return c.PageAccessToken != "" }

// Configured reports whether the Instagram credentials are present.
func (c InstagramConfig) Configured() bool { return c.AccessToken != "" && c.AccountID != "" }

// Configured reports whether all four Twitter credentials are present.
func (c TwitterConfig) Configured() bool {
	return c.APIKey != "" && c.APISecret != "" && c.AccessToken != "" && c.AccessTokenSecret != ""
}

// Configured reports whether the Reddit credentials are present.
func (c RedditConfig) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.Username != "" && c.Password != ""
}

// Enabled reports whether content generation is available.
func (c OpenAIConfig) Enabled() bool { return c.APIKey != "" }

// Enabled reports whether the chat bot should run.
func (c ChatConfig) Enabled() bool { return c.Platform != "" }

// SessionTTL returns the compose session lifetime.
func (c ChatConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMin) * time.Minute
}

// Timeout returns the per-call publish timeout.
func (c PublishConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// MaxUploadBytes returns the upload limit in bytes.
func (c StorageConfig) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load reads .env from the config file's directory, then the YAML file at
// path, and returns a validated Config. An empty path uses environment
// variables and defaults only.
func Load(path string) (*Config, error) {
	envDir := "."
	if path != "" {
		envDir = filepath.Dir(path)
	}
	if err := godotenv.Load(filepath.Join(envDir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	if path == "" {
		return Parse(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse expands environment references in the YAML bytes and unmarshals
// them into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv fills empty values from environment variables.
func (c *Config) applyEnv() {
	envInt(&c.Server.Port, "PORT")
	envString(&c.Server.PublicBaseURL, "PUBLIC_BASE_URL")

	envString(&c.Facebook.PageAccessToken, "FACEBOOK_PAGE_ACCESS_TOKEN")
	envString(&c.Facebook.PageID, "FACEBOOK_PAGE_ID")
	envString(&c.Instagram.AccessToken, "INSTAGRAM_ACCESS_TOKEN")
	envString(&c.Instagram.AccountID, "INSTAGRAM_ACCOUNT_ID")

	envString(&c.Twitter.APIKey, "TWITTER_API_KEY")
	envString(&c.Twitter.APISecret, "TWITTER_API_SECRET")
	envString(&c.Twitter.AccessToken, "TWITTER_ACCESS_TOKEN")
	envString(&c.Twitter.AccessTokenSecret, "TWITTER_ACCESS_TOKEN_SECRET")

	envString(&c.Reddit.ClientID, "REDDIT_CLIENT_ID")
	envString(&c.Reddit.ClientSecret, "REDDIT_CLIENT_SECRET")
	envString(&c.Reddit.Username, "REDDIT_USERNAME")
	envString(&c.Reddit.Password, "REDDIT_PASSWORD")
	envString(&c.Reddit.UserAgent, "REDDIT_USER_AGENT")
	envString(&c.Reddit.Subreddit, "REDDIT_SUBREDDIT")

	envString(&c.OpenAI.APIKey, "OPENAI_API_KEY")
	envString(&c.OpenAI.Model, "OPENAI_MODEL")

	envString(&c.Chat.Slack.BotToken, "SLACK_BOT_TOKEN")
	envString(&c.Chat.Slack.AppToken, "SLACK_APP_TOKEN")
	envString(&c.Chat.Discord.BotToken, "DISCORD_BOT_TOKEN")
}

func envString(dst *string, key string) {
	if *dst == "" {
		*dst = os.Getenv(key)
	}
}

func envInt(dst *int, key string) {
	if *dst != 0 {
		return
	}
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		*dst = n
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.PublicBaseURL == "" {
		c.Server.PublicBaseURL = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	c.Server.PublicBaseURL = strings.TrimRight(c.Server.PublicBaseURL, "/")
	if c.Storage.PostsFile == "" {
		c.Storage.PostsFile = "data/scheduled_posts.json"
	}
	if c.Storage.MediaDir == "" {
		c.Storage.MediaDir = "uploads"
	}
	if c.Storage.MaxUploadMB == 0 {
		c.Storage.MaxUploadMB = 10
	}
	if c.Publish.TimeoutSec == 0 {
		c.Publish.TimeoutSec = 30
	}
	if c.Reddit.UserAgent == "" {
		c.Reddit.UserAgent = "socialhub/1.0"
	}
	if c.Chat.SessionTTLMin == 0 {
		c.Chat.SessionTTLMin = 30
	}
	c.Chat.Platform = strings.ToLower(strings.TrimSpace(c.Chat.Platform))
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}
	if !strings.HasPrefix(c.Server.PublicBaseURL, "http://") && !strings.HasPrefix(c.Server.PublicBaseURL, "https://") {
		errs = append(errs, "server.public_base_url must be an http(s) URL")
	}
	if c.Storage.MaxUploadMB < 0 {
		errs = append(errs, "storage.max_upload_mb must not be negative")
	}
	if c.Publish.TimeoutSec < 0 {
		errs = append(errs, "publish.timeout_sec must not be negative")
	}
	if c.Publish.RatePerMinute < 0 {
		errs = append(errs, "publish.rate_per_minute must not be negative")
	}
	if c.Reddit.Configured() && c.Reddit.Subreddit == "" {
		errs = append(errs, "reddit.subreddit is required when reddit credentials are set")
	}
	if c.Chat.SessionTTLMin < 0 {
		errs = append(errs, "chat.session_ttl_min must not be negative")
	}

	switch c.Chat.Platform {
	case "":
	case "slack":
		if c.Chat.Slack.BotToken == "" {
			errs = append(errs, "chat.slack.bot_token is required")
		}
		if c.Chat.Slack.AppToken == "" {
			errs = append(errs, "chat.slack.app_token is required")
		}
	case "discord":
		if c.Chat.Discord.BotToken == "" {
			errs = append(errs, "chat.discord.bot_token is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("chat.platform %q must be slack or discord", c.Chat.Platform))
	}
	if c.Chat.DigestCron != "" {
		if _, err := cron.ParseStandard(c.Chat.DigestCron); err != nil {
			errs = append(errs, fmt.Sprintf("chat.digest_cron: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
