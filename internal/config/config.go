// File: internal/config/config.go
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/xkilldash9x/profilecap/internal/errdefs"
)

// Environment variables carrying the site credentials. They keep the names
// used by existing deployments rather than the PROFILECAP_ prefix.
const (
	EnvIdentifier = "LINKEDIN_EMAIL"
	EnvSecret     = "LINKEDIN_PASSWORD"
	EnvSessionID  = "SESSION_ID"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Network   NetworkConfig   `mapstructure:"network" yaml:"network"`
	Session   SessionConfig   `mapstructure:"session" yaml:"session"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Challenge ChallengeConfig `mapstructure:"challenge" yaml:"challenge"`
	Profile   ProfileConfig   `mapstructure:"profile" yaml:"profile"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts" yaml:"artifacts"`
	Landmarks LandmarksConfig `mapstructure:"landmarks" yaml:"landmarks"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ViewportConfig is the window size used when the viewport is not randomized.
type ViewportConfig struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// BrowserConfig holds settings for the automated Chrome instance.
type BrowserConfig struct {
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	Viewport          ViewportConfig `mapstructure:"viewport" yaml:"viewport"`
	RandomizeViewport bool           `mapstructure:"randomize_viewport" yaml:"randomize_viewport"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	UserAgent         string         `mapstructure:"user_agent" yaml:"user_agent"`
	ExecutablePath    string         `mapstructure:"executable_path" yaml:"executable_path"`
	VerifyOnStart     bool           `mapstructure:"verify_on_start" yaml:"verify_on_start"`
	Debug             bool           `mapstructure:"debug" yaml:"debug"`
}

// NetworkConfig tunes navigation timing.
type NetworkConfig struct {
	DefaultTimeout           time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	NavigationTimeout        time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ProfileNavigationTimeout time.Duration `mapstructure:"profile_navigation_timeout" yaml:"profile_navigation_timeout"`
	PostLoadWait             time.Duration `mapstructure:"post_load_wait" yaml:"post_load_wait"`
	Referer                  string        `mapstructure:"referer" yaml:"referer"`
}

// SessionConfig identifies the persistent browser profile.
type SessionConfig struct {
	ID          string `mapstructure:"id" yaml:"id"`
	UserDataDir string `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	// Keepalive is a cron spec. Empty disables scheduled re-verification.
	Keepalive string `mapstructure:"keepalive" yaml:"keepalive"`
}

// ProfileDir is the on-disk Chrome profile for this session id.
func (s SessionConfig) ProfileDir() string {
	return filepath.Join(s.UserDataDir, s.ID)
}

// AuthConfig drives the login form.
type AuthConfig struct {
	LoginURL        string        `mapstructure:"login_url" yaml:"login_url"`
	FeedURL         string        `mapstructure:"feed_url" yaml:"feed_url"`
	Domain          string        `mapstructure:"domain" yaml:"domain"`
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Backoff         time.Duration `mapstructure:"backoff" yaml:"backoff"`
	KeystrokeDelay  time.Duration `mapstructure:"keystroke_delay" yaml:"keystroke_delay"`
	KeystrokeJitter time.Duration `mapstructure:"keystroke_jitter" yaml:"keystroke_jitter"`
	Identifier      string        `mapstructure:"identifier" yaml:"-"`
	Secret          string        `mapstructure:"secret" yaml:"-"`
}

// ChallengeConfig bounds the interactive challenge wait.
type ChallengeConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Interval       time.Duration `mapstructure:"interval" yaml:"interval"`
	SubmissionWait time.Duration `mapstructure:"submission_wait" yaml:"submission_wait"`
	ErrorPause     time.Duration `mapstructure:"error_pause" yaml:"error_pause"`
	SettleDelay    time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	Banner         bool          `mapstructure:"banner" yaml:"banner"`
}

// ProfileConfig tunes the profile capture pass.
type ProfileConfig struct {
	LandmarkAttempts int           `mapstructure:"landmark_attempts" yaml:"landmark_attempts"`
	LandmarkBackoff  time.Duration `mapstructure:"landmark_backoff" yaml:"landmark_backoff"`
	ScrollStep       int           `mapstructure:"scroll_step" yaml:"scroll_step"`
	ScrollPause      time.Duration `mapstructure:"scroll_pause" yaml:"scroll_pause"`
	ExpandPause      time.Duration `mapstructure:"expand_pause" yaml:"expand_pause"`
	SessionRetries   int           `mapstructure:"session_retries" yaml:"session_retries"`
}

// RateLimitConfig spaces out profile fetches.
type RateLimitConfig struct {
	Delay time.Duration `mapstructure:"delay" yaml:"delay"`
	// Scope is "global" or "per_target".
	Scope string `mapstructure:"scope" yaml:"scope"`
}

// ArtifactsConfig locates the output directories.
type ArtifactsConfig struct {
	Root        string `mapstructure:"root" yaml:"root"`
	Screenshots string `mapstructure:"screenshots" yaml:"screenshots"`
	Debug       string `mapstructure:"debug" yaml:"debug"`
	Logs        string `mapstructure:"logs" yaml:"logs"`
}

// LandmarksConfig points at an optional probe catalog override.
type LandmarksConfig struct {
	File string `mapstructure:"file" yaml:"file"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DatabaseConfig holds the capture history connection details.
type DatabaseConfig struct {
	URL      string `mapstructure:"url" yaml:"url"`
	MaxConns int32  `mapstructure:"max_conns" yaml:"max_conns"`
}

// Enabled reports whether a history database is configured.
func (d DatabaseConfig) Enabled() bool { return d.URL != "" }

// DefaultBrowserArgs mirrors the launch flags the service has always run with.
var DefaultBrowserArgs = []string{
	"--no-sandbox",
	"--disable-setuid-sandbox",
	"--disable-infobars",
	"--window-position=0,0",
	"--ignore-certificate-errors",
	"--ignore-certificate-errors-spki-list",
	"--disable-features=IsolateOrigins,site-per-process",
	"--disable-site-isolation-trials",
}

// SetDefaults registers every default with the given viper instance.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "profilecap")
	v.SetDefault("logger.log_file", "logs/profilecap.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport.width", 1280)
	v.SetDefault("browser.viewport.height", 900)
	v.SetDefault("browser.randomize_viewport", true)
	v.SetDefault("browser.args", DefaultBrowserArgs)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.verify_on_start", true)
	v.SetDefault("browser.debug", false)

	// -- Network --
	v.SetDefault("network.default_timeout", "30s")
	v.SetDefault("network.navigation_timeout", "60s")
	v.SetDefault("network.profile_navigation_timeout", "10s")
	v.SetDefault("network.post_load_wait", "5s")
	v.SetDefault("network.referer", "https://www.google.com/")

	// -- Session --
	v.SetDefault("session.id", "linkedin-session")
	v.SetDefault("session.user_data_dir", "user_data")
	v.SetDefault("session.keepalive", "")

	// -- Auth --
	v.SetDefault("auth.login_url", "https://www.linkedin.com/login")
	v.SetDefault("auth.feed_url", "https://www.linkedin.com/feed/")
	v.SetDefault("auth.domain", "linkedin.com")
	v.SetDefault("auth.max_attempts", 3)
	v.SetDefault("auth.backoff", "5s")
	v.SetDefault("auth.keystroke_delay", "100ms")
	v.SetDefault("auth.keystroke_jitter", "40ms")

	// -- Challenge --
	v.SetDefault("challenge.max_attempts", 60)
	v.SetDefault("challenge.interval", "10s")
	v.SetDefault("challenge.submission_wait", "5s")
	v.SetDefault("challenge.error_pause", "1s")
	v.SetDefault("challenge.settle_delay", "2s")
	v.SetDefault("challenge.banner", true)

	// -- Profile --
	v.SetDefault("profile.landmark_attempts", 3)
	v.SetDefault("profile.landmark_backoff", "2s")
	v.SetDefault("profile.scroll_step", 800)
	v.SetDefault("profile.scroll_pause", "300ms")
	v.SetDefault("profile.expand_pause", "500ms")
	v.SetDefault("profile.session_retries", 2)

	// -- Rate limit --
	v.SetDefault("rate_limit.delay", "72s")
	v.SetDefault("rate_limit.scope", "global")

	// -- Artifacts --
	v.SetDefault("artifacts.root", ".")
	v.SetDefault("artifacts.screenshots", "screenshots")
	v.SetDefault("artifacts.debug", "debug")
	v.SetDefault("artifacts.logs", "logs")

	// -- Server --
	v.SetDefault("server.addr", ":3000")
	v.SetDefault("server.read_timeout", "30s")
	// A capture can sit in an interactive challenge for ten minutes.
	v.SetDefault("server.write_timeout", "15m")
	v.SetDefault("server.shutdown_timeout", "15s")

	// -- Database --
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 4)
}

// NewDefaultConfig returns a configuration populated only with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper unmarshals, expands and validates configuration from v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets and the session id keep their historical variable names.
	_ = v.BindEnv("auth.identifier", EnvIdentifier)
	_ = v.BindEnv("auth.secret", EnvSecret)
	_ = v.BindEnv("session.id", EnvSessionID)

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Session.UserDataDir, &c.Artifacts.Root, &c.Logger.LogFile, &c.Landmarks.File} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if c.Session.ID == "" {
		return fmt.Errorf("session.id must not be empty")
	}
	if strings.ContainsAny(c.Session.ID, `/\`) {
		return fmt.Errorf("session.id must not contain path separators")
	}
	if c.Browser.Viewport.Width <= 0 || c.Browser.Viewport.Height <= 0 {
		return fmt.Errorf("browser.viewport dimensions must be positive integers")
	}
	if c.Auth.MaxAttempts <= 0 {
		return fmt.Errorf("auth.max_attempts must be a positive integer")
	}
	if c.Challenge.MaxAttempts <= 0 {
		return fmt.Errorf("challenge.max_attempts must be a positive integer")
	}
	if c.Challenge.Interval <= 0 {
		return fmt.Errorf("challenge.interval must be positive")
	}
	if c.Profile.LandmarkAttempts <= 0 {
		return fmt.Errorf("profile.landmark_attempts must be a positive integer")
	}
	if c.Profile.SessionRetries < 0 {
		return fmt.Errorf("profile.session_retries must not be negative")
	}
	if c.RateLimit.Delay < 0 {
		return fmt.Errorf("rate_limit.delay must not be negative")
	}
	switch c.RateLimit.Scope {
	case "global", "per_target":
	default:
		return fmt.Errorf("rate_limit.scope must be 'global' or 'per_target', got %q", c.RateLimit.Scope)
	}
	if c.Network.NavigationTimeout <= 0 || c.Network.ProfileNavigationTimeout <= 0 {
		return fmt.Errorf("network navigation timeouts must be positive")
	}
	return nil
}

// Credentials returns the login identifier and secret, failing with a
// MissingCredentialsError naming every absent variable.
func (c *Config) Credentials() (identifier, secret string, err error) {
	var missing []string
	if c.Auth.Identifier == "" {
		missing = append(missing, EnvIdentifier)
	}
	if c.Auth.Secret == "" {
		missing = append(missing, EnvSecret)
	}
	if len(missing) > 0 {
		return "", "", &errdefs.MissingCredentialsError{Missing: missing}
	}
	return c.Auth.Identifier, c.Auth.Secret, nil
}
