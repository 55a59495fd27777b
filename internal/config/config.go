// Package config loads service settings from defaults, an optional YAML
// file, a .env file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no config file is given; it may be absent.
const DefaultPath = "config.yaml"

// Config is the complete service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Extract ExtractConfig `yaml:"extract"`
	Redis   RedisConfig   `yaml:"redis"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// PublicBaseURL is the externally visible base of download links. When
	// empty it is derived from each request.
	PublicBaseURL   string        `yaml:"public_base_url"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	DownloadsDir  string        `yaml:"downloads_dir"`
	GracePeriod   time.Duration `yaml:"grace_period"`
	JobTTL        time.Duration `yaml:"job_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type ExtractConfig struct {
	YTDLPPath   string        `yaml:"ytdlp_path"`
	FFmpegPath  string        `yaml:"ffmpeg_path"`
	BitrateKbps int           `yaml:"bitrate_kbps"`
	Timeout     time.Duration `yaml:"timeout"`
	CookiesPath string        `yaml:"cookies_path"`
	// Cookies is the cookie file payload. It only ever comes from the
	// environment (YT_COOKIES).
	Cookies string `yaml:"-"`
}

type RedisConfig struct {
	// URL enables the Redis job registry; empty keeps records in memory.
	URL string `yaml:"url"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            5000,
			ShutdownTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			DownloadsDir:  "downloads",
			GracePeriod:   5 * time.Second,
			JobTTL:        time.Hour,
			SweepInterval: 5 * time.Minute,
		},
		Extract: ExtractConfig{
			YTDLPPath:   "yt-dlp",
			FFmpegPath:  "ffmpeg",
			BitrateKbps: 192,
			Timeout:     10 * time.Minute,
			CookiesPath: "cookies.txt",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration. An explicit path must exist; the default
// path is optional. A .env file in the working directory, if present, is
// loaded into the environment without overriding variables already set.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("HOST", &c.Server.Host)
	num("PORT", &c.Server.Port)
	str("PUBLIC_BASE_URL", &c.Server.PublicBaseURL)
	str("DOWNLOADS_DIR", &c.Storage.DownloadsDir)
	dur("GRACE_PERIOD", &c.Storage.GracePeriod)
	dur("JOB_TTL", &c.Storage.JobTTL)
	dur("SWEEP_INTERVAL", &c.Storage.SweepInterval)
	str("YTDLP_PATH", &c.Extract.YTDLPPath)
	str("FFMPEG_PATH", &c.Extract.FFmpegPath)
	num("AUDIO_BITRATE_KBPS", &c.Extract.BitrateKbps)
	dur("EXTRACT_TIMEOUT", &c.Extract.Timeout)
	str("COOKIES_PATH", &c.Extract.CookiesPath)
	str("REDIS_URL", &c.Redis.URL)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	// The payload is taken verbatim; cookie files are whitespace sensitive.
	if v, ok := lookup("YT_COOKIES"); ok {
		c.Extract.Cookies = v
	}
	return errors.Join(errs...)
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if strings.TrimSpace(c.Storage.DownloadsDir) == "" {
		errs = append(errs, errors.New("storage.downloads_dir is required"))
	}
	for name, d := range map[string]time.Duration{
		"storage.grace_period":    c.Storage.GracePeriod,
		"storage.job_ttl":         c.Storage.JobTTL,
		"storage.sweep_interval":  c.Storage.SweepInterval,
		"extract.timeout":         c.Extract.Timeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Storage.JobTTL > 0 && c.Storage.JobTTL <= c.Storage.GracePeriod {
		errs = append(errs, errors.New("storage.job_ttl must exceed storage.grace_period"))
	}
	if c.Extract.BitrateKbps <= 0 {
		errs = append(errs, errors.New("extract.bitrate_kbps must be positive"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// Save writes the configuration as YAML, for generating a starter file.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
