package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"magnet-queue/internal/domain"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Log struct {
		Level string
	}
	State struct {
		Driver string
		Path   string
	}
	Database struct {
		Path string
	}
	Download struct {
		DataDir         string
		Trackers        []string
		MetadataTimeout time.Duration
	}
	Queue struct {
		MaxConcurrent     int
		SeedAfterDownload bool
		MaxDownloadRate   string
		MaxUploadRate     string
	}
	Progress struct {
		Interval time.Duration
		Debounce time.Duration
	}
	Storage struct {
		Bucket    string
		KeyPrefix string
		Region    string
		Endpoint  string
	}
	AWS struct {
		Profile string
	}
	Auth struct {
		Username        string
		PasswordHash    string
		JWTSecret       string
		TokenTTLMinutes int
	}
}

const (
	DriverJSON   = "json"
	DriverSQLite = "sqlite"
)

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	loadDotEnv(".env")

	v := viper.New()
	v.SetEnvPrefix("MAGNETQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("state.driver", DriverJSON)
	v.SetDefault("state.path", "data/queue.json")
	v.SetDefault("database.path", "data/queue.db")
	v.SetDefault("download.datadir", "data/downloads")
	v.SetDefault("download.trackers", []string{})
	v.SetDefault("download.metadatatimeout", 10*time.Minute)
	v.SetDefault("queue.maxconcurrent", domain.DefaultSettings().MaxConcurrentDownloads)
	v.SetDefault("queue.seedafterdownload", false)
	v.SetDefault("queue.maxdownloadrate", "0")
	v.SetDefault("queue.maxuploadrate", "0")
	v.SetDefault("progress.interval", time.Second)
	v.SetDefault("progress.debounce", 500*time.Millisecond)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "magnet-queue")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("auth.username", "admin")
	v.SetDefault("auth.passwordhash", "")
	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.tokenttlminutes", 720)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Download.Trackers = splitList(strings.Join(cfg.Download.Trackers, ","))
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.State.Driver {
	case DriverJSON, DriverSQLite:
	default:
		return fmt.Errorf("unknown state driver %q", c.State.Driver)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if _, err := c.Settings(); err != nil {
		return err
	}
	return nil
}

// LogLevel parses log.level for logrus.
func (c Config) LogLevel() (logrus.Level, error) {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return level, nil
}

// Settings are the queue defaults used until settings are persisted.
func (c Config) Settings() (domain.Settings, error) {
	down, err := parseRate(c.Queue.MaxDownloadRate)
	if err != nil {
		return domain.Settings{}, fmt.Errorf("queue.maxdownloadrate: %w", err)
	}
	up, err := parseRate(c.Queue.MaxUploadRate)
	if err != nil {
		return domain.Settings{}, fmt.Errorf("queue.maxuploadrate: %w", err)
	}
	s := domain.Settings{
		MaxConcurrentDownloads: c.Queue.MaxConcurrent,
		SeedAfterDownload:      c.Queue.SeedAfterDownload,
		MaxDownloadRate:        down,
		MaxUploadRate:          up,
	}
	return s, s.Validate()
}

func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLMinutes) * time.Minute
}

// parseRate accepts "0", "512KiB" or "2 MB"; the unit is per second.
func parseRate(s string) (int64, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "/s")
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
