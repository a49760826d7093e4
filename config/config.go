// Package config loads the client session and daemon configuration: YAML
// over built-in defaults, then environment overrides, then Validate.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Endpoints are the server paths, relative to Client.BaseURL.
type Endpoints struct {
	BoardSave string `yaml:"board_save" env:"BOARD_SAVE"`
	BoardLoad string `yaml:"board_load" env:"BOARD_LOAD"`
	HexLock   string `yaml:"hex_lock"   env:"HEX_LOCK"`
	HexSave   string `yaml:"hex_save"   env:"HEX_SAVE"`
	HexLoad   string `yaml:"hex_load"   env:"HEX_LOAD"`
}

// Queue tunes the persistence queue.
type Queue struct {
	Debounce          time.Duration `yaml:"debounce"            env:"DEBOUNCE"`
	RetryLimit        int           `yaml:"retry_limit"         env:"RETRY_LIMIT"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"       env:"RETRY_BACKOFF"`
	ResumeOnReconnect bool          `yaml:"resume_on_reconnect" env:"RESUME_ON_RECONNECT"`
	// BreakerThreshold of 0 disables the circuit breaker.
	BreakerThreshold int           `yaml:"breaker_threshold" env:"BREAKER_THRESHOLD"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"  env:"BREAKER_COOLDOWN"`
}

// Lock tunes the edit-lock manager.
type Lock struct {
	TTL          time.Duration `yaml:"ttl"           env:"TTL"`
	RenewBefore  time.Duration `yaml:"renew_before"  env:"RENEW_BEFORE"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
}

// Client configures one tabletop session.
type Client struct {
	BaseURL        string        `yaml:"base_url"        env:"TABLESYNC_BASE_URL"`
	HolderName     string        `yaml:"holder_name"     env:"TABLESYNC_HOLDER_NAME"`
	IsGM           bool          `yaml:"is_gm"           env:"TABLESYNC_IS_GM"`
	PlayerFolder   string        `yaml:"player_folder"   env:"TABLESYNC_PLAYER_FOLDER"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"TABLESYNC_REQUEST_TIMEOUT"`
	Endpoints      Endpoints     `yaml:"endpoints"       envPrefix:"TABLESYNC_ENDPOINT_"`
	Queue          Queue         `yaml:"queue"           envPrefix:"TABLESYNC_QUEUE_"`
	Lock           Lock          `yaml:"lock"            envPrefix:"TABLESYNC_LOCK_"`
}

// DefaultClient returns the client defaults.
func DefaultClient() Client {
	return Client{
		BaseURL:        "http://127.0.0.1:8790",
		PlayerFolder:   "Players",
		RequestTimeout: 15 * time.Second,
		Endpoints: Endpoints{
			BoardSave: "/api/board/save",
			BoardLoad: "/api/board/load",
			HexLock:   "/api/hex/lock",
			HexSave:   "/api/hex/save",
			HexLoad:   "/api/hex/load",
		},
		Queue: Queue{
			Debounce:        250 * time.Millisecond,
			RetryLimit:      3,
			RetryBackoff:    500 * time.Millisecond,
			BreakerCooldown: 30 * time.Second,
		},
		Lock: Lock{
			TTL:          5 * time.Minute,
			RenewBefore:  time.Minute,
			PollInterval: 5 * time.Second,
		},
	}
}

// URL resolves an endpoint path against BaseURL. An empty path stays empty
// so callers see a missing endpoint rather than the base URL.
func (c Client) URL(path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// Validate checks that required fields are present and values are sane.
func (c *Client) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base_url must be an absolute http(s) URL, got %q", c.BaseURL)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be > 0")
	}
	if c.Queue.Debounce < 0 {
		return fmt.Errorf("queue.debounce must be >= 0")
	}
	if c.Queue.RetryLimit < 1 {
		return fmt.Errorf("queue.retry_limit must be >= 1")
	}
	if c.Queue.RetryBackoff <= 0 {
		return fmt.Errorf("queue.retry_backoff must be > 0")
	}
	if c.Queue.BreakerThreshold < 0 {
		return fmt.Errorf("queue.breaker_threshold must be >= 0")
	}
	if c.Lock.TTL <= 0 || c.Lock.RenewBefore <= 0 {
		return fmt.Errorf("lock.ttl and lock.renew_before must be > 0")
	}
	if c.Lock.RenewBefore >= c.Lock.TTL {
		return fmt.Errorf("lock.renew_before (%s) must be shorter than lock.ttl (%s)", c.Lock.RenewBefore, c.Lock.TTL)
	}
	if strings.TrimSpace(c.PlayerFolder) == "" {
		return fmt.Errorf("player_folder is required")
	}
	return nil
}

// Server configures the tabletopd daemon.
type Server struct {
	Listen          string        `yaml:"listen"           env:"TABLETOPD_LISTEN"`
	DBPath          string        `yaml:"db_path"          env:"TABLETOPD_DB_PATH"`
	LeaseTTL        time.Duration `yaml:"lease_ttl"        env:"TABLETOPD_LEASE_TTL"`
	PurgeInterval   time.Duration `yaml:"purge_interval"   env:"TABLETOPD_PURGE_INTERVAL"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"TABLETOPD_SHUTDOWN_TIMEOUT"`
	LogLevel        string        `yaml:"log_level"        env:"LOG_LEVEL"`
}

// DefaultServer returns the daemon defaults.
func DefaultServer() Server {
	return Server{
		Listen:          ":8790",
		DBPath:          "tabletop.db",
		LeaseTTL:        5 * time.Minute,
		PurgeInterval:   time.Minute,
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
	}
}

// Validate checks that required fields are present and values are sane.
func (s *Server) Validate() error {
	if s.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if s.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if s.LeaseTTL <= 0 || s.PurgeInterval <= 0 || s.ShutdownTimeout <= 0 {
		return fmt.Errorf("lease_ttl, purge_interval and shutdown_timeout must be > 0")
	}
	switch strings.ToLower(s.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log_level %q (use debug, info, warn or error)", s.LogLevel)
	}
	return nil
}

// LoadClient reads path (skipped when empty) over DefaultClient, applies
// environment overrides and validates.
func LoadClient(path string) (Client, error) {
	cfg := DefaultClient()
	if err := load(path, &cfg); err != nil {
		return Client{}, err
	}
	return cfg, cfg.Validate()
}

// LoadServer reads path (skipped when empty) over DefaultServer, applies
// environment overrides and validates.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()
	if err := load(path, &cfg); err != nil {
		return Server{}, err
	}
	return cfg, cfg.Validate()
}

func load(path string, target any) error {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, target); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
