package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment overrides. They replace the values from the yaml file.
const (
	EnvConfigPath  = "TRADEDESK_CONFIG"
	EnvWSURL       = "TRADEDESK_WS_URL"
	EnvAPIBaseURL  = "TRADEDESK_API_BASE_URL"
	EnvDebugLogs   = "TRADEDESK_DEBUG_LOGS"
	EnvAccessToken = "TRADEDESK_ACCESS_TOKEN"
)

var ErrNoBackend = errors.New("config: backend.ws_url is required")

type Config struct {
	HTTP struct {
		Bind string `yaml:"bind"`
		Port int    `yaml:"port"`
		TLS  struct {
			Enabled bool   `yaml:"enabled"`
			Cert    string `yaml:"cert"`
			Key     string `yaml:"key"`
		} `yaml:"tls"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"http"`
	Auth struct {
		JWTPublicKeys []string `yaml:"jwt_public_keys"` // PEM certs; empty disables bridge auth
		Issuer        string   `yaml:"issuer"`
		Audience      string   `yaml:"audience"`
	} `yaml:"auth"`
	Logging struct {
		Level       string `yaml:"level"`
		JSON        bool   `yaml:"json"`
		DebugFrames bool   `yaml:"debug_frames"`
	} `yaml:"logging"`
	Backend struct {
		WSURL             string        `yaml:"ws_url"` // ws://host:8000, the path is appended
		WSPath            string        `yaml:"ws_path"`
		APIBaseURL        string        `yaml:"api_base_url"`
		AccessToken       string        `yaml:"access_token"`
		ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
		MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
		HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
		RequestTimeout    time.Duration `yaml:"request_timeout"`
		Insecure          bool          `yaml:"insecure"`
	} `yaml:"backend"`
	Views []View `yaml:"views"`
}

// View declares one headless view to mount.
type View struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
	// Plugin is a path to a Go plugin exporting a View symbol. Kind is
	// ignored when set.
	Plugin string                 `yaml:"plugin"`
	Config map[string]interface{} `yaml:"config"`
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Path returns the config file location from the environment.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return "config.yaml"
}

// Load reads the yaml file at path, applies environment overrides and fills
// defaults. A missing file is allowed when the environment names the backend.
func Load(path string) (*Config, error) {
	var c Config
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, err
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvWSURL)); v != "" {
		c.Backend.WSURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAPIBaseURL)); v != "" {
		c.Backend.APIBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAccessToken)); v != "" {
		c.Backend.AccessToken = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDebugLogs)); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDebugLogs, err)
		}
		c.Logging.DebugFrames = on
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Bind == "" {
		c.HTTP.Bind = "127.0.0.1"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8787
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.DebugFrames && c.Logging.Level == "info" {
		c.Logging.Level = "debug"
	}
	if c.Backend.WSPath == "" {
		c.Backend.WSPath = "/ws"
	}
	if c.Backend.ReconnectDelay <= 0 {
		c.Backend.ReconnectDelay = 5 * time.Second
	}
	if c.Backend.HandshakeTimeout <= 0 {
		c.Backend.HandshakeTimeout = 10 * time.Second
	}
	if c.Backend.RequestTimeout <= 0 {
		c.Backend.RequestTimeout = 30 * time.Second
	}
	for i := range c.Views {
		if c.Views[i].Name == "" {
			c.Views[i].Name = fmt.Sprintf("%s-%d", c.Views[i].Kind, i)
		}
	}
}

// Validate checks the fields nothing can default.
func (c *Config) Validate() error {
	if c.Backend.WSURL == "" {
		return ErrNoBackend
	}
	seen := make(map[string]bool, len(c.Views))
	for _, v := range c.Views {
		if v.Kind == "" && v.Plugin == "" {
			return fmt.Errorf("config: view %q needs a kind or a plugin", v.Name)
		}
		if seen[v.Name] {
			return fmt.Errorf("config: duplicate view name %q", v.Name)
		}
		seen[v.Name] = true
	}
	return nil
}

// Addr is the bridge listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Bind, c.HTTP.Port)
}
