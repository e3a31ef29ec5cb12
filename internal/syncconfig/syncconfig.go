// Package syncconfig holds the client settings and credentials stored under
// ~/.config/finsync.
package syncconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	"github.com/vertexads/finsync/internal/models"
)

const (
	configName   = "config"
	configType   = "yaml"
	authFile     = "auth.json"
	deviceIDFile = "device_id"

	// DefaultServerURL is used when nothing else is configured.
	DefaultServerURL = "http://localhost:3001"
)

// Settings is the resolved client configuration.
type Settings struct {
	ServerURL string
	DataDir   string
	LogLevel  string
	LogFile   string

	AutoSync        bool
	AutoSyncTimeout time.Duration

	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration

	StaleAfter        time.Duration
	IncrementalMaxAge time.Duration
	Interval          time.Duration
	HealthInterval    time.Duration

	DefaultDomain models.Domain

	// WebhookURL receives a signed POST after every agent sync; empty
	// disables it.
	WebhookURL    string
	WebhookSecret string
}

// Config reads settings from <dir>/config.yaml with FINSYNC_* environment
// overrides.
type Config struct {
	dir string

	mu sync.Mutex
	v  *viper.Viper
}

// Dir returns the config directory: $FINSYNC_HOME when set, otherwise
// ~/.config/finsync. It is created if missing.
func Dir() (string, error) {
	dir := os.Getenv("FINSYNC_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		dir = filepath.Join(home, ".config", "finsync")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// Open loads the config in dir. A missing config file is not an error.
func Open(dir string) (*Config, error) {
	v := viper.New()
	setDefaults(v, dir)
	v.SetConfigName(configName)
	v.SetConfigType(configType)
	v.AddConfigPath(dir)
	v.SetEnvPrefix("FINSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return &Config{dir: dir, v: v}, nil
}

func setDefaults(v *viper.Viper, dir string) {
	v.SetDefault("server_url", DefaultServerURL)
	v.SetDefault("data_dir", filepath.Join(dir, "data"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("auto_sync.enabled", true)
	v.SetDefault("auto_sync.timeout", "5s")
	v.SetDefault("http.timeout", "15s")
	v.SetDefault("http.retries", 2)
	v.SetDefault("http.retry_delay", "1s")
	v.SetDefault("sync.stale_after", "5m")
	v.SetDefault("sync.incremental_max_age", "24h")
	v.SetDefault("sync.interval", "1m")
	v.SetDefault("sync.health_interval", "30s")
	v.SetDefault("default_domain", string(models.DomainBusiness))
	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.secret", "")
}

// Path returns the config file path.
func (c *Config) Path() string {
	return filepath.Join(c.dir, configName+"."+configType)
}

// Dir returns the directory the config lives in.
func (c *Config) Dir() string { return c.dir }

// Settings resolves the current settings.
func (c *Config) Settings() (Settings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return resolve(c.v)
}

func resolve(v *viper.Viper) (Settings, error) {
	s := Settings{
		ServerURL:     strings.TrimRight(v.GetString("server_url"), "/"),
		DataDir:       v.GetString("data_dir"),
		LogLevel:      v.GetString("log.level"),
		LogFile:       v.GetString("log.file"),
		AutoSync:      v.GetBool("auto_sync.enabled"),
		Retries:       v.GetInt("http.retries"),
		DefaultDomain: models.Domain(v.GetString("default_domain")),
		WebhookURL:    v.GetString("webhook.url"),
		WebhookSecret: v.GetString("webhook.secret"),
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"auto_sync.timeout", &s.AutoSyncTimeout},
		{"http.timeout", &s.Timeout},
		{"http.retry_delay", &s.RetryDelay},
		{"sync.stale_after", &s.StaleAfter},
		{"sync.incremental_max_age", &s.IncrementalMaxAge},
		{"sync.interval", &s.Interval},
		{"sync.health_interval", &s.HealthInterval},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(v.GetString(d.key))
		if err != nil || parsed < 0 {
			return Settings{}, fmt.Errorf("invalid duration for %s: %q", d.key, v.GetString(d.key))
		}
		*d.dst = parsed
	}

	if s.Retries < 0 {
		return Settings{}, fmt.Errorf("http.retries must not be negative")
	}
	if s.DefaultDomain != models.DomainBusiness && s.DefaultDomain != models.DomainPersonal {
		return Settings{}, fmt.Errorf("default_domain must be %q or %q", models.DomainBusiness, models.DomainPersonal)
	}
	return s, nil
}

// Set stores key=value and writes the config file.
func (c *Config) Set(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	probe := viper.New()
	for _, k := range c.v.AllKeys() {
		probe.Set(k, c.v.Get(k))
	}
	probe.Set(key, value)
	if _, err := resolve(probe); err != nil {
		return err
	}

	c.v.Set(key, value)
	if err := c.v.WriteConfigAs(c.Path()); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Watch calls fn with the new settings whenever the config file changes.
// Invalid edits are reported through onErr and the old settings stay.
func (c *Config) Watch(fn func(Settings), onErr func(error)) error {
	if _, err := os.Stat(c.Path()); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		s, err := c.Settings()
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		fn(s)
	})
	c.v.WatchConfig()
	return nil
}

// Credentials is the login state stored in auth.json.
type Credentials struct {
	Token     string `json:"token"`
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	ServerURL string `json:"server_url"`
	LoggedIn  string `json:"logged_in_at"`
}

// LoadAuth reads the stored credentials. It returns nil, nil when nobody
// is logged in.
func LoadAuth(dir string) (*Credentials, error) {
	data, err := os.ReadFile(filepath.Join(dir, authFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse %s: %w", authFile, err)
	}
	if creds.Token == "" {
		return nil, nil
	}
	return &creds, nil
}

// SaveAuth writes the credentials with 0600 permissions, replacing any
// previous file atomically.
func SaveAuth(dir string, creds Credentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, authFile), data, 0o600)
}

// ClearAuth removes the stored credentials.
func ClearAuth(dir string) error {
	err := os.Remove(filepath.Join(dir, authFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// DeviceID returns this installation's device id, creating it on first
// use. It survives logout.
func DeviceID(dir string) (string, error) {
	path := filepath.Join(dir, deviceIDFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	id := uuid.NewString()
	if err := writeAtomic(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("store device id: %w", err)
	}
	return id, nil
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
