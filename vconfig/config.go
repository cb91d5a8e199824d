// Package vconfig loads the configuration of the session client.
//
// Values are layered, each source overriding the previous one:
// built-in defaults, a YAML file, a .env file, VSESSION_* environment variables,
// and finally command line flags.
package vconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"sigs.k8s.io/yaml"
)

// Duration is a time.Duration that is written as a string such as "1.5s".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"1s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	Node    NodeConfig    `json:"node"`
	Control ControlConfig `json:"control"`
	Store   StoreConfig   `json:"store"`
	Session SessionConfig `json:"session"`
	Log     LogConfig     `json:"log"`
}

type NodeConfig struct {
	// URL of the node RPC endpoint, http(s) or "unix:/path".
	URL     string   `json:"url"`
	APIKey  string   `json:"api_key"`
	Timeout Duration `json:"timeout"`
}

type ControlConfig struct {
	// Listen is a TCP address such as "127.0.0.1:9119",
	// or "unix:/path" for a unix socket.
	// Empty disables the control API.
	Listen string `json:"listen"`

	Metrics bool `json:"metrics"`
}

const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

type StoreConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
}

type SessionConfig struct {
	PollInterval     Duration `json:"poll_interval"`
	FetchInterval    Duration `json:"fetch_interval"`
	ExtraFlipsDelay  Duration `json:"extra_flips_delay"`
	WordsInterval    Duration `json:"words_interval"`
	WordsAttempts    int      `json:"words_attempts"`
	FetchConcurrency int      `json:"fetch_concurrency"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level"`

	// Format is text or json.
	Format string `json:"format"`
}

func Default() Config {
	return Config{
		Node: NodeConfig{
			URL:     "http://127.0.0.1:9009",
			Timeout: Duration(10 * time.Second),
		},
		Control: ControlConfig{
			Listen:  "127.0.0.1:9119",
			Metrics: true,
		},
		Store: StoreConfig{
			Driver: StoreSQLite,
			Path:   "vsession.db",
		},
		Session: SessionConfig{
			PollInterval:     Duration(time.Second),
			FetchInterval:    Duration(time.Second),
			ExtraFlipsDelay:  Duration(35 * time.Second),
			WordsInterval:    Duration(time.Second),
			WordsAttempts:    3,
			FetchConcurrency: 4,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Sources names the optional inputs of [Load].
type Sources struct {
	// File is a YAML config file. Empty skips it.
	File string

	// EnvFile is a .env file. Empty or missing skips it.
	EnvFile string

	// LookupEnv reads the process environment; nil uses os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Load layers the defaults, the config file, the .env file, and the environment.
// Flags are applied separately with [ApplyFlags].
func Load(src Sources) (Config, error) {
	cfg := Default()

	if src.File != "" {
		b, err := os.ReadFile(src.File)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.UnmarshalStrict(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", src.File, err)
		}
	}

	var dotenv map[string]string
	if src.EnvFile != "" {
		m, err := godotenv.Read(src.EnvFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to read env file: %w", err)
		}
		dotenv = m
	}

	lookup := src.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	env := func(k string) (string, bool) {
		if v, ok := lookup(k); ok {
			return v, true
		}
		v, ok := dotenv[k]
		return v, ok
	}

	if err := applyEnv(&cfg, env); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

const envPrefix = "VSESSION_"

func applyEnv(cfg *Config, env func(string) (string, bool)) error {
	strs := map[string]*string{
		"NODE_URL":       &cfg.Node.URL,
		"NODE_API_KEY":   &cfg.Node.APIKey,
		"CONTROL_LISTEN": &cfg.Control.Listen,
		"STORE_DRIVER":   &cfg.Store.Driver,
		"STORE_PATH":     &cfg.Store.Path,
		"LOG_LEVEL":      &cfg.Log.Level,
		"LOG_FORMAT":     &cfg.Log.Format,
	}
	for k, p := range strs {
		if v, ok := env(envPrefix + k); ok {
			*p = v
		}
	}

	durs := map[string]*Duration{
		"NODE_TIMEOUT":      &cfg.Node.Timeout,
		"POLL_INTERVAL":     &cfg.Session.PollInterval,
		"FETCH_INTERVAL":    &cfg.Session.FetchInterval,
		"EXTRA_FLIPS_DELAY": &cfg.Session.ExtraFlipsDelay,
		"WORDS_INTERVAL":    &cfg.Session.WordsInterval,
	}
	for k, p := range durs {
		v, ok := env(envPrefix + k)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, k, err)
		}
		*p = Duration(d)
	}

	ints := map[string]*int{
		"WORDS_ATTEMPTS":    &cfg.Session.WordsAttempts,
		"FETCH_CONCURRENCY": &cfg.Session.FetchConcurrency,
	}
	for k, p := range ints {
		v, ok := env(envPrefix + k)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, k, err)
		}
		*p = n
	}

	if v, ok := env(envPrefix + "CONTROL_METRICS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sCONTROL_METRICS: %w", envPrefix, err)
		}
		cfg.Control.Metrics = b
	}

	return nil
}

// Validate reports every invalid field of c.
func (c Config) Validate() error {
	var errs []error

	if c.Node.URL == "" {
		errs = append(errs, errors.New("node.url is required"))
	}
	if c.Node.Timeout < 0 {
		errs = append(errs, errors.New("node.timeout must not be negative"))
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be %q or %q", c.Store.Driver, StoreSQLite, StoreMemory))
	}

	s := c.Session
	for name, d := range map[string]Duration{
		"poll_interval":     s.PollInterval,
		"fetch_interval":    s.FetchInterval,
		"extra_flips_delay": s.ExtraFlipsDelay,
		"words_interval":    s.WordsInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("session.%s must be positive", name))
		}
	}
	if s.WordsAttempts <= 0 {
		errs = append(errs, errors.New("session.words_attempts must be positive"))
	}
	if s.FetchConcurrency <= 0 {
		errs = append(errs, errors.New("session.fetch_concurrency must be positive"))
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}

	return errors.Join(errs...)
}
