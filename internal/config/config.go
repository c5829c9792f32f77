package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"

	"github.com/AngelCh415/crmsync/internal/aggregate"
	"github.com/AngelCh415/crmsync/internal/logging"
)

const (
	EnvPrefix         = "CRMSYNC_"
	ConfigPathEnvVar  = "CONFIG_PATH"
	DefaultConfigPath = "crmsync.yaml"
)

var ErrUnknownClient = errors.New("unknown client")

type Config struct {
	Log      logging.Config          `koanf:"log"`
	Server   ServerConfig            `koanf:"server"`
	HTTP     HTTPConfig              `koanf:"http"`
	Defaults ClientConfig            `koanf:"defaults"`
	Clients  map[string]ClientConfig `koanf:"clients,omitempty"`

	k *koanf.Koanf
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
}

// HTTPConfig tunes the upstream client shared by all clients.
type HTTPConfig struct {
	Timeout             time.Duration `koanf:"timeout"`
	MaxRetries          int           `koanf:"max_retries"`
	RetryBaseDelay      time.Duration `koanf:"retry_base_delay"`
	RequestsPerSecond   float64       `koanf:"requests_per_second"`
	BreakerMinRequests  uint32        `koanf:"breaker_min_requests"`
	BreakerFailureRatio float64       `koanf:"breaker_failure_ratio"`
	BreakerOpenTimeout  time.Duration `koanf:"breaker_open_timeout"`
}

// ClientConfig is one CRM account. Unset fields inherit Defaults.
type ClientConfig struct {
	BaseURL           string           `koanf:"base_url"`
	Token             string           `koanf:"token"`
	LookbackDays      int              `koanf:"lookback_days"`
	IncrementalDays   int              `koanf:"incremental_days"`
	WindowDays        int              `koanf:"window_days"`
	PageLimit         int              `koanf:"page_limit"`
	BatchSize         int              `koanf:"batch_size"`
	BatchDelay        time.Duration    `koanf:"batch_delay"`
	SnapshotPath      string           `koanf:"snapshot_path"`
	CustomerLifecycle string           `koanf:"customer_lifecycle"`
	Properties        PropertiesConfig `koanf:"properties"`
}

type PropertiesConfig struct {
	Created   string `koanf:"created"`
	Source    string `koanf:"source"`
	Lifecycle string `koanf:"lifecycle"`
	Pipeline  string `koanf:"pipeline"`
	Stage     string `koanf:"stage"`
	Amount    string `koanf:"amount"`
	// ContactSource is read from the associated contact for deal sources.
	ContactSource string `koanf:"contact_source"`
}

func (p PropertiesConfig) Aggregate() aggregate.Properties {
	return aggregate.Properties{
		Created:   p.Created,
		Source:    p.Source,
		Lifecycle: p.Lifecycle,
		Pipeline:  p.Pipeline,
		Stage:     p.Stage,
		Amount:    p.Amount,
	}
}

func defaultConfig() *Config {
	props := aggregate.DefaultProperties()
	return &Config{
		Log:    logging.DefaultConfig(),
		Server: ServerConfig{Addr: ":8080"},
		HTTP: HTTPConfig{
			Timeout:             15 * time.Second,
			MaxRetries:          5,
			RetryBaseDelay:      time.Second,
			RequestsPerSecond:   10,
			BreakerMinRequests:  10,
			BreakerFailureRatio: 0.6,
			BreakerOpenTimeout:  30 * time.Second,
		},
		Defaults: ClientConfig{
			BaseURL:           "https://api.hubapi.com/crm/v3",
			LookbackDays:      365,
			IncrementalDays:   7,
			WindowDays:        30,
			PageLimit:         100,
			BatchSize:         100,
			BatchDelay:        100 * time.Millisecond,
			CustomerLifecycle: aggregate.DefaultCustomerLifecycle,
			Properties: PropertiesConfig{
				Created:       props.Created,
				Source:        props.Source,
				Lifecycle:     props.Lifecycle,
				Pipeline:      props.Pipeline,
				Stage:         props.Stage,
				Amount:        props.Amount,
				ContactSource: props.Source,
			},
		},
	}
}

// Load layers struct defaults, the yaml file at path (or CONFIG_PATH, or
// crmsync.yaml when present) and CRMSYNC_ environment variables.
// Environment keys use "__" between sections:
// CRMSYNC_CLIENTS__ACME__LOOKBACK_DAYS=90. CRMSYNC_TOKEN_<ID> sets a
// client's token.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, errors.Wrap(err, "load defaults")
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "load config file %s", path)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, errors.Wrap(err, "load environment")
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.HTTP.Validate(); err != nil {
		return nil, err
	}
	cfg.k = k
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	if _, err := os.Stat(DefaultConfigPath); err == nil {
		return DefaultConfigPath
	}
	return ""
}

func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	if id, ok := strings.CutPrefix(key, "token_"); ok && id != "" {
		return "clients." + id + ".token"
	}
	return strings.ReplaceAll(key, "__", ".")
}

// Client resolves the settings of one client: Defaults overlaid with
// clients.<id>, then validated.
func (c *Config) Client(id string) (ClientConfig, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return ClientConfig{}, errors.Wrap(ErrUnknownClient, "empty client id")
	}
	k := c.k
	if k == nil {
		return ClientConfig{}, errors.New("config not loaded")
	}
	if !k.Exists("clients." + id) {
		return ClientConfig{}, errors.Wrapf(ErrUnknownClient, "%q", id)
	}

	merged := koanf.New(".")
	if err := merged.Merge(k.Cut("defaults")); err != nil {
		return ClientConfig{}, errors.Wrap(err, "merge defaults")
	}
	if err := merged.Merge(k.Cut("clients." + id)); err != nil {
		return ClientConfig{}, errors.Wrapf(err, "merge client %s", id)
	}
	var cc ClientConfig
	if err := merged.Unmarshal("", &cc); err != nil {
		return ClientConfig{}, errors.Wrapf(err, "unmarshal client %s", id)
	}
	if cc.SnapshotPath == "" {
		cc.SnapshotPath = fmt.Sprintf("data/%s/snapshot.json", id)
	}
	return cc, cc.Validate()
}

func (h HTTPConfig) Validate() error {
	var problems []string
	if h.Timeout <= 0 {
		problems = append(problems, "timeout must be positive")
	}
	if h.MaxRetries < 0 {
		problems = append(problems, "max_retries must not be negative")
	}
	if h.RetryBaseDelay <= 0 {
		problems = append(problems, "retry_base_delay must be positive")
	}
	if h.RequestsPerSecond < 0 {
		problems = append(problems, "requests_per_second must not be negative")
	}
	if h.BreakerFailureRatio < 0 || h.BreakerFailureRatio > 1 {
		problems = append(problems, "breaker_failure_ratio must be within [0, 1]")
	}
	if len(problems) > 0 {
		return errors.Errorf("invalid http config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (cc ClientConfig) Validate() error {
	var problems []string
	if cc.BaseURL == "" {
		problems = append(problems, "base_url is required")
	}
	if cc.Token == "" {
		problems = append(problems, "token is required")
	}
	if cc.LookbackDays <= 0 || cc.IncrementalDays <= 0 || cc.WindowDays <= 0 {
		problems = append(problems, "lookback_days, incremental_days and window_days must be positive")
	}
	if cc.IncrementalDays > cc.LookbackDays {
		problems = append(problems, "incremental_days must not exceed lookback_days")
	}
	if cc.PageLimit <= 0 || cc.BatchSize <= 0 {
		problems = append(problems, "page_limit and batch_size must be positive")
	}
	if len(problems) > 0 {
		return errors.Errorf("invalid client config: %s", strings.Join(problems, "; "))
	}
	return nil
}
