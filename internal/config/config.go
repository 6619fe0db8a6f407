package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
	Run      RunConfig      `yaml:"run" mapstructure:"run"`
	Input    InputConfig    `yaml:"input" mapstructure:"input"`
	Retry    RetryConfig    `yaml:"retry" mapstructure:"retry"`
	Session  SessionConfig  `yaml:"session" mapstructure:"session"`
	Backends BackendsConfig `yaml:"backends" mapstructure:"backends"`
	Circuit  CircuitConfig  `yaml:"circuit" mapstructure:"circuit"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	UI       UIConfig       `yaml:"ui" mapstructure:"ui"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// RunConfig configures batch execution.
type RunConfig struct {
	// Workers is the number of parallel workers. 0 or 1 runs sequentially.
	Workers  int  `yaml:"workers" mapstructure:"workers"`
	AllFiles bool `yaml:"all_files" mapstructure:"all_files"`
	FailFast bool `yaml:"fail_fast" mapstructure:"fail_fast"`
	SettleMs int  `yaml:"settle_ms" mapstructure:"settle_ms"`
}

// InputConfig configures how input tables are interpreted.
type InputConfig struct {
	IdentifierColumns []string `yaml:"identifier_columns" mapstructure:"identifier_columns"`
	OutputSuffix      string   `yaml:"output_suffix" mapstructure:"output_suffix"`
}

// RetryConfig configures the retry wrapper around session-bound queries.
type RetryConfig struct {
	Attempts    int `yaml:"attempts" mapstructure:"attempts"`
	BaseDelayMs int `yaml:"base_delay_ms" mapstructure:"base_delay_ms"`
}

// SessionConfig configures browsing sessions.
type SessionConfig struct {
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
	SleepMs     int    `yaml:"sleep_ms" mapstructure:"sleep_ms"`
}

// BackendsConfig groups per-backend settings.
type BackendsConfig struct {
	Chemikalieninfo ChemikalieninfoConfig `yaml:"chemikalieninfo" mapstructure:"chemikalieninfo"`
	PubChem         PubChemConfig         `yaml:"pubchem" mapstructure:"pubchem"`
	Gestis          GestisConfig          `yaml:"gestis" mapstructure:"gestis"`
}

// ChemikalieninfoConfig configures the Chemikalieninfo backend.
type ChemikalieninfoConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// PubChemConfig configures the PubChem backend.
type PubChemConfig struct {
	Enabled    bool    `yaml:"enabled" mapstructure:"enabled"`
	BaseURL    string  `yaml:"base_url" mapstructure:"base_url"`
	RatePerSec float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// GestisConfig configures the GESTIS backend.
type GestisConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	SiteURL     string `yaml:"site_url" mapstructure:"site_url"`
	Token       string `yaml:"token" mapstructure:"token"`
	Language    string `yaml:"language" mapstructure:"language"`
	DownloadSDB bool   `yaml:"download_sdb" mapstructure:"download_sdb"`
}

// CircuitConfig configures per-backend circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// StoreConfig configures the sqlite run history and query cache.
type StoreConfig struct {
	// Path is the sqlite file. Empty disables persistence.
	Path          string `yaml:"path" mapstructure:"path"`
	CacheTTLHours int    `yaml:"cache_ttl_hours" mapstructure:"cache_ttl_hours"`
}

// UIConfig configures the optional status server.
type UIConfig struct {
	StatusAddr string `yaml:"status_addr" mapstructure:"status_addr"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("chemdb")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CHEMDB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("run.workers", 0)
	v.SetDefault("run.all_files", false)
	v.SetDefault("run.fail_fast", false)
	v.SetDefault("run.settle_ms", 100)
	v.SetDefault("input.identifier_columns", []string{"CAS", "Name"})
	v.SetDefault("input.output_suffix", "_OUT")
	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.base_delay_ms", 1000)
	v.SetDefault("session.timeout_secs", 30)
	v.SetDefault("session.user_agent", "Mozilla/5.0 (X11; Linux x86_64) chemdb/1.0")
	v.SetDefault("session.sleep_ms", 250)
	v.SetDefault("backends.chemikalieninfo.enabled", true)
	v.SetDefault("backends.chemikalieninfo.base_url", "https://recherche.chemikalieninfo.de/public")
	v.SetDefault("backends.pubchem.enabled", true)
	v.SetDefault("backends.pubchem.base_url", "https://pubchem.ncbi.nlm.nih.gov/rest/pug")
	v.SetDefault("backends.pubchem.rate_per_sec", 5)
	v.SetDefault("backends.gestis.enabled", true)
	v.SetDefault("backends.gestis.base_url", "https://gestis-api.dguv.de/api")
	v.SetDefault("backends.gestis.site_url", "https://gestis.dguv.de")
	v.SetDefault("backends.gestis.language", "de")
	v.SetDefault("backends.gestis.download_sdb", false)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 60)
	v.SetDefault("store.path", "chemdb.db")
	v.SetDefault("store.cache_ttl_hours", 720)
	v.SetDefault("ui.status_addr", "")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Parallel reports whether the run should fan out across workers.
func (c RunConfig) Parallel() bool {
	return c.Workers > 1
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

// Validate checks cross-field constraints for the given command mode
// ("run" or "analyse"). All violations are reported together.
func (c *Config) Validate(mode string) error {
	var problems []string

	if len(c.Input.IdentifierColumns) == 0 {
		problems = append(problems, "input.identifier_columns must not be empty")
	}
	if c.Input.OutputSuffix == "" {
		problems = append(problems, "input.output_suffix is required")
	}

	switch mode {
	case "analyse":
	case "run":
		if c.Run.Workers < 0 || c.Run.Workers > 64 {
			problems = append(problems, "run.workers must be between 0 and 64")
		}
		if c.Retry.Attempts < 1 {
			problems = append(problems, "retry.attempts must be >= 1")
		}
		if c.Retry.BaseDelayMs < 0 {
			problems = append(problems, "retry.base_delay_ms must be >= 0")
		}
		b := c.Backends
		if !b.Chemikalieninfo.Enabled && !b.PubChem.Enabled && !b.Gestis.Enabled {
			problems = append(problems, "at least one backend must be enabled")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid: %s", strings.Join(problems, "; "))
	}
	return nil
}
