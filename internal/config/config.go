package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"prediction-monitor/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Sources    SourcesConfig    `mapstructure:"sources"`
	Watcher    WatcherConfig    `mapstructure:"watcher"`
	Prices     PricesConfig     `mapstructure:"prices"`
	Evaluation EvaluationConfig `mapstructure:"evaluation"`
	Server     ServerConfig     `mapstructure:"server"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// SourcesConfig locates the prediction logs to monitor. Each source is a
// subdirectory of Dir holding a history file; Names pins sources that must
// exist even when discovery finds nothing.
type SourcesConfig struct {
	Dir          string   `mapstructure:"dir"`
	Names        []string `mapstructure:"names"`
	PrimaryFile  string   `mapstructure:"primary_file"`
	FallbackFile string   `mapstructure:"fallback_file"`
}

// WatcherConfig governs polling cadence and tail size.
type WatcherConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
	MaxRows      int           `mapstructure:"max_rows"`
}

// PricesConfig locates historical price files and tunes the match window.
type PricesConfig struct {
	Dir           string            `mapstructure:"dir"`
	Granularity   time.Duration     `mapstructure:"granularity"`
	Tolerance     time.Duration     `mapstructure:"tolerance"`
	Files         map[string]string `mapstructure:"files"`
	FallbackFiles map[string]string `mapstructure:"fallback_files"`
	Aliases       map[string]string `mapstructure:"aliases"`
}

// EvaluationConfig sets how predictions are scored against actuals.
type EvaluationConfig struct {
	Horizon time.Duration `mapstructure:"horizon"`
}

// ServerConfig covers the HTTP and websocket listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int    `mapstructure:"max_data_points"`
	OutputDir     string `mapstructure:"output_dir"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MINERWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "minerwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("sources.dir", ".")
	v.SetDefault("sources.primary_file", "my_predictions_history.csv")
	v.SetDefault("sources.fallback_file", "miner_predictions_history.csv")

	v.SetDefault("watcher.interval", "60s")
	v.SetDefault("watcher.startup_delay", "0s")
	v.SetDefault("watcher.max_rows", 1000)

	v.SetDefault("prices.dir", "price_data")
	v.SetDefault("prices.granularity", "5m")
	v.SetDefault("prices.tolerance", "5m")
	v.SetDefault("prices.files", map[string]string{
		"btc": "btc_7d.csv",
		"eth": "eth_7d.csv",
		"tao": "tao_7d.csv",
	})
	v.SetDefault("prices.fallback_files", map[string]string{
		"btc": "btc.csv",
		"eth": "eth.csv",
		"tao": "tao.csv",
	})
	v.SetDefault("prices.aliases", map[string]string{
		"tao_bittensor": "tao",
	})

	v.SetDefault("evaluation.horizon", "1h")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)
	v.SetDefault("export.output_dir", ".")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Watcher.Interval <= 0 {
		return fmt.Errorf("watcher.interval must be greater than zero")
	}
	if c.Watcher.MaxRows < 0 {
		return fmt.Errorf("watcher.max_rows cannot be negative")
	}
	if c.Prices.Granularity <= 0 {
		return fmt.Errorf("prices.granularity must be greater than zero")
	}
	if c.Prices.Tolerance < 0 {
		return fmt.Errorf("prices.tolerance cannot be negative")
	}
	if c.Evaluation.Horizon <= 0 {
		return fmt.Errorf("evaluation.horizon must be greater than zero")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Sources.PrimaryFile == "" {
		return fmt.Errorf("sources.primary_file must be set")
	}
	return nil
}

// ListenAddr renders the HTTP bind address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// SourcePath resolves the history file for a source, preferring the primary
// filename and falling back when only the legacy one exists. The primary path
// is returned even when neither file is present so the watcher can report the
// absence itself.
func (c *SourcesConfig) SourcePath(name string) string {
	primary := filepath.Join(c.Dir, name, c.PrimaryFile)
	if _, err := os.Stat(primary); err == nil {
		return primary
	}
	if c.FallbackFile != "" {
		fallback := filepath.Join(c.Dir, name, c.FallbackFile)
		if _, err := os.Stat(fallback); err == nil {
			return fallback
		}
	}
	return primary
}

// DiscoverSources unions the configured names with every subdirectory of Dir
// that holds a recognisable history file, sorted for stable startup order.
func (c *SourcesConfig) DiscoverSources() []string {
	seen := make(map[string]struct{})
	for _, name := range c.Names {
		if name != "" {
			seen[name] = struct{}{}
		}
	}

	entries, err := os.ReadDir(c.Dir)
	if err == nil {
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			name := entry.Name()
			if _, ok := seen[name]; ok {
				continue
			}
			primary := filepath.Join(c.Dir, name, c.PrimaryFile)
			fallback := filepath.Join(c.Dir, name, c.FallbackFile)
			if fileExists(primary) || (c.FallbackFile != "" && fileExists(fallback)) {
				seen[name] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
