package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/TobiSchelling/BioGraph/internal/confidence"
	"github.com/TobiSchelling/BioGraph/internal/license"
	"github.com/TobiSchelling/BioGraph/internal/strength"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Database        Database          `yaml:"database"`
	Licenses        []license.Entry   `yaml:"licenses"`
	Rubric          confidence.Rubric `yaml:"rubric"`
	Materialization Materialization   `yaml:"materialization"`
	Curation        Curation          `yaml:"curation"`
	News            News              `yaml:"news"`
	Events          Events            `yaml:"events"`
	Server          Server            `yaml:"server"`
	Logging         Logging           `yaml:"logging"`
}

type Database struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type Materialization struct {
	Strategy     string        `yaml:"strategy"`
	Expression   string        `yaml:"expression"`
	Mode         string        `yaml:"mode"`
	Parallelism  int           `yaml:"parallelism"`
	LockWait     time.Duration `yaml:"lock_wait"`
	LockTTL      time.Duration `yaml:"lock_ttl"`
	DiffMinDelta float64       `yaml:"diff_min_delta"`
	Schedule     string        `yaml:"schedule"`
}

type Curation struct {
	DuplicateThreshold float64 `yaml:"duplicate_threshold"`
}

type News struct {
	Feeds        []Feed `yaml:"feeds"`
	SourceSystem string `yaml:"source_system"`
	License      string `yaml:"license"`
	FetchContent bool   `yaml:"fetch_content"`
	DaysBack     int    `yaml:"days_back"`
}

type Feed struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

type Events struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

type Server struct {
	Port        int    `yaml:"port"`
	AdminSecret string `yaml:"admin_secret"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Materialization modes.
const (
	ModeSync  = "sync"
	ModeQueue = "queue"
	ModeOff   = "off"
)

// envOverrides are read from BIOGRAPH_* variables after the file is parsed.
type envOverrides struct {
	DBDriver    string `envconfig:"DB_DRIVER"`
	DBPath      string `envconfig:"DB_PATH"`
	DBDSN       string `envconfig:"DB_DSN"`
	LogLevel    string `envconfig:"LOG_LEVEL"`
	LogFormat   string `envconfig:"LOG_FORMAT"`
	ServerPort  int    `envconfig:"SERVER_PORT"`
	AdminSecret string `envconfig:"ADMIN_SECRET"`
	NATSURL     string `envconfig:"NATS_URL"`
}

// ConfigDir returns the XDG config directory for biograph.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "biograph")
}

// DataDir returns the XDG data directory for biograph.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "biograph")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/biograph/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'biograph init' to create a default config",
		xdgConfig,
	)
}

// Load reads a config YAML file, then applies .env and BIOGRAPH_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}

	_ = godotenv.Load()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Default returns the embedded default configuration.
func Default() *Config {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded default config: %v", err))
	}
	return cfg
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Database: Database{Driver: "sqlite"},
		Licenses: defaultLicenses(),
		Rubric:   confidence.DefaultRubric(),
		Materialization: Materialization{
			Strategy:     strength.Product,
			Mode:         ModeQueue,
			Parallelism:  4,
			LockWait:     5 * time.Second,
			LockTTL:      10 * time.Minute,
			DiffMinDelta: 0.05,
		},
		Curation: Curation{DuplicateThreshold: 0.7},
		News: News{
			SourceSystem: "news",
			License:      "NEWS_METADATA_ONLY",
			DaysBack:     7,
		},
		Events:  Events{Subject: "biograph.assertions.changed"},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "info", Format: "console"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process("biograph", &env); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}
	if env.DBDriver != "" {
		c.Database.Driver = env.DBDriver
	}
	if env.DBPath != "" {
		c.Database.Path = env.DBPath
	}
	if env.DBDSN != "" {
		c.Database.DSN = env.DBDSN
	}
	if env.LogLevel != "" {
		c.Logging.Level = env.LogLevel
	}
	if env.LogFormat != "" {
		c.Logging.Format = env.LogFormat
	}
	if env.ServerPort != 0 {
		c.Server.Port = env.ServerPort
	}
	if env.AdminSecret != "" {
		c.Server.AdminSecret = env.AdminSecret
	}
	if env.NATSURL != "" {
		c.Events.NATSURL = env.NATSURL
	}
	return nil
}

// Validate checks cross-field constraints the YAML decoder cannot express.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver %q must be sqlite or postgres", c.Database.Driver)
	}
	if _, err := c.Registry(); err != nil {
		return err
	}
	if err := c.Rubric.Validate(); err != nil {
		return err
	}
	if _, err := c.Strategy(); err != nil {
		return err
	}
	switch c.Materialization.Mode {
	case ModeSync, ModeQueue, ModeOff:
	default:
		return fmt.Errorf("materialization.mode %q must be sync, queue or off", c.Materialization.Mode)
	}
	if c.Materialization.Parallelism < 1 {
		return fmt.Errorf("materialization.parallelism must be at least 1")
	}
	if c.Materialization.DiffMinDelta < 0 {
		return fmt.Errorf("materialization.diff_min_delta must be non-negative")
	}
	if t := c.Curation.DuplicateThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("curation.duplicate_threshold %v outside (0,1]", t)
	}
	return nil
}

// Registry builds the license registry from the licenses section.
func (c *Config) Registry() (*license.Registry, error) {
	return license.NewRegistry(c.Licenses)
}

// Strategy builds the configured chain strength strategy.
func (c *Config) Strategy() (strength.Strategy, error) {
	return strength.Parse(c.Materialization.Strategy, c.Materialization.Expression)
}

// DatabaseTarget returns the driver and the path or DSN to open.
func (c *Config) DatabaseTarget() (driver, target string) {
	if c.Database.Driver == "postgres" {
		return "postgres", c.Database.DSN
	}
	if c.Database.Path != "" {
		return "sqlite", c.Database.Path
	}
	return "sqlite", filepath.Join(DataDir(), "biograph.db")
}

// LogLevel returns the normalized logging level.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}

func defaultLicenses() []license.Entry {
	return []license.Entry{
		{ID: "CC0", CommercialSafe: true},
		{ID: "CC-BY-4.0", CommercialSafe: true, AttributionRequired: true},
		{ID: "PUBLIC_DOMAIN", CommercialSafe: true},
		{ID: "US_GOV_PUBLIC", CommercialSafe: true},
		{ID: "NEWS_METADATA_ONLY", CommercialSafe: true, ExcerptLimit: 200},
	}
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
