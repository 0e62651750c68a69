package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	StateStorage StateStorage      `mapstructure:"state_storage"`
	Bilprospekt  BilprospektConfig `mapstructure:"bilprospekt"`
	Sync         SyncConfig        `mapstructure:"sync"`
	Registry     RegistryConfig    `mapstructure:"registry"`
	Enrichment   EnrichmentConfig  `mapstructure:"enrichment"`
	Server       ServerConfig      `mapstructure:"server"`
	Logging      LoggingConfig     `mapstructure:"logging"`
}

type StateStorage struct {
	Type     string `mapstructure:"type"` // mysql or sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	FilePath string `mapstructure:"file_path"` // For SQLite
}

// BilprospektConfig describes the upstream prospect API and the partition space
// the planner walks.
type BilprospektConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
	PageSize int           `mapstructure:"page_size"`
	// Ceiling is the largest result set the API will paginate through.
	Ceiling    int         `mapstructure:"ceiling"`
	Regions    []string    `mapstructure:"regions"`
	YearRanges []YearRange `mapstructure:"year_ranges"`
	Brands     []string    `mapstructure:"brands"`
}

type YearRange struct {
	From int `mapstructure:"from"`
	To   int `mapstructure:"to"`
}

func (y YearRange) String() string {
	return fmt.Sprintf("%d-%d", y.From, y.To)
}

type SyncConfig struct {
	UpsertBatchSize int           `mapstructure:"upsert_batch_size"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	ErrorTruncate   int           `mapstructure:"error_truncate"`
}

type RegistryConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

type EnrichmentConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	MinDelay      time.Duration `mapstructure:"min_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	BatchPauseMin time.Duration `mapstructure:"batch_pause_min"`
	BatchPauseMax time.Duration `mapstructure:"batch_pause_max"`
	Schedule      string        `mapstructure:"schedule"`
	// Sold cars are only resolved inside [SoldMinAgeDays, SoldMaxAgeDays] so the
	// ownership transfer has had time to reach the registry.
	SoldMinAgeDays int `mapstructure:"sold_min_age_days"`
	SoldMaxAgeDays int `mapstructure:"sold_max_age_days"`
	// RetryAfter is how long a record whose lookup found nothing or failed is left alone.
	RetryAfter time.Duration `mapstructure:"retry_after"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var (
	DefaultRegions = []string{
		"01", "03", "04", "05", "06", "07", "08", "09", "10", "12", "13",
		"14", "17", "18", "19", "20", "21", "22", "23", "24", "25",
	}

	DefaultYearRanges = []YearRange{
		{From: 1950, To: 1999},
		{From: 2000, To: 2004},
		{From: 2005, To: 2009},
		{From: 2010, To: 2014},
		{From: 2015, To: 2019},
		{From: 2020, To: 2030},
	}

	// DefaultBrands is ordered by how often a brand dominates an oversized partition.
	DefaultBrands = []string{
		"VOLVO", "VOLKSWAGEN", "TOYOTA", "AUDI", "BMW", "MERCEDES-BENZ", "KIA", "FORD",
		"SKODA", "PEUGEOT", "RENAULT", "NISSAN", "HYUNDAI", "OPEL", "SAAB", "CITROEN",
		"MAZDA", "TESLA", "SEAT", "HONDA", "SUBARU", "MITSUBISHI", "SUZUKI", "FIAT",
		"DACIA", "POLESTAR", "PORSCHE", "LAND ROVER", "MINI", "JEEP",
	}
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_storage.type", "mysql")
	v.SetDefault("state_storage.host", "localhost")
	v.SetDefault("state_storage.port", 3306)
	v.SetDefault("state_storage.user", "")
	v.SetDefault("state_storage.password", "")
	v.SetDefault("state_storage.database", "leads")
	v.SetDefault("state_storage.file_path", "leadsync.db")

	v.SetDefault("bilprospekt.base_url", "https://api.bilprospekt.se/v1")
	v.SetDefault("bilprospekt.api_key", "")
	v.SetDefault("bilprospekt.timeout", 30*time.Second)
	v.SetDefault("bilprospekt.page_size", 100)
	v.SetDefault("bilprospekt.ceiling", 9000)

	v.SetDefault("sync.upsert_batch_size", 100)
	v.SetDefault("sync.stale_after", 15*time.Minute)
	v.SetDefault("sync.max_attempts", 3)
	v.SetDefault("sync.error_truncate", 1000)

	v.SetDefault("registry.base_url", "https://www.car.info/api")
	v.SetDefault("registry.timeout", 20*time.Second)
	v.SetDefault("registry.user_agent", "Mozilla/5.0 (X11; Linux x86_64)")

	v.SetDefault("enrichment.batch_size", 25)
	v.SetDefault("enrichment.min_delay", 2*time.Second)
	v.SetDefault("enrichment.max_delay", 6*time.Second)
	v.SetDefault("enrichment.batch_pause_min", 30*time.Second)
	v.SetDefault("enrichment.batch_pause_max", 90*time.Second)
	v.SetDefault("enrichment.schedule", "@every 10m")
	v.SetDefault("enrichment.sold_min_age_days", 7)
	v.SetDefault("enrichment.sold_max_age_days", 90)
	v.SetDefault("enrichment.retry_after", 24*time.Hour)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "310s")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// LoadConfig reads the YAML file at path (if it exists) and applies LEADSYNC_* environment
// overrides, e.g. LEADSYNC_BILPROSPEKT_API_KEY.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LEADSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.applyListDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyListDefaults() {
	if len(c.Bilprospekt.Regions) == 0 {
		c.Bilprospekt.Regions = append([]string(nil), DefaultRegions...)
	}
	if len(c.Bilprospekt.YearRanges) == 0 {
		c.Bilprospekt.YearRanges = append([]YearRange(nil), DefaultYearRanges...)
	}
	if len(c.Bilprospekt.Brands) == 0 {
		c.Bilprospekt.Brands = append([]string(nil), DefaultBrands...)
	}
}

// Validate rejects settings the pipeline cannot run with. Missing credentials are
// not a validation error; the sync endpoint reports them per request.
func (c *Config) Validate() error {
	switch c.StateStorage.Type {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("state_storage.type must be mysql or sqlite, got %q", c.StateStorage.Type)
	}
	if c.Bilprospekt.PageSize <= 0 {
		return errors.New("bilprospekt.page_size must be positive")
	}
	if c.Bilprospekt.Ceiling < c.Bilprospekt.PageSize {
		return errors.New("bilprospekt.ceiling must be at least one page")
	}
	for _, yr := range c.Bilprospekt.YearRanges {
		if yr.From > yr.To {
			return fmt.Errorf("bilprospekt.year_ranges: %s is inverted", yr)
		}
	}
	if c.Sync.UpsertBatchSize <= 0 {
		return errors.New("sync.upsert_batch_size must be positive")
	}
	if c.Sync.MaxAttempts <= 0 {
		return errors.New("sync.max_attempts must be positive")
	}
	if c.Enrichment.MinDelay <= 0 || c.Enrichment.MaxDelay < c.Enrichment.MinDelay {
		return errors.New("enrichment delays must satisfy 0 < min_delay <= max_delay")
	}
	if c.Enrichment.BatchPauseMax < c.Enrichment.BatchPauseMin {
		return errors.New("enrichment.batch_pause_max must be >= batch_pause_min")
	}
	if c.Enrichment.SoldMinAgeDays < 0 || c.Enrichment.SoldMaxAgeDays <= c.Enrichment.SoldMinAgeDays {
		return errors.New("enrichment sold window must satisfy 0 <= min < max")
	}
	if c.Enrichment.RetryAfter <= 0 {
		return errors.New("enrichment.retry_after must be positive")
	}
	return nil
}
