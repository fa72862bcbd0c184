package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"billboard-sentinel/internal/adjudication"
	"billboard-sentinel/internal/geo"
	"billboard-sentinel/internal/geometry"
	"billboard-sentinel/internal/redact"
	"billboard-sentinel/internal/rules"
	"billboard-sentinel/internal/worker"
)

const envPrefix = "SENTINEL"

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type DatabaseConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	SeedCSV      string `mapstructure:"seed_csv"`
}

type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	PermitTTL time.Duration `mapstructure:"permit_ttl"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type DetectorConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type PipelineConfig struct {
	adjudication.Settings `mapstructure:",squash"`
	Worker                worker.Config `mapstructure:",squash"`
	// QueueWait is how long a submission waits for queue space before it
	// is rejected. Zero rejects at once.
	QueueWait time.Duration `mapstructure:"queue_wait"`
}

type Config struct {
	Environment string          `mapstructure:"environment"`
	HTTP        HTTPConfig      `mapstructure:"http"`
	Log         LogConfig       `mapstructure:"log"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	NATS        NATSConfig      `mapstructure:"nats"`
	Auth        AuthConfig      `mapstructure:"auth"`
	Detector    DetectorConfig  `mapstructure:"detector"`
	Pipeline    PipelineConfig  `mapstructure:"pipeline"`
	Geometry    geometry.Config `mapstructure:"geometry"`
	Redaction   redact.Config   `mapstructure:"redaction"`
	Geo         geo.Config      `mapstructure:"geo"`
	Rules       rules.Config    `mapstructure:"rules"`
}

// Default returns the built-in configuration. Structured defaults such as the
// geometry error buckets live here; scalar defaults are also registered with
// viper so environment overrides apply to them.
func Default() Config {
	return Config{
		Environment: "development",
		HTTP: HTTPConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 15 * time.Second,
			MaxUploadBytes:  20 << 20,
		},
		Log:      LogConfig{Level: "info", Pretty: true},
		Database: DatabaseConfig{MaxOpenConns: 10, MaxIdleConns: 5},
		Redis:    RedisConfig{PermitTTL: 5 * time.Minute},
		NATS:     NATSConfig{Subject: "violations.finalized"},
		Detector: DetectorConfig{Timeout: 30 * time.Second},
		Pipeline: PipelineConfig{
			Settings: adjudication.DefaultSettings(),
			Worker:   worker.Config{Workers: 4, QueueSize: 64},
		},
		Geometry:  geometry.DefaultConfig(),
		Redaction: redact.DefaultConfig(),
		Geo: geo.Config{
			JunctionsPath: "data/junctions.geojson",
			ZoningPath:    "data/zoning.geojson",
		},
		Rules: rules.DefaultConfig(),
	}
}

// Load reads .env (when present), an optional config file and SENTINEL_*
// environment variables on top of Default. configPath may be empty.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	registerDefaults(v, Default())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	// Slices decode into existing backing arrays, so a shorter list from the
	// file would keep trailing defaults. Start them empty.
	cfg := Default()
	cfg.Geometry.Buckets = nil
	cfg.HTTP.AllowedOrigins = nil
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(cfg.Geometry.Buckets) == 0 {
		cfg.Geometry.Buckets = geometry.DefaultConfig().Buckets
	}
	calibrated, err := cfg.Geometry.Calibrated()
	if err != nil {
		return nil, fmt.Errorf("geometry calibration: %w", err)
	}
	cfg.Geometry = calibrated
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func registerDefaults(v *viper.Viper, d Config) {
	v.SetDefault("environment", d.Environment)

	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.allowed_origins", d.HTTP.AllowedOrigins)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)
	v.SetDefault("http.max_upload_bytes", d.HTTP.MaxUploadBytes)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.pretty", d.Log.Pretty)

	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	v.SetDefault("database.seed_csv", d.Database.SeedCSV)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.permit_ttl", d.Redis.PermitTTL)

	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.subject", d.NATS.Subject)

	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)

	v.SetDefault("detector.url", d.Detector.URL)
	v.SetDefault("detector.timeout", d.Detector.Timeout)

	p := d.Pipeline
	v.SetDefault("pipeline.confidence_threshold", p.ConfidenceThreshold)
	v.SetDefault("pipeline.geometry_timeout", p.GeometryTimeout)
	v.SetDefault("pipeline.redaction_timeout", p.RedactionTimeout)
	v.SetDefault("pipeline.geo_timeout", p.GeoTimeout)
	v.SetDefault("pipeline.permit_timeout", p.PermitTimeout)
	v.SetDefault("pipeline.lookup_retries", p.LookupRetries)
	v.SetDefault("pipeline.lookup_backoff", p.LookupBackoff)
	v.SetDefault("pipeline.workers", p.Worker.Workers)
	v.SetDefault("pipeline.queue_size", p.Worker.QueueSize)
	v.SetDefault("pipeline.queue_wait", p.QueueWait)

	v.SetDefault("redaction.block_size", d.Redaction.BlockSize)
	v.SetDefault("redaction.margin_px", d.Redaction.MarginPx)
	v.SetDefault("redaction.version", d.Redaction.Version)
	v.SetDefault("redaction.max_pixels", d.Redaction.MaxPixels)

	v.SetDefault("geo.junctions_path", d.Geo.JunctionsPath)
	v.SetDefault("geo.zoning_path", d.Geo.ZoningPath)

	v.SetDefault("rules.max_width_m", d.Rules.MaxWidthM)
	v.SetDefault("rules.max_height_m", d.Rules.MaxHeightM)
	v.SetDefault("rules.min_junction_distance_m", d.Rules.MinJunctionDistanceM)
	v.SetDefault("rules.size_policy", string(d.Rules.SizePolicy))
	v.SetDefault("rules.permit_location_tolerance_m", d.Rules.PermitLocationTolerance)
}

func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.HTTP.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("http.max_upload_bytes must be positive"))
	}
	p := c.Pipeline
	if !(p.ConfidenceThreshold > 0 && p.ConfidenceThreshold <= 1) {
		errs = append(errs, fmt.Errorf("pipeline.confidence_threshold must be in (0,1], got %v", p.ConfidenceThreshold))
	}
	if p.LookupRetries < 0 {
		errs = append(errs, errors.New("pipeline.lookup_retries must not be negative"))
	}
	if p.QueueWait < 0 {
		errs = append(errs, errors.New("pipeline.queue_wait must not be negative"))
	}
	for name, d := range map[string]time.Duration{
		"geometry_timeout":  p.GeometryTimeout,
		"redaction_timeout": p.RedactionTimeout,
		"geo_timeout":       p.GeoTimeout,
		"permit_timeout":    p.PermitTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("pipeline.%s must be positive", name))
		}
	}
	if err := p.Worker.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}
	if err := c.Geometry.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Redaction.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Rules.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Adjudication is the per-run slice handed to the coordinator.
func (c *Config) Adjudication() adjudication.Config {
	return adjudication.Config{
		Settings:  c.Pipeline.Settings,
		Geometry:  c.Geometry,
		Redaction: c.Redaction,
		Rules:     c.Rules,
	}
}
