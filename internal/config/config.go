// Package config loads process configuration from defaults, an optional YAML
// file and QUOTAVERIFY_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"cocoaquota/internal/blob"
	"cocoaquota/internal/core"
	"cocoaquota/internal/infra/persistence/postgres"
	"cocoaquota/internal/infra/persistence/sqlite"
	"cocoaquota/internal/jobs"
)

// EnvPrefix prefixes every recognised environment variable.
const EnvPrefix = "QUOTAVERIFY_"

// Config is the full process configuration.
type Config struct {
	Storage Storage `yaml:"storage"`
	Blob    Blob    `yaml:"blob"`
	Engine  Engine  `yaml:"engine"`
	Log     Log     `yaml:"log"`
	HTTP    HTTP    `yaml:"http"`
	Refresh Refresh `yaml:"refresh"`
}

type Storage struct {
	Driver     string   `yaml:"driver"`
	SQLitePath string   `yaml:"sqlite_path"`
	Postgres   Postgres `yaml:"postgres"`
}

type Postgres struct {
	DSN            string `yaml:"dsn"`
	MaxConns       int32  `yaml:"max_conns"`
	MinConns       int32  `yaml:"min_conns"`
	Schema         string `yaml:"schema"`
	RefreshOnWrite bool   `yaml:"refresh_on_write"`
}

type Blob struct {
	Driver string        `yaml:"driver"`
	FSRoot string        `yaml:"fs_root"`
	S3     blob.S3Config `yaml:"s3"`
}

type Engine struct {
	RegistryPageSize   int           `yaml:"registry_page_size"`
	LotMinimumKg       string        `yaml:"lot_minimum_kg"`
	SettleDelay        time.Duration `yaml:"settle_delay"`
	SettlePollInterval time.Duration `yaml:"settle_poll_interval"`
	SettleBackoff      float64       `yaml:"settle_backoff"`
	SettleMaxWait      time.Duration `yaml:"settle_max_wait"`
	ExporterPolicy     string        `yaml:"exporter_policy"`
	ApprovedBy         string        `yaml:"approved_by"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type HTTP struct {
	Addr           string `yaml:"addr"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

type Refresh struct {
	Schedule string `yaml:"schedule"`
	TimeZone string `yaml:"timezone"`
}

// Default returns the built-in configuration.
func Default() Config {
	eng := core.DefaultConfig()
	pg := postgres.DefaultConfig("")
	return Config{
		Storage: Storage{
			Driver:     string(core.StorageSQLite),
			SQLitePath: sqlite.DefaultPath,
			Postgres:   Postgres{MaxConns: pg.MaxConns, MinConns: pg.MinConns, RefreshOnWrite: pg.RefreshOnWrite},
		},
		Blob: Blob{Driver: string(blob.DriverFilesystem), FSRoot: "./archive"},
		Engine: Engine{
			RegistryPageSize:   eng.RegistryPageSize,
			LotMinimumKg:       eng.LotMinimumKg.String(),
			SettleDelay:        eng.SettleDelay,
			SettlePollInterval: eng.SettlePollInterval,
			SettleBackoff:      eng.SettleBackoff,
			SettleMaxWait:      eng.SettleMaxWait,
			ExporterPolicy:     string(eng.ExporterPolicy),
			ApprovedBy:         eng.ApprovedBy,
		},
		Log:     Log{Level: "info", Format: "text"},
		HTTP:    HTTP{Addr: ":8080", MaxUploadBytes: 32 << 20},
		Refresh: Refresh{Schedule: jobs.DefaultSchedule, TimeZone: "UTC"},
	}
}

// Load reads .env (when present) and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return LoadFrom(os.LookupEnv)
}

// LoadFrom builds the configuration from lookup. QUOTAVERIFY_CONFIG names an
// optional YAML file applied before the environment.
func LoadFrom(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path, ok := lookup(EnvPrefix + "CONFIG"); ok && path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}
	e.setString("STORAGE_DRIVER", &c.Storage.Driver)
	e.setString("SQLITE_PATH", &c.Storage.SQLitePath)
	e.setString("POSTGRES_DSN", &c.Storage.Postgres.DSN)
	e.setInt32("POSTGRES_MAX_CONNS", &c.Storage.Postgres.MaxConns)
	e.setInt32("POSTGRES_MIN_CONNS", &c.Storage.Postgres.MinConns)
	e.setString("POSTGRES_SCHEMA", &c.Storage.Postgres.Schema)
	e.setBool("POSTGRES_REFRESH_ON_WRITE", &c.Storage.Postgres.RefreshOnWrite)

	e.setString("BLOB_DRIVER", &c.Blob.Driver)
	e.setString("BLOB_FS_ROOT", &c.Blob.FSRoot)
	e.setString("BLOB_S3_BUCKET", &c.Blob.S3.Bucket)
	e.setString("BLOB_S3_REGION", &c.Blob.S3.Region)
	e.setString("BLOB_S3_ENDPOINT", &c.Blob.S3.Endpoint)
	e.setString("BLOB_S3_PREFIX", &c.Blob.S3.Prefix)
	e.setBool("BLOB_S3_PATH_STYLE", &c.Blob.S3.PathStyle)
	e.setString("BLOB_S3_ACCESS_KEY_ID", &c.Blob.S3.AccessKeyID)
	e.setString("BLOB_S3_SECRET_ACCESS_KEY", &c.Blob.S3.SecretAccessKey)

	e.setInt("REGISTRY_PAGE_SIZE", &c.Engine.RegistryPageSize)
	e.setString("LOT_MINIMUM_KG", &c.Engine.LotMinimumKg)
	e.setDuration("SETTLE_DELAY", &c.Engine.SettleDelay)
	e.setDuration("SETTLE_POLL_INTERVAL", &c.Engine.SettlePollInterval)
	e.setFloat("SETTLE_BACKOFF", &c.Engine.SettleBackoff)
	e.setDuration("SETTLE_MAX_WAIT", &c.Engine.SettleMaxWait)
	e.setString("EXPORTER_POLICY", &c.Engine.ExporterPolicy)
	e.setString("APPROVED_BY", &c.Engine.ApprovedBy)

	e.setString("LOG_LEVEL", &c.Log.Level)
	e.setString("LOG_FORMAT", &c.Log.Format)
	e.setString("HTTP_ADDR", &c.HTTP.Addr)
	e.setInt64("MAX_UPLOAD_BYTES", &c.HTTP.MaxUploadBytes)
	e.setString("REFRESH_SCHEDULE", &c.Refresh.Schedule)
	e.setString("REFRESH_TIMEZONE", &c.Refresh.TimeZone)
	return errors.Join(e.errs...)
}

// Validate rejects inconsistent settings.
func (c Config) Validate() error {
	var errs []error
	switch core.StorageDriver(c.Storage.Driver) {
	case core.StorageMemory, core.StorageSQLite:
	case core.StoragePostgres:
		if c.Storage.Postgres.DSN == "" {
			errs = append(errs, errors.New("postgres storage requires QUOTAVERIFY_POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	switch blob.Driver(c.Blob.Driver) {
	case blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("s3 blob driver requires QUOTAVERIFY_BLOB_S3_BUCKET"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob driver %q", c.Blob.Driver))
	}
	if _, err := c.Core(); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Core converts the engine section into a validated core.Config.
func (c Config) Core() (core.Config, error) {
	minimum, err := decimal.NewFromString(strings.TrimSpace(c.Engine.LotMinimumKg))
	if err != nil {
		return core.Config{}, fmt.Errorf("lot minimum %q: %w", c.Engine.LotMinimumKg, err)
	}
	out := core.Config{
		RegistryPageSize:   c.Engine.RegistryPageSize,
		LotMinimumKg:       minimum,
		SettleDelay:        c.Engine.SettleDelay,
		SettlePollInterval: c.Engine.SettlePollInterval,
		SettleBackoff:      c.Engine.SettleBackoff,
		SettleMaxWait:      c.Engine.SettleMaxWait,
		ExporterPolicy:     core.ExporterPolicy(c.Engine.ExporterPolicy),
		ApprovedBy:         c.Engine.ApprovedBy,
	}
	return out, out.Validate()
}

// StorageConfig returns the persistence selection.
func (c Config) StorageConfig() core.StorageConfig {
	pg := postgres.DefaultConfig(c.Storage.Postgres.DSN)
	pg.MaxConns = c.Storage.Postgres.MaxConns
	pg.MinConns = c.Storage.Postgres.MinConns
	pg.Schema = c.Storage.Postgres.Schema
	pg.RefreshOnWrite = c.Storage.Postgres.RefreshOnWrite
	return core.StorageConfig{
		Driver:     core.StorageDriver(c.Storage.Driver),
		SQLitePath: c.Storage.SQLitePath,
		Postgres:   pg,
	}
}

// BlobConfig returns the archive backend selection.
func (c Config) BlobConfig() blob.Config {
	return blob.Config{Driver: blob.Driver(c.Blob.Driver), FSRoot: c.Blob.FSRoot, S3: c.Blob.S3}
}

// RefresherConfig returns the scheduled refresh settings.
func (c Config) RefresherConfig() jobs.RefresherConfig {
	return jobs.RefresherConfig{Schedule: c.Refresh.Schedule, TimeZone: c.Refresh.TimeZone}
}

// Logger builds the slog logger described by the log section.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", s, err)
	}
	return level, nil
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) fail(key string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
}

func (e *envReader) setString(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) setBool(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) setInt(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) setInt32(key string, dst *int32) {
	if v, ok := e.get(key); ok {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = int32(n)
	}
}

func (e *envReader) setInt64(key string, dst *int64) {
	if v, ok := e.get(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) setFloat(key string, dst *float64) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) setDuration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = d
	}
}
