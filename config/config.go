package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/TFMV/resync/integrations"
	"github.com/TFMV/resync/pkg/core"
)

// EnvPrefix prefixes environment overrides, e.g. RESYNC_GLOBAL_CONCURRENCY.
const EnvPrefix = "RESYNC"

// --- Configuration Structs ---

type EndpointConfig struct {
	Kind             string   `mapstructure:"kind"`
	Host             string   `mapstructure:"host"`
	Port             int      `mapstructure:"port"`
	User             string   `mapstructure:"user"`
	Password         string   `mapstructure:"password"`
	Database         string   `mapstructure:"database"`
	Schema           string   `mapstructure:"schema"`
	Table            string   `mapstructure:"table"`
	DriverPath       string   `mapstructure:"driver_path"`
	PrimaryKeys      []string `mapstructure:"primary_keys"`
	Columns          []string `mapstructure:"columns"`
	FreshnessColumn  string   `mapstructure:"freshness_column"`
	SensitiveColumns []string `mapstructure:"sensitive_columns"`
}

// TaskConfig is one source/target pair. Nil overrides inherit the global value.
type TaskConfig struct {
	ID                        string         `mapstructure:"id"`
	Source                    EndpointConfig `mapstructure:"source"`
	Target                    EndpointConfig `mapstructure:"target"`
	RepairEnabled             *bool          `mapstructure:"repair_enabled"`
	RepairWriteMode           string         `mapstructure:"repair_write_mode"`
	FreshnessToleranceSeconds *int64         `mapstructure:"freshness_tolerance_seconds"`
	EnableFreshnessFilter     *bool          `mapstructure:"enable_freshness_filter"`
	Incremental               *bool          `mapstructure:"incremental"`
	IncrementalDays           *int           `mapstructure:"incremental_days"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      float64       `mapstructure:"jitter"`
}

type GlobalConfig struct {
	Concurrency               int         `mapstructure:"concurrency"`
	ChunkSize                 int64       `mapstructure:"chunk_size"`
	MaxBatchSize              int         `mapstructure:"max_batch_size"`
	FreshnessToleranceSeconds int64       `mapstructure:"freshness_tolerance_seconds"`
	EnableFreshnessFilter     bool        `mapstructure:"enable_freshness_filter"`
	RepairWriteMode           string      `mapstructure:"repair_write_mode"`
	RepairSizeThreshold       int         `mapstructure:"repair_size_threshold"`
	RepairEnabled             bool        `mapstructure:"repair_enabled"`
	InMemoryThreshold         int64       `mapstructure:"in_memory_threshold"`
	Incremental               bool        `mapstructure:"incremental"`
	IncrementalDays           int         `mapstructure:"incremental_days"`
	ExtraColumnFlag           bool        `mapstructure:"extra_column_flag"`
	Retry                     RetryConfig `mapstructure:"retry"`
}

type ExecutorConfig struct {
	PythonBin         string        `mapstructure:"python_bin"`
	DataXBin          string        `mapstructure:"datax_bin"`
	JobDir            string        `mapstructure:"job_dir"`
	Timeout           time.Duration `mapstructure:"timeout"`
	Channel           int           `mapstructure:"channel"`
	LaunchesPerSecond float64       `mapstructure:"launches_per_second"`
	PreSQL            []string      `mapstructure:"pre_sql"`
	DryRun            bool          `mapstructure:"dry_run"`
}

// Command returns the launcher argv: the DataX script, run by python_bin when set.
func (e ExecutorConfig) Command() []string {
	if e.DataXBin == "" {
		return nil
	}
	if e.PythonBin == "" {
		return []string{e.DataXBin}
	}
	return []string{e.PythonBin, e.DataXBin}
}

type StorageConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Prefix    string `mapstructure:"prefix"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type TaskStoreConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type ServerConfig struct {
	Port    int  `mapstructure:"port"`
	Prefork bool `mapstructure:"prefork"`
}

type Config struct {
	Global      GlobalConfig    `mapstructure:"global"`
	Executor    ExecutorConfig  `mapstructure:"executor"`
	Storage     StorageConfig   `mapstructure:"storage"`
	TaskStore   TaskStoreConfig `mapstructure:"task_store"`
	Log         LogConfig       `mapstructure:"log"`
	Server      ServerConfig    `mapstructure:"server"`
	OutcomeFile string          `mapstructure:"outcome_file"`
	ReportDir   string          `mapstructure:"report_dir"`
	Tasks       []TaskConfig    `mapstructure:"tasks"`
}

// --- Load Configuration ---

func setDefaults(v *viper.Viper) {
	v.SetDefault("global.concurrency", 3)
	v.SetDefault("global.chunk_size", 10000)
	v.SetDefault("global.max_batch_size", 3000)
	v.SetDefault("global.freshness_tolerance_seconds", 300)
	v.SetDefault("global.enable_freshness_filter", true)
	v.SetDefault("global.repair_write_mode", string(core.WriteModeUpdate))
	v.SetDefault("global.repair_size_threshold", 3000)
	v.SetDefault("global.repair_enabled", false)
	v.SetDefault("global.in_memory_threshold", 300001)
	v.SetDefault("global.incremental", false)
	v.SetDefault("global.incremental_days", 1)
	v.SetDefault("global.extra_column_flag", true)
	v.SetDefault("global.retry.max_attempts", 3)
	v.SetDefault("global.retry.base_delay", 5*time.Second)
	v.SetDefault("global.retry.max_delay", time.Minute)
	v.SetDefault("global.retry.jitter", 0.5)

	v.SetDefault("executor.python_bin", "python3")
	v.SetDefault("executor.datax_bin", "")
	v.SetDefault("executor.job_dir", "jobs")
	v.SetDefault("executor.timeout", time.Hour)
	v.SetDefault("executor.channel", 3)
	v.SetDefault("executor.launches_per_second", 0)
	v.SetDefault("executor.dry_run", false)

	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.bucket", "resync")
	v.SetDefault("storage.region", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("storage.use_ssl", true)

	v.SetDefault("task_store.enabled", false)
	v.SetDefault("task_store.host", "")
	v.SetDefault("task_store.port", 3306)
	v.SetDefault("task_store.user", "")
	v.SetDefault("task_store.password", "")
	v.SetDefault("task_store.name", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "resync.log")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.prefork", false)
	v.SetDefault("outcome_file", "")
	v.SetDefault("report_dir", "")
}

// LoadConfig reads the YAML file at configPath. A .env file next to it is loaded into the
// environment first; RESYNC_ prefixed variables override file values.
func LoadConfig(configPath string) (*Config, error) {
	envFile := filepath.Join(filepath.Dir(configPath), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", configPath, err)
	}
	return &cfg, nil
}

// Default returns the configuration with every default applied and no tasks.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// --- Validation Functions ---

// validate is a helper function to reduce repetition.
func validate(condition bool, field, format string, a ...any) error {
	if !condition {
		return core.NewConfigurationError(field, format, a...)
	}
	return nil
}

func (c *Config) Validate() error {
	if err := c.Global.Validate(); err != nil {
		return fmt.Errorf("global validation failed: %w", err)
	}
	if err := c.Executor.Validate(); err != nil {
		return fmt.Errorf("executor validation failed: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage validation failed: %w", err)
	}
	if err := c.TaskStore.Validate(); err != nil {
		return fmt.Errorf("task store validation failed: %w", err)
	}

	seen := make(map[string]bool, len(c.Tasks))
	for i := range c.Tasks {
		t := &c.Tasks[i]
		if err := t.Validate(); err != nil {
			return fmt.Errorf("task '%s' validation failed: %w", t.ID, err)
		}
		if err := validate(!seen[t.ID], "id", "duplicate task id %q", t.ID); err != nil {
			return err
		}
		seen[t.ID] = true
	}
	return nil
}

func (g *GlobalConfig) Validate() error {
	if err := validate(g.Concurrency >= 1, "concurrency", "must be at least 1, got %d", g.Concurrency); err != nil {
		return err
	}
	if err := validate(g.ChunkSize >= 0, "chunk_size", "must not be negative, got %d", g.ChunkSize); err != nil {
		return err
	}
	if err := validate(g.MaxBatchSize > 0, "max_batch_size", "must be positive, got %d", g.MaxBatchSize); err != nil {
		return err
	}
	if err := validate(g.FreshnessToleranceSeconds >= 0, "freshness_tolerance_seconds", "must not be negative"); err != nil {
		return err
	}
	if err := validate(g.InMemoryThreshold >= 0, "in_memory_threshold", "must not be negative"); err != nil {
		return err
	}
	if g.Incremental {
		if err := validate(g.IncrementalDays >= 1, "incremental_days", "must be at least 1 when incremental is on"); err != nil {
			return err
		}
	}
	if err := validate(g.Retry.MaxAttempts >= 1, "retry.max_attempts", "must be at least 1"); err != nil {
		return err
	}
	return validate(g.Retry.Jitter >= 0 && g.Retry.Jitter <= 1, "retry.jitter", "must be between 0 and 1")
}

func (e *ExecutorConfig) Validate() error {
	if err := validate(e.Timeout >= 0, "executor.timeout", "must not be negative"); err != nil {
		return err
	}
	if err := validate(e.Channel >= 0, "executor.channel", "must not be negative"); err != nil {
		return err
	}
	for _, s := range e.PreSQL {
		if err := validate(!strings.HasPrefix(strings.ToUpper(strings.TrimSpace(s)), "TRUNCATE"), "executor.pre_sql", "TRUNCATE is not allowed"); err != nil {
			return err
		}
	}
	return nil
}

func (s *StorageConfig) Validate() error {
	if !s.Enabled {
		return nil
	}
	if err := validate(s.Endpoint != "", "storage.endpoint", "is required when storage is enabled"); err != nil {
		return err
	}
	return validate(s.Bucket != "", "storage.bucket", "is required when storage is enabled")
}

func (s *TaskStoreConfig) Validate() error {
	if !s.Enabled {
		return nil
	}
	if err := validate(s.Host != "", "task_store.host", "is required when the task store is enabled"); err != nil {
		return err
	}
	return validate(s.Name != "", "task_store.name", "is required when the task store is enabled")
}

func (t *TaskConfig) Validate() error {
	if err := validate(t.ID != "", "id", "task id is required"); err != nil {
		return err
	}
	if err := t.Source.Validate(); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if err := t.Target.Validate(); err != nil {
		return fmt.Errorf("target: %w", err)
	}
	if t.FreshnessToleranceSeconds != nil {
		return validate(*t.FreshnessToleranceSeconds >= 0, "freshness_tolerance_seconds", "must not be negative")
	}
	return nil
}

func (e *EndpointConfig) Validate() error {
	if _, err := integrations.DialectFor(e.Kind); err != nil {
		return err
	}
	if err := validate(e.Host != "", "host", "host is required"); err != nil {
		return err
	}
	return validate(e.Table != "", "table", "table is required")
}

// Normalize replaces invalid write modes with update, logging a warning for each.
func (c *Config) Normalize(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c.Global.RepairWriteMode = normalizeMode(c.Global.RepairWriteMode, "global", logger)
	for i := range c.Tasks {
		if c.Tasks[i].RepairWriteMode != "" {
			c.Tasks[i].RepairWriteMode = normalizeMode(c.Tasks[i].RepairWriteMode, c.Tasks[i].ID, logger)
		}
	}
}

func normalizeMode(mode, scope string, logger *zap.Logger) string {
	m := core.WriteMode(strings.ToLower(strings.TrimSpace(mode)))
	if m.Valid() {
		return string(m)
	}
	logger.Warn("Invalid repair write mode, using update",
		zap.String("scope", scope),
		zap.String("write_mode", mode))
	return string(core.WriteModeUpdate)
}

// --- Conversion ---

func (e EndpointConfig) Endpoint() core.Endpoint {
	return core.Endpoint{
		Kind:             e.Kind,
		Host:             e.Host,
		Port:             e.Port,
		User:             e.User,
		Password:         e.Password,
		Database:         e.Database,
		Schema:           e.Schema,
		Table:            e.Table,
		DriverPath:       e.DriverPath,
		PrimaryKeys:      e.PrimaryKeys,
		Columns:          e.Columns,
		FreshnessColumn:  e.FreshnessColumn,
		SensitiveColumns: e.SensitiveColumns,
	}
}

// Task resolves t against the global settings.
func (c *Config) Task(t TaskConfig) core.Task {
	g := c.Global
	opts := core.TaskOptions{
		ChunkSize:                 g.ChunkSize,
		MaxBatchSize:              g.MaxBatchSize,
		FreshnessToleranceSeconds: g.FreshnessToleranceSeconds,
		EnableFreshnessFilter:     g.EnableFreshnessFilter,
		RepairWriteMode:           core.WriteMode(g.RepairWriteMode),
		RepairSizeThreshold:       g.RepairSizeThreshold,
		RepairEnabled:             g.RepairEnabled,
		InMemoryThreshold:         g.InMemoryThreshold,
		Incremental:               g.Incremental,
		IncrementalDays:           g.IncrementalDays,
		ExtraColumnFlag:           g.ExtraColumnFlag,
		DryRun:                    c.Executor.DryRun,
	}
	if t.RepairEnabled != nil {
		opts.RepairEnabled = *t.RepairEnabled
	}
	if t.RepairWriteMode != "" {
		opts.RepairWriteMode = core.WriteMode(t.RepairWriteMode)
	}
	if t.FreshnessToleranceSeconds != nil {
		opts.FreshnessToleranceSeconds = *t.FreshnessToleranceSeconds
	}
	if t.EnableFreshnessFilter != nil {
		opts.EnableFreshnessFilter = *t.EnableFreshnessFilter
	}
	if t.Incremental != nil {
		opts.Incremental = *t.Incremental
	}
	if t.IncrementalDays != nil {
		opts.IncrementalDays = *t.IncrementalDays
	}
	return core.Task{ID: t.ID, Source: t.Source.Endpoint(), Target: t.Target.Endpoint(), Options: opts}
}

// CoreTasks resolves every configured task, keeping only ids in filter when it is not empty.
func (c *Config) CoreTasks(filter ...string) []core.Task {
	want := make(map[string]bool, len(filter))
	for _, id := range filter {
		want[id] = true
	}
	var out []core.Task
	for _, t := range c.Tasks {
		if len(want) > 0 && !want[t.ID] {
			continue
		}
		out = append(out, c.Task(t))
	}
	return out
}
