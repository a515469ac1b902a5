// Package config загружает конфигурацию сервисов Scribe.
//
// Источники (по возрастанию приоритета): значения по умолчанию,
// YAML-файл (SCRIBE_CONFIG), переменные окружения SCRIBE_*.
// Ключ "orch.max_retries" читается из SCRIBE_ORCH_MAX_RETRIES.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/shaiso/Scribe/internal/pipeline"
	"github.com/shaiso/Scribe/internal/repo"
)

// EnvPrefix — префикс переменных окружения.
const EnvPrefix = "SCRIBE"

// EnvConfigFile — переменная с путём к файлу конфигурации.
const EnvConfigFile = "SCRIBE_CONFIG"

// ErrInvalid — конфигурация не прошла проверку.
var ErrInvalid = errors.New("invalid config")

// Config — конфигурация всех процессов.
type Config struct {
	Log          LogConfig             `mapstructure:"log"`
	DB           DBConfig              `mapstructure:"db"`
	AMQP         AMQPConfig            `mapstructure:"amqp"`
	HTTP         HTTPConfig            `mapstructure:"http"`
	Orchestrator OrchestratorConfig    `mapstructure:"orchestrator"`
	Orch         OrchClientConfig      `mapstructure:"orch"`
	Dedup        DedupConfig           `mapstructure:"dedup"`
	Auth         AuthConfig            `mapstructure:"auth"`
	Worker       WorkerConfig          `mapstructure:"worker"`
	Retention    RetentionConfig       `mapstructure:"retention"`
	Janitor      JanitorConfig         `mapstructure:"janitor"`
	Pipeline     PipelineConfig        `mapstructure:"pipeline"`
	Steps        map[string]StepConfig `mapstructure:"steps"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DBConfig struct {
	Driver   string `mapstructure:"driver"`
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type AMQPConfig struct {
	URL           string `mapstructure:"url"`
	Enabled       bool   `mapstructure:"enabled"`
	DeliveryLimit int    `mapstructure:"delivery_limit"`
}

type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

// OrchestratorConfig — адрес оркестратора для ingest и scribectl.
type OrchestratorConfig struct {
	URL      string `mapstructure:"url"`
	Audience string `mapstructure:"audience"`
}

// OrchClientConfig — политика повторов вызова оркестратора из ingest.
type OrchClientConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
	RetryBudget time.Duration `mapstructure:"retry_budget"`
	Concurrency int64         `mapstructure:"concurrency"`
}

type DedupConfig struct {
	Lease          time.Duration `mapstructure:"lease"`
	TTL            time.Duration `mapstructure:"ttl"`
	IncludeSession bool          `mapstructure:"include_session"`
}

type AuthConfig struct {
	Issuer          string        `mapstructure:"issuer"`
	PushSecret      string        `mapstructure:"push_secret"`
	PushAudience    string        `mapstructure:"push_audience"`
	RequirePushAuth bool          `mapstructure:"require_push_auth"`
	TaskSecret      string        `mapstructure:"task_secret"`
	TaskAudience    string        `mapstructure:"task_audience"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
}

type WorkerConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	RatePerSec     float64       `mapstructure:"rate_per_sec"`
	Burst          int           `mapstructure:"burst"`
	Concurrency    int           `mapstructure:"concurrency"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
}

// RetentionConfig — сроки хранения. 0 — не удалять.
type RetentionConfig struct {
	Runs  time.Duration `mapstructure:"runs"`
	Tasks time.Duration `mapstructure:"tasks"`
}

type JanitorConfig struct {
	Cron string `mapstructure:"cron"`
}

type PipelineConfig struct {
	File string `mapstructure:"file"`
}

type StepConfig struct {
	URL string `mapstructure:"url"`
}

// New создаёт viper с префиксом окружения и значениями по умолчанию.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load читает конфигурацию. Пустой path — взять путь из SCRIBE_CONFIG (если задан).
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}

	v := New()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	return LoadWithViper(v)
}

// LoadWithViper разбирает конфигурацию из готового viper.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет значения, без которых сервисы не стартуют.
func (c *Config) Validate() error {
	switch c.DB.Driver {
	case repo.DriverPostgres, repo.DriverSQLite, repo.DriverMemory:
	default:
		return fmt.Errorf("%w: db.driver %q", ErrInvalid, c.DB.Driver)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("%w: http.port %d", ErrInvalid, c.HTTP.Port)
	}
	if c.Auth.RequirePushAuth && c.Auth.PushSecret == "" {
		return fmt.Errorf("%w: auth.require_push_auth needs auth.push_secret", ErrInvalid)
	}
	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("%w: worker.max_attempts must be positive", ErrInvalid)
	}
	if c.Orch.MaxRetries < 0 {
		return fmt.Errorf("%w: orch.max_retries must not be negative", ErrInvalid)
	}
	return nil
}

// Addr возвращает адрес HTTP-сервера.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTP.Port)
}

// RepoOptions возвращает параметры подключения к хранилищу.
func (c *Config) RepoOptions() repo.Options {
	return repo.Options{Driver: c.DB.Driver, URL: c.DB.URL, MaxConns: c.DB.MaxConns}
}

// LoadPipeline загружает pipeline из pipeline.file или встроенный.
func (c *Config) LoadPipeline() (*pipeline.Definition, error) {
	if c.Pipeline.File == "" {
		return pipeline.Default(), nil
	}
	return pipeline.Load(c.Pipeline.File)
}

// StepTargets возвращает URL шагов: target из pipeline, переопределённый steps.<name>.url.
func (c *Config) StepTargets(def *pipeline.Definition) map[string]string {
	targets := def.Targets()
	for name, step := range c.Steps {
		if step.URL != "" {
			targets[name] = step.URL
		}
	}
	return targets
}
