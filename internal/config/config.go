package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"mailqueue/internal/assistant"
	"mailqueue/internal/push"
	"mailqueue/pkg/config"
	"mailqueue/pkg/logger"
	"mailqueue/pkg/otel"
)

// PipelineConfig tunes the processor.
type PipelineConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxWait      time.Duration `yaml:"max_wait"`
	MaxPolls     int           `yaml:"max_polls"`
	MaxInFlight  int           `yaml:"max_in_flight"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	// MarkProcessing writes the processing status when a task starts.
	MarkProcessing bool `yaml:"mark_processing"`
}

// OutboxConfig tunes the outbox relay in the gateway.
type OutboxConfig struct {
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
}

type Config struct {
	DB        config.DBConfig     `yaml:"db"`
	MQ        config.MQConfig     `yaml:"mq"`
	Redis     config.RedisConfig  `yaml:"redis"`
	Server    config.ServerConfig `yaml:"server"`
	Assistant assistant.Config    `yaml:"assistant"`
	Pipeline  PipelineConfig      `yaml:"pipeline"`
	Push      push.Config         `yaml:"push"`
	Outbox    OutboxConfig        `yaml:"outbox"`
	Logger    logger.Config       `yaml:"logger"`
	Otel      otel.Config         `yaml:"otel"`
}

// Load reads CONFIG_DIR (default "config") for the CONFIG_ENV environment
// (default "local") and applies environment overrides.
func Load() (*Config, error) {
	return LoadFrom(config.GetConfigEnv(), config.GetEnv("CONFIG_DIR", "config"))
}

func LoadFrom(env, dir string) (*Config, error) {
	// 使用统一配置中心
	cfgMap, err := config.LoadConfig(env, dir)
	if err != nil {
		return nil, err
	}

	cfg := defaults()
	if err := config.Decode(cfgMap, cfg); err != nil {
		return nil, err
	}

	// 环境变量覆盖（优先级最高）
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideServerFromEnv(&cfg.Server)
	overrideAssistantFromEnv(&cfg.Assistant)

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		MQ:     config.MQConfig{Prefetch: 32},
		Server: config.ServerConfig{Port: ":8080"},
		Assistant: assistant.Config{
			BaseURL: "https://api.openai.com/v1",
			Timeout: 30 * time.Second,
		},
		Pipeline: PipelineConfig{
			PollInterval: time.Second,
			MaxWait:      5 * time.Minute,
			MaxInFlight:  16,
			WriteTimeout: 10 * time.Second,
			DrainTimeout: 30 * time.Second,
		},
		Push: push.Config{
			BufferSize:   64,
			MaxDrops:     8,
			PingInterval: 30 * time.Second,
		},
		Outbox: OutboxConfig{
			Interval:   time.Second,
			BatchSize:  100,
			MaxRetries: 5,
		},
		Logger: logger.Config{Level: "info"},
		Otel:   otel.Config{SampleRatio: 1},
	}
}

func overrideAssistantFromEnv(cfg *assistant.Config) {
	if key := os.Getenv("ASSISTANT_API_KEY"); key != "" {
		cfg.APIKey = key
	}
	if id := os.Getenv("ASSISTANT_ID"); id != "" {
		cfg.AssistantID = id
	}
	if url := os.Getenv("ASSISTANT_BASE_URL"); url != "" {
		cfg.BaseURL = url
	}
}

// Validate reports settings every binary needs.
func (c *Config) Validate() error {
	var errs []error
	if c.DB.Host == "" || c.DB.Name == "" {
		errs = append(errs, errors.New("db.host and db.name are required"))
	}
	if c.MQ.URL == "" {
		errs = append(errs, errors.New("mq.url is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ValidateProcessor additionally requires the AI session settings.
func (c *Config) ValidateProcessor() error {
	var errs []error
	if err := c.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Assistant.APIKey == "" {
		errs = append(errs, errors.New("assistant.api_key is required"))
	}
	if c.Assistant.AssistantID == "" {
		errs = append(errs, errors.New("assistant.assistant_id is required"))
	}
	if c.Pipeline.PollInterval <= 0 || c.Pipeline.MaxWait <= 0 {
		errs = append(errs, errors.New("pipeline.poll_interval and pipeline.max_wait must be positive"))
	}
	return errors.Join(errs...)
}
