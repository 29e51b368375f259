package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Decision DecisionConfig
	Outbox   OutboxRelayConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	Schema       string `mapstructure:"schema"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Addresses   []string      `mapstructure:"addresses"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	ClusterMode bool          `mapstructure:"cluster_mode"`
	DedupeTTL   time.Duration `mapstructure:"dedupe_ttl"`
}

type KafkaConfig struct {
	Brokers             []string `mapstructure:"brokers"`
	ClientID            string   `mapstructure:"client_id"`
	DelayTopic          string   `mapstructure:"delay_topic"`
	DelayRetryTopic     string   `mapstructure:"delay_retry_topic"`
	DelayGroup          string   `mapstructure:"delay_group"`
	FinalizedTopic      string   `mapstructure:"finalized_topic"`
	FinalizedRetryTopic string   `mapstructure:"finalized_retry_topic"`
	FinalizedGroup      string   `mapstructure:"finalized_group"`
	CompletedEventTopic string   `mapstructure:"completed_event_topic"`
	DLQTopic            string   `mapstructure:"dlq_topic"`
	MaxRetries          int      `mapstructure:"max_retries"`
}

type DecisionConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type OutboxRelayConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/railrepay/")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("RAILREPAY")
	viper.AutomaticEnv()

	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.shutdown_timeout", "30s")
	viper.SetDefault("database.schema", "evaluation")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("redis.pool_size", 100)
	viper.SetDefault("redis.dedupe_ttl", "30m")
	viper.SetDefault("kafka.client_id", "railrepay-evaluation")
	viper.SetDefault("kafka.delay_topic", "railrepay.journey.delayed")
	viper.SetDefault("kafka.delay_retry_topic", "railrepay.journey.delayed.retry")
	viper.SetDefault("kafka.delay_group", "railrepay-evaluation-delay")
	viper.SetDefault("kafka.finalized_topic", "railrepay.evaluation.finalized")
	viper.SetDefault("kafka.finalized_retry_topic", "railrepay.evaluation.finalized.retry")
	viper.SetDefault("kafka.finalized_group", "railrepay-evaluation-finalized")
	viper.SetDefault("kafka.completed_event_topic", "railrepay.evaluation.completed")
	viper.SetDefault("kafka.dlq_topic", "railrepay.evaluation.intake.dlq")
	viper.SetDefault("kafka.max_retries", 3)
	viper.SetDefault("decision.timeout", "30s")
	viper.SetDefault("outbox.poll_interval", "5s")
	viper.SetDefault("outbox.batch_size", 100)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s search_path=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode, c.Schema,
	)
}
