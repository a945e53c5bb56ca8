package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/psds-microservice/routing-service/internal/kafka"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	AppHost  string
	HTTPPort string
	AppEnv   string
	LogLevel string

	// StoreDriver — postgres (по умолчанию) или memory для локального запуска без БД.
	StoreDriver string

	DB struct {
		Host     string
		Port     string
		User     string
		Password string
		Database string
		SSLMode  string
	}

	// KafkaBrokers/KafkaTopicRouting — если заданы, события маршрутизации пишутся в Kafka.
	KafkaBrokers      []string
	KafkaTopicRouting string

	// AMQPURL — если задан, события публикуются в topic-exchange AMQPExchange.
	AMQPURL      string
	AMQPExchange string
	// NotifyBuffer — сколько событий ждут отправки в брокеры; при переполнении новые отбрасываются.
	NotifyBuffer int

	SweepInterval time.Duration
	ETAWindow     time.Duration
	ETAMaxSamples int

	// RoutingPrecedenceFile — YAML со списком шагов предмаршрутизации (vip, department, language).
	RoutingPrecedenceFile string
}

func Load() (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")

	cfg := &Config{
		AppHost:               getEnv("APP_HOST", "0.0.0.0"),
		HTTPPort:              firstEnv("APP_PORT", "HTTP_PORT", "8098"),
		AppEnv:                getEnv("APP_ENV", "development"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		StoreDriver:           strings.ToLower(getEnv("STORE_DRIVER", StoreDriverPostgres)),
		KafkaBrokers:          kafka.ParseBrokers(getEnv("KAFKA_BROKERS", "")),
		KafkaTopicRouting:     getEnv("KAFKA_TOPIC_ROUTING", "routing.events"),
		AMQPURL:               getEnv("AMQP_URL", ""),
		AMQPExchange:          getEnv("AMQP_EXCHANGE", "routing.events"),
		RoutingPrecedenceFile: getEnv("ROUTING_PRECEDENCE_FILE", ""),
	}
	cfg.DB.Host = getEnv("DB_HOST", "localhost")
	cfg.DB.Port = getEnv("DB_PORT", "5432")
	cfg.DB.User = getEnv("DB_USER", "postgres")
	cfg.DB.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.DB.Database = getEnv("DB_DATABASE", "routing_service")
	cfg.DB.SSLMode = getEnv("DB_SSLMODE", "disable")

	var err error
	if cfg.SweepInterval, err = getDuration("SWEEP_INTERVAL", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.ETAWindow, err = getDuration("ETA_WINDOW", 7*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.ETAMaxSamples, err = getInt("ETA_MAX_SAMPLES", 50); err != nil {
		return nil, err
	}
	if cfg.NotifyBuffer, err = getInt("NOTIFY_BUFFER", 1024); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DB.Host == "" || c.DB.Database == "" {
			return errors.New("config: DB_HOST and DB_DATABASE are required")
		}
		if c.AppEnv == "production" && c.DB.Password == "" {
			return errors.New("config: in production DB_PASSWORD is required")
		}
	case StoreDriverMemory:
		if c.AppEnv == "production" {
			return errors.New("config: STORE_DRIVER=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.SweepInterval <= 0 {
		return errors.New("config: SWEEP_INTERVAL must be positive")
	}
	if c.ETAWindow <= 0 || c.ETAMaxSamples <= 0 {
		return errors.New("config: ETA_WINDOW and ETA_MAX_SAMPLES must be positive")
	}
	if c.NotifyBuffer <= 0 {
		return errors.New("config: NOTIFY_BUFFER must be positive")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopicRouting == "" {
		return errors.New("config: KAFKA_TOPIC_ROUTING is required when KAFKA_BROKERS is set")
	}
	if c.AMQPURL != "" && c.AMQPExchange == "" {
		return errors.New("config: AMQP_EXCHANGE is required when AMQP_URL is set")
	}
	return nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Database, c.DB.SSLMode)
}

func (c *Config) DatabaseURL() string {
	pass := url.QueryEscape(c.DB.Password)
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DB.User, pass, c.DB.Host, c.DB.Port, c.DB.Database, c.DB.SSLMode)
}

func (c *Config) Addr() string {
	return c.AppHost + ":" + c.HTTPPort
}

func firstEnv(keysAndDef ...string) string {
	if len(keysAndDef) == 0 {
		return ""
	}
	def := keysAndDef[len(keysAndDef)-1]
	for _, k := range keysAndDef[:len(keysAndDef)-1] {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}
