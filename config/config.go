package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var config *Config

const (
	RoleAll      = "all"
	RoleIngest   = "ingest"
	RoleDBIngest = "db-ingest"

	TransportKafka  = "kafka"
	TransportPubsub = "pubsub"

	SinkPostgres = "postgres"
	SinkBigQuery = "bigquery"
)

// Config hold entire app configuration seetings. All value are read from environment variables
type Config struct {
	Port        string
	LogLevel    string
	TraceSample string
	TraceStdout bool
	Role        string
	Transport   string
	Sink        string

	KafkaBrokers        []string
	KafkaTopic          string
	KafkaConsumerGroup  string
	KafkaClientID       string
	KafkaProduceRetries int
	KafkaKeyByApp       bool

	PubsubProject      string
	PubsubTopic        string
	PubSubSubscription string
	PubsubEmulatorHost string
	PubsubOrderByApp   bool

	DBHost        string
	DBPort        int
	DBUsername    string
	DBPassword    string
	DBDatabase    string
	DBSSLMode     string
	DBMaxConns    int
	DBAutoMigrate bool

	BigQueryProject string
	BigQueryDataset string
	BigQueryTable   string

	BatchSize           int
	BatchTimeout        time.Duration
	MaxPendingFlushes   int
	FlushTimeout        time.Duration
	PublishTimeout      time.Duration
	HealthCheckInterval time.Duration
	ShutdownTimeout     time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("APP_ROLE", RoleAll)
	v.SetDefault("TRANSPORT", TransportKafka)
	v.SetDefault("SINK", SinkPostgres)

	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_TOPIC", "log-ingest-topic")
	v.SetDefault("KAFKA_CONSUMER_GROUP", "log-db-ingest-consumer-group-id")
	v.SetDefault("KAFKA_PRODUCE_RETRIES", 5)

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5431)
	v.SetDefault("DB_USERNAME", "log_panda_db_user")
	v.SetDefault("DB_DATABASE", "log_panda")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_MAX_CONNS", 20)

	v.SetDefault("BATCH_SIZE", 50)
	v.SetDefault("BATCH_TIMEOUT", 3*time.Minute)
	v.SetDefault("MAX_PENDING_FLUSHES", 4)
	v.SetDefault("FLUSH_TIMEOUT", 30*time.Second)
	v.SetDefault("PUBLISH_TIMEOUT", 10*time.Second)
	v.SetDefault("HEALTH_CHECK_INTERVAL", 30*time.Second)
	v.SetDefault("SHUTDOWN_TIMEOUT", 30*time.Second)
}

// Setup read all the environment variables and validate the configuration
func Setup() error {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	c := &Config{
		Port:        v.GetString("PORT"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		TraceSample: v.GetString("TRACE_SAMPLE"),
		TraceStdout: v.GetBool("TRACE_STDOUT"),
		Role:        strings.ToLower(v.GetString("APP_ROLE")),
		Transport:   strings.ToLower(v.GetString("TRANSPORT")),
		Sink:        strings.ToLower(v.GetString("SINK")),

		KafkaBrokers:        splitList(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:          v.GetString("KAFKA_TOPIC"),
		KafkaConsumerGroup:  v.GetString("KAFKA_CONSUMER_GROUP"),
		KafkaClientID:       v.GetString("KAFKA_CLIENT_ID"),
		KafkaProduceRetries: v.GetInt("KAFKA_PRODUCE_RETRIES"),
		KafkaKeyByApp:       v.GetBool("KAFKA_KEY_BY_APP"),

		PubsubProject:      v.GetString("PUBSUB_PROJECT"),
		PubsubTopic:        v.GetString("PUBSUB_TOPIC"),
		PubSubSubscription: v.GetString("PUBSUB_SUBSCRIPTION"),
		PubsubEmulatorHost: v.GetString("PUBSUB_EMULATOR_HOST"),
		PubsubOrderByApp:   v.GetBool("PUBSUB_ORDER_BY_APP"),

		DBHost:        v.GetString("DB_HOST"),
		DBPort:        v.GetInt("DB_PORT"),
		DBUsername:    v.GetString("DB_USERNAME"),
		DBPassword:    v.GetString("DB_PASSWORD"),
		DBDatabase:    v.GetString("DB_DATABASE"),
		DBSSLMode:     v.GetString("DB_SSLMODE"),
		DBMaxConns:    v.GetInt("DB_MAX_CONNS"),
		DBAutoMigrate: v.GetBool("DB_AUTO_MIGRATE"),

		BigQueryProject: v.GetString("BIGQUERY_PROJECT"),
		BigQueryDataset: v.GetString("BIGQUERY_DATASET"),
		BigQueryTable:   v.GetString("BIGQUERY_TABLE"),

		BatchSize:           v.GetInt("BATCH_SIZE"),
		BatchTimeout:        v.GetDuration("BATCH_TIMEOUT"),
		MaxPendingFlushes:   v.GetInt("MAX_PENDING_FLUSHES"),
		FlushTimeout:        v.GetDuration("FLUSH_TIMEOUT"),
		PublishTimeout:      v.GetDuration("PUBLISH_TIMEOUT"),
		HealthCheckInterval: v.GetDuration("HEALTH_CHECK_INTERVAL"),
		ShutdownTimeout:     v.GetDuration("SHUTDOWN_TIMEOUT"),
	}

	if err := c.validate(); err != nil {
		return err
	}
	config = c
	return nil
}

func (c *Config) validate() error {
	switch c.Role {
	case RoleAll, RoleIngest, RoleDBIngest:
	default:
		return fmt.Errorf("APP_ROLE must be one of %s, %s, %s", RoleAll, RoleIngest, RoleDBIngest)
	}

	switch c.Transport {
	case TransportKafka:
		if len(c.KafkaBrokers) == 0 {
			return errors.New("KAFKA_BROKERS environment variable is required")
		}
		if c.KafkaTopic == "" {
			return errors.New("KAFKA_TOPIC environment variable is required")
		}
		if c.ConsumesTransport() && c.KafkaConsumerGroup == "" {
			return errors.New("KAFKA_CONSUMER_GROUP environment variable is required")
		}
	case TransportPubsub:
		if c.PubsubProject == "" {
			return errors.New("PUBSUB_PROJECT environment variable is required")
		}
		if c.PublishesTransport() && c.PubsubTopic == "" {
			return errors.New("PUBSUB_TOPIC environment variable is required")
		}
		if c.ConsumesTransport() && c.PubSubSubscription == "" {
			return errors.New("PUBSUB_SUBSCRIPTION environment variable is required")
		}
	default:
		return fmt.Errorf("TRANSPORT must be one of %s, %s", TransportKafka, TransportPubsub)
	}

	if c.ConsumesTransport() {
		switch c.Sink {
		case SinkPostgres:
			if c.DBHost == "" {
				return errors.New("DB_HOST environment variable is required")
			}
			if c.DBDatabase == "" {
				return errors.New("DB_DATABASE environment variable is required")
			}
		case SinkBigQuery:
			if c.BigQueryProject == "" {
				return errors.New("BIGQUERY_PROJECT environment variable is required")
			}
			if c.BigQueryDataset == "" {
				return errors.New("BIGQUERY_DATASET environment variable is required")
			}
			if c.BigQueryTable == "" {
				return errors.New("BIGQUERY_TABLE environment variable is required")
			}
		default:
			return fmt.Errorf("SINK must be one of %s, %s", SinkPostgres, SinkBigQuery)
		}
	}

	if c.BatchSize < 1 {
		return errors.New("BATCH_SIZE must be greater than zero")
	}
	if c.BatchTimeout <= 0 {
		return errors.New("BATCH_TIMEOUT must be a positive duration")
	}
	if c.MaxPendingFlushes < 1 {
		return errors.New("MAX_PENDING_FLUSHES must be greater than zero")
	}
	if c.HealthCheckInterval <= 0 {
		return errors.New("HEALTH_CHECK_INTERVAL must be a positive duration")
	}
	if c.FlushTimeout <= 0 {
		return errors.New("FLUSH_TIMEOUT must be a positive duration")
	}
	if c.PublishTimeout <= 0 {
		return errors.New("PUBLISH_TIMEOUT must be a positive duration")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("SHUTDOWN_TIMEOUT must be a positive duration")
	}
	return nil
}

// PublishesTransport reports whether the process runs the ingestion gateway
func (c *Config) PublishesTransport() bool {
	return c.Role == RoleAll || c.Role == RoleIngest
}

// ConsumesTransport reports whether the process runs the batch consumer
func (c *Config) ConsumesTransport() bool {
	return c.Role == RoleAll || c.Role == RoleDBIngest
}

// PostgresURL returns the connection url of the postgres sink. Credentials are escaped.
func (c *Config) PostgresURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUsername, c.DBPassword),
		Host:     net.JoinHostPort(c.DBHost, strconv.Itoa(c.DBPort)),
		Path:     "/" + c.DBDatabase,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// GetConfig returns the current app configuration
func GetConfig() *Config {
	return config
}
