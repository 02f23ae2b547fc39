package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName       string
	AppVersion    string
	Environment   string
	HTTPAddr      string
	SnowflakeNode int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBMigrate         bool

	Redis         RedisConfig
	RateLimit     RateLimitConfig
	MQTT          MQTTConfig
	Kafka         KafkaConfig
	Replication   ReplicationConfig
	Polling       PollingConfig
	Ingestion     IngestionConfig
	Alerting      AlertingConfig
	Subscriptions SubscriptionConfig
	Monitor       MonitorConfig
	MetricsPush   MetricsPushConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type RateLimitConfig struct {
	Enabled   bool
	SiteRate  float64
	SiteBurst int
}

// MQTTConfig configures the broker adapter. Host, credentials and TLS are
// always supplied by the environment.
type MQTTConfig struct {
	Enabled              bool
	Host                 string
	Port                 int
	Username             string
	Password             string
	TLS                  bool
	ClientID             string
	TopicFilter          string
	QoS                  int
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
	GroupID string
}

type ReplicationConfig struct {
	ConnString        string
	SlotName          string
	PublicationName   string
	Table             string
	StatusInterval    time.Duration
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
}

func (c ReplicationConfig) Enabled() bool {
	return strings.TrimSpace(c.ConnString) != ""
}

type PollingConfig struct {
	Enabled     bool
	Interval    time.Duration
	BatchSize   int
	SettleDelay time.Duration
}

type IngestionConfig struct {
	ForwardSkew      time.Duration
	RetentionHorizon time.Duration
	MaxBatchSize     int
}

type AlertingConfig struct {
	TickInterval       time.Duration
	SiteBudget         time.Duration
	MaxConcurrentSites int
	LockEnabled        bool
}

type SubscriptionConfig struct {
	StaleThreshold time.Duration
	PruneInterval  time.Duration
	SendBuffer     int
}

type MonitorConfig struct {
	Interval           time.Duration
	SessionIdleTimeout time.Duration
	Aggregates         []AggregateConfig
}

// MetricsPushConfig configures pushing pipeline metrics to a remote_write
// endpoint or a Pushgateway, for gateways that cannot be scraped.
type MetricsPushConfig struct {
	Exporter  string
	Endpoint  string
	AuthToken string
	Interval  time.Duration
}

func (c MetricsPushConfig) Enabled() bool {
	return strings.TrimSpace(c.Exporter) != "" && strings.TrimSpace(c.Endpoint) != ""
}

// AggregateConfig names a continuous aggregate whose newest bucket must stay
// within MaxLag of now.
type AggregateConfig struct {
	View         string
	BucketColumn string
	MaxLag       time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:       getenv("APP_SERVICE", "pulse"),
		AppVersion:    getenv("APP_VERSION", "0.1.0"),
		Environment:   getenv("ENVIRONMENT", "development"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		SnowflakeNode: getenvInt64("SNOWFLAKE_NODE", 1),
		OTLPEndpoint:  getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBMigrate:         getenvBool("DATABASE_MIGRATE", true),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			Enabled:   getenvBool("RATE_LIMIT_ENABLED", false),
			SiteRate:  getenvFloat("RATE_LIMIT_SITE_RATE", 50),
			SiteBurst: getenvInt("RATE_LIMIT_SITE_BURST", 200),
		},
		MQTT: MQTTConfig{
			Enabled:              getenvBool("MQTT_ENABLED", false),
			Host:                 strings.TrimSpace(getenv("MQTT_HOST", "")),
			Port:                 getenvInt("MQTT_PORT", 1883),
			Username:             getenv("MQTT_USERNAME", ""),
			Password:             getenv("MQTT_PASSWORD", ""),
			TLS:                  getenvBool("MQTT_TLS", false),
			ClientID:             getenv("MQTT_CLIENT_ID", "pulse-ingest"),
			TopicFilter:          getenv("MQTT_TOPIC_FILTER", "site/+/equipment/+/telemetry/#"),
			QoS:                  getenvInt("MQTT_QOS", 1),
			ReconnectInterval:    getenvDuration("MQTT_RECONNECT_INTERVAL", 5*time.Second),
			MaxReconnectInterval: getenvDuration("MQTT_MAX_RECONNECT_INTERVAL", 2*time.Minute),
		},
		Kafka: KafkaConfig{
			Enabled: getenvBool("KAFKA_ENABLED", false),
			Brokers: parseList(getenv("KAFKA_BROKERS", "")),
			Topic:   getenv("KAFKA_TOPIC", "telemetry.readings"),
			GroupID: getenv("KAFKA_GROUP_ID", "pulse-ingest"),
		},
		Replication: ReplicationConfig{
			ConnString:        strings.TrimSpace(getenv("REPLICATION_CONN_STRING", "")),
			SlotName:          getenv("REPLICATION_SLOT", "pulse_readings"),
			PublicationName:   getenv("REPLICATION_PUBLICATION", "pulse_readings_pub"),
			Table:             getenv("REPLICATION_TABLE", "sensor_readings"),
			StatusInterval:    time.Duration(getenvInt("REPLICATION_STATUS_INTERVAL_SECONDS", 5)) * time.Second,
			InitialRetryDelay: getenvDuration("REPLICATION_INITIAL_RETRY_DELAY", time.Second),
			MaxRetryDelay:     getenvDuration("REPLICATION_MAX_RETRY_DELAY", time.Minute),
		},
		Polling: PollingConfig{
			Enabled:     getenvBool("POLLING_ENABLED", true),
			Interval:    getenvDuration("POLLING_INTERVAL", time.Second),
			BatchSize:   getenvInt("POLLING_BATCH_SIZE", 500),
			SettleDelay: getenvDuration("POLLING_SETTLE_DELAY", 2*time.Second),
		},
		Ingestion: IngestionConfig{
			ForwardSkew:      getenvDuration("INGEST_FORWARD_SKEW", 5*time.Minute),
			RetentionHorizon: getenvDuration("INGEST_RETENTION_HORIZON", 7*24*time.Hour),
			MaxBatchSize:     getenvInt("INGEST_MAX_BATCH_SIZE", 1000),
		},
		Alerting: AlertingConfig{
			TickInterval:       getenvDuration("ALERT_TICK_INTERVAL", 30*time.Second),
			SiteBudget:         getenvDuration("ALERT_SITE_BUDGET", 10*time.Second),
			MaxConcurrentSites: getenvInt("ALERT_MAX_CONCURRENT_SITES", 8),
			LockEnabled:        getenvBool("ALERT_LOCK_ENABLED", false),
		},
		Subscriptions: SubscriptionConfig{
			StaleThreshold: getenvDuration("SUBSCRIPTION_STALE_THRESHOLD", 2*time.Minute),
			PruneInterval:  getenvDuration("SUBSCRIPTION_PRUNE_INTERVAL", 30*time.Second),
			SendBuffer:     getenvInt("SUBSCRIPTION_SEND_BUFFER", 256),
		},
		Monitor: MonitorConfig{
			Interval:           getenvDuration("MONITOR_INTERVAL", time.Minute),
			SessionIdleTimeout: getenvDuration("SESSION_IDLE_TIMEOUT", 15*time.Minute),
			Aggregates:         parseAggregates(getenv("FRESHNESS_AGGREGATES", "")),
		},
		MetricsPush: MetricsPushConfig{
			Exporter:  strings.ToLower(strings.TrimSpace(getenv("METRICS_PUSH_EXPORTER", ""))),
			Endpoint:  strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("METRICS_PUSH_AUTH_TOKEN", "")),
			Interval:  getenvDuration("METRICS_PUSH_INTERVAL", time.Minute),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt(key string, def int) int {
	return int(getenvInt64(key, int64(def)))
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

// getenvDuration accepts Go duration strings ("90s") or bare seconds ("90").
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// parseAggregates reads "view:bucket_column:max_lag" entries.
func parseAggregates(raw string) []AggregateConfig {
	var out []AggregateConfig
	for _, entry := range parseList(raw) {
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			continue
		}
		lag, err := time.ParseDuration(strings.TrimSpace(parts[2]))
		if err != nil || lag <= 0 {
			continue
		}
		out = append(out, AggregateConfig{
			View:         strings.TrimSpace(parts[0]),
			BucketColumn: strings.TrimSpace(parts[1]),
			MaxLag:       lag,
		})
	}
	return out
}
