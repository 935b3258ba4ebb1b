package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	AidBox   AidBoxConfig   `yaml:"aidbox"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ConnString builds the pgx DSN; empty ssl_mode means disable.
func (d DatabaseConfig) ConnString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.DBName, sslMode)
}

type KafkaConfig struct {
	Host                   string `yaml:"host"`
	Port                   int    `yaml:"port"`
	RequestEventsTopicName string `yaml:"request_events_topic_name"`
	LocationsTopicName     string `yaml:"provider_locations_topic_name"`
	EscalationsTopicName   string `yaml:"request_escalations_topic_name"`
}

func (k KafkaConfig) Brokers() []string {
	return []string{fmt.Sprintf("%s:%d", k.Host, k.Port)}
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type AidBoxConfig struct {
	// StorageDriver: "postgres" (default) | "memory"
	StorageDriver string `yaml:"storage_driver"`
	LogLevel      string `yaml:"log_level"`

	GRPCAddr           string `yaml:"grpc_addr"`
	HTTPAddr           string `yaml:"http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	SnapshotTTLSeconds int `yaml:"snapshot_ttl_seconds"`

	BroadcastLogSize          int `yaml:"broadcast_log_size"`
	BroadcastSubscriberBuffer int `yaml:"broadcast_subscriber_buffer"`
	BroadcastRetentionSeconds int `yaml:"broadcast_retention_seconds"`
	SinkBuffer                int `yaml:"sink_buffer"`
	SinkTimeoutSeconds        int `yaml:"sink_timeout_seconds"`

	LongPollTimeoutSeconds int     `yaml:"long_poll_timeout_seconds"`
	WSFrameRate            float64 `yaml:"ws_frame_rate"`
	WSFrameBurst           int     `yaml:"ws_frame_burst"`
	WSPingIntervalSeconds  int     `yaml:"ws_ping_interval_seconds"`

	ChatMaxBytes           int `yaml:"chat_max_bytes"`
	ChatRateLimitPerMinute int `yaml:"chat_rate_limit_per_minute"`

	TaxBasisPoints int64 `yaml:"tax_basis_points"`

	// Если pricing_base_url пуст, используется статический прайс с overrides.
	PricingBaseURL         string                       `yaml:"pricing_base_url"`
	PricingAPIKey          string                       `yaml:"pricing_api_key"`
	PricingTimeoutSeconds  int                          `yaml:"pricing_timeout_seconds"`
	PricingCacheTTLSeconds int                          `yaml:"pricing_cache_ttl_seconds"`
	PricingOverrides       map[string]map[string]string `yaml:"pricing_overrides"`

	WorkerHTTPAddr            string `yaml:"worker_http_addr"`
	WorkerPollIntervalSeconds int    `yaml:"worker_poll_interval_seconds"`
	WorkerBatchSize           int    `yaml:"worker_batch_size"`
	WorkerConcurrency         int    `yaml:"worker_concurrency"`
	WorkerLeaseSeconds        int    `yaml:"worker_lease_seconds"`
	// EscalationRateLimitPerMinute caps alerts across all workers.
	EscalationRateLimitPerMinute int `yaml:"escalation_rate_limit_per_minute"`

	// Escalation thresholds per priority and backoff between repeated alerts.
	EscalateCriticalAfterSeconds int `yaml:"escalate_critical_after_seconds"`
	EscalateHighAfterSeconds     int `yaml:"escalate_high_after_seconds"`
	EscalateNormalAfterSeconds   int `yaml:"escalate_normal_after_seconds"`
	EscalationBackoff1Seconds    int `yaml:"escalation_backoff_1_seconds"`
	EscalationBackoff2Seconds    int `yaml:"escalation_backoff_2_seconds"`
	EscalationBackoff3Seconds    int `yaml:"escalation_backoff_3_seconds"`
	EscalationBackoff4Seconds    int `yaml:"escalation_backoff_4_seconds"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
