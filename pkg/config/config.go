package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// MustLoad loads the configuration from environment variables and .env file,
// panicking on failure.
func MustLoad[T any](cfg T) {
	_ = godotenv.Load()

	env.Must(cfg, env.Parse(cfg))
}

// Load loads the configuration from environment variables and .env file.
func Load[T any](cfg T) error {
	_ = godotenv.Load() // a missing .env file is fine, env vars may be set directly

	return env.Parse(cfg)
}

// Transport selects the event channel implementation backing the pipeline.
type Transport string

const (
	// TransportLocal uses the bounded in-memory channel. Lowest latency, no
	// durability: a crash loses in-flight events.
	TransportLocal Transport = "local"
	// TransportKafka uses the partitioned durable log with consumer groups.
	TransportKafka Transport = "kafka"
)

// Config holds the configuration for the exchange process.
type Config struct {
	// Instruments this process matches, e.g. "BTC-USD,ETH-USD".
	Instruments []string `env:"INSTRUMENTS" envDefault:"BTC-USD"`
	// NodeID distinguishes id-generator instances across processes/shards.
	NodeID uint8 `env:"NODE_ID" envDefault:"0"`

	Transport Transport `env:"TRANSPORT" envDefault:"local"`

	KafkaConfig    `envPrefix:"KAFKA_"`
	RedisConfig    `envPrefix:"REDIS_"`
	SnapshotConfig `envPrefix:"SNAPSHOT_"`

	// LocalBufferSize bounds each local channel topic.
	LocalBufferSize int `env:"LOCAL_BUFFER_SIZE" envDefault:"1024"`

	// PublishListenAddr is the websocket fan-out listen address.
	PublishListenAddr string `env:"PUBLISH_LISTEN_ADDR" envDefault:":8087"`

	// MetricsListenAddr serves the prometheus scrape endpoint.
	MetricsListenAddr string `env:"METRICS_LISTEN_ADDR" envDefault:":9100"`
}

// KafkaConfig holds the configuration for the Kafka-backed event channel.
type KafkaConfig struct {
	Brokers      []string      `env:"BROKER" envDefault:"localhost:9092"`
	GroupPrefix  string        `env:"GROUP_PREFIX" envDefault:"exchange-core"`
	BatchTimeout time.Duration `env:"BATCH_TIMEOUT" envDefault:"10ms"`
}

// RedisConfig holds the configuration for the Redis snapshot store.
type RedisConfig struct {
	Addr           string        `env:"ADDRESS" envDefault:"localhost:6379"`
	Password       string        `env:"PASSWORD" envDefault:""`
	Username       string        `env:"USERNAME" envDefault:""`
	DB             int           `env:"DB" envDefault:"0"`
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" envDefault:"5s"`
	KeyPrefix      string        `env:"KEY_PREFIX" envDefault:"exchange:snapshot:"`
}

// SnapshotConfig controls the match stage's periodic book snapshots.
type SnapshotConfig struct {
	Interval      time.Duration `env:"INTERVAL" envDefault:"30s"`
	SequenceDelta uint64        `env:"SEQUENCE_DELTA" envDefault:"1000"`
}
