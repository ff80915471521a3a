package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is assembled once at process start and handed to every component
// as an immutable value; nothing downstream reads os.Getenv directly.
type Config struct {
	Env         string `envconfig:"OPTIC_ENV" default:"production"`
	Debug       bool   `envconfig:"OPTIC_DEBUG" default:"false"`
	DataDir     string `envconfig:"OPTIC_DATA_DIR" default:"./data"`
	DeviceID    string `envconfig:"OPTIC_DEVICE_ID" default:"device-unknown"`
	DeviceSecret string `envconfig:"OPTIC_DEVICE_SECRET" default:""`

	APIURL string `envconfig:"OPTIC_API_URL" default:"https://portal.example.com"`
	APIKey string `envconfig:"OPTIC_API_KEY" default:""`

	GPSPort string `envconfig:"OPTIC_GPS_PORT" default:""`

	DiagAddr  string `envconfig:"OPTIC_DIAG_ADDR" default:""`
	DiagToken string `envconfig:"OPTIC_DIAG_TOKEN" default:""`

	Broker   BrokerConfig
	Delivery DeliveryConfig
	Health   HealthConfig
	EventLog EventLogConfig
}

type BrokerConfig struct {
	MaxQueueSize  int           `envconfig:"OPTIC_MAX_QUEUE_SIZE" default:"50000"`
	MaxInFlight   int           `envconfig:"OPTIC_MAX_IN_FLIGHT" default:"100"`
	MaxAttempts   int           `envconfig:"OPTIC_MAX_ATTEMPTS" default:"10"`
	DefaultTTL    time.Duration `envconfig:"OPTIC_DEFAULT_TTL" default:"168h"`
	DedupEnabled  bool          `envconfig:"OPTIC_DEDUP_ENABLED" default:"true"`
	DedupWindow   time.Duration `envconfig:"OPTIC_DEDUP_WINDOW" default:"300s"`
	DedupCacheCap int           `envconfig:"OPTIC_DEDUP_CACHE_CAP" default:"10000"`

	BackoffBase time.Duration `envconfig:"OPTIC_BACKOFF_BASE" default:"30s"`
	BackoffMax  time.Duration `envconfig:"OPTIC_BACKOFF_MAX" default:"3600s"`

	VisibilityTimeout time.Duration `envconfig:"OPTIC_VISIBILITY_TIMEOUT" default:"300s"`

	BreakerFailureThreshold int           `envconfig:"OPTIC_CB_FAILURE_THRESHOLD" default:"5"`
	BreakerOpenDuration     time.Duration `envconfig:"OPTIC_CB_OPEN_DURATION" default:"60s"`
	BreakerHalfOpenSuccess  int           `envconfig:"OPTIC_CB_HALF_OPEN_SUCCESS" default:"3"`
}

type DeliveryConfig struct {
	Topic            string        `envconfig:"OPTIC_DELIVERY_TOPIC" default:"detections"`
	BatchSize        int           `envconfig:"OPTIC_DELIVERY_BATCH_SIZE" default:"10"`
	Interval         time.Duration `envconfig:"OPTIC_DELIVERY_INTERVAL" default:"5s"`
	RequestTimeout   time.Duration `envconfig:"OPTIC_REQUEST_TIMEOUT" default:"60s"`
	CleanupInterval  time.Duration `envconfig:"OPTIC_CLEANUP_INTERVAL" default:"1h"`
	AckLogRetention  time.Duration `envconfig:"OPTIC_ACK_LOG_RETENTION" default:"168h"`
	MaxImageSizeKB   int           `envconfig:"OPTIC_MAX_IMAGE_SIZE_KB" default:"500"`
	RateLimitPerSec  float64       `envconfig:"OPTIC_DELIVERY_RATE_LIMIT" default:"5"`
	RateLimitBurst   int           `envconfig:"OPTIC_DELIVERY_RATE_BURST" default:"10"`
	HeartbeatInterval time.Duration `envconfig:"OPTIC_HEARTBEAT_INTERVAL" default:"60s"`
}

type HealthConfig struct {
	CheckInterval  time.Duration `envconfig:"OPTIC_HEALTH_CHECK_INTERVAL" default:"30s"`
	AlertCooldown  time.Duration `envconfig:"OPTIC_ALERT_COOLDOWN" default:"300s"`
	AlertBufferCap int           `envconfig:"OPTIC_ALERT_BUFFER_CAP" default:"100"`
}

type EventLogConfig struct {
	Dir           string `envconfig:"OPTIC_EVENT_LOG_DIR" default:""`
	MaxFileSizeMB int    `envconfig:"OPTIC_EVENT_LOG_MAX_MB" default:"50"`
	RetentionDays int    `envconfig:"OPTIC_EVENT_LOG_RETENTION_DAYS" default:"30"`
}

// Load reads a .env file (if present) into the process environment, then
// parses OPTIC_* variables into a Config. Missing .env is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.EventLog.Dir == "" {
		cfg.EventLog.Dir = cfg.DataDir + "/event_logs"
	}
	return &cfg, nil
}

func (c *Config) StorePath() string {
	return c.DataDir + "/message_broker.db"
}

func (c *Config) IsDevelopment() bool {
	return c.Debug || c.Env == "development"
}
