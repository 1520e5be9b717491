package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App      AppConfig      `yaml:"app"`
	Logging  LoggingConfig  `yaml:"logging"`
	Alerting AlertingConfig `yaml:"alerting"`
	Security SecurityConfig `yaml:"security"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Payment  PaymentConfig  `yaml:"payment"`
	Streams  []StreamConfig `yaml:"streams"`
	Labels   LabelsConfig   `yaml:"labels"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Store    StoreConfig    `yaml:"store"`
	Lookup   LookupConfig   `yaml:"lookup"`
	PubSub   PubSubConfig   `yaml:"pubsub"`
	Archive  ArchiveConfig  `yaml:"archive"`
	API      APIConfig      `yaml:"api"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type AppConfig struct {
	InstanceID      string        `yaml:"instance_id"`
	Grace           time.Duration `yaml:"grace"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // json|console
}

type AlertingConfig struct {
	AppName string `yaml:"app_name"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type JWTConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Alg           string        `yaml:"alg"` // RS256
	PublicKeyPath string        `yaml:"public_key_path"`
	Audience      string        `yaml:"audience"`
	Issuer        string        `yaml:"issuer"`
	Leeway        time.Duration `yaml:"leeway"`
}

type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// UpstreamConfig points at the paid stream gateway. BaseURL covers both the
// HTTP surface (schema, renewal, lookup defaults) and the websocket host.
type UpstreamConfig struct {
	BaseURL          string        `yaml:"base_url"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

type PaymentConfig struct {
	KeyPath string `yaml:"key_path"`
}

// StreamConfig describes one paid subscription. Protocol selects the x402
// wire version the gateway speaks for this stream; Renewal picks how lease
// slices are re-bought (http|inband). Watch takes mixed values: bare ids and
// BASE/QUOTE pairs.
type StreamConfig struct {
	Kind        string         `yaml:"kind"`
	Protocol    int            `yaml:"protocol"`
	Renewal     string         `yaml:"renewal"`
	RenewAhead  time.Duration  `yaml:"renew_ahead"`
	EventBuffer int            `yaml:"event_buffer"`
	Watch       []string       `yaml:"watch"`
	Mints       []string       `yaml:"mints"`
	Options     map[string]any `yaml:"options"`
}

type LabelsConfig struct {
	Mints map[string]string `yaml:"mints"` // symbolic label -> canonical mint
}

type LedgerConfig struct {
	AssetDecimals map[string]int `yaml:"asset_decimals"`
}

type StoreConfig struct {
	SwapCapacity    int           `yaml:"swap_capacity"`
	AlertCapacity   int           `yaml:"alert_capacity"`
	PoolCapacity    int           `yaml:"pool_capacity"`
	PriceHistoryCap int           `yaml:"price_history_cap"`
	RateWindow      time.Duration `yaml:"rate_window"`
}

type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Prefix       string        `yaml:"prefix"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type LookupCacheConfig struct {
	Backend string        `yaml:"backend"` // memory|redis
	TTL     time.Duration `yaml:"ttl"`
	Redis   RedisConfig   `yaml:"redis"`
}

type LookupConfig struct {
	BaseURL string            `yaml:"base_url"`
	Timeout time.Duration     `yaml:"timeout"`
	Cache   LookupCacheConfig `yaml:"cache"`
}

type NATSConfig struct {
	URL             string `yaml:"url"`
	BroadcastPrefix string `yaml:"broadcast_prefix"`
}

type PubSubConfig struct {
	NATS NATSConfig `yaml:"nats"`
}

type ClickHouseWriterConfig struct {
	BatchMaxRows     int           `yaml:"batch_max_rows"`
	BatchMaxInterval time.Duration `yaml:"batch_max_interval"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
}

type ClickHouseConfig struct {
	DSN    string                 `yaml:"dsn"`
	Writer ClickHouseWriterConfig `yaml:"writer"`
}

type ArchiveConfig struct {
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

type CORSConfig struct {
	Enabled bool     `yaml:"enabled"`
	Origins []string `yaml:"origins"`
	Methods []string `yaml:"methods"`
	Headers []string `yaml:"headers"`
}

// RateBucket is one token bucket: refill rate, capacity and key TTL.
type RateBucket struct {
	RefillPerSec int           `yaml:"refill_per_sec"`
	Burst        int           `yaml:"burst"`
	TTL          time.Duration `yaml:"ttl"`
}

type RateLimitConfig struct {
	Enabled            bool       `yaml:"enabled"`
	ByIP               RateBucket `yaml:"by_ip"`
	ByJWT              RateBucket `yaml:"by_jwt"`
	TrustedProxiesList []string   `yaml:"trusted_proxies"`
}

type HTTPConfig struct {
	Addr         string          `yaml:"addr"`
	ReadTimeout  time.Duration   `yaml:"read_timeout"`
	WriteTimeout time.Duration   `yaml:"write_timeout"`
	IdleTimeout  time.Duration   `yaml:"idle_timeout"`
	CORS         CORSConfig      `yaml:"cors"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

type APIConfig struct {
	HTTP HTTPConfig `yaml:"http"`
}

type PyroscopeConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ServerAddress string `yaml:"server_address"`
	AppName       string `yaml:"app_name"`
	Env           string `yaml:"env"`
}

type MetricsConfig struct {
	Prometheus string          `yaml:"prometheus"` // mount path, default /metrics
	Pyroscope  PyroscopeConfig `yaml:"pyroscope"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err = yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
