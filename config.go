package main

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config holds every runtime-tunable knob for the server. Flags set the
// defaults; a same-named VANISH_-prefixed environment variable overrides
// the flag when present, the way cli.go once layered store-backed settings
// over compiled-in defaults. -api-addr and -vendor-push-rate have no
// environment override.
type Config struct {
	Addr    string
	APIAddr string
	DBPath  string

	RedisAddr string // empty selects the in-process Memory cache

	QueueInterval  time.Duration
	QueueBatchSize int
	MaxRetries     int
	DeadLetterTTL  time.Duration

	DefaultMessageTTLHours int

	SweeperInterval time.Duration

	VendorPushEnabled  bool
	VendorPushEndpoint string
	VendorPushKeyID    string
	VendorPushTeamID   string
	VendorPushKeyPath  string
	VendorPushTopic    string
	VendorPushRate     float64

	FileStagingTTL time.Duration
	FileBasePath   string

	ShareBaseURL string
}

// parseConfig builds a Config from flags, then applies environment
// overrides. Call after flag.Parse would normally run; parseConfig calls
// it internally so main stays a thin wiring function.
func parseConfig(args []string) *Config {
	fs := flag.NewFlagSet("vanish-server", flag.ExitOnError)

	cfg := &Config{}
	fs.StringVar(&cfg.Addr, "addr", ":8443", "HTTP/WebSocket listen address")
	fs.StringVar(&cfg.APIAddr, "api-addr", "", "deprecated alias for -addr; kept for operator muscle memory")
	fs.StringVar(&cfg.DBPath, "db", "vanish.db", "SQLite database path")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", "", "Redis address (host:port); empty uses the in-process cache")

	fs.DurationVar(&cfg.QueueInterval, "queue-interval", 100*time.Millisecond, "worker drain tick interval")
	fs.IntVar(&cfg.QueueBatchSize, "queue-batch-size", 100, "max records drained from the queue per tick")
	fs.IntVar(&cfg.MaxRetries, "retry-limit", 3, "retry attempts before a record is dead-lettered")
	fs.DurationVar(&cfg.DeadLetterTTL, "dead-letter-ttl", 7*24*time.Hour, "retention window for dead-lettered records")

	fs.IntVar(&cfg.DefaultMessageTTLHours, "default-ttl-hours", 24, "conversation TTL used when a create request omits ttlHours")

	fs.DurationVar(&cfg.SweeperInterval, "sweep-interval", time.Hour, "lifecycle sweep cadence")

	fs.BoolVar(&cfg.VendorPushEnabled, "vendor-push-enabled", false, "enable the vendor push bridge")
	fs.StringVar(&cfg.VendorPushEndpoint, "vendor-push-endpoint", "", "vendor push gateway base URL")
	fs.StringVar(&cfg.VendorPushKeyID, "vendor-push-key-id", "", "vendor push signing key id")
	fs.StringVar(&cfg.VendorPushTeamID, "vendor-push-team-id", "", "vendor push team id")
	fs.StringVar(&cfg.VendorPushKeyPath, "vendor-push-key-path", "", "path to the vendor push signing key")
	fs.StringVar(&cfg.VendorPushTopic, "vendor-push-topic", "", "vendor push topic/bundle id")
	fs.Float64Var(&cfg.VendorPushRate, "vendor-push-rate", 50, "max outbound pushes per second")

	fs.DurationVar(&cfg.FileStagingTTL, "file-staging-ttl", time.Hour, "cache TTL for staged file uploads before promotion")
	fs.StringVar(&cfg.FileBasePath, "file-base-path", "files", "directory for promoted file blobs")

	fs.StringVar(&cfg.ShareBaseURL, "share-base-url", "https://vanish.example", "base URL used to build share links")

	_ = fs.Parse(args)
	if cfg.APIAddr != "" {
		cfg.Addr = cfg.APIAddr
	}

	cfg.applyEnv()
	return cfg
}

// applyEnv layers VANISH_-prefixed environment variables over the parsed
// flag values, letting operators override a knob without a restart-time
// flag change. Every knob except -api-addr and -vendor-push-rate has a
// variable here.
func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv("VANISH_ADDR"); ok {
		c.Addr = v
	}
	if v, ok := os.LookupEnv("VANISH_DB"); ok {
		c.DBPath = v
	}
	if v, ok := os.LookupEnv("VANISH_REDIS_ADDR"); ok {
		c.RedisAddr = v
	}
	if v, ok := envDuration("VANISH_QUEUE_INTERVAL"); ok {
		c.QueueInterval = v
	}
	if v, ok := envInt("VANISH_QUEUE_BATCH_SIZE"); ok {
		c.QueueBatchSize = v
	}
	if v, ok := envInt("VANISH_RETRY_LIMIT"); ok {
		c.MaxRetries = v
	}
	if v, ok := envDuration("VANISH_DEAD_LETTER_TTL"); ok {
		c.DeadLetterTTL = v
	}
	if v, ok := envInt("VANISH_DEFAULT_TTL_HOURS"); ok {
		c.DefaultMessageTTLHours = v
	}
	if v, ok := envDuration("VANISH_SWEEP_INTERVAL"); ok {
		c.SweeperInterval = v
	}
	if v, ok := envBool("VANISH_VENDOR_PUSH_ENABLED"); ok {
		c.VendorPushEnabled = v
	}
	if v, ok := os.LookupEnv("VANISH_VENDOR_PUSH_ENDPOINT"); ok {
		c.VendorPushEndpoint = v
	}
	if v, ok := os.LookupEnv("VANISH_VENDOR_PUSH_KEY_ID"); ok {
		c.VendorPushKeyID = v
	}
	if v, ok := os.LookupEnv("VANISH_VENDOR_PUSH_TEAM_ID"); ok {
		c.VendorPushTeamID = v
	}
	if v, ok := os.LookupEnv("VANISH_VENDOR_PUSH_KEY_PATH"); ok {
		c.VendorPushKeyPath = v
	}
	if v, ok := os.LookupEnv("VANISH_VENDOR_PUSH_TOPIC"); ok {
		c.VendorPushTopic = v
	}
	if v, ok := envDuration("VANISH_FILE_STAGING_TTL"); ok {
		c.FileStagingTTL = v
	}
	if v, ok := os.LookupEnv("VANISH_FILE_BASE_PATH"); ok {
		c.FileBasePath = v
	}
	if v, ok := os.LookupEnv("VANISH_SHARE_BASE_URL"); ok {
		c.ShareBaseURL = v
	}
}

func envDuration(key string) (time.Duration, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func envInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
