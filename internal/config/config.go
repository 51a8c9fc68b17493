package config

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Storage  StorageConfig
	Queue    QueueConfig
	Worker   WorkerConfig
	Limits   LimitsConfig
	Engines  []EngineConfig
	LogLevel slog.Level
}

type ServerConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
	// TrustedProxies are the peers whose X-Forwarded-For is believed.
	// Empty means client addresses come from the TCP peer only.
	TrustedProxies []netip.Prefix
}

type DatabaseConfig struct {
	URL            string
	MaxConns       int
	MinConns       int
	MigrationsPath string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret string // empty disables bearer auth on /api/v1
}

type StorageConfig struct {
	Backend     string // "supabase" or "local"
	SupabaseURL string
	SupabaseKey string
	Bucket      string
	LocalDir    string
	PresignTTL  time.Duration
}

type QueueConfig struct {
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	RetryBackoff      string // "fixed" or "exponential"
	BusyDelay         time.Duration
	PrepTimeout       time.Duration
	SynthesisTimeout  time.Duration
	ResultRetention   time.Duration
	VoicePrepPriority int
	SynthesisPriority int
}

type WorkerConfig struct {
	Concurrency     int
	MetricsAddr     string
	ScratchDir      string
	FFmpegPath      string
	SlotWait        time.Duration
	SlotLease       time.Duration
	LockTTL         time.Duration
	DownloadWorkers int
}

type LimitsConfig struct {
	MaxTextLength      int
	MaxSamplesPerVoice int
}

// EngineConfig is one entry of the engine table. Name is the only key.
type EngineConfig struct {
	Name              string            `yaml:"name"`
	Family            string            `yaml:"family"`
	Device            string            `yaml:"device"`
	ModelPath         string            `yaml:"model_path"`
	Enabled           bool              `yaml:"enabled"`
	MaxConcurrentJobs int               `yaml:"max_concurrent_jobs"`
	TimeoutSeconds    int               `yaml:"timeout_seconds"`
	Options           map[string]string `yaml:"options"`
}

func Load() (*Config, error) {
	port, err := getEnvInt("SERVER_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}

	maxConns, err := getEnvInt("DB_MAX_CONNS", 20)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_CONNS: %w", err)
	}

	minConns, err := getEnvInt("DB_MIN_CONNS", 2)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MIN_CONNS: %w", err)
	}

	redisDB, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	maxAttempts, err := getEnvInt("QUEUE_MAX_ATTEMPTS", 3)
	if err != nil {
		return nil, fmt.Errorf("invalid QUEUE_MAX_ATTEMPTS: %w", err)
	}

	concurrency, err := getEnvInt("WORKER_CONCURRENCY", 4)
	if err != nil {
		return nil, fmt.Errorf("invalid WORKER_CONCURRENCY: %w", err)
	}

	downloadWorkers, err := getEnvInt("WORKER_DOWNLOAD_PARALLELISM", 4)
	if err != nil {
		return nil, fmt.Errorf("invalid WORKER_DOWNLOAD_PARALLELISM: %w", err)
	}

	burst, err := getEnvInt("RATE_LIMIT_BURST", 200)
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_BURST: %w", err)
	}

	rps, err := strconv.ParseFloat(getEnv("RATE_LIMIT_RPS", "100"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_RPS: %w", err)
	}

	trusted, err := parsePrefixes(splitList(getEnv("SERVER_TRUSTED_PROXIES", "")))
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_TRUSTED_PROXIES: %w", err)
	}

	maxText, err := getEnvInt("MAX_TEXT_LENGTH", 5000)
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_TEXT_LENGTH: %w", err)
	}

	maxSamples, err := getEnvInt("MAX_SAMPLES_PER_VOICE", 10)
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_SAMPLES_PER_VOICE: %w", err)
	}

	durations := map[string]*time.Duration{}
	cfg := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           port,
			AllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
			RateLimitRPS:   rps,
			RateLimitBurst: burst,
			TrustedProxies: trusted,
		},
		Database: DatabaseConfig{
			URL:            getEnv("DATABASE_URL", ""),
			MaxConns:       maxConns,
			MinConns:       minConns,
			MigrationsPath: getEnv("MIGRATIONS_PATH", "migrations"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("AUTH_JWT_SECRET", ""),
		},
		Storage: StorageConfig{
			Backend:     getEnv("STORAGE_BACKEND", "local"),
			SupabaseURL: getEnv("SUPABASE_URL", ""),
			SupabaseKey: getEnv("SUPABASE_SERVICE_KEY", ""),
			Bucket:      getEnv("STORAGE_BUCKET", "awaaztwin"),
			LocalDir:    getEnv("STORAGE_LOCAL_DIR", "data/objects"),
		},
		Queue: QueueConfig{
			MaxAttempts:       maxAttempts,
			RetryBackoff:      getEnv("QUEUE_RETRY_BACKOFF", "fixed"),
			VoicePrepPriority: 1,
			SynthesisPriority: 1,
		},
		Worker: WorkerConfig{
			Concurrency:     concurrency,
			MetricsAddr:     getEnv("WORKER_METRICS_ADDR", ":9090"),
			ScratchDir:      getEnv("WORKER_SCRATCH_DIR", os.TempDir()),
			FFmpegPath:      getEnv("FFMPEG_PATH", "ffmpeg"),
			DownloadWorkers: downloadWorkers,
		},
		Limits: LimitsConfig{
			MaxTextLength:      maxText,
			MaxSamplesPerVoice: maxSamples,
		},
		LogLevel: parseLevel(getEnv("LOG_LEVEL", "info")),
	}

	durations["STORAGE_PRESIGN_TTL"] = &cfg.Storage.PresignTTL
	durations["QUEUE_RETRY_BASE_DELAY"] = &cfg.Queue.RetryBaseDelay
	durations["QUEUE_RETRY_MAX_DELAY"] = &cfg.Queue.RetryMaxDelay
	durations["QUEUE_BUSY_DELAY"] = &cfg.Queue.BusyDelay
	durations["QUEUE_PREP_TIMEOUT"] = &cfg.Queue.PrepTimeout
	durations["QUEUE_SYNTHESIS_TIMEOUT"] = &cfg.Queue.SynthesisTimeout
	durations["QUEUE_RESULT_RETENTION"] = &cfg.Queue.ResultRetention
	durations["WORKER_SLOT_WAIT"] = &cfg.Worker.SlotWait
	durations["WORKER_SLOT_LEASE"] = &cfg.Worker.SlotLease
	durations["WORKER_LOCK_TTL"] = &cfg.Worker.LockTTL

	defaults := map[string]time.Duration{
		"STORAGE_PRESIGN_TTL":     time.Hour,
		"QUEUE_RETRY_BASE_DELAY":  30 * time.Second,
		"QUEUE_RETRY_MAX_DELAY":   10 * time.Minute,
		"QUEUE_BUSY_DELAY":        5 * time.Second,
		"QUEUE_PREP_TIMEOUT":      30 * time.Minute,
		"QUEUE_SYNTHESIS_TIMEOUT": 15 * time.Minute,
		"QUEUE_RESULT_RETENTION":  24 * time.Hour,
		"WORKER_SLOT_WAIT":        2 * time.Second,
		"WORKER_SLOT_LEASE":       20 * time.Minute,
		"WORKER_LOCK_TTL":         20 * time.Minute,
	}
	for key, dst := range durations {
		d, err := getEnvDuration(key, defaults[key])
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
	}

	engines, err := LoadEngines(getEnv("AWAAZTWIN_CONFIG_PATH", "awaaztwin.yaml"))
	if err != nil {
		return nil, err
	}
	cfg.Engines = engines

	return cfg, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate checks the settings both binaries depend on.
func (c *Config) Validate() error {
	var problems []string
	if c.Queue.MaxAttempts < 1 {
		problems = append(problems, "QUEUE_MAX_ATTEMPTS must be >= 1")
	}
	switch c.Queue.RetryBackoff {
	case "fixed", "exponential":
	default:
		problems = append(problems, fmt.Sprintf("QUEUE_RETRY_BACKOFF %q must be fixed or exponential", c.Queue.RetryBackoff))
	}
	if c.Limits.MaxTextLength < 1 {
		problems = append(problems, "MAX_TEXT_LENGTH must be >= 1")
	}
	if c.Limits.MaxSamplesPerVoice < 1 {
		problems = append(problems, "MAX_SAMPLES_PER_VOICE must be >= 1")
	}
	switch c.Storage.Backend {
	case "local":
	case "supabase":
		if c.Storage.SupabaseURL == "" || c.Storage.SupabaseKey == "" {
			problems = append(problems, "SUPABASE_URL and SUPABASE_SERVICE_KEY are required for the supabase backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("STORAGE_BACKEND %q must be local or supabase", c.Storage.Backend))
	}
	if err := ValidateEngines(c.Engines); err != nil {
		problems = append(problems, err.Error())
	}
	// A slot lease shorter than an engine call would let the slot expire
	// while the call still runs, admitting more than max_concurrent_jobs.
	if c.Worker.SlotLease <= 0 {
		problems = append(problems, "WORKER_SLOT_LEASE must be > 0")
	} else {
		for _, e := range c.Engines {
			if e.Enabled && e.Timeout() >= c.Worker.SlotLease {
				problems = append(problems, fmt.Sprintf("WORKER_SLOT_LEASE %s must exceed engine %q timeout %s",
					c.Worker.SlotLease, e.Name, e.Timeout()))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parsePrefixes accepts CIDR blocks and bare addresses, which become
// single-host prefixes.
func parsePrefixes(items []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(items))
	for _, item := range items {
		if strings.Contains(item, "/") {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return time.ParseDuration(v)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
