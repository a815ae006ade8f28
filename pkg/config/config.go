package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
// ⭐ SSOT: 모든 환경변수는 여기서만 읽음
type Config struct {
	// Server
	Port string
	Env  string // development, staging, production

	// Store backend: postgres | memory
	StoreBackend string

	Database DatabaseConfig
	Redis    RedisConfig
	KIS      KISConfig
	Naver    NaverConfig

	Scheduler SchedulerConfig
	Engine    EngineConfig
	Monitor   MonitorConfig
	Screener  ScreenerConfig

	Telegram TelegramConfig
	Tracing  TracingConfig

	// Optional YAML strategy file overriding screener/analyzer/engine parameters
	StrategyFile string

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string // empty = stdout only
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL string

	// Connection Pool
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// KISConfig holds KIS (한국투자증권) endpoint settings.
// 계좌별 인증 정보는 account store에 있음.
type KISConfig struct {
	RealBaseURL    string
	VirtualBaseURL string
	RealWSURL      string
	VirtualWSURL   string
	Timeout        time.Duration
	RealRPS        float64 // 실전 초당 요청 수
	VirtualRPS     float64 // 모의 초당 요청 수
}

// NaverConfig holds Naver Finance configuration
type NaverConfig struct {
	BaseURL string
}

// SchedulerConfig holds job cadences and failure policy
type SchedulerConfig struct {
	Timezone         string
	ScreeningSpec    string
	AnalysisSpec     string
	ExecutionSpec    string
	MonitorSpec      string
	ReconcileSpec    string
	FailureThreshold int
	ShutdownTimeout  time.Duration
	WorkerLimit      int
}

// EngineConfig holds execution engine settings
type EngineConfig struct {
	MaxPositionFraction float64
	ExitMaxAttempts     int
	ExitInitialBackoff  time.Duration
	ExitMaxBackoff      time.Duration
	BrokerTimeout       time.Duration
	BrokerMaxAttempts   int
}

// MonitorConfig holds position monitor settings
type MonitorConfig struct {
	PendingPollAfter  time.Duration
	EntryTimeout      time.Duration
	PriceTTL          time.Duration
	MarketOpen        string // HH:MM
	MarketClose       string // HH:MM
	IgnoreMarketHours bool
}

// ScreenerConfig holds screening defaults
type ScreenerConfig struct {
	MaxCandidates  int
	Symbols        []string
	UseVolumeRank  bool
	VolumeRankTopN int
	UseNaverRank   bool
}

// TelegramConfig holds operator alert channel settings
type TelegramConfig struct {
	Token  string
	ChatID int64
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool
	ServiceName string
}

// Load reads configuration from environment variables
// ⭐ SSOT: 이 함수만 os.Getenv()를 호출함
func Load() (*Config, error) {
	loadEnvFile()

	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		Env:          getEnv("ENV", "development"),
		StoreBackend: getEnv("STORE_BACKEND", "postgres"),

		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxConns:        getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns:        getEnvAsInt("DB_MIN_CONNS", 5),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", "1h"),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", "30m"),
		},

		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
		},

		KIS: KISConfig{
			RealBaseURL:    getEnv("KIS_REAL_BASE_URL", "https://openapi.koreainvestment.com:9443"),
			VirtualBaseURL: getEnv("KIS_VIRTUAL_BASE_URL", "https://openapivts.koreainvestment.com:29443"),
			RealWSURL:      getEnv("KIS_REAL_WS_URL", "ws://ops.koreainvestment.com:21000"),
			VirtualWSURL:   getEnv("KIS_VIRTUAL_WS_URL", "ws://ops.koreainvestment.com:31000"),
			Timeout:        getEnvAsDuration("KIS_TIMEOUT", "10s"),
			RealRPS:        getEnvAsFloat("KIS_REAL_RPS", 15),
			VirtualRPS:     getEnvAsFloat("KIS_VIRTUAL_RPS", 2),
		},

		Naver: NaverConfig{
			BaseURL: getEnv("NAVER_BASE_URL", "https://finance.naver.com"),
		},

		Scheduler: SchedulerConfig{
			Timezone:         getEnv("SCHEDULER_TZ", "Asia/Seoul"),
			ScreeningSpec:    getEnv("SCHEDULE_SCREENING", "0 50 8 * * 1-5"),
			AnalysisSpec:     getEnv("SCHEDULE_ANALYSIS", "0 55 8 * * 1-5"),
			ExecutionSpec:    getEnv("SCHEDULE_EXECUTION", "0 5 9 * * 1-5"),
			MonitorSpec:      getEnv("SCHEDULE_MONITOR", "@every 30s"),
			ReconcileSpec:    getEnv("SCHEDULE_RECONCILE", "0 */10 9-15 * * 1-5"),
			FailureThreshold: getEnvAsInt("SCHEDULER_FAILURE_THRESHOLD", 3),
			ShutdownTimeout:  getEnvAsDuration("SHUTDOWN_TIMEOUT", "30s"),
			WorkerLimit:      getEnvAsInt("SCHEDULER_WORKER_LIMIT", 4),
		},

		Engine: EngineConfig{
			MaxPositionFraction: getEnvAsFloat("ENGINE_MAX_POSITION_FRACTION", 0.2),
			ExitMaxAttempts:     getEnvAsInt("ENGINE_EXIT_MAX_ATTEMPTS", 5),
			ExitInitialBackoff:  getEnvAsDuration("ENGINE_EXIT_INITIAL_BACKOFF", "5s"),
			ExitMaxBackoff:      getEnvAsDuration("ENGINE_EXIT_MAX_BACKOFF", "5m"),
			BrokerTimeout:       getEnvAsDuration("BROKER_TIMEOUT", "10s"),
			BrokerMaxAttempts:   getEnvAsInt("BROKER_MAX_ATTEMPTS", 3),
		},

		Monitor: MonitorConfig{
			PendingPollAfter:  getEnvAsDuration("MONITOR_PENDING_POLL_AFTER", "20s"),
			EntryTimeout:      getEnvAsDuration("MONITOR_ENTRY_TIMEOUT", "30m"),
			PriceTTL:          getEnvAsDuration("MONITOR_PRICE_TTL", "5s"),
			MarketOpen:        getEnv("MARKET_OPEN", "09:00"),
			MarketClose:       getEnv("MARKET_CLOSE", "15:30"),
			IgnoreMarketHours: getEnvAsBool("MONITOR_IGNORE_MARKET_HOURS", false),
		},

		Screener: ScreenerConfig{
			MaxCandidates:  getEnvAsInt("SCREENER_MAX_CANDIDATES", 20),
			Symbols:        getEnvAsList("SCREENER_SYMBOLS"),
			UseVolumeRank:  getEnvAsBool("SCREENER_USE_VOLUME_RANK", true),
			VolumeRankTopN: getEnvAsInt("SCREENER_VOLUME_RANK_TOP_N", 20),
			UseNaverRank:   getEnvAsBool("SCREENER_USE_NAVER_RANK", false),
		},

		Telegram: TelegramConfig{
			Token:  getEnv("TELEGRAM_BOT_TOKEN", ""),
			ChatID: int64(getEnvAsInt("TELEGRAM_CHAT_ID", 0)),
		},

		Tracing: TracingConfig{
			Enabled:     getEnvAsBool("TRACING_ENABLED", false),
			ServiceName: getEnv("TRACING_SERVICE_NAME", "autotrader"),
		},

		StrategyFile: getEnv("STRATEGY_FILE", ""),

		LogLevel:  getEnv("LOG_LEVEL", "debug"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
		LogFile:   getEnv("LOG_FILE", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate checks if required configuration values are set
func (c *Config) validate() error {
	switch c.StoreBackend {
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("STORE_BACKEND must be one of: postgres, memory")
	}

	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return fmt.Errorf("ENV must be one of: development, staging, production")
	}

	if c.Env == "production" && c.StoreBackend == "memory" {
		return fmt.Errorf("memory store is not allowed in production")
	}

	if c.Scheduler.FailureThreshold < 1 {
		return fmt.Errorf("SCHEDULER_FAILURE_THRESHOLD must be >= 1")
	}

	if c.Engine.MaxPositionFraction <= 0 || c.Engine.MaxPositionFraction > 1 {
		return fmt.Errorf("ENGINE_MAX_POSITION_FRACTION must be in (0, 1]")
	}

	if c.Engine.ExitMaxAttempts < 1 {
		return fmt.Errorf("ENGINE_EXIT_MAX_ATTEMPTS must be >= 1")
	}

	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("SCHEDULER_TZ: %w", err)
	}

	return nil
}

// Location returns the scheduler timezone. validate() guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// RedisAddr returns host:port for the Redis client
func (c *Config) RedisAddr() string {
	return c.Redis.Host + ":" + c.Redis.Port
}

// loadEnvFile tries to load .env from multiple locations
func loadEnvFile() {
	paths := []string{".env"}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, ".env"),
			filepath.Join(exeDir, "..", ".env"),
		)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}

	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ = time.ParseDuration(defaultValue)
	}

	return duration
}

// getEnvAsList splits a comma separated value, dropping blanks
func getEnvAsList(key string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return nil
	}

	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
