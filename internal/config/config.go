package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	ListenAddr string

	RedisURL    string
	DatabaseURL string

	AuthMode       string
	JWTSecret      string
	AuthServiceURL string

	RoomCapacity   int
	PresenceTTL    time.Duration
	ChatCacheTTL   time.Duration
	ChatHighWater  int
	ChatLowWater   int
	StoreTimeout   time.Duration
	RoomLockTTL    time.Duration
	RoomLockWait   time.Duration
	OutboxBuffer   int
	OutboxAttempts int
	SessionBuffer  int
	AllowedOrigins []string

	MessagesDir string

	Log LogConfig
}

type LogConfig struct {
	Level   string
	Console bool
	ToFile  bool
	Caller  bool
	Format  string
	File    string
}

const (
	AuthModeJWT    = "jwt"
	AuthModeRemote = "remote"
)

func Load() (*AppConfig, error) {
	// .env is optional; real environment wins.
	_ = godotenv.Load()

	cfg := &AppConfig{
		ListenAddr:     ":8080",
		AuthMode:       AuthModeJWT,
		RoomCapacity:   15,
		PresenceTTL:    2 * time.Hour,
		ChatCacheTTL:   2 * time.Hour,
		ChatHighWater:  150,
		ChatLowWater:   50,
		StoreTimeout:   5 * time.Second,
		RoomLockTTL:    10 * time.Second,
		RoomLockWait:   5 * time.Second,
		OutboxBuffer:   1024,
		OutboxAttempts: 5,
		SessionBuffer:  64,
		Log: LogConfig{
			Level:   "info",
			Console: true,
			ToFile:  false,
			Format:  "legacy",
			File:    "logs/rooms.log",
		},
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))

	if v := strings.ToLower(strings.TrimSpace(os.Getenv("AUTH_MODE"))); v != "" {
		cfg.AuthMode = v
	}
	cfg.JWTSecret = strings.TrimSpace(os.Getenv("ACCESS_TOKEN_SECRET"))
	cfg.AuthServiceURL = strings.TrimSpace(os.Getenv("AUTH_SERVICE_URL"))

	if v := strings.TrimSpace(os.Getenv("ROOM_CAPACITY")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RoomCapacity = n
		}
	}
	cfg.PresenceTTL = envDuration("PRESENCE_TTL", cfg.PresenceTTL)
	cfg.ChatCacheTTL = envDuration("CHAT_CACHE_TTL", cfg.ChatCacheTTL)
	cfg.StoreTimeout = envDuration("STORE_TIMEOUT", cfg.StoreTimeout)
	cfg.RoomLockTTL = envDuration("ROOM_LOCK_TTL", cfg.RoomLockTTL)
	cfg.RoomLockWait = envDuration("ROOM_LOCK_WAIT", cfg.RoomLockWait)
	cfg.ChatHighWater = envInt("CHAT_HIGH_WATER", cfg.ChatHighWater)
	cfg.ChatLowWater = envInt("CHAT_LOW_WATER", cfg.ChatLowWater)
	cfg.OutboxBuffer = envInt("OUTBOX_BUFFER", cfg.OutboxBuffer)
	cfg.OutboxAttempts = envInt("OUTBOX_MAX_ATTEMPTS", cfg.OutboxAttempts)
	cfg.SessionBuffer = envInt("SESSION_BUFFER", cfg.SessionBuffer)

	if v := strings.TrimSpace(os.Getenv("ALLOWED_ORIGINS")); v != "" {
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, s)
			}
		}
	}
	cfg.MessagesDir = strings.TrimSpace(os.Getenv("MESSAGES_DIR"))

	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
	cfg.Log.Console = envBool("LOG_TO_CONSOLE", cfg.Log.Console)
	cfg.Log.ToFile = envBool("LOG_TO_FILE", cfg.Log.ToFile)
	cfg.Log.Caller = envBool("LOG_CALLER", cfg.Log.Caller)
	if v := strings.TrimSpace(os.Getenv("LOG_FORMAT")); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("LOG_FILE")); v != "" {
		cfg.Log.File = v
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	switch cfg.AuthMode {
	case AuthModeJWT:
		if cfg.JWTSecret == "" {
			return nil, errors.New("ACCESS_TOKEN_SECRET is required")
		}
	case AuthModeRemote:
		if cfg.AuthServiceURL == "" {
			return nil, errors.New("AUTH_SERVICE_URL is required")
		}
	default:
		return nil, errors.New("AUTH_MODE must be jwt or remote")
	}
	if cfg.ChatLowWater <= 0 || cfg.ChatLowWater > cfg.ChatHighWater {
		return nil, errors.New("CHAT_LOW_WATER must be positive and not exceed CHAT_HIGH_WATER")
	}

	return cfg, nil
}

// envDuration accepts Go durations ("90s") or plain seconds.
func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return n
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
