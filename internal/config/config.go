package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	RedisPrefix           string
	StoreID               string
	TerminalID            string
	LocalCachePath        string
	RemoteTimeout         time.Duration
	PurgeBatchSize        int
	AMQPURL               string
	AMQPExchange          string
	KafkaBrokers          []string
	KafkaTopic            string
	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string
	LogLevel              string
	LogPretty             bool
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	timeoutSeconds, err := strconv.Atoi(getEnv("REMOTE_TIMEOUT_SECONDS", "8"))
	if err != nil || timeoutSeconds < 1 {
		timeoutSeconds = 8
	}
	batchSize, err := strconv.Atoi(getEnv("PURGE_BATCH_SIZE", "400"))
	if err != nil || batchSize < 1 || batchSize > 500 {
		batchSize = 400
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	pretty, _ := strconv.ParseBool(getEnv("LOG_PRETTY", "false"))

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		RedisPrefix:           getEnv("REDIS_PREFIX", "possync"),
		StoreID:               getEnv("STORE_ID", "main-store"),
		TerminalID:            getEnv("TERMINAL_ID", hostname()),
		LocalCachePath:        os.Getenv("LOCAL_CACHE_PATH"),
		RemoteTimeout:         time.Duration(timeoutSeconds) * time.Second,
		PurgeBatchSize:        batchSize,
		AMQPURL:               os.Getenv("AMQP_URL"),
		AMQPExchange:          getEnv("AMQP_EXCHANGE", "pos.orders"),
		KafkaBrokers:          splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:            getEnv("KAFKA_TOPIC", "pos-orders"),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogPretty:             pretty,
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func splitList(raw string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "terminal"
	}
	return name
}
