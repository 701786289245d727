package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int
	SummaryTTLSeconds     int
	FeeRuleTTLSeconds     int
	RateLimitPerSecond    float64
	RateLimitBurst        int
}

func Load() Config {
	// .env is a dev convenience; absence is normal in deployed environments.
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	summaryTTL, err := strconv.Atoi(getEnv("SUMMARY_CACHE_TTL_SECONDS", "60"))
	if err != nil || summaryTTL < 1 {
		summaryTTL = 60
	}
	ruleTTL, err := strconv.Atoi(getEnv("FEE_RULE_TTL_SECONDS", "300"))
	if err != nil || ruleTTL < 1 {
		ruleTTL = 300
	}
	ratePerSecond, err := strconv.ParseFloat(getEnv("RATE_LIMIT_PER_SECOND", "25"), 64)
	if err != nil || ratePerSecond <= 0 {
		ratePerSecond = 25
	}
	rateBurst, err := strconv.Atoi(getEnv("RATE_LIMIT_BURST", "50"))
	if err != nil || rateBurst < 1 {
		rateBurst = 50
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		SummaryTTLSeconds:     summaryTTL,
		FeeRuleTTLSeconds:     ruleTTL,
		RateLimitPerSecond:    ratePerSecond,
		RateLimitBurst:        rateBurst,
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
