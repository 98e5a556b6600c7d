// Package config loads settings from the environment and an optional .env file.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// ledger
	RPCURL        string
	Contract      string
	PrivateKey    string
	DefaultAdmin  string
	LogPageSize   uint64
	PollInterval  time.Duration
	Confirmations uint64

	// content store
	IPFSAPIURL  string
	IPFSTimeout time.Duration
	CacheDir    string
	FetchWidth  int

	// dashboard service
	HTTPAddr      string
	GRPCAddr      string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	JWTSecret     string
	JWTTTL        time.Duration
	NonceTTL      time.Duration
	SyncInterval  time.Duration
	LoginWindow   time.Duration
	LoginMaxFails int
	LoginBlockFor time.Duration
}

// Load reads path (".env" when empty) if it exists, then the environment. Variables already
// set in the environment win over the file.
func Load(path string) Config {
	if path == "" {
		path = ".env"
	}
	_ = godotenv.Load(path)

	return Config{
		RPCURL:        getenv("ETH_RPC_URL", "http://127.0.0.1:8545"),
		Contract:      getenv("CONTRACT_ADDRESS", ""),
		PrivateKey:    getenv("ETH_PRIVATE_KEY", ""),
		DefaultAdmin:  getenv("DEFAULT_ADMIN", ""),
		LogPageSize:   uint64(getenvInt("LOG_PAGE_SIZE", 5000)),
		PollInterval:  getenvDuration("POLL_INTERVAL", 4*time.Second),
		Confirmations: uint64(getenvInt("CONFIRMATIONS", 0)),

		IPFSAPIURL:  getenv("IPFS_API_URL", "http://127.0.0.1:5001"),
		IPFSTimeout: getenvDuration("IPFS_TIMEOUT", 30*time.Second),
		CacheDir:    getenv("CACHE_DIR", ""),
		FetchWidth:  getenvInt("FETCH_WIDTH", 8),

		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		GRPCAddr:      getenv("GRPC_ADDR", ":9090"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		JWTSecret:     getenv("JWT_SECRET", ""),
		JWTTTL:        getenvDuration("JWT_TTL", time.Hour),
		NonceTTL:      getenvDuration("NONCE_TTL", 5*time.Minute),
		SyncInterval:  getenvDuration("SYNC_INTERVAL", 15*time.Second),
		LoginWindow:   getenvDuration("LOGIN_WINDOW", 15*time.Minute),
		LoginMaxFails: getenvInt("LOGIN_MAX_FAILS", 5),
		LoginBlockFor: getenvDuration("LOGIN_BLOCK_FOR", 15*time.Minute),
	}
}

func getenv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	if val := os.Getenv(key + "_SECONDS"); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return fallback
}
