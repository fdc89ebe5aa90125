// Package config holds the server configuration, sourced from the
// environment with an optional .env file.
package config

import (
	"os"

	"github.com/joho/godotenv"
)

// Config stores all parameters the server reads at startup.
type Config struct {
	LdnAddr   string // LDN TCP listen address
	ApiAddr   string // analytics HTTP listen address, "" disables
	RedisAddr string // Redis endpoint for stats export, "" disables
	BanFile   string // path of the persistent IP ban list
	Debug     bool   // verbose logging
}

// Load reads the configuration. A .env file in the working directory is
// loaded first if present; real environment variables win.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		LdnAddr:   getenv("LDN_ADDR", ":30456"),
		ApiAddr:   getenv("API_ADDR", ":8111"),
		RedisAddr: os.Getenv("REDIS_ADDR"),
		BanFile:   getenv("IP_BAN_FILE", "bannedips.txt"),
		Debug:     os.Getenv("LDN_DEBUG") != "",
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
