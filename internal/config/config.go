package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	DatabaseDSN    string
	ServerAddr     string
	SigningKey     []byte
	AllowedOrigins []string
	// RateLimit is requests per second per client IP. Zero disables limiting.
	RateLimit float64
	RateBurst int
}

// Env is the raw environment, read with the TASKCHAT prefix
// (TASKCHAT_DATABASE_DSN, TASKCHAT_RATE_LIMIT, ...).
type Env struct {
	Env            string        `envconfig:"env" default:"dev"`
	LogLevel       string        `envconfig:"log_level" default:"info"`
	ServerAddr     string        `envconfig:"server_addr" default:":8000"`
	DatabaseDSN    string        `envconfig:"database_dsn"`
	SigningKey     string        `envconfig:"signing_key"`
	AllowedOrigins string        `envconfig:"allowed_origins" default:"http://localhost:3000"`
	RateLimit      float64       `envconfig:"rate_limit" default:"20"`
	RateBurst      int           `envconfig:"rate_burst" default:"40"`
	RoomIdleTime   time.Duration `envconfig:"room_idle_time" default:"5m"`
	Migrate        bool          `envconfig:"migrate" default:"true"`

	// Used by the terminal client.
	ChatServer string `envconfig:"chat_server" default:"http://localhost:8000"`
	Token      string `envconfig:"token"`
}

// Load reads an optional .env file and then the process environment. A
// missing .env is not an error outside production.
func Load(files ...string) (*Env, error) {
	if os.Getenv("TASKCHAT_ENV") != "prod" {
		if len(files) == 0 {
			files = []string{".env"}
		}
		for _, f := range files {
			if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("load %s: %w", f, err)
			}
		}
	}

	e := &Env{}
	if err := envconfig.Process("taskchat", e); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	return e, nil
}

// Origins splits the comma separated origin list.
func (e *Env) Origins() []string {
	var out []string
	for _, o := range strings.Split(e.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		DatabaseDSN:    databaseDSN,
		ServerAddr:     serverAddr,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
	}, nil
}
