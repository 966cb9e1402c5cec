// Config loads configuration.
package config

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const Version = "2.0"

// Config holds settings shared by the server, the dequeuer and the CLI.
type Config struct {
	DatabaseURL string
	Port        string

	// WCDAPIURL is the base URL of the remote comparison API.
	WCDAPIURL string
	// WCDAPIToken is the account's primary credential. It's used when the
	// acting user has not selected an active credential.
	WCDAPIToken string

	// AuthUsers is a list of "user:password" pairs allowed to access the
	// HTTP API.
	AuthUsers []string

	ServerPoolSize int
	WorkerPoolSize int

	ScheduleDelay      time.Duration
	ExecutionBudget    time.Duration
	Retention          time.Duration
	WorkerConcurrency  int
	DiscoveryRateLimit float64
	// EmbedWorkers runs a dequeuer pool inside the server process, so newly
	// enqueued jobs start as soon as their delay elapses.
	EmbedWorkers bool

	LogLevel  string
	LogFormat string

	AllowUnencryptedProxyTraffic bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("DATABASE_URL", "sqlite:wcdsync.db")
	v.SetDefault("PORT", "9090")
	v.SetDefault("WCD_API_URL", "https://api.webchangedetector.com")
	v.SetDefault("PG_SERVER_POOL_SIZE", 10)
	v.SetDefault("PG_WORKER_POOL_SIZE", 20)
	v.SetDefault("SCHEDULE_DELAY", 5*time.Second)
	v.SetDefault("EXECUTION_BUDGET", 10*time.Minute)
	v.SetDefault("RETENTION", 24*time.Hour)
	v.SetDefault("WORKER_CONCURRENCY", 2)
	v.SetDefault("DISCOVERY_RATE_LIMIT", 5.0)
	v.SetDefault("EMBED_WORKERS", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("ALLOW_UNENCRYPTED_PROXY_TRAFFIC", false)
}

// Load reads envFile (if it exists) into the environment, then builds a
// Config from environment variables and defaults. A missing envFile is not
// an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		DatabaseURL:                  v.GetString("DATABASE_URL"),
		Port:                         v.GetString("PORT"),
		WCDAPIURL:                    strings.TrimRight(v.GetString("WCD_API_URL"), "/"),
		WCDAPIToken:                  v.GetString("WCD_API_TOKEN"),
		AuthUsers:                    splitList(v.GetString("AUTH_USERS")),
		ServerPoolSize:               v.GetInt("PG_SERVER_POOL_SIZE"),
		WorkerPoolSize:               v.GetInt("PG_WORKER_POOL_SIZE"),
		ScheduleDelay:                v.GetDuration("SCHEDULE_DELAY"),
		ExecutionBudget:              v.GetDuration("EXECUTION_BUDGET"),
		Retention:                    v.GetDuration("RETENTION"),
		WorkerConcurrency:            v.GetInt("WORKER_CONCURRENCY"),
		DiscoveryRateLimit:           v.GetFloat64("DISCOVERY_RATE_LIMIT"),
		EmbedWorkers:                 v.GetBool("EMBED_WORKERS"),
		LogLevel:                     v.GetString("LOG_LEVEL"),
		LogFormat:                    v.GetString("LOG_FORMAT"),
		AllowUnencryptedProxyTraffic: v.GetBool("ALLOW_UNENCRYPTED_PROXY_TRAFFIC"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is empty")
	}
	if _, err := url.Parse(c.WCDAPIURL); err != nil || c.WCDAPIURL == "" {
		return fmt.Errorf("config: invalid WCD_API_URL %q", c.WCDAPIURL)
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("config: WORKER_CONCURRENCY must be a positive number")
	}
	if c.ExecutionBudget <= 0 {
		return fmt.Errorf("config: EXECUTION_BUDGET must be positive")
	}
	return nil
}

// Users parses AuthUsers into a map of user id to password. Malformed
// entries are skipped.
func (c *Config) Users() map[string]string {
	m := make(map[string]string, len(c.AuthUsers))
	for _, pair := range c.AuthUsers {
		user, pass, ok := strings.Cut(pair, ":")
		if !ok || user == "" {
			continue
		}
		m[user] = pass
	}
	return m
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// GetInt loads the environment variable varName, converts it to an integer,
// and returns that integer or an error.
func GetInt(varName string) (int, error) {
	envVar := os.Getenv(varName)
	return strconv.Atoi(envVar)
}

// SetMaxIdleConnsPerHost sets the MaxIdleConnsPerHost value for the default
// HTTP transport. If you are using a custom transport, calling this function
// won't change anything.
func SetMaxIdleConnsPerHost(maxConns int) {
	http.DefaultTransport.(*http.Transport).MaxIdleConnsPerHost = maxConns
}
