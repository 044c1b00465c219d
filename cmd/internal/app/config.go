package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime configuration loaded from environment variables.
// CLI flags override individual fields after LoadConfig.
type Config struct {
	LogLevel  string
	LogFormat string // "json" (default) or "pretty"

	// StatusAddr serves /healthz, /readyz and /metrics. Empty disables it.
	StatusAddr         string
	ReadinessRequireDB bool

	APIBaseURL string
	BrokerURL  string
	UserID     string

	// Credential: TokenFile (cookie store) wins over TokenEnv.
	TokenFile string
	TokenEnv  string

	ChannelPathTemplate string
	PublishDestination  string

	HeartbeatOutgoing time.Duration
	HeartbeatIncoming time.Duration
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration

	ReconnectBase    time.Duration
	ReconnectMax     time.Duration
	ReconnectCeiling int

	UploadRetries int
	UploadBackoff time.Duration
	APIRPS        float64
	APIBurst      int

	HistoryLimit int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		LogLevel:  EnvString("EDUCHAT_LOG_LEVEL", "info"),
		LogFormat: EnvString("EDUCHAT_LOG_FORMAT", "json"),

		StatusAddr:         EnvString("EDUCHAT_STATUS_ADDR", ""),
		ReadinessRequireDB: EnvBool("EDUCHAT_READY_REQUIRE_DB", false),

		APIBaseURL: EnvString("EDUCHAT_API_URL", "https://api.eduai.tech"),
		BrokerURL:  EnvString("EDUCHAT_BROKER_URL", "wss://api.eduai.tech/ws"),
		UserID:     EnvString("EDUCHAT_USER_ID", ""),

		TokenFile: EnvString("EDUCHAT_TOKEN_FILE", ""),
		TokenEnv:  EnvString("EDUCHAT_TOKEN_ENV", "EDUCHAT_TOKEN"),

		ChannelPathTemplate: EnvString("EDUCHAT_CHANNEL_TEMPLATE", "/direct-chat/%s"),
		PublishDestination:  EnvString("EDUCHAT_PUBLISH_DESTINATION", "/app/chat.sendMessage"),

		HeartbeatOutgoing: EnvDuration("EDUCHAT_HEARTBEAT_OUT", 4*time.Second),
		HeartbeatIncoming: EnvDuration("EDUCHAT_HEARTBEAT_IN", 4*time.Second),
		ConnectTimeout:    EnvDuration("EDUCHAT_CONNECT_TIMEOUT", 10*time.Second),
		PublishTimeout:    EnvDuration("EDUCHAT_PUBLISH_TIMEOUT", 5*time.Second),

		ReconnectBase:    EnvDuration("EDUCHAT_RECONNECT_BASE", 1*time.Second),
		ReconnectMax:     EnvDuration("EDUCHAT_RECONNECT_MAX", 30*time.Second),
		ReconnectCeiling: EnvInt("EDUCHAT_RECONNECT_CEILING", 5),

		UploadRetries: EnvInt("EDUCHAT_UPLOAD_RETRIES", 2),
		UploadBackoff: EnvDuration("EDUCHAT_UPLOAD_BACKOFF", 1*time.Second),
		APIRPS:        EnvFloat64("EDUCHAT_API_RPS", 5),
		APIBurst:      EnvInt("EDUCHAT_API_BURST", 10),

		HistoryLimit: EnvInt("EDUCHAT_HISTORY_LIMIT", 200),

		DatabaseURL: EnvString("EDUCHAT_DATABASE_URL", ""),
		DBSchema:    EnvString("EDUCHAT_DB_SCHEMA", "educhat"),
		DBMaxConns:  EnvInt32("EDUCHAT_DB_MAX_CONNS", 4),
		DBMinConns:  EnvInt32("EDUCHAT_DB_MIN_CONNS", 0),
	}
}

// Validate checks the fields every command needs.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.APIBaseURL) == "" {
		errs = append(errs, errors.New("EDUCHAT_API_URL is required"))
	}
	if strings.TrimSpace(c.BrokerURL) == "" {
		errs = append(errs, errors.New("EDUCHAT_BROKER_URL is required"))
	}
	if strings.TrimSpace(c.UserID) == "" {
		errs = append(errs, errors.New("user id is required (EDUCHAT_USER_ID or --user)"))
	}
	if c.ReconnectMax < c.ReconnectBase {
		errs = append(errs, fmt.Errorf("EDUCHAT_RECONNECT_MAX (%s) is below EDUCHAT_RECONNECT_BASE (%s)", c.ReconnectMax, c.ReconnectBase))
	}
	return errors.Join(errs...)
}
