package app

import (
	"net"
	"strings"
	"time"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// RedisAddr enables the cross-node relay bridge when non-empty.
	RedisAddr string

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// Participant liveness sweeping.
	PresenceSweepInterval time.Duration
	PresenceStaleAfter    time.Duration
}

// LoadConfig loads Config from environment variables with defaults.
//
// The listen address honors the plain HOST and PORT variables; the explicit
// COEDIT_HTTP_ADDR wins when set.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("COEDIT_HTTP_ADDR", listenAddrFromHostPort()),
		LogLevel:  EnvString("COEDIT_LOG_LEVEL", "info"),
		LogFormat: EnvString("COEDIT_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("COEDIT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("COEDIT_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("COEDIT_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("COEDIT_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("COEDIT_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("COEDIT_DATABASE_URL", ""),
		DBSchema:    EnvString("COEDIT_DB_SCHEMA", "coedit"),
		DBMaxConns:  EnvInt32("COEDIT_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("COEDIT_DB_MIN_CONNS", 0),

		RedisAddr: EnvString("COEDIT_REDIS_ADDR", ""),

		ReadinessRequireDB: EnvBool("COEDIT_READINESS_REQUIRE_DB", false),

		CORSAllowedOrigins:   EnvCSV("COEDIT_CORS_ALLOWED_ORIGINS", ""),
		CORSAllowCredentials: EnvBool("COEDIT_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("COEDIT_CORS_MAX_AGE_SECONDS", 600),

		PresenceSweepInterval: EnvDuration("COEDIT_PRESENCE_SWEEP_INTERVAL", 30*time.Second),
		PresenceStaleAfter:    EnvDuration("COEDIT_PRESENCE_STALE_AFTER", 2*time.Minute),
	}
}

func listenAddrFromHostPort() string {
	host := EnvString("HOST", "0.0.0.0")
	port := EnvString("PORT", "8080")
	return net.JoinHostPort(strings.Trim(host, "[]"), port)
}
