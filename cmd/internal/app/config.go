package app

import "time"

// Config contains the runtime configuration loaded from environment variables.
//
// Component configs (session, backend, federated, feed, view endpoints and
// view stream) are loaded by their own packages; this holds what the process
// itself needs.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// RoutesFile overrides the embedded route guard table.
	RoutesFile string

	DBMaxConns int32
	DBMinConns int32

	// CORS for view apps served from another local origin. Entries are full
	// origins; a "*" port matches any port of that host.
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	MetricsEnabled bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("ELAW_HTTP_ADDR", "127.0.0.1:5173"),
		LogLevel:  EnvString("ELAW_LOG_LEVEL", "info"),
		LogFormat: EnvString("ELAW_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("ELAW_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("ELAW_HTTP_READ_TIMEOUT", 15*time.Second),
		// Long enough for a backend round trip (10s default) behind a view action.
		WriteTimeout:   EnvDuration("ELAW_HTTP_WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:    EnvDuration("ELAW_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes: EnvInt("ELAW_HTTP_MAX_HEADER_BYTES", 1<<20),

		RoutesFile: EnvString("ELAW_ROUTES_FILE", ""),

		DBMaxConns: EnvInt32("ELAW_DB_MAX_CONNS", 4),
		DBMinConns: EnvInt32("ELAW_DB_MIN_CONNS", 0),

		CORSAllowedOrigins:   EnvCSV("ELAW_CORS_ALLOWED_ORIGINS"),
		CORSAllowCredentials: EnvBool("ELAW_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("ELAW_CORS_MAX_AGE_SECONDS", 600),

		MetricsEnabled: EnvBool("ELAW_METRICS_ENABLED", true),
	}
}
