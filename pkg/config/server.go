package config

import "time"

// ServerConfig holds runtime configuration for the iwad control plane.
type ServerConfig struct {
	Environment   string
	Addr          string
	LogLevel      string
	DatabaseURL   string
	MigrationsDir string

	// Bundle storage: immutable, versioned asset objects.
	BundleStoreDriver string
	BundleStorePath   string
	BundleBaseURL     string

	// Document storage: one mutable entry document per environment.
	DocumentStoreDriver string
	DocumentStorePath   string

	// Shared OSS settings, used by whichever store selects the oss driver.
	OSSRegion          string
	OSSEndpoint        string
	OSSAccessKeyID     string
	OSSAccessKeySecret string
	OSSBundleBucket    string
	OSSDocumentBucket  string
	OSSPrefix          string

	// Per-environment release serialization.
	ReleaseLockRedisAddr     string
	ReleaseLockRedisPassword string
	ReleaseLockRedisDB       int
	ReleaseLockTTL           time.Duration

	OperatorTokens []string

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int

	PublishMaxBytes   int64
	PolicyPatterns    []string
	EventBuffer       int
	PendingReleaseTTL time.Duration

	// Retention: zero values keep every release record forever.
	RetentionKeepReleases int
	RetentionMaxAge       time.Duration
	RetentionSchedule     string

	// Edge config generation (optional).
	EdgeConfigPath    string
	EdgeReloadCommand string
	EdgeServerName    string
	EdgeUpstream      string
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("API_ADDR", ":4000"),
		LogLevel:      GetString("LOG_LEVEL", "info"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://iwa:iwa@db:5432/iwa?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./db/migrations"),

		BundleStoreDriver: GetString("BUNDLE_STORE_DRIVER", "fs"),
		BundleStorePath:   GetString("BUNDLE_STORE_PATH", "./data/bundles"),
		BundleBaseURL:     GetString("BUNDLE_BASE_URL", "http://localhost:4000/bundles"),

		DocumentStoreDriver: GetString("DOCUMENT_STORE_DRIVER", "fs"),
		DocumentStorePath:   GetString("DOCUMENT_STORE_PATH", "./data/documents"),

		OSSRegion:          GetString("OSS_REGION", ""),
		OSSEndpoint:        GetString("OSS_ENDPOINT", ""),
		OSSAccessKeyID:     GetString("OSS_ACCESS_KEY_ID", ""),
		OSSAccessKeySecret: GetString("OSS_ACCESS_KEY_SECRET", ""),
		OSSBundleBucket:    GetString("OSS_BUNDLE_BUCKET", ""),
		OSSDocumentBucket:  GetString("OSS_DOCUMENT_BUCKET", ""),
		OSSPrefix:          GetString("OSS_PREFIX", ""),

		ReleaseLockRedisAddr:     GetString("RELEASE_LOCK_REDIS_ADDR", ""),
		ReleaseLockRedisPassword: GetString("RELEASE_LOCK_REDIS_PASSWORD", ""),
		ReleaseLockRedisDB:       GetInt("RELEASE_LOCK_REDIS_DB", 0),
		ReleaseLockTTL:           GetSeconds("RELEASE_LOCK_TTL_SECONDS", 30*time.Second),

		OperatorTokens: GetList("OPERATOR_TOKENS"),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),

		PublishMaxBytes:   int64(GetInt("PUBLISH_MAX_MB", 512)) << 20,
		PolicyPatterns:    GetList("POLICY_FORBIDDEN_PATTERNS"),
		EventBuffer:       GetInt("WS_EVENT_BUFFER", 100),
		PendingReleaseTTL: GetSeconds("RELEASE_PENDING_TTL_SECONDS", 300*time.Second),

		RetentionKeepReleases: GetInt("RETENTION_KEEP_RELEASES", 0),
		RetentionMaxAge:       GetSeconds("RETENTION_MAX_AGE_SECONDS", 0),
		RetentionSchedule:     GetString("RETENTION_SCHEDULE", "@hourly"),

		EdgeConfigPath:    GetString("EDGE_CONFIG_PATH", ""),
		EdgeReloadCommand: GetString("EDGE_RELOAD_COMMAND", ""),
		EdgeServerName:    GetString("EDGE_SERVER_NAME", "apps.localhost"),
		EdgeUpstream:      GetString("EDGE_UPSTREAM", "127.0.0.1:4000"),
	}
}
