// Package config loads gcsfs settings from flags, GCSFS_* environment
// variables and an optional YAML file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Backend names
const (
	BackendGCS      = "gcs"
	BackendS3       = "s3"
	BackendPostgres = "postgres"
	BackendMongoDB  = "mongodb"
	BackendMemory   = "memory"
)

// Keys shared by flags, environment and config file
const (
	KeyConfig          = "config"
	KeyBackend         = "backend"
	KeyBucket          = "bucket"
	KeyPrefix          = "prefix"
	KeyCredentialsFile = "credentials-file"
	KeyAccessToken     = "access-token"
	KeyEndpoint        = "endpoint"
	KeyTimeout         = "timeout"
	KeyS3Region        = "s3-region"
	KeyS3Endpoint      = "s3-endpoint"
	KeyPasswdFile      = "passwd-file"
	KeyPostgresDSN     = "postgres-dsn"
	KeyPostgresTable   = "postgres-table"
	KeyMongoURI        = "mongo-uri"
	KeyMongoDatabase   = "mongo-database"
	KeyMongoCollection = "mongo-collection"
	KeyLogLevel        = "log-level"
	KeyMetricsListen   = "metrics-listen"
)

// EnvPrefix prefixes every environment variable, e.g. GCSFS_BUCKET.
const EnvPrefix = "GCSFS"

// DefaultTimeout bounds a single HTTP request
const DefaultTimeout = 60 * time.Second

// Config holds the resolved settings
type Config struct {
	Backend         string
	Bucket          string
	Prefix          string
	CredentialsFile string
	AccessToken     string
	Endpoint        string
	Timeout         time.Duration
	S3Region        string
	S3Endpoint      string
	PasswdFile      string
	PostgresDSN     string
	PostgresTable   string
	MongoURI        string
	MongoDatabase   string
	MongoCollection string
	LogLevel        string
	MetricsListen   string
}

// RegisterFlags adds every setting to flags and binds them to v.
func RegisterFlags(flags *pflag.FlagSet, v *viper.Viper) error {
	flags.String(KeyConfig, "", "path to a YAML config file")
	flags.String(KeyBackend, BackendGCS, "storage backend: gcs, s3, postgres, mongodb or memory")
	flags.String(KeyBucket, "", "bucket name (namespace for postgres/mongodb)")
	flags.String(KeyPrefix, "", "root prefix inside the bucket")
	flags.String(KeyCredentialsFile, "", "service account key file (defaults to GOOGLE_APPLICATION_CREDENTIALS, then Application Default Credentials)")
	flags.String(KeyAccessToken, "", "fixed OAuth2 access token (emulators, short-lived tokens)")
	flags.String(KeyEndpoint, "", "JSON API endpoint (default https://www.googleapis.com)")
	flags.Duration(KeyTimeout, DefaultTimeout, "per-request timeout")
	flags.String(KeyS3Region, "us-east-1", "S3 region")
	flags.String(KeyS3Endpoint, "", "S3 endpoint URL (e.g. https://storage.googleapis.com for HMAC interop)")
	flags.String(KeyPasswdFile, "", "ACCESS_KEY:SECRET_KEY file for the s3 backend")
	flags.String(KeyPostgresDSN, "", "PostgreSQL connection string")
	flags.String(KeyPostgresTable, "files", "PostgreSQL table")
	flags.String(KeyMongoURI, "", "MongoDB connection URI")
	flags.String(KeyMongoDatabase, "gcsfs", "MongoDB database")
	flags.String(KeyMongoCollection, "files", "MongoDB collection")
	flags.String(KeyLogLevel, "", "log level (trace, debug, info, warn, error)")
	flags.String(KeyMetricsListen, "", "address to serve Prometheus metrics on (mount only)")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var bindErr error
	flags.VisitAll(func(flag *pflag.Flag) {
		if bindErr != nil {
			return
		}
		if err := v.BindPFlag(flag.Name, flag); err != nil {
			bindErr = fmt.Errorf("bind flag %q: %w", flag.Name, err)
		}
	})
	return bindErr
}

// Load reads the optional config file named by the config key and
// resolves a validated Config from v.
func Load(v *viper.Viper) (Config, error) {
	if path := strings.TrimSpace(v.GetString(KeyConfig)); path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return Config{}, fmt.Errorf("config file %q: %w", path, err)
		}
		if info.IsDir() {
			return Config{}, fmt.Errorf("config file %q is a directory", path)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	cfg := Config{
		Backend:         strings.ToLower(strings.TrimSpace(v.GetString(KeyBackend))),
		Bucket:          strings.TrimSpace(v.GetString(KeyBucket)),
		Prefix:          strings.TrimSpace(v.GetString(KeyPrefix)),
		CredentialsFile: strings.TrimSpace(v.GetString(KeyCredentialsFile)),
		AccessToken:     strings.TrimSpace(v.GetString(KeyAccessToken)),
		Endpoint:        strings.TrimSpace(v.GetString(KeyEndpoint)),
		Timeout:         v.GetDuration(KeyTimeout),
		S3Region:        strings.TrimSpace(v.GetString(KeyS3Region)),
		S3Endpoint:      strings.TrimSpace(v.GetString(KeyS3Endpoint)),
		PasswdFile:      strings.TrimSpace(v.GetString(KeyPasswdFile)),
		PostgresDSN:     strings.TrimSpace(v.GetString(KeyPostgresDSN)),
		PostgresTable:   strings.TrimSpace(v.GetString(KeyPostgresTable)),
		MongoURI:        strings.TrimSpace(v.GetString(KeyMongoURI)),
		MongoDatabase:   strings.TrimSpace(v.GetString(KeyMongoDatabase)),
		MongoCollection: strings.TrimSpace(v.GetString(KeyMongoCollection)),
		LogLevel:        strings.TrimSpace(v.GetString(KeyLogLevel)),
		MetricsListen:   strings.TrimSpace(v.GetString(KeyMetricsListen)),
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendGCS
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the selected backend has what it needs.
func (c Config) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	switch c.Backend {
	case BackendGCS, BackendS3:
		if c.Bucket == "" {
			return fmt.Errorf("bucket is required for the %s backend", c.Backend)
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres-dsn is required for the postgres backend")
		}
	case BackendMongoDB:
		if c.MongoURI == "" {
			return fmt.Errorf("mongo-uri is required for the mongodb backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	return nil
}
