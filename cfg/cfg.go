package cfg

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port               string
	Environment        string
	LogLevel           string
	DatabasePath       string
	RedisURL           string
	RedisTLS           bool
	RedisUsername      string
	RedisPassword      Secret
	RedisTimeout       time.Duration
	SettingsCacheSize  int
	SettingsCacheTTL   time.Duration
	RateLimit          RateLimitCfg
	MaxTextSize        int64
	MaxFileSize        int64
	MaxTTL             time.Duration
	DefaultTTL         time.Duration
	AllowedFileExts    []string
	AdminSecret        Secret
	AdminSecretFromKMS bool
	AdminTokenTTL      time.Duration
	TrustedProxies     []string
	MetricsUser        string
	MetricsPass        Secret
	Blob               BlobCfg
	CleanupInterval    time.Duration
	ContextTimeout     time.Duration
	AllowedOrigins     []string
	DBMaxOpenConns     int
	DBMaxIdleConns     int
	DBQueryTimeout     time.Duration
	KeyCacheTTL        time.Duration
}

// RateLimitCfg carries the per-action window specs in their textual
// form ("30/1m,200/1h"); the limiter package owns parsing so the same
// format works for runtime setting overrides.
type RateLimitCfg struct {
	CreateWindows     string
	ReadWindows       string
	UnlockWindows     string
	ConservativeLimit int
}

type BlobCfg struct {
	Endpoint  string
	AccessKey string
	SecretKey Secret
	Bucket    string
	UseSSL    bool
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.DatabasePath = getEnv("DATABASE_PATH", "bindrop.db")
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	var err error
	c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.SettingsCacheSize, err = getInt("SETTINGS_CACHE_SIZE", 256)
	if err != nil {
		return nil, err
	}
	c.SettingsCacheTTL, err = getDuration("SETTINGS_CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, err
	}
	c.RateLimit.CreateWindows = getEnv("RATE_CREATE_WINDOWS", "10/1m,100/1h")
	c.RateLimit.ReadWindows = getEnv("RATE_READ_WINDOWS", "60/1m,1000/1h")
	c.RateLimit.UnlockWindows = getEnv("RATE_UNLOCK_WINDOWS", "10/1m,30/1h")
	c.RateLimit.ConservativeLimit, err = getInt("RATE_LIMIT_CONSERVATIVE", 5)
	if err != nil {
		return nil, err
	}
	c.MaxTextSize, err = getInt64("MAX_TEXT_SIZE", 500*1024)
	if err != nil {
		return nil, err
	}
	c.MaxFileSize, err = getInt64("MAX_FILE_SIZE", 10*1024*1024)
	if err != nil {
		return nil, err
	}
	c.MaxTTL, err = getDuration("MAX_TTL", 14*24*time.Hour)
	if err != nil {
		return nil, err
	}
	c.DefaultTTL, err = getDuration("DEFAULT_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	c.AllowedFileExts = getSlice("ALLOWED_FILE_EXTS",
		[]string{".txt", ".log", ".md", ".json", ".yaml", ".yml", ".csv", ".pdf", ".png", ".jpg", ".jpeg", ".gif", ".zip", ".gz"})
	c.AdminSecret = NewSecret(getEnv("ADMIN_SECRET", ""))
	c.AdminSecretFromKMS = getEnv("ADMIN_SECRET_FROM_KMS", "false") == "true"
	c.AdminTokenTTL, err = getDuration("ADMIN_TOKEN_TTL", 12*time.Hour)
	if err != nil {
		return nil, err
	}
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.Blob.Endpoint = getEnv("BLOB_ENDPOINT", "")
	c.Blob.AccessKey = getEnv("BLOB_ACCESS_KEY", "")
	c.Blob.SecretKey = NewSecret(getEnv("BLOB_SECRET_KEY", ""))
	c.Blob.Bucket = getEnv("BLOB_BUCKET", "bindrop")
	c.Blob.UseSSL = getEnv("BLOB_USE_SSL", "false") == "true"
	c.CleanupInterval, err = getDuration("CLEANUP_INTERVAL", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})

	c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 100)
	if err != nil {
		return nil, err
	}
	c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, err
	}
	c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.KeyCacheTTL, err = getDuration("KEY_CACHE_TTL", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}

	if c.DatabasePath == "" {
		return errors.New("DATABASE_PATH is required")
	}
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	absDBPath, err := filepath.Abs(c.DatabasePath)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_PATH: %w", err)
	}
	if !strings.HasPrefix(absDBPath, absWorkDir+string(filepath.Separator)) && absDBPath != absWorkDir {
		return fmt.Errorf("DATABASE_PATH must be within working directory %s", absWorkDir)
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}

	if c.SettingsCacheSize <= 0 {
		return errors.New("SETTINGS_CACHE_SIZE must be positive")
	}
	if c.RateLimit.ConservativeLimit <= 0 {
		return errors.New("RATE_LIMIT_CONSERVATIVE must be positive")
	}

	if c.MaxTextSize <= 0 {
		return errors.New("MAX_TEXT_SIZE must be positive")
	}
	if c.MaxTextSize > 10*1024*1024 {
		return errors.New("MAX_TEXT_SIZE cannot exceed 10MB")
	}
	if c.MaxFileSize <= 0 {
		return errors.New("MAX_FILE_SIZE must be positive")
	}
	if c.MaxFileSize > 100*1024*1024 {
		return errors.New("MAX_FILE_SIZE cannot exceed 100MB")
	}

	if c.MaxTTL < time.Minute {
		return errors.New("MAX_TTL must be at least 1 minute")
	}
	if c.DefaultTTL <= 0 || c.DefaultTTL > c.MaxTTL {
		return errors.New("DEFAULT_TTL must be positive and within MAX_TTL")
	}
	for _, ext := range c.AllowedFileExts {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("ALLOWED_FILE_EXTS entries must start with a dot: %s", ext)
		}
	}
	if c.AdminTokenTTL < time.Minute {
		return errors.New("ADMIN_TOKEN_TTL must be at least 1 minute")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else {
			if net.ParseIP(proxy) == nil {
				return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
			}
		}
	}

	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	if !c.AdminSecretFromKMS {
		if len(c.AdminSecret.Value()) == 0 {
			return errors.New("ADMIN_SECRET is required if ADMIN_SECRET_FROM_KMS is false")
		}
		if len(c.AdminSecret.Value()) < 32 {
			return errors.New("ADMIN_SECRET must be at least 32 bytes")
		}
	}
	if c.Blob.Endpoint != "" {
		if c.Blob.AccessKey == "" || c.Blob.SecretKey.Value() == "" {
			return errors.New("BLOB_ACCESS_KEY and BLOB_SECRET_KEY are required when BLOB_ENDPOINT is set")
		}
		if c.Blob.Bucket == "" {
			return errors.New("BLOB_BUCKET is required when BLOB_ENDPOINT is set")
		}
	}

	if c.CleanupInterval < time.Minute {
		return errors.New("CLEANUP_INTERVAL must be at least 1 minute")
	}
	if c.KeyCacheTTL < 1*time.Minute {
		return errors.New("KEY_CACHE_TTL must be at least 1 minute")
	}
	if c.KeyCacheTTL > 1*time.Hour {
		return errors.New("KEY_CACHE_TTL should not exceed 1 hour")
	}

	return nil
}

func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.AdminSecret.Wipe()
	c.Blob.SecretKey.Wipe()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
