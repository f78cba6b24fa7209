package cfg

import (
	"fmt"
	"net"
	"os"
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
	Port         string
	Environment  string
	LogLevel     string
	DatabasePath string

	RedisURL      string
	RedisTLS      bool
	RedisUsername string
	RedisPassword Secret
	RedisTimeout  time.Duration

	LRUCacheSize int

	// Capacity policies. MaxPastes bounds the live row count,
	// MaxTotalContentBytes bounds the aggregate content size, MaxPasteSize
	// bounds a single paste.
	MaxPastes            int64
	MaxTotalContentBytes int64
	MaxPasteSize         int64

	// TTL and token-length allow-lists, in the original-form sense: an
	// out-of-list request silently normalizes to the default.
	TTLPresetsSecs     []int64
	DefaultTTLSecs     int64
	TokenLengths       []int
	DefaultTokenLength int

	ExplorePageLimit int

	RateLimit      RateLimitCfg
	TrustedProxies []string
	AllowedOrigins []string

	MetricsUser string
	MetricsPass Secret

	WorkerPoolSize int
	MaxWorkerLoad  int
	ContextTimeout time.Duration

	DBMaxOpenConns int
	DBMaxIdleConns int
	DBQueryTimeout time.Duration
}

type RateLimitCfg struct {
	RPM   int
	Burst int
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.DatabasePath = getEnv("DATABASE_PATH", "fadebin.db")
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	var err error
	c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.LRUCacheSize, err = getInt("LRU_CACHE_SIZE", 1000)
	if err != nil {
		return nil, err
	}
	c.MaxPastes, err = getInt64("MAX_PASTES", 1000)
	if err != nil {
		return nil, err
	}
	c.MaxTotalContentBytes, err = getInt64("MAX_TOTAL_CONTENT_BYTES", 10*1024*1024)
	if err != nil {
		return nil, err
	}
	c.MaxPasteSize, err = getInt64("MAX_PASTE_SIZE", 64*1024)
	if err != nil {
		return nil, err
	}
	c.TTLPresetsSecs, err = getDurationSecsList("TTL_PRESETS", "10m,1h,24h,168h")
	if err != nil {
		return nil, err
	}
	defaultTTL, err := getDuration("DEFAULT_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	c.DefaultTTLSecs = int64(defaultTTL / time.Second)
	c.TokenLengths, err = getIntList("TOKEN_LENGTHS", "4,6,8,16")
	if err != nil {
		return nil, err
	}
	c.DefaultTokenLength, err = getInt("DEFAULT_TOKEN_LENGTH", 8)
	if err != nil {
		return nil, err
	}
	c.ExplorePageLimit, err = getInt("EXPLORE_PAGE_LIMIT", 100)
	if err != nil {
		return nil, err
	}
	c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 60)
	if err != nil {
		return nil, err
	}
	c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 10)
	if err != nil {
		return nil, err
	}
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.WorkerPoolSize, err = getInt("WORKER_POOL_SIZE", 20)
	if err != nil {
		return nil, err
	}
	c.MaxWorkerLoad, err = getInt("MAX_WORKER_LOAD", 100)
	if err != nil {
		return nil, err
	}
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
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
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if c.LRUCacheSize <= 0 {
		return errors.New("LRU_CACHE_SIZE must be positive")
	}
	if c.MaxPastes <= 0 {
		return errors.New("MAX_PASTES must be positive")
	}
	if c.MaxPasteSize <= 0 {
		return errors.New("MAX_PASTE_SIZE must be positive")
	}
	if c.MaxPasteSize > 10*1024*1024 {
		return errors.New("MAX_PASTE_SIZE cannot exceed 10MB")
	}
	if c.MaxTotalContentBytes < c.MaxPasteSize {
		return errors.New("MAX_TOTAL_CONTENT_BYTES must be at least MAX_PASTE_SIZE")
	}
	if len(c.TTLPresetsSecs) == 0 {
		return errors.New("TTL_PRESETS must not be empty")
	}
	for _, secs := range c.TTLPresetsSecs {
		if secs <= 0 {
			return errors.New("TTL_PRESETS entries must be positive")
		}
	}
	if !containsInt64(c.TTLPresetsSecs, c.DefaultTTLSecs) {
		return errors.New("DEFAULT_TTL must be one of TTL_PRESETS")
	}
	if len(c.TokenLengths) == 0 {
		return errors.New("TOKEN_LENGTHS must not be empty")
	}
	for _, n := range c.TokenLengths {
		if n < 4 || n > 64 {
			return errors.New("TOKEN_LENGTHS entries must be between 4 and 64")
		}
	}
	if !containsInt(c.TokenLengths, c.DefaultTokenLength) {
		return errors.New("DEFAULT_TOKEN_LENGTH must be one of TOKEN_LENGTHS")
	}
	if c.ExplorePageLimit <= 0 || c.ExplorePageLimit > 1000 {
		return errors.New("EXPLORE_PAGE_LIMIT must be between 1 and 1000")
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
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
	return nil
}

func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
}

func containsInt64(list []int64, v int64) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
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

func getDurationSecsList(key, fallback string) ([]int64, error) {
	s := getEnv(key, fallback)
	var result []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q for %s: %w", part, key, err)
		}
		result = append(result, int64(d/time.Second))
	}
	return result, nil
}

func getIntList(key, fallback string) ([]int, error) {
	s := getEnv(key, fallback)
	var result []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q for %s: %w", part, key, err)
		}
		result = append(result, v)
	}
	return result, nil
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
