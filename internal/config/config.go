package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	AppEnv        string
	HTTPAddr      string
	RedisAddr     string
	RedisPassword string
	DataDir       string

	PostgresDSN      string
	PostgresMaxConns int

	SupabaseURL        string
	SupabaseServiceKey string
	SupabaseBucket     string

	SitesFile string

	BatchSize           int
	WorkersPerSite      int
	MaxActiveSites      int
	StaleProcessing     time.Duration
	ExhaustedThreshold  int
	DriftTolerance      float64
	ReconcileCron       string
	AdapterTimeout      time.Duration
	DiscoveryPages      int
	DefaultMaxRetries   int
	SweepInterval       time.Duration
}

// Site is one configured auction site. Credentials come from the environment,
// not from the yaml file, so the file stays safe to commit.
type Site struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	Adapter string `yaml:"adapter"` // httpjson|html|rendered|mock

	UsernameEnv string `yaml:"username_env"`
	PasswordEnv string `yaml:"password_env"`

	RateLimit struct {
		MaxConcurrent int `yaml:"max_concurrent"`
		MinIntervalMS int `yaml:"min_interval_ms"`
	} `yaml:"rate_limit"`

	MaxRetries int `yaml:"max_retries"`
}

func (s Site) Username() string { return os.Getenv(s.UsernameEnv) }
func (s Site) Password() string { return os.Getenv(s.PasswordEnv) }

func (s Site) MinInterval() time.Duration {
	return time.Duration(s.RateLimit.MinIntervalMS) * time.Millisecond
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func Load() Config {
	cfg := Config{
		AppEnv:        getenv("APP_ENV", "development"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8081"),
		RedisAddr:     getenv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		DataDir:       getenv("DATA_DIR", "./data"),

		PostgresDSN:      os.Getenv("PG_DSN"),
		PostgresMaxConns: getenvInt("PG_MAX_CONNS", 8),

		SupabaseURL:        os.Getenv("SUPABASE_URL"),
		SupabaseServiceKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:     getenv("SUPABASE_STORAGE_BUCKET", "reports"),

		SitesFile: getenv("SITES_FILE", "sites.yaml"),

		BatchSize:          getenvInt("BATCH_SIZE", 100),
		WorkersPerSite:     getenvInt("WORKERS_PER_SITE", 5),
		MaxActiveSites:     getenvInt("MAX_ACTIVE_SITES", 3),
		StaleProcessing:    getenvDuration("STALE_PROCESSING_THRESHOLD", 15*time.Minute),
		ExhaustedThreshold: getenvInt("EXHAUSTED_THRESHOLD", 0),
		DriftTolerance:     getenvFloat("DRIFT_TOLERANCE", 0.95),
		ReconcileCron:      getenv("RECONCILE_CRON", "0 */6 * * *"),
		AdapterTimeout:     getenvDuration("ADAPTER_TIMEOUT", 30*time.Second),
		DiscoveryPages:     getenvInt("DISCOVERY_PAGES", 10),
		DefaultMaxRetries:  getenvInt("MAX_RETRIES", 3),
		SweepInterval:      getenvDuration("SWEEP_INTERVAL", time.Minute),
	}
	if cfg.PostgresDSN == "" {
		panic(fmt.Errorf("PG_DSN is required"))
	}
	return cfg
}

// LoadSites reads the per-site configuration file. Sites without their own
// max_retries inherit defaultMaxRetries (MAX_RETRIES from the environment).
func LoadSites(path string, defaultMaxRetries int) ([]Site, error) {
	if defaultMaxRetries <= 0 {
		defaultMaxRetries = 3
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sites file: %w", err)
	}
	var doc struct {
		Sites []Site `yaml:"sites"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse sites file: %w", err)
	}
	if len(doc.Sites) == 0 {
		return nil, fmt.Errorf("no sites configured in %s", path)
	}
	seen := make(map[string]struct{}, len(doc.Sites))
	for i := range doc.Sites {
		s := &doc.Sites[i]
		if s.Name == "" {
			return nil, fmt.Errorf("site %d: name is required", i)
		}
		if _, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("duplicate site name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.Adapter == "" {
			s.Adapter = "httpjson"
		}
		if s.RateLimit.MaxConcurrent <= 0 {
			s.RateLimit.MaxConcurrent = 5
		}
		if s.MaxRetries <= 0 {
			s.MaxRetries = defaultMaxRetries
		}
	}
	return doc.Sites, nil
}
