package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API process.
// All values come from env. A .env file in the working directory is loaded
// first when present; real env vars win over it.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Voice     VoiceConfig
	Workflow  WorkflowConfig
	Batch     BatchConfig
	Lifecycle LifecycleConfig
	Scoring   ScoringConfig
	Cache     CacheConfig
	HTTP      HTTPConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	// Driver is postgres or sqlite. sqlite is for local runs only.
	Driver string

	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	SQLitePath string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

type VoiceConfig struct {
	BaseURL       string
	APIKey        string
	AssistantID   string
	PhoneNumberID string
	WebhookSecret string

	CreateRate  float64
	CreateBurst int

	// MaxLiveCalls caps concurrent outbound calls across all processes. Zero disables the cap.
	MaxLiveCalls int

	CacheInterval time.Duration
	MissThreshold int
	PollInterval  time.Duration
	CallTimeout   time.Duration
}

type WorkflowConfig struct {
	Enabled   bool
	BaseURL   string
	Namespace string
	FlowID    string
	Username  string
	Password  string

	PollInterval time.Duration
	PollTimeout  time.Duration
	ProbeTimeout time.Duration
}

type BatchConfig struct {
	Limit int
}

type LifecycleConfig struct {
	PollInterval time.Duration
	PollAttempts int

	RecheckMax      int
	RecheckBase     time.Duration
	RecheckMaxDelay time.Duration
	StaleAfter      time.Duration

	Queue       string
	Concurrency int
}

type ScoringConfig struct {
	WeightsPath string
	TopK        int
	Timeout     time.Duration

	ReasonerURL    string
	ReasonerAPIKey string
	GeminiAPIKey   string
	GeminiModel    string
}

type CacheConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

type HTTPConfig struct {
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

func Load() (Config, error) {
	// Missing .env is normal outside local runs.
	_ = godotenv.Load()

	c := Config{}
	var parseErrs []error

	c.App.Env = env("APP_ENV")
	c.App.Port, parseErrs = collect(parseErrs)(mustInt("APP_PORT"))

	c.DB.Driver = strings.ToLower(env("DB_DRIVER"))
	c.DB.Host = env("DB_HOST")
	c.DB.Port, parseErrs = collect(parseErrs)(optInt("DB_PORT"))
	c.DB.User = env("DB_USER")
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = env("DB_NAME")
	c.DB.SSLMode = env("DB_SSLMODE")
	c.DB.SQLitePath = env("DB_SQLITE_PATH")

	c.Redis.Host = env("REDIS_HOST")
	c.Redis.Port, parseErrs = collect(parseErrs)(mustInt("REDIS_PORT"))
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = env("JWT_ISSUER")
	c.Auth.JWTAudience = env("JWT_AUDIENCE")
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")

	c.Voice.BaseURL = env("VOICE_BASE_URL")
	c.Voice.APIKey = os.Getenv("VOICE_API_KEY")
	c.Voice.AssistantID = env("VOICE_ASSISTANT_ID")
	c.Voice.PhoneNumberID = env("VOICE_PHONE_NUMBER_ID")
	c.Voice.WebhookSecret = os.Getenv("VOICE_WEBHOOK_SECRET")
	c.Voice.CreateRate, parseErrs = collectFloat(parseErrs)(optFloat("VOICE_CREATE_RATE"))
	c.Voice.CreateBurst, parseErrs = collect(parseErrs)(optInt("VOICE_CREATE_BURST"))
	c.Voice.MaxLiveCalls, parseErrs = collect(parseErrs)(optInt("VOICE_MAX_LIVE_CALLS"))
	c.Voice.CacheInterval = mustDuration("VOICE_CACHE_INTERVAL")
	c.Voice.MissThreshold, parseErrs = collect(parseErrs)(optInt("VOICE_MISS_THRESHOLD"))
	c.Voice.PollInterval = mustDuration("VOICE_POLL_INTERVAL")
	c.Voice.CallTimeout = mustDuration("VOICE_CALL_TIMEOUT")

	c.Workflow.Enabled = optBool("WORKFLOW_ENABLED")
	c.Workflow.BaseURL = env("WORKFLOW_BASE_URL")
	c.Workflow.Namespace = env("WORKFLOW_NAMESPACE")
	c.Workflow.FlowID = env("WORKFLOW_FLOW_ID")
	c.Workflow.Username = env("WORKFLOW_USERNAME")
	c.Workflow.Password = os.Getenv("WORKFLOW_PASSWORD")
	c.Workflow.PollInterval = mustDuration("WORKFLOW_POLL_INTERVAL")
	c.Workflow.PollTimeout = mustDuration("WORKFLOW_POLL_TIMEOUT")
	c.Workflow.ProbeTimeout = mustDuration("WORKFLOW_PROBE_TIMEOUT")

	c.Batch.Limit, parseErrs = collect(parseErrs)(optInt("BATCH_LIMIT"))

	c.Lifecycle.PollInterval = mustDuration("LIFECYCLE_POLL_INTERVAL")
	c.Lifecycle.PollAttempts, parseErrs = collect(parseErrs)(optInt("LIFECYCLE_POLL_ATTEMPTS"))
	c.Lifecycle.RecheckMax, parseErrs = collect(parseErrs)(optInt("LIFECYCLE_RECHECK_MAX"))
	c.Lifecycle.RecheckBase = mustDuration("LIFECYCLE_RECHECK_BASE")
	c.Lifecycle.RecheckMaxDelay = mustDuration("LIFECYCLE_RECHECK_MAX_DELAY")
	c.Lifecycle.StaleAfter = mustDuration("LIFECYCLE_STALE_AFTER")
	c.Lifecycle.Queue = env("JOBS_QUEUE")
	c.Lifecycle.Concurrency, parseErrs = collect(parseErrs)(optInt("JOBS_CONCURRENCY"))

	c.Scoring.WeightsPath = env("SCORING_WEIGHTS_PATH")
	c.Scoring.TopK, parseErrs = collect(parseErrs)(optInt("SCORING_TOP_K"))
	c.Scoring.Timeout = mustDuration("SCORING_TIMEOUT")
	c.Scoring.ReasonerURL = env("SCORING_REASONER_URL")
	c.Scoring.ReasonerAPIKey = os.Getenv("SCORING_REASONER_API_KEY")
	c.Scoring.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	c.Scoring.GeminiModel = env("GEMINI_MODEL")

	c.Cache.TTL = mustDuration("RESULT_CACHE_TTL")
	c.Cache.SweepInterval = mustDuration("RESULT_CACHE_SWEEP")

	c.HTTP.CORSOrigins = splitList(env("CORS_ALLOWED_ORIGINS"))
	c.HTTP.RateLimitRPS, parseErrs = collectFloat(parseErrs)(optFloat("HTTP_RATE_LIMIT_RPS"))
	c.HTTP.RateLimitBurst, parseErrs = collect(parseErrs)(optInt("HTTP_RATE_LIMIT_BURST"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	errs = append(errs, c.validateDB()...)

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}

	errs = append(errs, c.validateVoice()...)

	if c.Workflow.Enabled {
		if c.Workflow.BaseURL == "" {
			errs = append(errs, errors.New("WORKFLOW_BASE_URL is required when WORKFLOW_ENABLED"))
		}
		if c.Workflow.Namespace == "" || c.Workflow.FlowID == "" {
			errs = append(errs, errors.New("WORKFLOW_NAMESPACE and WORKFLOW_FLOW_ID are required when WORKFLOW_ENABLED"))
		}
	}
	c.Workflow.PollInterval = orDuration(c.Workflow.PollInterval, 2*time.Second)
	c.Workflow.PollTimeout = orDuration(c.Workflow.PollTimeout, 10*time.Minute)
	c.Workflow.ProbeTimeout = orDuration(c.Workflow.ProbeTimeout, 3*time.Second)
	if c.Workflow.ProbeTimeout > 3*time.Second {
		errs = append(errs, fmt.Errorf("WORKFLOW_PROBE_TIMEOUT must be at most 3s, got %s", c.Workflow.ProbeTimeout))
	}

	if c.Batch.Limit < 0 {
		errs = append(errs, fmt.Errorf("BATCH_LIMIT must not be negative, got %d", c.Batch.Limit))
	} else if c.Batch.Limit == 0 {
		c.Batch.Limit = 5
	}

	c.Lifecycle.PollInterval = orDuration(c.Lifecycle.PollInterval, 2*time.Second)
	c.Lifecycle.PollAttempts = orInt(c.Lifecycle.PollAttempts, 15)
	c.Lifecycle.RecheckMax = orInt(c.Lifecycle.RecheckMax, 10)
	c.Lifecycle.RecheckBase = orDuration(c.Lifecycle.RecheckBase, 30*time.Second)
	c.Lifecycle.RecheckMaxDelay = orDuration(c.Lifecycle.RecheckMaxDelay, 5*time.Minute)
	c.Lifecycle.StaleAfter = orDuration(c.Lifecycle.StaleAfter, 15*time.Minute)
	c.Lifecycle.Concurrency = orInt(c.Lifecycle.Concurrency, 4)
	if c.Lifecycle.Queue == "" {
		c.Lifecycle.Queue = "requests"
	}

	c.Scoring.TopK = orInt(c.Scoring.TopK, 3)
	c.Scoring.Timeout = orDuration(c.Scoring.Timeout, time.Minute)
	if c.Scoring.ReasonerURL != "" && c.Scoring.GeminiAPIKey != "" {
		errs = append(errs, errors.New("set only one of SCORING_REASONER_URL and GEMINI_API_KEY"))
	}

	c.Cache.TTL = orDuration(c.Cache.TTL, 30*time.Minute)
	c.Cache.SweepInterval = orDuration(c.Cache.SweepInterval, time.Minute)

	if c.HTTP.RateLimitRPS <= 0 {
		c.HTTP.RateLimitRPS = 5
	}
	c.HTTP.RateLimitBurst = orInt(c.HTTP.RateLimitBurst, 10)

	return joinErrors(errs)
}

func (c *Config) validateDB() []error {
	var errs []error
	if c.DB.Driver == "" {
		c.DB.Driver = "postgres"
	}
	switch c.DB.Driver {
	case "postgres":
		if c.DB.Host == "" {
			errs = append(errs, errors.New("DB_HOST is required"))
		}
		if c.DB.Port == 0 {
			c.DB.Port = 5432
		}
		if c.DB.Port < 0 || c.DB.Port > 65535 {
			errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
		}
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required"))
		}
		if c.DB.SSLMode == "" {
			if c.IsProduction() {
				errs = append(errs, errors.New("DB_SSLMODE is required in production"))
			} else {
				c.DB.SSLMode = "disable"
			}
		}
		if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	case "sqlite":
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_DRIVER=sqlite is not allowed in production"))
		}
		if c.DB.SQLitePath == "" {
			c.DB.SQLitePath = "provider-scout.db"
		}
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.DB.Driver))
	}
	return errs
}

func (c *Config) validateVoice() []error {
	var errs []error
	if c.Voice.BaseURL == "" {
		errs = append(errs, errors.New("VOICE_BASE_URL is required"))
	}
	if c.Voice.APIKey == "" {
		errs = append(errs, errors.New("VOICE_API_KEY is required"))
	}
	if c.Voice.AssistantID == "" {
		errs = append(errs, errors.New("VOICE_ASSISTANT_ID is required"))
	}
	if c.Voice.PhoneNumberID == "" {
		errs = append(errs, errors.New("VOICE_PHONE_NUMBER_ID is required"))
	}
	if c.IsProduction() && c.Voice.WebhookSecret == "" {
		errs = append(errs, errors.New("VOICE_WEBHOOK_SECRET is required in production"))
	}
	if c.Voice.MaxLiveCalls < 0 {
		errs = append(errs, fmt.Errorf("VOICE_MAX_LIVE_CALLS must not be negative, got %d", c.Voice.MaxLiveCalls))
	}
	c.Voice.CacheInterval = orDuration(c.Voice.CacheInterval, 2*time.Second)
	c.Voice.MissThreshold = orInt(c.Voice.MissThreshold, 15)
	c.Voice.PollInterval = orDuration(c.Voice.PollInterval, 5*time.Second)
	c.Voice.CallTimeout = orDuration(c.Voice.CallTimeout, 5*time.Minute)
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

// DatabaseDSN returns the DSN for the configured driver. Do not log it.
func (c Config) DatabaseDSN() string {
	if c.DB.Driver == "sqlite" {
		return c.DB.SQLitePath
	}
	return c.PostgresDSN()
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func env(key string) string { return strings.TrimSpace(os.Getenv(key)) }

func mustInt(key string) (int, error) {
	v := env(key)
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(key string) (int, error) {
	if env(key) == "" {
		return 0, nil
	}
	return mustInt(key)
}

func optFloat(key string) (float64, error) {
	v := env(key)
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number, got %q", key, v)
	}
	return f, nil
}

func optBool(key string) bool {
	b, _ := strconv.ParseBool(env(key))
	return b
}

func mustDuration(key string) time.Duration {
	v := env(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func collect(errs []error) func(int, error) (int, []error) {
	return func(n int, err error) (int, []error) {
		if err != nil {
			errs = append(errs, err)
		}
		return n, errs
	}
}

func collectFloat(errs []error) func(float64, error) (float64, []error) {
	return func(f float64, err error) (float64, []error) {
		if err != nil {
			errs = append(errs, err)
		}
		return f, errs
	}
}

func orDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func orInt(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
