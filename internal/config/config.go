package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App        AppConfig
	DB         DBConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Twilio     TwilioConfig
	Calls      CallsConfig
	Assist     AssistConfig
	AWS        AWSConfig
	Enrichment EnrichmentConfig
}

type AppConfig struct {
	Env  string
	Port int
}

// DBConfig is optional outside staging/production; an empty Host selects
// the in-memory call store.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

// RedisConfig is optional outside staging/production; an empty Host selects
// the in-memory provider ref index and disables the concurrent call cap.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type TwilioConfig struct {
	AccountSID   string
	AuthToken    string
	APIKeySID    string
	APIKeySecret string
	CallerID     string
	TwiMLAppSID  string

	// PublicBaseURL is where the provider reaches our webhooks.
	PublicBaseURL string
	Record        bool
}

type CallsConfig struct {
	SessionTokenTTL      time.Duration
	RingTimeout          time.Duration
	AnswerTimeout        time.Duration
	UpstreamTimeout      time.Duration
	MaxConcurrentPerUser int
}

type AssistConfig struct {
	// Provider is openai or anthropic. Empty disables suggestions.
	Provider string
	Model    string
	APIKey   string
	MaxTurns int
	MaxBytes int
	Timeout  time.Duration
}

// AWSConfig is optional; an empty Region keeps all AWS integrations off.
type AWSConfig struct {
	Region           string
	SSMParamPrefix   string
	TokenReplayTable string
}

type EnrichmentConfig struct {
	MaxAttempts int
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port, parseErrs = requiredInt(parseErrs, "APP_PORT")

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port, parseErrs = optionalInt(parseErrs, "DB_PORT", 5432)
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port, parseErrs = optionalInt(parseErrs, "REDIS_PORT", 6379)
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	c.Redis.DB, parseErrs = optionalInt(parseErrs, "REDIS_DB", 0)

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL, parseErrs = optionalDuration(parseErrs, "JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL, parseErrs = optionalDuration(parseErrs, "JWT_REFRESH_TTL")

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.APIKeySID = strings.TrimSpace(os.Getenv("TWILIO_API_KEY_SID"))
	c.Twilio.APIKeySecret = os.Getenv("TWILIO_API_KEY_SECRET")
	c.Twilio.CallerID = strings.TrimSpace(os.Getenv("TWILIO_CALLER_ID"))
	c.Twilio.TwiMLAppSID = strings.TrimSpace(os.Getenv("TWILIO_TWIML_APP_SID"))
	c.Twilio.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/")
	c.Twilio.Record, parseErrs = optionalBool(parseErrs, "TWILIO_RECORD_CALLS", true)

	c.Calls.SessionTokenTTL, parseErrs = optionalDuration(parseErrs, "SESSION_TOKEN_TTL")
	c.Calls.RingTimeout, parseErrs = optionalDuration(parseErrs, "CALL_RING_TIMEOUT")
	c.Calls.AnswerTimeout, parseErrs = optionalDuration(parseErrs, "CALL_ANSWER_TIMEOUT")
	c.Calls.UpstreamTimeout, parseErrs = optionalDuration(parseErrs, "UPSTREAM_TIMEOUT")
	c.Calls.MaxConcurrentPerUser, parseErrs = optionalInt(parseErrs, "CALL_MAX_CONCURRENT_PER_USER", 0)

	c.Assist.Provider = strings.ToLower(strings.TrimSpace(os.Getenv("ASSIST_PROVIDER")))
	c.Assist.Model = strings.TrimSpace(os.Getenv("ASSIST_MODEL"))
	c.Assist.APIKey = os.Getenv("ASSIST_API_KEY")
	c.Assist.MaxTurns, parseErrs = optionalInt(parseErrs, "ASSIST_MAX_TURNS", 0)
	c.Assist.MaxBytes, parseErrs = optionalInt(parseErrs, "ASSIST_MAX_BYTES", 0)
	c.Assist.Timeout, parseErrs = optionalDuration(parseErrs, "ASSIST_TIMEOUT")

	c.AWS.Region = strings.TrimSpace(os.Getenv("AWS_REGION"))
	c.AWS.SSMParamPrefix = strings.TrimSpace(os.Getenv("SSM_PARAM_PREFIX"))
	c.AWS.TokenReplayTable = strings.TrimSpace(os.Getenv("TOKEN_REPLAY_TABLE"))

	c.Enrichment.MaxAttempts, parseErrs = optionalInt(parseErrs, "ENRICH_MAX_ATTEMPTS", 0)

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every problem at once and fills defaults in place.
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
	strict := c.Strict()

	if c.DB.Host == "" {
		if strict {
			errs = append(errs, errors.New("DB_HOST is required in staging and production"))
		}
	} else {
		if c.DB.Port <= 0 || c.DB.Port > 65535 {
			errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
		}
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required"))
		}
		if strings.TrimSpace(c.DB.SSLMode) == "" {
			if c.IsProduction() {
				errs = append(errs, errors.New("DB_SSLMODE is required in production"))
			} else {
				// Local-friendly default; production must be explicit.
				c.DB.SSLMode = "disable"
			}
		}
		if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	}

	if c.Redis.Host == "" {
		if strict {
			errs = append(errs, errors.New("REDIS_HOST is required in staging and production"))
		}
	} else if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
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
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		// Default: longer-lived refresh tokens.
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Twilio.AccountSID == "" {
		errs = append(errs, errors.New("TWILIO_ACCOUNT_SID is required"))
	}
	if c.Twilio.CallerID == "" {
		errs = append(errs, errors.New("TWILIO_CALLER_ID is required"))
	}
	if c.Twilio.TwiMLAppSID == "" {
		errs = append(errs, errors.New("TWILIO_TWIML_APP_SID is required"))
	}
	if c.Twilio.PublicBaseURL == "" {
		errs = append(errs, errors.New("PUBLIC_BASE_URL is required"))
	} else if !strings.HasPrefix(c.Twilio.PublicBaseURL, "https://") && !strings.HasPrefix(c.Twilio.PublicBaseURL, "http://") {
		errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL must be an http(s) URL, got %q", c.Twilio.PublicBaseURL))
	}
	if strict && c.Twilio.AuthToken == "" && c.AWS.Region == "" {
		errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required in staging and production unless read from SSM"))
	}

	if c.Calls.SessionTokenTTL <= 0 {
		c.Calls.SessionTokenTTL = 5 * time.Minute
	}
	if c.Calls.SessionTokenTTL > time.Hour {
		errs = append(errs, fmt.Errorf("SESSION_TOKEN_TTL must be at most 1h, got %s", c.Calls.SessionTokenTTL))
	}
	if c.Calls.RingTimeout <= 0 {
		c.Calls.RingTimeout = 30 * time.Second
	}
	if c.Calls.AnswerTimeout <= 0 {
		c.Calls.AnswerTimeout = 60 * time.Second
	}
	if c.Calls.UpstreamTimeout <= 0 {
		c.Calls.UpstreamTimeout = 10 * time.Second
	}
	if c.Calls.MaxConcurrentPerUser < 0 {
		errs = append(errs, fmt.Errorf("CALL_MAX_CONCURRENT_PER_USER must not be negative, got %d", c.Calls.MaxConcurrentPerUser))
	}

	switch c.Assist.Provider {
	case "":
	case "openai", "anthropic":
		if c.Assist.APIKey == "" && c.AWS.Region == "" {
			errs = append(errs, errors.New("ASSIST_API_KEY is required when ASSIST_PROVIDER is set, unless read from SSM"))
		}
	default:
		errs = append(errs, fmt.Errorf("ASSIST_PROVIDER must be one of openai, anthropic, got %q", c.Assist.Provider))
	}
	if c.Assist.MaxTurns < 0 || c.Assist.MaxBytes < 0 {
		errs = append(errs, errors.New("ASSIST_MAX_TURNS and ASSIST_MAX_BYTES must not be negative"))
	}

	if c.AWS.TokenReplayTable != "" && c.AWS.Region == "" {
		errs = append(errs, errors.New("AWS_REGION is required when TOKEN_REPLAY_TABLE is set"))
	}

	if c.Enrichment.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("ENRICH_MAX_ATTEMPTS must not be negative, got %d", c.Enrichment.MaxAttempts))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

// Strict environments refuse to start with missing secrets.
func (c Config) Strict() bool {
	return c.App.Env == "staging" || c.IsProduction()
}

// DevLogin reports whether the credential-less login route is served.
func (c Config) DevLogin() bool {
	return c.App.Env == "local" || c.App.Env == "dev"
}

func (c Config) UsePostgres() bool { return c.DB.Host != "" }

func (c Config) UseRedis() bool { return c.Redis.Host != "" }

func (c Config) UseAWS() bool { return c.AWS.Region != "" }

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
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

func requiredInt(errs []error, key string) (int, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, append(errs, fmt.Errorf("%s is required", key))
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

func optionalInt(errs []error, key string, def int) (int, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

func optionalDuration(errs []error, key string) (time.Duration, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	return d, errs
}

func optionalBool(errs []error, key string, def bool) (bool, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, errs
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, append(errs, fmt.Errorf("%s must be a boolean, got %q", key, v))
	}
	return b, errs
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
