package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the gateway process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App    AppConfig
	DB     DBConfig
	Redis  RedisConfig
	Auth   AuthConfig
	ESL    ESLConfig
	Audio  AudioConfig
	AI     AIConfig
	Limits LimitsConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for managed-Postgres posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

// AuthConfig covers the admin API service tokens.
// The gateway only verifies tokens; issuance belongs to the ops tooling.
type AuthConfig struct {
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
}

// ESLConfig points at the call-control event socket.
type ESLConfig struct {
	Host     string
	Port     int
	Password string

	ReconnectMaxAttempts int
}

type AudioConfig struct {
	ScratchDir   string
	RecordingDir string

	// InputRate is what the AI service expects for caller audio.
	// OutputRate is what the AI service synthesizes at.
	InputRate  int
	OutputRate int
}

type AIConfig struct {
	APIKey string
	Model  string
	Voice  string
}

type LimitsConfig struct {
	RatePerMinute int
	RatePerHour   int
	RatePerDay    int

	BlockAnonymous  bool
	BlockedPrefixes []string

	MaxConcurrentCalls int
	MaxCallDuration    time.Duration
	IdleTimeout        time.Duration

	// DefaultCountryCode rewrites bare national mobile numbers during
	// caller normalization when the voice line has no country of its own.
	DefaultCountryCode string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	if c.DB.SSLMode == "" && c.App.Env != "production" {
		// Local-friendly default; production must be explicit.
		c.DB.SSLMode = "disable"
	}

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("SERVICE_JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("SERVICE_JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("SERVICE_JWT_AUDIENCE"))

	c.ESL.Host = strings.TrimSpace(os.Getenv("ESL_HOST"))
	c.ESL.Port = optInt("ESL_PORT", 8021)
	c.ESL.Password = os.Getenv("ESL_PASSWORD")
	c.ESL.ReconnectMaxAttempts = optInt("ESL_RECONNECT_MAX_ATTEMPTS", 10)

	c.Audio.ScratchDir = optString("AUDIO_SCRATCH_DIR", "/tmp/voice-gateway")
	c.Audio.RecordingDir = optString("AUDIO_RECORDING_DIR", "/var/lib/voice-gateway/recordings")
	c.Audio.InputRate = optInt("AUDIO_INPUT_RATE", 16000)
	c.Audio.OutputRate = optInt("AUDIO_OUTPUT_RATE", 24000)

	c.AI.APIKey = os.Getenv("GEMINI_API_KEY")
	c.AI.Model = optString("GEMINI_MODEL", "models/gemini-2.0-flash-exp")
	c.AI.Voice = optString("GEMINI_VOICE", "Aoede")

	c.Limits.RatePerMinute = optInt("RATE_LIMIT_PER_MINUTE", 3)
	c.Limits.RatePerHour = optInt("RATE_LIMIT_PER_HOUR", 10)
	c.Limits.RatePerDay = optInt("RATE_LIMIT_PER_DAY", 30)
	c.Limits.BlockAnonymous = optBool("BLOCK_ANONYMOUS_CALLERS", true)
	c.Limits.BlockedPrefixes = splitCSV(os.Getenv("BLOCKED_PREFIXES"))
	c.Limits.MaxConcurrentCalls = optInt("MAX_CONCURRENT_CALLS", 10)
	c.Limits.MaxCallDuration = time.Duration(optInt("MAX_CALL_DURATION_SECONDS", 1800)) * time.Second
	c.Limits.IdleTimeout = time.Duration(optInt("IDLE_TIMEOUT_SECONDS", 30)) * time.Second
	c.Limits.DefaultCountryCode = optString("DEFAULT_COUNTRY_CODE", "+39")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
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
		errs = append(errs, errors.New("DB_SSLMODE is required in production"))
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("SERVICE_JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("SERVICE_JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("SERVICE_JWT_AUDIENCE is required in production"))
		}
	}

	if c.ESL.Host == "" {
		errs = append(errs, errors.New("ESL_HOST is required"))
	}
	if c.ESL.Port <= 0 || c.ESL.Port > 65535 {
		errs = append(errs, fmt.Errorf("ESL_PORT must be a valid port, got %d", c.ESL.Port))
	}
	if c.ESL.Password == "" {
		errs = append(errs, errors.New("ESL_PASSWORD is required"))
	}
	if c.ESL.ReconnectMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("ESL_RECONNECT_MAX_ATTEMPTS must be positive, got %d", c.ESL.ReconnectMaxAttempts))
	}

	if c.AI.APIKey == "" {
		errs = append(errs, errors.New("GEMINI_API_KEY is required"))
	}
	if c.Audio.InputRate <= 0 || c.Audio.OutputRate <= 0 {
		errs = append(errs, fmt.Errorf("audio sample rates must be positive, got in=%d out=%d", c.Audio.InputRate, c.Audio.OutputRate))
	}

	if c.Limits.RatePerMinute <= 0 || c.Limits.RatePerHour <= 0 || c.Limits.RatePerDay <= 0 {
		errs = append(errs, errors.New("rate limit ceilings must be positive"))
	}
	if c.Limits.RatePerMinute > c.Limits.RatePerHour || c.Limits.RatePerHour > c.Limits.RatePerDay {
		errs = append(errs, errors.New("rate limit ceilings must be non-decreasing (minute <= hour <= day)"))
	}
	if c.Limits.MaxConcurrentCalls <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_CALLS must be positive, got %d", c.Limits.MaxConcurrentCalls))
	}
	if c.Limits.MaxCallDuration <= 0 {
		errs = append(errs, errors.New("MAX_CALL_DURATION_SECONDS must be positive"))
	}
	if c.Limits.IdleTimeout <= 0 {
		errs = append(errs, errors.New("IDLE_TIMEOUT_SECONDS must be positive"))
	}
	if !strings.HasPrefix(c.Limits.DefaultCountryCode, "+") {
		errs = append(errs, fmt.Errorf("DEFAULT_COUNTRY_CODE must start with +, got %q", c.Limits.DefaultCountryCode))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

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

func (c Config) ESLAddr() string {
	return fmt.Sprintf("%s:%d", c.ESL.Host, c.ESL.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func optString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func optBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
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
