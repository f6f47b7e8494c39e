// Package config loads the proxy's environment-variable configuration
// (§6), optionally sourced from a ".env" file in the working directory.
//
// Grounded on the teacher's cmd/server/main.go (godotenv.Load ignoring a
// missing file, trimmed-string lookupEnv helper) generalized into a typed
// struct, since this spec's configuration surface is env-var-only rather
// than the teacher's YAML file (§1 "config file loading" is out of scope).
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// Config is the full set of recognized options from §6.
type Config struct {
	Port string
	Host string

	APIURL          string
	APIModelsURL    string
	APINoStreamURL  string
	APIHost         string
	APIUserAgent    string
	DefaultTemperature *float64
	DefaultTopP        *float64
	DefaultTopK        *int
	DefaultMaxTokens   int
	MaxRequestSize     int64
	Timeout            time.Duration
	MaxImages          int
	ImageBaseURL       string

	CredentialMaxUsagePerHour int
	RetryStatusCodes          []int
	RetryMaxAttempts          int
	SystemInstruction         string
	Proxy                     string

	CredentialsPath      string
	CooldownsPath        string
	SynthesizeProjectIDs bool

	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string

	// Secrets (environment-only, never logged).
	PanelUser     string
	PanelPassword string
	APIKey        string

	LogLevel string
}

// Load reads .env (if present, ignoring a missing file) then the process
// environment, applying spec defaults for anything unset.
func Load() *Config {
	wd, err := os.Getwd()
	if err == nil {
		if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil && !os.IsNotExist(errLoad) {
			log.WithError(errLoad).Warn("config: failed to load .env file")
		}
	}

	cfg := &Config{
		Port:                      lookupString("PORT", "8080"),
		Host:                      lookupString("HOST", "0.0.0.0"),
		APIURL:                    lookupString("API_URL", ""),
		APIModelsURL:              lookupString("API_MODELS_URL", ""),
		APINoStreamURL:            lookupString("API_NO_STREAM_URL", ""),
		APIHost:                   lookupString("API_HOST", ""),
		APIUserAgent:              lookupString("API_USER_AGENT", "antigravity/1.104.0"),
		DefaultMaxTokens:          lookupInt("DEFAULT_MAX_TOKENS", 64000),
		MaxRequestSize:            lookupInt64("MAX_REQUEST_SIZE", 20<<20),
		Timeout:                   lookupDuration("TIMEOUT", 60*time.Second),
		MaxImages:                 lookupInt("MAX_IMAGES", 20),
		ImageBaseURL:              lookupString("IMAGE_BASE_URL", ""),
		CredentialMaxUsagePerHour: lookupInt("CREDENTIAL_MAX_USAGE_PER_HOUR", 0),
		RetryStatusCodes:          lookupIntList("RETRY_STATUS_CODES", nil),
		RetryMaxAttempts:          lookupInt("RETRY_MAX_ATTEMPTS", 3),
		SystemInstruction:         lookupString("SYSTEM_INSTRUCTION", ""),
		Proxy:                     lookupString("PROXY", ""),
		CredentialsPath:           lookupString("CREDENTIALS_PATH", "credentials.json"),
		CooldownsPath:             lookupString("COOLDOWNS_PATH", "cooldowns.json"),
		SynthesizeProjectIDs:      lookupBool("SYNTHESIZE_PROJECT_ID", false),
		OAuthClientID:             lookupString("GOOGLE_OAUTH_CLIENT_ID", "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"),
		OAuthClientSecret:         lookupString("GOOGLE_OAUTH_CLIENT_SECRET", "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"),
		OAuthTokenURL:             lookupString("GOOGLE_OAUTH_TOKEN_URL", "https://oauth2.googleapis.com/token"),
		PanelUser:                 lookupString("PANEL_USER", ""),
		PanelPassword:             lookupString("PANEL_PASSWORD", ""),
		APIKey:                    lookupString("API_KEY", ""),
		LogLevel:                  lookupString("LOG_LEVEL", "info"),
	}
	cfg.DefaultTemperature = lookupFloatPtr("DEFAULT_TEMPERATURE")
	cfg.DefaultTopP = lookupFloatPtr("DEFAULT_TOP_P")
	cfg.DefaultTopK = lookupIntPtr("DEFAULT_TOP_K")
	return cfg
}

func lookupString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return def
}

func lookupInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			if n, err := strconv.Atoi(trimmed); err == nil {
				return n
			}
			log.Warnf("config: %s=%q is not a valid integer, using default %d", key, trimmed, def)
		}
	}
	return def
}

func lookupBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			if b, err := strconv.ParseBool(trimmed); err == nil {
				return b
			}
			log.Warnf("config: %s=%q is not a valid boolean, using default %t", key, trimmed, def)
		}
	}
	return def
}

func lookupInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
				return n
			}
			log.Warnf("config: %s=%q is not a valid integer, using default %d", key, trimmed, def)
		}
	}
	return def
}

func lookupDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			if secs, err := strconv.Atoi(trimmed); err == nil {
				return time.Duration(secs) * time.Second
			}
			if d, err := time.ParseDuration(trimmed); err == nil {
				return d
			}
			log.Warnf("config: %s=%q is not a valid duration, using default %s", key, trimmed, def)
		}
	}
	return def
}

func lookupFloatPtr(key string) *float64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return nil
	}
	f, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		log.Warnf("config: %s=%q is not a valid float, ignoring", key, trimmed)
		return nil
	}
	return &f
}

func lookupIntPtr(key string) *int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return nil
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		log.Warnf("config: %s=%q is not a valid integer, ignoring", key, trimmed)
		return nil
	}
	return &n
}

func lookupIntList(key string, def []int) []int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return def
	}
	var out []int
	for _, part := range strings.Split(trimmed, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			log.Warnf("config: %s contains non-integer entry %q, skipping", key, part)
			continue
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return def
	}
	return out
}
