package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		_ = os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				_ = os.Setenv(k, old)
			}
		})
	}
}

func TestLoadAppliesDefaultsWhenUnset(t *testing.T) {
	clearEnv(t, "PORT", "TIMEOUT", "DEFAULT_MAX_TOKENS", "RETRY_MAX_ATTEMPTS")
	cfg := Load()
	if cfg.Port != "8080" {
		t.Errorf("got port %q, want 8080", cfg.Port)
	}
	if cfg.Timeout != 60*time.Second {
		t.Errorf("got timeout %v, want 60s", cfg.Timeout)
	}
	if cfg.DefaultMaxTokens != 64000 {
		t.Errorf("got max tokens %d, want 64000", cfg.DefaultMaxTokens)
	}
	if cfg.RetryMaxAttempts != 3 {
		t.Errorf("got retry attempts %d, want 3", cfg.RetryMaxAttempts)
	}
}

func TestLoadReadsOverridesFromEnv(t *testing.T) {
	clearEnv(t, "PORT", "TIMEOUT", "RETRY_STATUS_CODES", "DEFAULT_TEMPERATURE")
	_ = os.Setenv("PORT", "9090")
	_ = os.Setenv("TIMEOUT", "15")
	_ = os.Setenv("RETRY_STATUS_CODES", "429, 503 ,500")
	_ = os.Setenv("DEFAULT_TEMPERATURE", "0.7")

	cfg := Load()
	if cfg.Port != "9090" {
		t.Errorf("got port %q, want 9090", cfg.Port)
	}
	if cfg.Timeout != 15*time.Second {
		t.Errorf("got timeout %v, want 15s", cfg.Timeout)
	}
	if len(cfg.RetryStatusCodes) != 3 || cfg.RetryStatusCodes[0] != 429 || cfg.RetryStatusCodes[2] != 500 {
		t.Errorf("got retry status codes %v", cfg.RetryStatusCodes)
	}
	if cfg.DefaultTemperature == nil || *cfg.DefaultTemperature != 0.7 {
		t.Errorf("got default temperature %v, want 0.7", cfg.DefaultTemperature)
	}
}

func TestLoadLeavesUnsetOptionalFieldsNil(t *testing.T) {
	clearEnv(t, "DEFAULT_TOP_P", "DEFAULT_TOP_K")
	cfg := Load()
	if cfg.DefaultTopP != nil {
		t.Errorf("expected nil DefaultTopP, got %v", *cfg.DefaultTopP)
	}
	if cfg.DefaultTopK != nil {
		t.Errorf("expected nil DefaultTopK, got %v", *cfg.DefaultTopK)
	}
}

func TestLoadAppliesCredentialAndOAuthDefaults(t *testing.T) {
	clearEnv(t, "CREDENTIALS_PATH", "COOLDOWNS_PATH", "SYNTHESIZE_PROJECT_ID", "GOOGLE_OAUTH_CLIENT_ID")
	cfg := Load()
	if cfg.CredentialsPath != "credentials.json" {
		t.Errorf("got credentials path %q, want credentials.json", cfg.CredentialsPath)
	}
	if cfg.CooldownsPath != "cooldowns.json" {
		t.Errorf("got cooldowns path %q, want cooldowns.json", cfg.CooldownsPath)
	}
	if cfg.SynthesizeProjectIDs {
		t.Error("expected SynthesizeProjectIDs to default to false")
	}
	if cfg.OAuthClientID == "" || cfg.OAuthTokenURL == "" {
		t.Error("expected non-empty default OAuth client id and token URL")
	}
}

func TestLoadReadsSynthesizeProjectIDOverride(t *testing.T) {
	clearEnv(t, "SYNTHESIZE_PROJECT_ID")
	_ = os.Setenv("SYNTHESIZE_PROJECT_ID", "true")
	cfg := Load()
	if !cfg.SynthesizeProjectIDs {
		t.Error("expected SynthesizeProjectIDs=true to be read from env")
	}
}
