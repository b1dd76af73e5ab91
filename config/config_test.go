package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validBody = `
ChainRPCURLs = ["http://127.0.0.1:8545"]
ContractAddress = "0x00000000000000000000000000000000000000aa"
ChainID = 1337
FinalityDepth = 3
KeystorePath = "signer.json"
DatabaseDSN = "file:test?mode=memory"
JWTSecret = "topsecret"
PriceRefreshInterval = "15s"
HoldWindow = "10m"
`

func TestLoadParsesFileAndDurations(t *testing.T) {
	cfg, err := Load(writeConfig(t, validBody))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ChainID != 1337 {
		t.Fatalf("chain id = %d, want 1337", cfg.ChainID)
	}
	if cfg.PriceRefreshInterval != 15*time.Second {
		t.Fatalf("refresh = %v, want 15s", cfg.PriceRefreshInterval)
	}
	if cfg.HoldWindow != 10*time.Minute {
		t.Fatalf("hold window = %v, want 10m", cfg.HoldWindow)
	}
	// Untouched keys keep their defaults.
	if cfg.ListenAddress != ":8080" {
		t.Fatalf("listen = %q, want :8080", cfg.ListenAddress)
	}
	if cfg.WebhookMaxAttempts != 5 {
		t.Fatalf("webhook attempts = %d, want 5", cfg.WebhookMaxAttempts)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("PARAPAY_CHAIN_RPC_URLS", "http://a:8545 , http://b:8545")
	t.Setenv("PARAPAY_LISTEN", ":7000")
	t.Setenv("PARAPAY_RATE_LIMIT_RPS", "2.5")
	t.Setenv("PARAPAY_HOLD_WINDOW", "1h")

	cfg, err := Load(writeConfig(t, validBody))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.ChainRPCURLs) != 2 || cfg.ChainRPCURLs[1] != "http://b:8545" {
		t.Fatalf("rpc urls = %v", cfg.ChainRPCURLs)
	}
	if cfg.ListenAddress != ":7000" {
		t.Fatalf("listen = %q", cfg.ListenAddress)
	}
	if cfg.RateLimitRPS != 2.5 {
		t.Fatalf("rps = %v", cfg.RateLimitRPS)
	}
	if cfg.HoldWindow != time.Hour {
		t.Fatalf("hold window = %v", cfg.HoldWindow)
	}
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	_, err := Load(writeConfig(t, validBody+"\nBogusKey = true\n"))
	if err == nil || !strings.Contains(err.Error(), "unknown key") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("PARAPAY_PRICE_REFRESH", "soon")
	if _, err := Load(writeConfig(t, validBody)); err == nil {
		t.Fatal("expected duration parse error")
	}
	t.Setenv("PARAPAY_PRICE_REFRESH", "-5s")
	if _, err := Load(writeConfig(t, validBody)); err == nil || !strings.Contains(err.Error(), "must be positive") {
		t.Fatalf("expected positivity error, got %v", err)
	}
}

func TestValidateRequirements(t *testing.T) {
	cases := []struct {
		name string
		drop string
		want string
	}{
		{"no rpc", "ChainRPCURLs", "RPC URL"},
		{"no contract", "ContractAddress", "ContractAddress"},
		{"no dsn", "DatabaseDSN", "DatabaseDSN"},
		{"no jwt", "JWTSecret", "JWTSecret"},
		{"no key", "KeystorePath", "KeystorePath or SignerKeyEnv"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var kept []string
			for _, line := range strings.Split(validBody, "\n") {
				if !strings.HasPrefix(strings.TrimSpace(line), tc.drop) {
					kept = append(kept, line)
				}
			}
			_, err := Load(writeConfig(t, strings.Join(kept, "\n")))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.want, err)
			}
		})
	}
}

func TestPathFallsBackToDefault(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	if got := Path(); got != DefaultPath {
		t.Fatalf("path = %q, want %q", got, DefaultPath)
	}
	t.Setenv(EnvConfigPath, "/etc/parapay/config.toml")
	if got := Path(); got != "/etc/parapay/config.toml" {
		t.Fatalf("path = %q", got)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("PARAPAY_CHAIN_RPC_URLS", "http://127.0.0.1:8545")
	t.Setenv("PARAPAY_CONTRACT_ADDRESS", "0x00000000000000000000000000000000000000aa")
	t.Setenv("PARAPAY_DATABASE_DSN", "file:x?mode=memory")
	t.Setenv("PARAPAY_JWT_SECRET", "s")
	t.Setenv("PARAPAY_KEYSTORE_PATH", "signer.json")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.FinalityDepth != 6 {
		t.Fatalf("finality depth = %d, want default 6", cfg.FinalityDepth)
	}
	if cfg.PriceMaxAge != 5*time.Minute {
		t.Fatalf("price max age = %v, want 5m", cfg.PriceMaxAge)
	}
}
