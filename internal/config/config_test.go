package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func isolate(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmp, "config"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(tmp, "cache"))
	t.Chdir(tmp)
	return tmp
}

func TestLoadDefaults(t *testing.T) {
	tmp := isolate(t)
	settings, err := Load(GlobalFlags{SlippageBps: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.OutputMode != "json" || settings.SlippageBps != 100 || settings.NonceRetryDelay != 2*time.Second {
		t.Fatalf("unexpected defaults %+v", settings)
	}
	if settings.MarketsPath != filepath.Join(tmp, "config", "compounder", "markets.yaml") {
		t.Fatalf("unexpected markets path %s", settings.MarketsPath)
	}
	if settings.RunStorePath != filepath.Join(tmp, "cache", "compounder", "runs.db") {
		t.Fatalf("unexpected run store path %s", settings.RunStorePath)
	}
}

func TestLoadPrecedenceFlagsOverEnvOverFile(t *testing.T) {
	tmp := isolate(t)
	configPath := filepath.Join(tmp, "config.yaml")
	body := "output: plain\nrpc_url: https://file.example\nexecution:\n  slippage_bps: 30\ncache:\n  plan_ttl: 1m\n"
	if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("COMPOUNDER_OUTPUT", "json")
	t.Setenv("COMPOUNDER_RPC_URL", "https://env.example")
	settings, err := Load(GlobalFlags{ConfigPath: configPath, Plain: true, SlippageBps: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.OutputMode != "plain" {
		t.Fatalf("expected flag to win, got output=%s", settings.OutputMode)
	}
	if settings.RPCURL != "https://env.example" {
		t.Fatalf("expected env to beat file, got %s", settings.RPCURL)
	}
	if settings.SlippageBps != 30 || settings.PlanTTL != time.Minute {
		t.Fatalf("expected file values, got slippage=%d ttl=%s", settings.SlippageBps, settings.PlanTTL)
	}

	settings, err = Load(GlobalFlags{ConfigPath: configPath, RPCURL: "https://flag.example", SlippageBps: 0})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.RPCURL != "https://flag.example" || settings.SlippageBps != 0 {
		t.Fatalf("expected flag values, got %s %d", settings.RPCURL, settings.SlippageBps)
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	tmp := isolate(t)
	if err := os.WriteFile(filepath.Join(tmp, ".env"), []byte("COMPOUNDER_CHAIN_ID=8453\nCOMPOUNDER_LOG_LEVEL=debug\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("COMPOUNDER_LOG_LEVEL", "error")

	settings, err := Load(GlobalFlags{SlippageBps: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.ChainID != 8453 {
		t.Fatalf("expected chain id from .env, got %d", settings.ChainID)
	}
	if settings.LogLevel != "error" {
		t.Fatalf("process env must beat .env, got %s", settings.LogLevel)
	}
}

func TestLoadMissingExplicitEnvFile(t *testing.T) {
	isolate(t)
	if _, err := Load(GlobalFlags{EnvFile: "missing.env", SlippageBps: -1}); err == nil {
		t.Fatal("expected error for missing explicit env file")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	isolate(t)
	if _, err := Load(GlobalFlags{JSON: true, Plain: true, SlippageBps: -1}); err == nil {
		t.Fatal("expected error with --json and --plain")
	}
	if _, err := Load(GlobalFlags{SlippageBps: 20_000}); err == nil {
		t.Fatal("expected slippage bound error")
	}
	if _, err := Load(GlobalFlags{Timeout: "soon", SlippageBps: -1}); err == nil {
		t.Fatal("expected timeout parse error")
	}
}

func TestLoadEnableCommandsFlagOverridesEnv(t *testing.T) {
	isolate(t)
	t.Setenv("COMPOUNDER_ENABLE_COMMANDS", "markets")
	settings, err := Load(GlobalFlags{SlippageBps: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.EnableCommands != "markets" {
		t.Fatalf("expected env allowlist, got %q", settings.EnableCommands)
	}
	settings, err = Load(GlobalFlags{EnableCommands: "compound plan", SlippageBps: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.EnableCommands != "compound plan" {
		t.Fatalf("expected flag allowlist, got %q", settings.EnableCommands)
	}
}
