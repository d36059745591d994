package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "COMPOUNDER_"

type GlobalFlags struct {
	ConfigPath string
	EnvFile    string
	JSON       bool
	Plain      bool
	Timeout    string
	LogLevel   string
	RPCURL     string
	ChainID    int64
	Markets    string
	NoCache    bool
	// EnableCommands is a comma-separated command allowlist.
	EnableCommands string
	// SlippageBps is ignored when negative.
	SlippageBps int64
}

type Settings struct {
	OutputMode            string
	Timeout               time.Duration
	LogLevel              string
	RPCURL                string
	ChainID               int64
	MarketsPath           string
	CacheEnabled          bool
	CachePath             string
	CacheLockPath         string
	PlanTTL               time.Duration
	RunStorePath          string
	RunStoreLockPath      string
	RunLockPath           string
	SlippageBps           int64
	SimulationConcurrency int
	RPCRatePerSecond      float64
	NonceRetryDelay       time.Duration
	ReceiptPollInterval   time.Duration
	GasMultiplier         float64
	MaxFeeGwei            string
	MaxPriorityFeeGwei    string
	EnableCommands        string
}

type fileConfig struct {
	Output   string `yaml:"output"`
	Timeout  string `yaml:"timeout"`
	LogLevel string `yaml:"log_level"`
	RPCURL   string `yaml:"rpc_url"`
	ChainID  *int64 `yaml:"chain_id"`
	Markets  string `yaml:"markets"`
	Cache    struct {
		Enabled  *bool  `yaml:"enabled"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
		PlanTTL  string `yaml:"plan_ttl"`
	} `yaml:"cache"`
	Runs struct {
		Path          string `yaml:"path"`
		LockPath      string `yaml:"lock_path"`
		ActiveRunLock string `yaml:"active_run_lock"`
	} `yaml:"runs"`
	Execution struct {
		SlippageBps        *int64   `yaml:"slippage_bps"`
		NonceRetryDelay    string   `yaml:"nonce_retry_delay"`
		ReceiptPoll        string   `yaml:"receipt_poll"`
		GasMultiplier      *float64 `yaml:"gas_multiplier"`
		MaxFeeGwei         string   `yaml:"max_fee_gwei"`
		MaxPriorityFeeGwei string   `yaml:"max_priority_fee_gwei"`
	} `yaml:"execution"`
	Planner struct {
		Concurrency *int     `yaml:"concurrency"`
		RPCRate     *float64 `yaml:"rpc_rate"`
	} `yaml:"planner"`
}

// Load layers defaults, the YAML file, .env plus COMPOUNDER_* variables, then flags.
func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}
	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	getenv, err := EnvLookup(flags.EnvFile)
	if err != nil {
		return Settings{}, err
	}
	if err := applyEnv(getenv, &settings); err != nil {
		return Settings{}, err
	}

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.Timeout <= 0 {
		settings.Timeout = 30 * time.Second
	}
	if settings.SlippageBps < 0 || settings.SlippageBps > 10_000 {
		return Settings{}, fmt.Errorf("slippage must be between 0 and 10000 bps, got %d", settings.SlippageBps)
	}
	if settings.SimulationConcurrency <= 0 {
		settings.SimulationConcurrency = 4
	}
	if settings.GasMultiplier < 1 {
		settings.GasMultiplier = 1
	}
	return settings, nil
}

// EnvLookup returns a getenv that prefers the process environment and falls back
// to the .env file at path (./.env when path is empty and the file exists).
func EnvLookup(path string) (func(string) string, error) {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = ".env"
	}
	values, err := godotenv.Read(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return os.Getenv, nil
		}
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	return func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return values[key]
	}, nil
}

func defaultSettings() (Settings, error) {
	cacheDir, err := baseDir("XDG_CACHE_HOME", ".cache")
	if err != nil {
		return Settings{}, err
	}
	configDir, err := baseDir("XDG_CONFIG_HOME", ".config")
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:            "json",
		Timeout:               30 * time.Second,
		LogLevel:              "warn",
		ChainID:               1,
		MarketsPath:           filepath.Join(configDir, "markets.yaml"),
		CacheEnabled:          true,
		CachePath:             filepath.Join(cacheDir, "plans.db"),
		CacheLockPath:         filepath.Join(cacheDir, "plans.lock"),
		PlanTTL:               30 * time.Second,
		RunStorePath:          filepath.Join(cacheDir, "runs.db"),
		RunStoreLockPath:      filepath.Join(cacheDir, "runs.lock"),
		RunLockPath:           filepath.Join(cacheDir, "run.lock"),
		SlippageBps:           100,
		SimulationConcurrency: 4,
		RPCRatePerSecond:      10,
		NonceRetryDelay:       2 * time.Second,
		ReceiptPollInterval:   2 * time.Second,
		GasMultiplier:         1.2,
	}, nil
}

func baseDir(env, fallback string) (string, error) {
	base := os.Getenv(env)
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, fallback)
	}
	return filepath.Join(base, "compounder"), nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	dir, err := baseDir("XDG_CONFIG_HOME", ".config")
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if err := setDuration(cfg.Timeout, "config timeout", &settings.Timeout); err != nil {
		return err
	}
	if cfg.LogLevel != "" {
		settings.LogLevel = cfg.LogLevel
	}
	if cfg.RPCURL != "" {
		settings.RPCURL = cfg.RPCURL
	}
	if cfg.ChainID != nil {
		settings.ChainID = *cfg.ChainID
	}
	if cfg.Markets != "" {
		settings.MarketsPath = cfg.Markets
	}
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if cfg.Cache.Path != "" {
		settings.CachePath = cfg.Cache.Path
	}
	if cfg.Cache.LockPath != "" {
		settings.CacheLockPath = cfg.Cache.LockPath
	}
	if err := setDuration(cfg.Cache.PlanTTL, "config cache.plan_ttl", &settings.PlanTTL); err != nil {
		return err
	}
	if cfg.Runs.Path != "" {
		settings.RunStorePath = cfg.Runs.Path
	}
	if cfg.Runs.LockPath != "" {
		settings.RunStoreLockPath = cfg.Runs.LockPath
	}
	if cfg.Runs.ActiveRunLock != "" {
		settings.RunLockPath = cfg.Runs.ActiveRunLock
	}
	if cfg.Execution.SlippageBps != nil {
		settings.SlippageBps = *cfg.Execution.SlippageBps
	}
	if err := setDuration(cfg.Execution.NonceRetryDelay, "config execution.nonce_retry_delay", &settings.NonceRetryDelay); err != nil {
		return err
	}
	if err := setDuration(cfg.Execution.ReceiptPoll, "config execution.receipt_poll", &settings.ReceiptPollInterval); err != nil {
		return err
	}
	if cfg.Execution.GasMultiplier != nil {
		settings.GasMultiplier = *cfg.Execution.GasMultiplier
	}
	if cfg.Execution.MaxFeeGwei != "" {
		settings.MaxFeeGwei = cfg.Execution.MaxFeeGwei
	}
	if cfg.Execution.MaxPriorityFeeGwei != "" {
		settings.MaxPriorityFeeGwei = cfg.Execution.MaxPriorityFeeGwei
	}
	if cfg.Planner.Concurrency != nil {
		settings.SimulationConcurrency = *cfg.Planner.Concurrency
	}
	if cfg.Planner.RPCRate != nil {
		settings.RPCRatePerSecond = *cfg.Planner.RPCRate
	}
	return nil
}

func applyEnv(getenv func(string) string, settings *Settings) error {
	get := func(name string) string { return strings.TrimSpace(getenv(envPrefix + name)) }

	if v := get("OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if err := setDuration(get("TIMEOUT"), envPrefix+"TIMEOUT", &settings.Timeout); err != nil {
		return err
	}
	if v := get("LOG_LEVEL"); v != "" {
		settings.LogLevel = v
	}
	if v := get("RPC_URL"); v != "" {
		settings.RPCURL = v
	}
	if v := get("CHAIN_ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sCHAIN_ID: %w", envPrefix, err)
		}
		settings.ChainID = n
	}
	if v := get("MARKETS"); v != "" {
		settings.MarketsPath = v
	}
	if v := get("NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	if v := get("CACHE_PATH"); v != "" {
		settings.CachePath = v
	}
	if v := get("CACHE_LOCK_PATH"); v != "" {
		settings.CacheLockPath = v
	}
	if err := setDuration(get("PLAN_TTL"), envPrefix+"PLAN_TTL", &settings.PlanTTL); err != nil {
		return err
	}
	if v := get("RUNS_PATH"); v != "" {
		settings.RunStorePath = v
	}
	if v := get("RUNS_LOCK_PATH"); v != "" {
		settings.RunStoreLockPath = v
	}
	if v := get("RUN_LOCK_PATH"); v != "" {
		settings.RunLockPath = v
	}
	if v := get("SLIPPAGE_BPS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sSLIPPAGE_BPS: %w", envPrefix, err)
		}
		settings.SlippageBps = n
	}
	if err := setDuration(get("NONCE_RETRY_DELAY"), envPrefix+"NONCE_RETRY_DELAY", &settings.NonceRetryDelay); err != nil {
		return err
	}
	if v := get("MAX_FEE_GWEI"); v != "" {
		settings.MaxFeeGwei = v
	}
	if v := get("MAX_PRIORITY_FEE_GWEI"); v != "" {
		settings.MaxPriorityFeeGwei = v
	}
	if v := get("ENABLE_COMMANDS"); v != "" {
		settings.EnableCommands = v
	}
	if v := get("RPC_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			settings.RPCRatePerSecond = f
		}
	}
	return nil
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if err := setDuration(flags.Timeout, "parse --timeout", &settings.Timeout); err != nil {
		return err
	}
	if strings.TrimSpace(flags.LogLevel) != "" {
		settings.LogLevel = flags.LogLevel
	}
	if strings.TrimSpace(flags.RPCURL) != "" {
		settings.RPCURL = strings.TrimSpace(flags.RPCURL)
	}
	if flags.ChainID > 0 {
		settings.ChainID = flags.ChainID
	}
	if strings.TrimSpace(flags.Markets) != "" {
		settings.MarketsPath = flags.Markets
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}
	if strings.TrimSpace(flags.EnableCommands) != "" {
		settings.EnableCommands = flags.EnableCommands
	}
	if flags.SlippageBps >= 0 {
		settings.SlippageBps = flags.SlippageBps
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}
	return nil
}

func setDuration(raw, label string, dst *time.Duration) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	*dst = d
	return nil
}
