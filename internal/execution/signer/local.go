package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	EnvPrivateKey           = "COMPOUNDER_PRIVATE_KEY"
	EnvPrivateKeyFile       = "COMPOUNDER_PRIVATE_KEY_FILE"
	EnvKeystorePath         = "COMPOUNDER_KEYSTORE_PATH"
	EnvKeystorePassword     = "COMPOUNDER_KEYSTORE_PASSWORD"
	EnvKeystorePasswordFile = "COMPOUNDER_KEYSTORE_PASSWORD_FILE"

	KeySourceAuto     = "auto"
	KeySourceEnv      = "env"
	KeySourceFile     = "file"
	KeySourceKeystore = "keystore"

	defaultKeyRelativePath = "compounder/key.hex"
	defaultKeyHintPath     = "~/.config/" + defaultKeyRelativePath
)

type LocalSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func (s *LocalSigner) Address() common.Address { return s.address }

func (s *LocalSigner) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	if s == nil || s.key == nil {
		return nil, errors.New("local signer is not initialized")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// KeyConfig lists every place a key may come from. The first non-empty source wins,
// in field order.
type KeyConfig struct {
	PrivateKeyHex        string
	PrivateKeyFile       string
	KeystorePath         string
	KeystorePassword     string
	KeystorePasswordFile string
}

// FromEnv resolves the signer from COMPOUNDER_* variables, restricted to one source
// unless source is auto. A non-empty override key always wins.
func FromEnv(source, override string) (*LocalSigner, error) {
	cfg, err := ResolveKeyConfig(source, override, os.Getenv)
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

func ResolveKeyConfig(source, override string, getenv func(string) string) (KeyConfig, error) {
	env := func(name string) string { return strings.TrimSpace(getenv(name)) }
	cfg := KeyConfig{
		PrivateKeyHex:        env(EnvPrivateKey),
		PrivateKeyFile:       env(EnvPrivateKeyFile),
		KeystorePath:         env(EnvKeystorePath),
		KeystorePassword:     env(EnvKeystorePassword),
		KeystorePasswordFile: env(EnvKeystorePasswordFile),
	}
	if cfg.PrivateKeyFile == "" {
		cfg.PrivateKeyFile = existingDefaultKeyFile()
	}
	if strings.TrimSpace(override) != "" {
		return KeyConfig{PrivateKeyHex: strings.TrimSpace(override)}, nil
	}

	switch strings.ToLower(strings.TrimSpace(source)) {
	case "", KeySourceAuto:
		return cfg, nil
	case KeySourceEnv:
		return KeyConfig{PrivateKeyHex: cfg.PrivateKeyHex}, nil
	case KeySourceFile:
		return KeyConfig{PrivateKeyFile: cfg.PrivateKeyFile}, nil
	case KeySourceKeystore:
		cfg.PrivateKeyHex = ""
		cfg.PrivateKeyFile = ""
		return cfg, nil
	default:
		return KeyConfig{}, fmt.Errorf("unsupported key source %q (expected %s|%s|%s|%s)", source, KeySourceAuto, KeySourceEnv, KeySourceFile, KeySourceKeystore)
	}
}

func New(cfg KeyConfig) (*LocalSigner, error) {
	key, err := cfg.load()
	if err != nil {
		return nil, err
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("invalid ECDSA public key")
	}
	return &LocalSigner{key: key, address: crypto.PubkeyToAddress(*pub)}, nil
}

func (cfg KeyConfig) load() (*ecdsa.PrivateKey, error) {
	switch {
	case strings.TrimSpace(cfg.PrivateKeyHex) != "":
		return parseHexKey(cfg.PrivateKeyHex)
	case strings.TrimSpace(cfg.PrivateKeyFile) != "":
		buf, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key file: %w", err)
		}
		return parseHexKey(string(buf))
	case strings.TrimSpace(cfg.KeystorePath) != "":
		password, err := cfg.keystorePassword()
		if err != nil {
			return nil, err
		}
		buf, err := os.ReadFile(cfg.KeystorePath)
		if err != nil {
			return nil, fmt.Errorf("read keystore file: %w", err)
		}
		key, err := keystore.DecryptKey(buf, password)
		if err != nil {
			return nil, fmt.Errorf("decrypt keystore: %w", err)
		}
		return key.PrivateKey, nil
	}
	return nil, fmt.Errorf("missing signing key: write a hex key to %s, pass --private-key, or set %s / %s", defaultKeyHintPath, EnvPrivateKey, EnvKeystorePath)
}

func (cfg KeyConfig) keystorePassword() (string, error) {
	password := strings.TrimSpace(cfg.KeystorePassword)
	if password == "" && strings.TrimSpace(cfg.KeystorePasswordFile) != "" {
		buf, err := os.ReadFile(cfg.KeystorePasswordFile)
		if err != nil {
			return "", fmt.Errorf("read keystore password file: %w", err)
		}
		password = strings.TrimSpace(string(buf))
	}
	if password == "" {
		return "", fmt.Errorf("keystore password is required")
	}
	return password, nil
}

func parseHexKey(raw string) (*ecdsa.PrivateKey, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if clean == "" {
		return nil, fmt.Errorf("empty private key")
	}
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func defaultKeyPath() string {
	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, defaultKeyRelativePath)
}

func existingDefaultKeyFile() string {
	path := defaultKeyPath()
	if path == "" {
		return ""
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return ""
	}
	return path
}
