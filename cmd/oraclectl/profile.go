package main

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/fulldecent/compound-oracle/cmd/internal/passphrase"
)

const (
	defaultEndpoint = "http://localhost:7090"
	defaultKeyEnv   = "ORACLE_SIGNER_KEY"
	defaultPassEnv  = "ORACLE_KEYSTORE_PASS"
)

// profile is the operator's oraclectl TOML file.
type profile struct {
	Endpoint       string `toml:"Endpoint"`
	KeystorePath   string `toml:"KeystorePath"`
	KeyEnv         string `toml:"KeyEnv"`
	PassEnv        string `toml:"PassEnv"`
	TimeoutSeconds int    `toml:"TimeoutSeconds"`
	EventLimit     int    `toml:"EventLimit"`
}

func loadProfile(path string) (profile, error) {
	var p profile
	if strings.TrimSpace(path) != "" {
		if _, err := toml.DecodeFile(path, &p); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return p, fmt.Errorf("read profile: %w", err)
			}
		}
	}
	if p.Endpoint == "" {
		p.Endpoint = defaultEndpoint
	}
	if p.KeyEnv == "" {
		p.KeyEnv = defaultKeyEnv
	}
	if p.PassEnv == "" {
		p.PassEnv = defaultPassEnv
	}
	if p.TimeoutSeconds <= 0 {
		p.TimeoutSeconds = 15
	}
	if p.EventLimit <= 0 {
		p.EventLimit = 20
	}
	return p, nil
}

func (p profile) timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// signer resolves the signing key from the key env var or the keystore.
func (p profile) signer() (*ecdsa.PrivateKey, error) {
	if raw := strings.TrimSpace(os.Getenv(p.KeyEnv)); raw != "" {
		key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", p.KeyEnv, err)
		}
		return key, nil
	}
	if strings.TrimSpace(p.KeystorePath) == "" {
		return nil, fmt.Errorf("no signer configured; set %s or KeystorePath in the profile", p.KeyEnv)
	}
	data, err := os.ReadFile(p.KeystorePath)
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	pass, err := passphrase.NewSource(p.PassEnv, "signer keystore passphrase").Get()
	if err != nil {
		return nil, err
	}
	key, err := keystore.DecryptKey(data, pass)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", err)
	}
	return key.PrivateKey, nil
}

// writeKeystore encrypts a fresh key into path and returns its address.
func writeKeystore(path, pass string, scryptN, scryptP int) (string, error) {
	private, err := ethcrypto.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	key := &keystore.Key{
		Id:         uuid.New(),
		Address:    ethcrypto.PubkeyToAddress(private.PublicKey),
		PrivateKey: private,
	}
	encoded, err := keystore.EncryptKey(key, pass, scryptN, scryptP)
	if err != nil {
		return "", fmt.Errorf("encrypt key: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return "", fmt.Errorf("write keystore: %w", err)
	}
	return key.Address.Hex(), nil
}
