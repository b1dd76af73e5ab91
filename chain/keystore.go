package chain

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// KeyFromKeystore decrypts a geth keystore file with the supplied passphrase.
func KeyFromKeystore(path, passphrase string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: keystore path required")
	}
	raw, err := os.ReadFile(trimmed)
	if err != nil {
		return nil, fmt.Errorf("chain: read keystore: %w", err)
	}
	key, err := keystore.DecryptKey(raw, passphrase)
	if err != nil {
		return nil, fmt.Errorf("chain: decrypt keystore: %w", err)
	}
	return key.PrivateKey, nil
}

// KeyFromEnv sources a hex-encoded secp256k1 key from an environment
// variable. Used in development and test environments where no keystore file
// is provisioned.
func KeyFromEnv(varName string) (*ecdsa.PrivateKey, error) {
	material := strings.TrimSpace(os.Getenv(varName))
	if material == "" {
		return nil, fmt.Errorf("chain: environment variable %s not set", varName)
	}
	material = strings.TrimPrefix(material, "0x")
	key, err := ethcrypto.HexToECDSA(material)
	if err != nil {
		return nil, fmt.Errorf("chain: invalid private key material: %w", err)
	}
	return key, nil
}
