package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"golang.org/x/term"
)

// passphraseEnv mirrors the daemon: set it to skip the interactive prompt.
const passphraseEnv = "PARAPAY_KEYSTORE_PASSPHRASE"

// Scrypt parameters for new keystores. Tests dial these down; real imports
// always use the standard cost.
var scryptN, scryptP = keystore.StandardScryptN, keystore.StandardScryptP

func runKeyCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: payctl key import <hex-key-file> <keystore-out>")
		return 1
	}
	switch strings.ToLower(args[0]) {
	case "import":
		if len(args) < 3 {
			fmt.Fprintln(stderr, "Usage: payctl key import <hex-key-file> <keystore-out>")
			return 1
		}
		if err := importKey(args[1], args[2], stdout); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown key subcommand %q\n", args[0])
		return 1
	}
}

// importKey encrypts a raw hex secp256k1 key into a geth keystore file the
// daemon can load. The plaintext source file is left in place; the operator
// deletes it once the keystore is verified.
func importKey(hexPath, outPath string, stdout io.Writer) error {
	raw, err := os.ReadFile(hexPath)
	if err != nil {
		return fmt.Errorf("read key file: %w", err)
	}
	material := strings.TrimPrefix(strings.TrimSpace(string(raw)), "0x")
	if material == "" {
		return fmt.Errorf("key file %s is empty", hexPath)
	}
	priv, err := ethcrypto.HexToECDSA(material)
	if err != nil {
		return fmt.Errorf("invalid private key material: %w", err)
	}

	if _, err := os.Stat(outPath); err == nil {
		return fmt.Errorf("keystore file %s already exists", outPath)
	} else if !os.IsNotExist(err) {
		return err
	}

	secret, err := newKeystorePassphrase()
	if err != nil {
		return err
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("generate key id: %w", err)
	}
	key := &keystore.Key{
		Id:         id,
		Address:    ethcrypto.PubkeyToAddress(priv.PublicKey),
		PrivateKey: priv,
	}
	encrypted, err := keystore.EncryptKey(key, secret, scryptN, scryptP)
	if err != nil {
		return fmt.Errorf("encrypt keystore: %w", err)
	}
	if err := os.WriteFile(outPath, encrypted, 0o600); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}

	fmt.Fprintf(stdout, "Wrote keystore for %s to %s\n", key.Address.Hex(), outPath)
	fmt.Fprintln(stdout, "Delete the plaintext key file once the daemon loads the keystore.")
	return nil
}

// newKeystorePassphrase resolves the passphrase for a fresh keystore: the
// environment variable when set, otherwise an interactive prompt with a
// confirmation read so a typo cannot lock the key away.
func newKeystorePassphrase() (string, error) {
	if value, ok := os.LookupEnv(passphraseEnv); ok {
		if strings.TrimSpace(value) == "" {
			return "", fmt.Errorf("%s is set but empty", passphraseEnv)
		}
		return value, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("keystore passphrase required; set %s or run interactively", passphraseEnv)
	}

	fmt.Fprint(os.Stderr, "Enter new keystore passphrase: ")
	first, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if strings.TrimSpace(string(first)) == "" {
		return "", fmt.Errorf("keystore passphrase cannot be empty")
	}

	fmt.Fprint(os.Stderr, "Confirm keystore passphrase: ")
	second, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase confirmation: %w", err)
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passphrases do not match")
	}
	return string(first), nil
}
