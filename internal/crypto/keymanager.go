// Package crypto loads account keys from configuration or encrypted key
// files and signs ledger transactions with them.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	currentVersion   = 1
)

// encryptedKeyJSON is the on-disk format for an encrypted private key.
type encryptedKeyJSON struct {
	Version    int    `json:"version"`
	Address    string `json:"address,omitempty"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeyringConfig lists every key source for the local identity provider.
type KeyringConfig struct {
	// RawPrivateKeys are hex-encoded keys, with or without 0x prefix.
	RawPrivateKeys []string

	// EncryptedKeyPaths are JSON files produced by EncryptKey, all sealed
	// with KeyPassword.
	EncryptedKeyPaths []string
	KeyPassword       string
}

// Empty reports whether no key source is configured.
func (c KeyringConfig) Empty() bool {
	return len(c.RawPrivateKeys) == 0 && len(c.EncryptedKeyPaths) == 0
}

func gcmFor(password string, salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}

// ParseKey decodes a hex private key.
func ParseKey(privateKeyHex string) (*ecdsa.PrivateKey, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key: %w", err)
	}
	return key, nil
}

// EncryptKey seals a hex-encoded private key with PBKDF2-HMAC-SHA256 and
// AES-256-GCM and returns the JSON blob to write to disk.
func EncryptKey(privateKeyHex string, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	key, err := ParseKey(privateKeyHex)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	gcm, err := gcmFor(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	out := encryptedKeyJSON{
		Version:    currentVersion,
		Address:    ethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, ethcrypto.FromECDSA(key), nil)),
	}
	return json.MarshalIndent(out, "", "  ")
}

// DecryptKey opens a blob produced by EncryptKey.
func DecryptKey(encryptedJSON []byte, password string) (*ecdsa.PrivateKey, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}

	var stored encryptedKeyJSON
	if err := json.Unmarshal(encryptedJSON, &stored); err != nil {
		return nil, fmt.Errorf("crypto: parsing encrypted key JSON: %w", err)
	}
	if stored.Version != currentVersion {
		return nil, fmt.Errorf("crypto: unsupported version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	gcm, err := gcmFor(password, salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}

	key, err := ParseKey(hex.EncodeToString(plaintext))
	if err != nil {
		return nil, err
	}
	if stored.Address != "" && common.HexToAddress(stored.Address) != ethcrypto.PubkeyToAddress(key.PublicKey) {
		return nil, errors.New("crypto: decrypted key does not match recorded address")
	}
	return key, nil
}

// LoadKeys resolves every configured key, raw keys first, then encrypted
// files in order. Duplicate accounts are dropped.
func LoadKeys(cfg KeyringConfig) ([]*ecdsa.PrivateKey, error) {
	if cfg.Empty() {
		return nil, errors.New("crypto: no private key source configured")
	}

	var keys []*ecdsa.PrivateKey
	seen := make(map[common.Address]bool)
	add := func(k *ecdsa.PrivateKey) {
		addr := ethcrypto.PubkeyToAddress(k.PublicKey)
		if !seen[addr] {
			seen[addr] = true
			keys = append(keys, k)
		}
	}

	for i, raw := range cfg.RawPrivateKeys {
		k, err := ParseKey(raw)
		if err != nil {
			return nil, fmt.Errorf("crypto: raw key %d: %w", i, err)
		}
		add(k)
	}
	for _, path := range cfg.EncryptedKeyPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("crypto: reading encrypted key file: %w", err)
		}
		k, err := DecryptKey(data, cfg.KeyPassword)
		if err != nil {
			return nil, fmt.Errorf("crypto: %s: %w", path, err)
		}
		add(k)
	}
	return keys, nil
}
