// Package crypto provides reporter key management, report signing and
// verification, and HMAC authentication for the admin API.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	// saltLen is the random salt length in bytes.
	saltLen = 16
	// aesKeyLen is the derived AES-256 key length.
	aesKeyLen = 32
	// currentVersion is the encrypted-key JSON schema version.
	currentVersion = 1
)

// encryptedKeyJSON is the on-disk format of an encrypted reporter signing
// key, as written by EncryptKey and the reporter tool's encrypt-key command.
type encryptedKeyJSON struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`       // base64 standard encoding
	Nonce      string `json:"nonce"`      // base64 standard encoding
	Ciphertext string `json:"ciphertext"` // base64 standard encoding
}

// KeyConfig tells LoadKey where a reporter's signing key lives. Reporter
// processes populate it from flags or environment variables.
type KeyConfig struct {
	// RawPrivateKey is the hex-encoded key (with or without 0x prefix).
	// When set it wins over the encrypted file.
	RawPrivateKey string

	// EncryptedKeyPath points at a JSON file produced by EncryptKey.
	EncryptedKeyPath string

	// KeyPassword decrypts the file at EncryptedKeyPath.
	KeyPassword string
}

// EncryptKey seals a reporter's hex-encoded secp256k1 signing key under a
// password: PBKDF2-HMAC-SHA256 derives the AES-256 key and GCM provides
// authenticated encryption. The returned JSON blob is what LoadKey expects
// on disk.
func EncryptKey(privateKeyHex string, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}

	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("crypto: expected 32-byte key, got %d bytes", len(keyBytes))
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}

	derivedKey := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, keyBytes, nil)

	out := encryptedKeyJSON{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}

	return json.MarshalIndent(out, "", "  ")
}

// DecryptKey opens a blob produced by EncryptKey and returns the
// hex-encoded signing key (without 0x prefix).
func DecryptKey(encryptedJSON []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}

	var stored encryptedKeyJSON
	if err := json.Unmarshal(encryptedJSON, &stored); err != nil {
		return "", fmt.Errorf("crypto: parsing encrypted key JSON: %w", err)
	}
	if stored.Version != currentVersion {
		return "", fmt.Errorf("crypto: unsupported version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	derivedKey := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return "", fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("crypto: creating GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}

	return hex.EncodeToString(plaintext), nil
}

// LoadKey resolves a reporter's signing key from the configuration: the raw
// hex key when present, otherwise the encrypted key file. The result feeds
// straight into NewSigner.
func LoadKey(cfg KeyConfig) (string, error) {
	if cfg.RawPrivateKey != "" {
		k := strings.TrimPrefix(cfg.RawPrivateKey, "0x")
		if _, err := hex.DecodeString(k); err != nil {
			return "", fmt.Errorf("crypto: RawPrivateKey is not valid hex: %w", err)
		}
		return k, nil
	}

	if cfg.EncryptedKeyPath != "" {
		data, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return "", fmt.Errorf("crypto: reading encrypted key file: %w", err)
		}
		return DecryptKey(data, cfg.KeyPassword)
	}

	return "", errors.New("crypto: no private key source configured (set RawPrivateKey or EncryptedKeyPath)")
}
