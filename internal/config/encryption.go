package config

import (
	"crypto/hkdf"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const attachmentTokenHKDFInfo = "attachment-download-tokens"

// DecodeEncryptionKey accepts a 16/24/32-byte AES key spelled as hex,
// standard base64, or unpadded base64, and returns the raw key bytes.
func DecodeEncryptionKey(raw string) ([]byte, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	if b, err := hex.DecodeString(value); err == nil && isValidAESKeyLen(len(b)) {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(value); err == nil && isValidAESKeyLen(len(b)) {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(value); err == nil && isValidAESKeyLen(len(b)) {
		return b, nil
	}
	return nil, fmt.Errorf("key must be hex or base64 encoded 16/24/32-byte value")
}

// DecodeEncryptionKeysCSV decodes a comma-separated list of encryption
// keys, skipping blank entries.
func DecodeEncryptionKeysCSV(raw string) ([][]byte, error) {
	parts := strings.Split(raw, ",")
	keys := make([][]byte, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, err := DecodeEncryptionKey(part)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func isValidAESKeyLen(n int) bool {
	return n == 16 || n == 24 || n == 32
}

// AttachmentSigningKey derives the HMAC key used to sign new
// attachment download tokens from the first (primary) entry of
// EncryptionKey via HKDF-SHA256.
// Returns (nil, nil) when EncryptionKey is unset, meaning download
// token signing is disabled.
func (c *Config) AttachmentSigningKey() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, nil
	}
	return deriveSigningKey(strings.Split(c.EncryptionKey, ",")[0])
}

// AttachmentSigningKeys returns every signing key a download token may
// validate against: the current key first, then one derived from each
// further (legacy) entry of EncryptionKey, so tokens issued before a key
// rotation still verify. Returns (nil, nil) when EncryptionKey is
// unset.
func (c *Config) AttachmentSigningKeys() ([][]byte, error) {
	primary, err := c.AttachmentSigningKey()
	if err != nil || primary == nil {
		return nil, err
	}
	keys := [][]byte{primary}

	allRaws, err := DecodeEncryptionKeysCSV(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key list: %w", err)
	}
	for _, raw := range allRaws[1:] {
		key, err := hkdf.Key(sha256.New, raw, nil, attachmentTokenHKDFInfo, 32)
		if err != nil {
			return nil, fmt.Errorf("HKDF derivation failed for legacy key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func deriveSigningKey(encryptionKey string) ([]byte, error) {
	raw, err := DecodeEncryptionKey(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("cannot derive attachment signing key from encryption key: %w", err)
	}
	key, err := hkdf.Key(sha256.New, raw, nil, attachmentTokenHKDFInfo, 32)
	if err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return key, nil
}
