package config

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeEncryptionKeyAcceptsHex(t *testing.T) {
	key, err := DecodeEncryptionKey("00112233445566778899aabbccddeeff")
	require.NoError(t, err)
	require.Len(t, key, 16)
}

func TestDecodeEncryptionKeyAcceptsStdBase64(t *testing.T) {
	raw := []byte("0123456789abcdef0123456789abcdef")
	encoded := base64.StdEncoding.EncodeToString(raw)

	key, err := DecodeEncryptionKey(encoded)
	require.NoError(t, err)
	require.Equal(t, raw, key)
}

func TestDecodeEncryptionKeyAcceptsUnpaddedBase64(t *testing.T) {
	raw := []byte("0123456789abcdef")
	encoded := base64.RawStdEncoding.EncodeToString(raw)

	key, err := DecodeEncryptionKey(encoded)
	require.NoError(t, err)
	require.Equal(t, raw, key)
}

func TestDecodeEncryptionKeyRejectsEmptyAndWrongLength(t *testing.T) {
	_, err := DecodeEncryptionKey("")
	require.Error(t, err)

	_, err = DecodeEncryptionKey(base64.StdEncoding.EncodeToString([]byte("too-short")))
	require.Error(t, err)
}

func TestDecodeEncryptionKeysCSVSkipsBlankEntries(t *testing.T) {
	raw := []byte("0123456789abcdef")
	encoded := base64.StdEncoding.EncodeToString(raw)

	keys, err := DecodeEncryptionKeysCSV(strings.Join([]string{" ", encoded, ""}, ","))
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, raw, keys[0])
}
