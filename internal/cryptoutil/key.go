package cryptoutil

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// KeySize is the only accepted key length, matching AES-256 and DARE.
const KeySize = 32

// NewKey generates a random key in the base64-prefixed form ParseKey
// accepts, for `config keygen` output.
func NewKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return "base64:" + base64.StdEncoding.EncodeToString(key), nil
}

// ParseKey decodes a 32-byte key. A "base64:" or "hex:" prefix selects
// the encoding; without one both are tried, base64 first.
func ParseKey(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("encryption key is empty")
	}
	var key []byte
	var err error
	if enc, rest, found := strings.Cut(value, ":"); found && (enc == "base64" || enc == "hex") {
		key, err = decodeKey(enc, rest)
	} else {
		key, err = decodeKey("base64", value)
		if err != nil {
			key, err = decodeKey("hex", value)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

func decodeKey(encoding, value string) ([]byte, error) {
	if encoding == "hex" {
		return hex.DecodeString(value)
	}
	return base64.StdEncoding.DecodeString(value)
}
