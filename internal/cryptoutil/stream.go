package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/minio/sio"
)

// Encrypted config layout: 4-byte magic, 2-byte version, 12-byte GCM
// nonce, then the sealed payload.
const (
	configMagic   = "PGBK"
	configVersion = uint16(1)
	nonceSize     = 12
	headerSize    = len(configMagic) + 2 + nonceSize
)

// EncryptReader wraps r in a DARE encryption stream (sio) so off-site
// objects never leave the host in the clear.
func EncryptReader(r io.Reader, key []byte) (io.Reader, error) {
	return sio.EncryptReader(r, sio.Config{Key: key})
}

// DecryptReader reverses EncryptReader.
func DecryptReader(r io.Reader, key []byte) (io.Reader, error) {
	return sio.DecryptReader(r, sio.Config{Key: key})
}

// EncryptConfig seals a config payload with AES-256-GCM under a fresh
// nonce and prepends the versioned header.
func EncryptConfig(plain, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, headerSize+len(plain)+aead.Overhead())
	out = append(out, configMagic...)
	out = binary.BigEndian.AppendUint16(out, configVersion)
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, nil), nil
}

// DecryptConfig opens a payload produced by EncryptConfig.
func DecryptConfig(sealed, key []byte) ([]byte, error) {
	if len(sealed) < headerSize {
		return nil, fmt.Errorf("encrypted config too short: %d bytes", len(sealed))
	}
	if string(sealed[:len(configMagic)]) != configMagic {
		return nil, fmt.Errorf("not an encrypted config (bad magic)")
	}
	if v := binary.BigEndian.Uint16(sealed[len(configMagic) : len(configMagic)+2]); v != configVersion {
		return nil, fmt.Errorf("unsupported encrypted config version %d", v)
	}
	nonce := sealed[len(configMagic)+2 : headerSize]
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, sealed[headerSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt config: %w", err)
	}
	return plain, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
