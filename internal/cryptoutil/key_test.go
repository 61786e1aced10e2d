package cryptoutil

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"testing"
)

func TestParseKey(t *testing.T) {
	raw := bytes.Repeat([]byte{0xAB}, KeySize)
	b64 := base64.StdEncoding.EncodeToString(raw)
	hx := hex.EncodeToString(raw)

	cases := []struct {
		name  string
		in    string
		valid bool
	}{
		{"base64 prefixed", "base64:" + b64, true},
		{"hex prefixed", "hex:" + hx, true},
		{"bare base64", b64, true},
		{"bare hex", hx, true},
		{"surrounding whitespace", "  hex:" + hx + "\n", true},
		{"empty", "", false},
		{"garbage", "not-a-key!!", false},
		{"bad hex digits", "hex:zz", false},
		{"short key", "hex:" + hex.EncodeToString(raw[:16]), false},
		{"long key", "hex:" + hex.EncodeToString(bytes.Repeat([]byte{0xAB}, 2*KeySize)), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := ParseKey(tc.in)
			if tc.valid {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if !bytes.Equal(key, raw) {
					t.Fatalf("decoded key mismatch")
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error for %q", tc.in)
			}
		})
	}
}

func TestNewKeyParsesBack(t *testing.T) {
	generated, err := NewKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	key, err := ParseKey(generated)
	if err != nil {
		t.Fatalf("generated key does not parse: %v", err)
	}
	if len(key) != KeySize {
		t.Fatalf("unexpected key length: %d", len(key))
	}
}
