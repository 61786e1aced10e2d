package offsite

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/emuops/pgback/internal/config"
)

func TestObjectKey(t *testing.T) {
	cases := []struct {
		prefix    string
		instance  string
		file      string
		encrypted bool
		want      string
	}{
		{"pgback", "backend", "backend_backup_20250112_033000.tar.gz", false, "pgback/backend/backend_backup_20250112_033000.tar.gz"},
		{"pgback", "backend", "backend_backup_20250112_033000_wal.tar.gz", true, "pgback/backend/backend_backup_20250112_033000_wal.tar.gz.enc"},
		{"", "backend", "backend_backup_20250112_033000.tar.gz", false, "backend/backend_backup_20250112_033000.tar.gz"},
		{"nested/prefix", "reports", "reports_backup_20250112_033000.tar.gz", false, "nested/prefix/reports/reports_backup_20250112_033000.tar.gz"},
	}
	for _, tc := range cases {
		got := ObjectKey(tc.prefix, tc.instance, tc.file, tc.encrypted)
		if got != tc.want {
			t.Errorf("ObjectKey(%q, %q, %q, %v) = %q, want %q", tc.prefix, tc.instance, tc.file, tc.encrypted, got, tc.want)
		}
	}
}

func TestFromConfigDisabledWithoutEndpoint(t *testing.T) {
	m, err := FromConfig(config.OffsiteConfig{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m != nil {
		t.Fatalf("expected nil mirror when endpoint is unset, got %+v", m)
	}
}

func TestFromConfigRequiresBucket(t *testing.T) {
	_, err := FromConfig(config.OffsiteConfig{Endpoint: "minio.internal:9000"}, zerolog.Nop())
	if err == nil {
		t.Fatal("expected error for missing bucket")
	}
}

func TestFromConfigRejectsBadEncryptionKey(t *testing.T) {
	cfg := config.OffsiteConfig{
		Endpoint:      "minio.internal:9000",
		Bucket:        "backups",
		EncryptionKey: "hex:zz",
	}
	_, err := FromConfig(cfg, zerolog.Nop())
	if err == nil {
		t.Fatal("expected error for malformed encryption key")
	}
}

func TestFromConfigBuildsMirror(t *testing.T) {
	cfg := config.OffsiteConfig{
		Endpoint:       "minio.internal:9000",
		Bucket:         "backups",
		Prefix:         "pgback",
		AccessKey:      "minioadmin",
		SecretKey:      "minioadmin",
		ForcePathStyle: true,
		RetryCount:     3,
	}
	m, err := FromConfig(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m == nil {
		t.Fatal("expected mirror")
	}
	if m.bucket != "backups" || m.prefix != "pgback" {
		t.Fatalf("mirror misconfigured: bucket=%q prefix=%q", m.bucket, m.prefix)
	}
}
