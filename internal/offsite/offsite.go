package offsite

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/emuops/pgback/internal/config"
	"github.com/emuops/pgback/internal/cryptoutil"
	"github.com/emuops/pgback/internal/store"
	"github.com/emuops/pgback/internal/util"
)

// Mirror replicates completed artifacts to S3-compatible object storage.
// It is best-effort from the executor's point of view: callers log upload
// failures and move on.
type Mirror struct {
	client  *minio.Client
	bucket  string
	prefix  string
	encKey  []byte
	retries int
	backoff time.Duration
	log     zerolog.Logger
}

// FromConfig returns nil when no endpoint is configured: mirroring is
// opt-in.
func FromConfig(cfg config.OffsiteConfig, log zerolog.Logger) (*Mirror, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("offsite endpoint set but bucket is empty")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
		BucketLookup: func() minio.BucketLookupType {
			if cfg.ForcePathStyle {
				return minio.BucketLookupPath
			}
			return minio.BucketLookupDNS
		}(),
	})
	if err != nil {
		return nil, fmt.Errorf("create offsite client: %w", err)
	}

	m := &Mirror{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		retries: cfg.RetryCount,
		backoff: cfg.RetryBackoff,
		log:     log,
	}
	if cfg.EncryptionKey != "" {
		key, err := cryptoutil.ParseKey(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("offsite encryption key: %w", err)
		}
		m.encKey = key
	}
	return m, nil
}

// ObjectKey places an artifact under {prefix}/{instance}/{filename}, with
// an .enc suffix when client-side encryption is on.
func ObjectKey(prefix, instance, fileName string, encrypted bool) string {
	key := path.Join(prefix, instance, fileName)
	if encrypted {
		key += ".enc"
	}
	return key
}

// UploadPair mirrors the base archive and, when present, the WAL
// companion. The two uploads run concurrently and each is retried.
func (m *Mirror) UploadPair(ctx context.Context, pair store.Pair) error {
	files := []string{pair.BasePath}
	if pair.WALPath != "" {
		files = append(files, pair.WALPath)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, file := range files {
		eg.Go(func() error {
			return util.Retry(egCtx, m.retries, m.backoff, func() error {
				return m.uploadFile(egCtx, pair, file)
			})
		})
	}
	return eg.Wait()
}

func (m *Mirror) uploadFile(ctx context.Context, pair store.Pair, filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	var reader io.Reader = f
	size := info.Size()
	if m.encKey != nil {
		enc, encErr := cryptoutil.EncryptReader(f, m.encKey)
		if encErr != nil {
			return encErr
		}
		reader = enc
		// DARE framing changes the length; stream with unknown size.
		size = -1
	}

	key := ObjectKey(m.prefix, pair.Instance, filepath.Base(filePath), m.encKey != nil)
	opts := minio.PutObjectOptions{
		ContentType: "application/gzip",
		UserMetadata: map[string]string{
			"pgback-instance":  pair.Instance,
			"pgback-timestamp": pair.Timestamp,
		},
	}
	if _, err := m.client.PutObject(ctx, m.bucket, key, reader, size, opts); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	m.log.Info().Str("key", key).Int64("bytes", info.Size()).Msg("mirrored artifact off-site")
	return nil
}
