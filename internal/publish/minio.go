package publish

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/bpsync/pkg/api"
)

// MinIOConfig locates the S3-compatible endpoint.
type MinIOConfig struct {
	Endpoint string
	Region   string
	UseSSL   bool
}

// MinIOPublisher uploads files to s3://bucket/key refs.
type MinIOPublisher struct {
	cfg MinIOConfig

	mu      sync.Mutex
	clients map[api.Credentials]*minio.Client
	buckets map[string]bool
}

func NewMinIOPublisher(cfg MinIOConfig) *MinIOPublisher {
	return &MinIOPublisher{
		cfg:     cfg,
		clients: map[api.Credentials]*minio.Client{},
		buckets: map[string]bool{},
	}
}

func (p *MinIOPublisher) Publish(ctx context.Context, localPath, targetRef string, creds api.Credentials) (string, error) {
	if err := p.publish(ctx, localPath, targetRef, creds); err != nil {
		return "", &api.PublishError{Ref: targetRef, Err: err}
	}
	return targetRef, nil
}

func (p *MinIOPublisher) publish(ctx context.Context, localPath, targetRef string, creds api.Credentials) error {
	bucket, key, err := splitS3(targetRef)
	if err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("reference %q has no object key", targetRef)
	}
	client, err := p.client(ctx, bucket, creds)
	if err != nil {
		return err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}
	info, err := client.PutObject(ctx, bucket, key, f, st.Size(), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	log.Info().Str("ref", targetRef).Int64("size", info.Size).Msg("Uploaded object")
	return nil
}

// client returns a cached client for creds, creating the bucket on first use.
func (p *MinIOPublisher) client(ctx context.Context, bucket string, creds api.Credentials) (*minio.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.clients[creds]
	if !ok {
		var err error
		c, err = minio.New(p.cfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(creds.Username, creds.Password, ""),
			Secure: p.cfg.UseSSL,
			Region: p.cfg.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("create MinIO client: %w", err)
		}
		p.clients[creds] = c
	}
	if !p.buckets[bucket] {
		if err := ensureBucket(ctx, c, bucket); err != nil {
			return nil, err
		}
		p.buckets[bucket] = true
	}
	return c, nil
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

// splitS3 splits s3://bucket/some/key into bucket and a cleaned key.
func splitS3(ref string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(ref, s3Scheme)
	if !ok {
		return "", "", fmt.Errorf("reference %q is not an s3:// URL", ref)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("reference %q has no bucket", ref)
	}
	key = strings.Trim(key, "/")
	if key != "" {
		key = path.Clean(key)
		if strings.HasPrefix(key, "..") {
			return "", "", fmt.Errorf("invalid object key in %q", ref)
		}
	}
	return bucket, key, nil
}
