package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"shelfstream/config"
	"shelfstream/logger"
)

// Client wraps the MinIO client for audio object operations.
type Client struct {
	mc     *minio.Client
	bucket string
}

// NewClient creates a MinIO client and ensures the bucket exists.
func NewClient(cfg *config.Config) (*Client, error) {
	mc, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exists, err := mc.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.MinioBucket, err)
	}
	if !exists {
		if err := mc.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{Region: cfg.MinioRegion}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.MinioBucket, err)
		}
		logger.Info("created bucket", logger.String("bucket", cfg.MinioBucket))
	}

	return &Client{mc: mc, bucket: cfg.MinioBucket}, nil
}

// AudioKey is the deterministic object key for one audio object.
func AudioKey(bookID, objectID, format string) string {
	return fmt.Sprintf("audio/%s/%s.%s", bookID, objectID, format)
}

// ContentTypeFor maps an audio format to its MIME type.
func ContentTypeFor(format string) string {
	switch format {
	case "mp3":
		return "audio/mpeg"
	case "m4a", "m4b":
		return "audio/mp4"
	case "flac":
		return "audio/flac"
	case "ogg":
		return "audio/ogg"
	case "wav":
		return "audio/wav"
	case "aac":
		return "audio/aac"
	default:
		return "application/octet-stream"
	}
}

// progressReader reports cumulative bytes read to a callback.
type progressReader struct {
	r        io.Reader
	read     int64
	progress func(read int64)
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.read += int64(n)
		if p.progress != nil {
			p.progress(p.read)
		}
	}
	return n, err
}

// UploadAudio streams one audio file into the bucket under key, invoking
// progress with cumulative bytes sent.
func (c *Client) UploadAudio(ctx context.Context, key string, r io.Reader, size int64, contentType string, progress func(read int64)) error {
	reader := &progressReader{r: r, progress: progress}
	opts := minio.PutObjectOptions{
		ContentType:      contentType,
		DisableMultipart: true,
	}
	if _, err := c.mc.PutObject(ctx, c.bucket, key, reader, size, opts); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// PresignedStreamURL returns a time-limited GET URL for an object.
func (c *Client) PresignedStreamURL(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	u, err := c.mc.PresignedGetObject(ctx, c.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return u.String(), time.Now().Add(ttl), nil
}

// RemoveObject deletes an object from the bucket.
func (c *Client) RemoveObject(ctx context.Context, key string) error {
	if err := c.mc.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}
