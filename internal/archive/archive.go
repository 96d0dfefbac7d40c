// Package archive uploads event-log exports and reports as JSON objects to
// S3-compatible storage. When no bucket is configured the NoopUploader is
// used and every upload fails with ErrNotConfigured, keeping the server in
// local-only mode.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/fitsync/internal/apperr"
	"github.com/hyperengineering/fitsync/internal/config"
	"github.com/hyperengineering/fitsync/internal/eventlog"
	"github.com/hyperengineering/fitsync/internal/metrics"
)

// ErrNotConfigured is returned when archive storage is not configured.
var ErrNotConfigured = errors.New("archive storage not configured")

// Uploader stores objects and generates pre-signed download URLs.
type Uploader interface {
	// Upload stores body under key, relative to the configured prefix.
	Upload(ctx context.Context, key string, body []byte, contentType string) error

	// PresignedURL returns a pre-signed URL for downloading key.
	PresignedURL(ctx context.Context, key string) (url string, expiry time.Time, err error)
}

// s3Client defines the minimal minio.Client operations used by S3Uploader.
type s3Client interface {
	PutObject(ctx context.Context, bucket, objectName string, r io.Reader, size int64, contentType string) error
	PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error)
}

// minioClientWrapper wraps *minio.Client to satisfy the s3Client interface.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) PutObject(ctx context.Context, bucket, objectName string, r io.Reader, size int64, contentType string) error {
	_, err := w.client.PutObject(ctx, bucket, objectName, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

func (w *minioClientWrapper) PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error) {
	return w.client.PresignedGetObject(ctx, bucket, objectName, expiry, nil)
}

// S3Uploader uploads objects to S3-compatible storage.
type S3Uploader struct {
	client    s3Client
	bucket    string
	prefix    string
	urlExpiry time.Duration
}

// Upload stores body under prefix/key.
func (u *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) error {
	name := u.objectName(key)
	if err := u.client.PutObject(ctx, u.bucket, name, bytes.NewReader(body), int64(len(body)), contentType); err != nil {
		return fmt.Errorf("upload %s to S3: %w", name, err)
	}
	return nil
}

// PresignedURL returns a pre-signed GET URL for prefix/key.
func (u *S3Uploader) PresignedURL(ctx context.Context, key string) (string, time.Time, error) {
	presigned, err := u.client.PresignedGetObject(ctx, u.bucket, u.objectName(key), u.urlExpiry)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate pre-signed URL: %w", err)
	}
	return presigned.String(), time.Now().Add(u.urlExpiry), nil
}

func (u *S3Uploader) objectName(key string) string {
	if u.prefix == "" {
		return key
	}
	return path.Join(u.prefix, key)
}

// NoopUploader is used when archive storage is not configured.
type NoopUploader struct{}

// Upload returns ErrNotConfigured.
func (u *NoopUploader) Upload(ctx context.Context, key string, body []byte, contentType string) error {
	return ErrNotConfigured
}

// PresignedURL returns ErrNotConfigured.
func (u *NoopUploader) PresignedURL(ctx context.Context, key string) (string, time.Time, error) {
	return "", time.Time{}, ErrNotConfigured
}

// NewUploader creates the appropriate Uploader based on configuration.
// Returns NoopUploader when bucket is empty, S3Uploader otherwise.
func NewUploader(cfg config.ArchiveConfig) (Uploader, error) {
	if cfg.Bucket == "" {
		return &NoopUploader{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	expiry := time.Duration(cfg.URLExpiry)
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &S3Uploader{
		client:    &minioClientWrapper{client: client},
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		urlExpiry: expiry,
	}, nil
}

// Object describes an archived upload.
type Object struct {
	Key       string    `json:"key"`
	Size      int       `json:"size"`
	URL       string    `json:"url,omitempty"`
	URLExpiry time.Time `json:"url_expiry,omitempty"`
}

// Archive serialises exports and reports and hands them to an Uploader.
type Archive struct {
	uploader Uploader
	now      func() time.Time
}

// New creates an Archive over u.
func New(u Uploader) *Archive {
	if u == nil {
		u = &NoopUploader{}
	}
	return &Archive{uploader: u, now: time.Now}
}

// Enabled reports whether uploads go anywhere.
func (a *Archive) Enabled() bool {
	_, noop := a.uploader.(*NoopUploader)
	return !noop
}

// PutExport uploads exp under exports/{entity_type|all}/.
func (a *Archive) PutExport(ctx context.Context, exp *eventlog.Export) (*Object, error) {
	scope := "all"
	if exp.EntityType != "" {
		scope = string(exp.EntityType)
	}
	return a.put(ctx, "archive.put_export", path.Join("exports", scope), exp)
}

// PutReport uploads rep under reports/{type}/.
func (a *Archive) PutReport(ctx context.Context, rep *metrics.Report) (*Object, error) {
	return a.put(ctx, "archive.put_report", path.Join("reports", string(rep.Type)), rep)
}

func (a *Archive) put(ctx context.Context, op, dir string, v any) (*Object, error) {
	if !a.Enabled() {
		return nil, apperr.Wrap(apperr.KindValidation, op, ErrNotConfigured)
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	key := objectKey(dir, a.now())
	if err := a.uploader.Upload(ctx, key, body, "application/json"); err != nil {
		return nil, apperr.Transient(op, err)
	}
	obj := &Object{Key: key, Size: len(body)}
	// A missing download link does not undo a stored object.
	if u, exp, err := a.uploader.PresignedURL(ctx, key); err == nil {
		obj.URL, obj.URLExpiry = u, exp
	}
	return obj, nil
}

// objectKey returns dir/{timestamp}-{ulid}.json.
func objectKey(dir string, at time.Time) string {
	return path.Join(dir, at.UTC().Format("20060102T150405Z")+"-"+ulid.Make().String()+".json")
}
