package upload

import (
	"context"
	"fmt"
	"strings"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
)

// ProgressFunc receives upload progress as a percentage 0-100.
type ProgressFunc func(percent int)

// Uploader stores a local file under objectKey and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, localPath, objectKey string, progress ProgressFunc) (string, error)
}

// OSSConfig describes the target bucket.
type OSSConfig struct {
	Endpoint        string
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
	// PublicBaseURL prefixes object keys in returned URLs. Defaults to
	// https://<bucket>.<endpoint>.
	PublicBaseURL string
}

// OSSUploader uploads to an Aliyun OSS bucket.
type OSSUploader struct {
	bucket  *oss.Bucket
	baseURL string
}

// NewOSSUploader connects to the bucket described by cfg.
func NewOSSUploader(cfg OSSConfig) (*OSSUploader, error) {
	client, err := oss.New(cfg.Endpoint, cfg.AccessKeyID, cfg.AccessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("creating oss client: %w", err)
	}

	bucket, err := client.Bucket(cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("opening oss bucket %s: %w", cfg.Bucket, err)
	}

	return &OSSUploader{bucket: bucket, baseURL: publicBaseURL(cfg)}, nil
}

func (u *OSSUploader) Upload(ctx context.Context, localPath, objectKey string, progress ProgressFunc) (string, error) {
	opts := []oss.Option{oss.WithContext(ctx)}
	if progress != nil {
		opts = append(opts, oss.Progress(&progressListener{fn: progress}))
	}

	if err := u.bucket.PutObjectFromFile(objectKey, localPath, opts...); err != nil {
		return "", fmt.Errorf("uploading %s: %w", objectKey, err)
	}

	return u.baseURL + "/" + objectKey, nil
}

func publicBaseURL(cfg OSSConfig) string {
	if cfg.PublicBaseURL != "" {
		return strings.TrimRight(cfg.PublicBaseURL, "/")
	}

	host := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://")

	return "https://" + cfg.Bucket + "." + strings.TrimRight(host, "/")
}

// progressListener adapts OSS transfer events to a percentage callback.
type progressListener struct {
	fn   ProgressFunc
	last int
}

func (l *progressListener) ProgressChanged(event *oss.ProgressEvent) {
	var pct int

	switch event.EventType {
	case oss.TransferStartedEvent:
		pct = 0
	case oss.TransferDataEvent:
		if event.TotalBytes <= 0 {
			return
		}

		// 100 is reserved for the completed event.
		pct = min(int(event.ConsumedBytes*100/event.TotalBytes), 99)
		if pct == l.last {
			return
		}
	case oss.TransferCompletedEvent:
		pct = 100
	default:
		return
	}

	l.last = pct
	l.fn(pct)
}
