package storage

import (
	"context"
	"fmt"
	"strings"
)

// UploadOptions conveys upload destination metadata.
type UploadOptions struct {
	Bucket           string
	KeyPrefix        string
	ProgressCallback func(done, total int64)
}

// Service copies finished downloads to remote object storage and removes them again.
type Service interface {
	Upload(ctx context.Context, localPath string, opts UploadOptions) (string, error)
	DeletePrefix(ctx context.Context, bucket, prefix string) error
}

// Location formats the URI returned by Upload.
func Location(bucket, prefix string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, strings.Trim(prefix, "/"))
}

// ParseLocation splits an s3://bucket/prefix URI.
func ParseLocation(location string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(location, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 location: %q", location)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" || strings.Trim(prefix, "/") == "" {
		return "", "", fmt.Errorf("incomplete s3 location: %q", location)
	}
	return bucket, strings.Trim(prefix, "/"), nil
}
