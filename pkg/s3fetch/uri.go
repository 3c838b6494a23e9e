package s3fetch

import (
	"errors"
	"fmt"
	"strings"
)

const scheme = "s3://"

// Location names one S3 object.
type Location struct {
	Bucket string
	Key    string
}

func (l Location) String() string {
	return scheme + l.Bucket + "/" + l.Key
}

// IsS3URI reports whether s looks like an s3:// URI rather than a local path.
func IsS3URI(s string) bool {
	return strings.HasPrefix(s, scheme)
}

// ParseS3URI parses s3://bucket/key. A recording is a single object, so
// the key must be present.
func ParseS3URI(uri string) (Location, error) {
	if !IsS3URI(uri) {
		return Location{}, errors.New("invalid S3 URI: must start with s3://")
	}

	bucket, key, _ := strings.Cut(strings.TrimPrefix(uri, scheme), "/")
	if bucket == "" {
		return Location{}, errors.New("invalid S3 URI: missing bucket name")
	}
	if key == "" || strings.HasSuffix(key, "/") {
		return Location{}, fmt.Errorf("invalid S3 URI %q: missing object key", uri)
	}
	return Location{Bucket: bucket, Key: key}, nil
}
