// Package archive stores a copy of every rendered message as an .eml file,
// either in a local folder or in an S3 bucket.
package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"

	"github.com/shineum/carmailer/internal/email"
)

// Sentinel errors for archival.
var (
	ErrInvalidTarget = errors.New("archive: invalid target")
	ErrWriteFailed   = errors.New("archive: write failed")
	ErrAccessDenied  = errors.New("archive: access denied")
	ErrNoSuchBucket  = errors.New("archive: bucket not found")
)

// Archiver stores the message rendered for one recipient and returns where
// it was written.
type Archiver interface {
	Archive(ctx context.Context, r email.Recipient, msg *mail.Msg) (string, error)
}

// S3Scheme prefixes targets that select the S3 archiver.
const S3Scheme = "s3://"

// Options carries the settings used when the target is an S3 URL.
type Options struct {
	Region   string
	Endpoint string
}

// New selects the archiver for target: an s3://bucket/prefix URL stores
// objects in S3, anything else is a local folder.
func New(ctx context.Context, target string, opts Options) (Archiver, error) {
	if target == "" {
		return nil, fmt.Errorf("%w: empty target", ErrInvalidTarget)
	}
	if strings.HasPrefix(target, S3Scheme) {
		bucket, prefix, err := ParseS3Target(target)
		if err != nil {
			return nil, err
		}
		return NewS3(ctx, S3Config{
			Bucket:   bucket,
			Prefix:   prefix,
			Region:   opts.Region,
			Endpoint: opts.Endpoint,
		})
	}
	return NewFolder(target)
}

// ParseS3Target splits s3://bucket/prefix. A non-empty prefix always ends
// with a slash.
func ParseS3Target(target string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(target, S3Scheme)
	if !ok {
		return "", "", fmt.Errorf("%w: %q is not an s3 URL", ErrInvalidTarget, target)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("%w: missing bucket in %q", ErrInvalidTarget, target)
	}
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return bucket, prefix, nil
}

// fileName is the archive name for an address. Path separators are replaced
// so an address can never escape the target folder.
func fileName(address string) string {
	name := strings.NewReplacer("/", "_", "\\", "_").Replace(address)
	if name == "" || name == "." || name == ".." {
		name = "_" + name
	}
	return name + ".eml"
}
