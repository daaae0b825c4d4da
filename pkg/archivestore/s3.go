package archivestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/mrvahepc/hepc/pkg/config"
)

// Compile-time interface check.
var _ Reader = (*s3Reader)(nil)

type s3Reader struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
}

// NewS3Reader creates a Reader backed by S3-compatible storage. Archives
// live under {key_prefix}/{relPath} in the configured bucket.
func NewS3Reader(cfg *config.S3Config) Reader {
	return &s3Reader{
		client:    newS3Client(cfg),
		bucket:    cfg.Bucket,
		keyPrefix: strings.TrimRight(cfg.KeyPrefix, "/"),
	}
}

// Open streams the object for relPath from the bucket.
func (r *s3Reader) Open(
	ctx context.Context, relPath string,
) (io.ReadCloser, int64, error) {
	key, err := r.key(relPath)
	if err != nil {
		return nil, 0, err
	}

	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotExist, relPath)
		}

		return nil, 0, fmt.Errorf("getting object %q: %w", key, err)
	}

	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}

	return out.Body, size, nil
}

// Stat heads the object for relPath.
func (r *s3Reader) Stat(
	ctx context.Context, relPath string,
) (*FileInfo, error) {
	key, err := r.key(relPath)
	if err != nil {
		return nil, err
	}

	out, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, relPath)
		}

		return nil, fmt.Errorf("heading object %q: %w", key, err)
	}

	info := &FileInfo{}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}

	return info, nil
}

func (r *s3Reader) key(relPath string) (string, error) {
	if !isAllowedPath(relPath) {
		return "", fmt.Errorf("%w: %s", ErrNotExist, relPath)
	}

	if r.keyPrefix == "" {
		return relPath, nil
	}

	return r.keyPrefix + "/" + relPath, nil
}

func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}

	return strings.Contains(err.Error(), "NoSuchKey") ||
		strings.Contains(err.Error(), "NotFound")
}

func newS3Client(cfg *config.S3Config) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return s3.New(s3.Options{}, opts...)
}
