package blobstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Store keeps objects in one bucket; refs are object keys.
type S3Store struct {
	client *s3.Client
	bucket string
}

var _ Store = (*S3Store)(nil)

// NewS3Store builds a client from the default AWS credential chain. A
// non-empty endpoint selects an S3-compatible service with path-style URLs.
func NewS3Store(ctx context.Context, bucket, region, endpoint string) (*S3Store, error) {
	if bucket == "" {
		return nil, errors.New("s3 bucket cannot be empty")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client, bucket: bucket}, nil
}

func key(ref string) string {
	return strings.TrimPrefix(ref, "/")
}

// Stat describes an object.
func (s *S3Store) Stat(ctx context.Context, ref string) (Info, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key(ref)),
	})
	if err != nil {
		if isNotFound(err) {
			return Info{}, fmt.Errorf("%s: %w", ref, ErrNotFound)
		}
		return Info{}, fmt.Errorf("head %s: %w", ref, err)
	}
	info := Info{Ref: ref, Size: aws.ToInt64(out.ContentLength)}
	if out.LastModified != nil {
		info.Modified = *out.LastModified
	}
	return info, nil
}

// Copy duplicates src to dst inside the bucket.
func (s *S3Store) Copy(ctx context.Context, src, dst string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(url.PathEscape(s.bucket + "/" + key(src))),
		Key:        aws.String(key(dst)),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%s: %w", src, ErrNotFound)
		}
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return nil
}

// Delete removes an object. S3 deletes succeed for missing keys, so the
// object is checked with HeadObject first to report AlreadyAbsent.
func (s *S3Store) Delete(ctx context.Context, ref string) (DeleteResult, error) {
	if _, err := s.Stat(ctx, ref); err != nil {
		if errors.Is(err, ErrNotFound) {
			return AlreadyAbsent, nil
		}
		return "", err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key(ref)),
	})
	if err != nil {
		return "", fmt.Errorf("delete %s: %w", ref, err)
	}
	return Deleted, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
