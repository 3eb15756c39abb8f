package s3

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/yuya-takeyama/datalog-sync/internal/card"
	"github.com/yuya-takeyama/datalog-sync/internal/logging"
	"github.com/yuya-takeyama/datalog-sync/internal/transfer"
)

// Uploader is the part of manager.Uploader we use
type Uploader interface {
	Upload(ctx context.Context, input *awss3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Transferer uploads card files to an S3 bucket
type Transferer struct {
	uploader Uploader
	src      card.FS
	bucket   string
	prefix   string
	backoff  transfer.Backoff
	log      *logging.Logger
}

// New creates an S3 transferer for an s3://bucket/prefix URI
func New(uploader Uploader, src card.FS, uri string, log *logging.Logger) (*Transferer, error) {
	bucket, prefix, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Transferer{
		uploader: uploader,
		src:      src,
		bucket:   bucket,
		prefix:   prefix,
		backoff:  transfer.DefaultBackoff(),
		log:      log,
	}, nil
}

// WithBackoff replaces the retry settings
func (t *Transferer) WithBackoff(b transfer.Backoff) *Transferer {
	t.backoff = b
	return t
}

// Factory builds an S3 transferer from an endpoint using the default AWS
// credential chain, or static keys when a user is configured.
func Factory(ctx context.Context, ep transfer.Endpoint, src card.FS, log *logging.Logger) (transfer.Transferer, error) {
	var opts []func(*config.LoadOptions) error
	if ep.Region != "" {
		opts = append(opts, config.WithRegion(ep.Region))
	}
	if ep.User != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ep.User, ep.Password, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return New(manager.NewUploader(awss3.NewFromConfig(cfg)), src, ep.URL, log)
}

// Transfer uploads one file. The file is reopened on every attempt.
func (t *Transferer) Transfer(ctx context.Context, localPath string) error {
	key := transfer.RemoteKey(t.prefix, localPath)

	return t.backoff.Do(ctx, isRetryableError, func() error {
		r, size, err := transfer.OpenSource(t.src, localPath)
		if err != nil {
			return fmt.Errorf("open %s: %w", localPath, err)
		}
		defer r.Close()

		_, err = t.uploader.Upload(ctx, &awss3.PutObjectInput{
			Bucket:        aws.String(t.bucket),
			Key:           aws.String(key),
			Body:          r,
			ContentLength: aws.Int64(size),
			ContentType:   aws.String(transfer.ContentType(localPath)),
		})
		if err != nil {
			t.log.WithError(err).Debug("Upload of s3://%s/%s failed", t.bucket, key)
			return fmt.Errorf("upload s3://%s/%s: %w", t.bucket, key, err)
		}

		t.log.Debug("Uploaded %s to s3://%s/%s (%d bytes)", localPath, t.bucket, key, size)
		return nil
	})
}

// ParseURI parses an S3 URI into bucket and prefix
func ParseURI(uri string) (bucket, prefix string, err error) {
	if !strings.HasPrefix(uri, "s3://") {
		return "", "", fmt.Errorf("invalid S3 URI %q: must start with s3://", uri)
	}

	path := strings.TrimPrefix(uri, "s3://")
	parts := strings.SplitN(path, "/", 2)

	if parts[0] == "" {
		return "", "", fmt.Errorf("invalid S3 URI %q: missing bucket name", uri)
	}

	bucket = parts[0]
	if len(parts) > 1 {
		prefix = parts[1]
		// Ensure prefix ends with / if not empty
		if prefix != "" && !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
	}

	return bucket, prefix, nil
}

// isRetryableError checks if an error is retryable
func isRetryableError(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "ServiceUnavailable", "RequestTimeout", "RequestTimeoutException":
			return true
		}
		// Retry on 5xx errors
		if httpErr, ok := apiErr.(interface{ HTTPStatusCode() int }); ok {
			code := httpErr.HTTPStatusCode()
			return code >= 500 && code < 600
		}
	}
	return transfer.IsTransient(err)
}
