package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/yuya-takeyama/datalog-sync/internal/card"
	"github.com/yuya-takeyama/datalog-sync/internal/logging"
	"github.com/yuya-takeyama/datalog-sync/internal/transfer"
)

// Client is the part of *minio.Client we use
type Client interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts miniogo.PutObjectOptions) (miniogo.UploadInfo, error)
}

// Location is a parsed MinIO endpoint URL
type Location struct {
	Host   string
	Secure bool
	Bucket string
	Prefix string
}

// Transferer uploads card files to a MinIO (or other S3 compatible) server
type Transferer struct {
	client  Client
	loc     Location
	src     card.FS
	backoff transfer.Backoff
	log     *logging.Logger
}

// New creates a transferer for an http(s)://host[:port]/bucket/prefix endpoint
func New(client Client, src card.FS, endpoint string, log *logging.Logger) (*Transferer, error) {
	loc, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Transferer{
		client:  client,
		loc:     loc,
		src:     src,
		backoff: transfer.DefaultBackoff(),
		log:     log,
	}, nil
}

// WithBackoff replaces the retry settings
func (t *Transferer) WithBackoff(b transfer.Backoff) *Transferer {
	t.backoff = b
	return t
}

// Factory builds a MinIO transferer using ENDPOINT_USER/ENDPOINT_PASS as access keys
func Factory(_ context.Context, ep transfer.Endpoint, src card.FS, log *logging.Logger) (transfer.Transferer, error) {
	loc, err := ParseEndpoint(ep.URL)
	if err != nil {
		return nil, err
	}

	client, err := miniogo.New(loc.Host, &miniogo.Options{
		Creds:  credentials.NewStaticV4(ep.User, ep.Password, ""),
		Secure: loc.Secure,
		Region: ep.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create MinIO client: %w", err)
	}

	return New(client, src, ep.URL, log)
}

// Transfer uploads one file and checks the size the server reports back
func (t *Transferer) Transfer(ctx context.Context, localPath string) error {
	key := transfer.RemoteKey(t.loc.Prefix, localPath)

	return t.backoff.Do(ctx, isRetryableError, func() error {
		r, size, err := transfer.OpenSource(t.src, localPath)
		if err != nil {
			return fmt.Errorf("open %s: %w", localPath, err)
		}
		defer r.Close()

		info, err := t.client.PutObject(ctx, t.loc.Bucket, key, r, size, miniogo.PutObjectOptions{
			ContentType: transfer.ContentType(localPath),
		})
		if err != nil {
			return fmt.Errorf("put %s/%s: %w", t.loc.Bucket, key, err)
		}
		if info.Size != size {
			return fmt.Errorf("%w: %s/%s size local=%d remote=%d", transfer.ErrVerifyFailed, t.loc.Bucket, key, size, info.Size)
		}

		t.log.Debug("Uploaded %s to %s/%s/%s (%d bytes)", localPath, t.loc.Host, t.loc.Bucket, key, size)
		return nil
	})
}

// ParseEndpoint splits http(s)://host[:port]/bucket/prefix
func ParseEndpoint(endpoint string) (Location, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return Location{}, fmt.Errorf("invalid MinIO endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Location{}, fmt.Errorf("invalid MinIO endpoint %q: scheme must be http or https", endpoint)
	}
	if u.Host == "" {
		return Location{}, fmt.Errorf("invalid MinIO endpoint %q: missing host", endpoint)
	}

	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if parts[0] == "" {
		return Location{}, fmt.Errorf("invalid MinIO endpoint %q: missing bucket name", endpoint)
	}

	loc := Location{
		Host:   u.Host,
		Secure: u.Scheme == "https",
		Bucket: parts[0],
	}
	if len(parts) > 1 {
		loc.Prefix = parts[1]
	}
	return loc, nil
}

func isRetryableError(err error) bool {
	var resp miniogo.ErrorResponse
	if errors.As(err, &resp) {
		switch resp.Code {
		case "SlowDown", "ServiceUnavailable", "RequestTimeout", "InternalError":
			return true
		}
		return resp.StatusCode >= 500 && resp.StatusCode < 600
	}
	return transfer.IsTransient(err)
}
