package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/yuya-takeyama/datalog-sync/internal/card"
	"github.com/yuya-takeyama/datalog-sync/internal/logging"
	"github.com/yuya-takeyama/datalog-sync/internal/transfer"
)

// Bucket is the slice of a GCS bucket handle the transferer needs
type Bucket interface {
	NewWriter(ctx context.Context, name, contentType string) io.WriteCloser
	Size(ctx context.Context, name string) (int64, error)
}

type handleBucket struct {
	h *storage.BucketHandle
}

func (b handleBucket) NewWriter(ctx context.Context, name, contentType string) io.WriteCloser {
	w := b.h.Object(name).NewWriter(ctx)
	w.ChunkSize = 0
	w.ContentType = contentType
	return w
}

func (b handleBucket) Size(ctx context.Context, name string) (int64, error) {
	attrs, err := b.h.Object(name).Attrs(ctx)
	if err != nil {
		return 0, err
	}
	return attrs.Size, nil
}

// Transferer uploads card files to Google Cloud Storage and checks the stored size
type Transferer struct {
	bucket  Bucket
	name    string
	prefix  string
	src     card.FS
	backoff transfer.Backoff
	log     *logging.Logger
}

// New creates a transferer for a gs://bucket/prefix URI
func New(bucket Bucket, src card.FS, uri string, log *logging.Logger) (*Transferer, error) {
	name, prefix, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Transferer{
		bucket:  bucket,
		name:    name,
		prefix:  prefix,
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

// Factory builds a GCS transferer. A credentials file from the endpoint
// config wins over Application Default Credentials.
func Factory(ctx context.Context, ep transfer.Endpoint, src card.FS, log *logging.Logger) (transfer.Transferer, error) {
	name, _, err := ParseURI(ep.URL)
	if err != nil {
		return nil, err
	}

	var opts []option.ClientOption
	if ep.Credentials != "" {
		opts = append(opts, option.WithCredentialsFile(ep.Credentials))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}

	return New(handleBucket{h: client.Bucket(name)}, src, ep.URL, log)
}

// Transfer uploads one file and verifies the remote size
func (t *Transferer) Transfer(ctx context.Context, localPath string) error {
	object := transfer.RemoteKey(t.prefix, localPath)

	return t.backoff.Do(ctx, isRetryableError, func() error {
		return t.upload(ctx, localPath, object)
	})
}

func (t *Transferer) upload(ctx context.Context, localPath, object string) error {
	r, size, err := transfer.OpenSource(t.src, localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer r.Close()

	// cancelling the writer context aborts the upload instead of finalizing a partial object
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := t.bucket.NewWriter(wctx, object, transfer.ContentType(localPath))
	if _, err := io.Copy(w, r); err != nil {
		cancel()
		_ = w.Close()
		return fmt.Errorf("upload gs://%s/%s: %w", t.name, object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("upload gs://%s/%s: %w", t.name, object, err)
	}

	remote, err := t.bucket.Size(ctx, object)
	if err != nil {
		return fmt.Errorf("stat gs://%s/%s: %w", t.name, object, err)
	}
	if remote != size {
		return fmt.Errorf("%w: gs://%s/%s size local=%d remote=%d", transfer.ErrVerifyFailed, t.name, object, size, remote)
	}

	t.log.Debug("Uploaded %s to gs://%s/%s (%d bytes)", localPath, t.name, object, size)
	return nil
}

// ParseURI splits gs://bucket/prefix
func ParseURI(uri string) (bucket, prefix string, err error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URI %q: must start with gs://", uri)
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, "gs://"), "/", 2)
	if parts[0] == "" {
		return "", "", fmt.Errorf("invalid GCS URI %q: missing bucket name", uri)
	}
	bucket = parts[0]
	if len(parts) > 1 {
		prefix = strings.TrimSuffix(parts[1], "/")
	}
	return bucket, prefix, nil
}

func isRetryableError(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || (apiErr.Code >= 500 && apiErr.Code < 600)
	}
	// a size mismatch is retried as a fresh upload
	if errors.Is(err, transfer.ErrVerifyFailed) {
		return true
	}
	return transfer.IsTransient(err)
}
