package transfer

import (
	"context"
	"errors"
	"mime"
	"path"
	"path/filepath"
	"strings"
)

var (
	// ErrUnsupportedEndpoint is returned for an endpoint type nothing is registered for
	ErrUnsupportedEndpoint = errors.New("unsupported endpoint type")
	// ErrVerifyFailed means the remote copy does not match what was sent
	ErrVerifyFailed = errors.New("remote copy verification failed")
)

// Transferer sends one file from the card to the remote endpoint. A nil
// error means the remote holds a complete copy.
type Transferer interface {
	Transfer(ctx context.Context, localPath string) error
}

// Func adapts a function into a Transferer
type Func func(ctx context.Context, localPath string) error

func (f Func) Transfer(ctx context.Context, localPath string) error {
	return f(ctx, localPath)
}

// Endpoint describes where files go
type Endpoint struct {
	Type        string
	URL         string
	User        string
	Password    string
	Region      string
	Credentials string
}

// RemoteKey maps a card path onto a remote key under prefix
func RemoteKey(prefix, localPath string) string {
	key := strings.TrimPrefix(path.Clean(filepath.ToSlash(localPath)), "/")
	if prefix == "" {
		return key
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + key
}

// ContentType guesses a MIME type from the file extension.
// EDF recordings have no registered type and go as octet-stream.
func ContentType(name string) string {
	ext := filepath.Ext(name)
	if ext == "" {
		return "application/octet-stream"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
