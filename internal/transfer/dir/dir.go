package dir

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/yuya-takeyama/datalog-sync/internal/card"
	"github.com/yuya-takeyama/datalog-sync/internal/logging"
	"github.com/yuya-takeyama/datalog-sync/internal/transfer"
)

const tmpSuffix = ".partial"

// Transferer copies card files into a directory tree, typically a mounted
// network share. Each file lands via temp file and rename.
type Transferer struct {
	dst billy.Filesystem
	src card.FS
	log *logging.Logger
}

// New copies into dst
func New(dst billy.Filesystem, src card.FS, log *logging.Logger) *Transferer {
	if log == nil {
		log = logging.Discard()
	}
	return &Transferer{dst: dst, src: src, log: log}
}

// Factory serves the dir and smb endpoint types. ENDPOINT is the local mount
// point, optionally written as a file:// URL.
func Factory(_ context.Context, ep transfer.Endpoint, src card.FS, log *logging.Logger) (transfer.Transferer, error) {
	root := strings.TrimPrefix(ep.URL, "file://")
	if root == "" {
		return nil, fmt.Errorf("missing target directory")
	}
	return New(osfs.New(root), src, log), nil
}

// Transfer copies one file, replacing any previous copy
func (t *Transferer) Transfer(ctx context.Context, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r, size, err := transfer.OpenSource(t.src, localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer r.Close()

	dst := "/" + transfer.RemoteKey("", localPath)
	if err := t.copyAtomic(r, dst); err != nil {
		return err
	}

	info, err := t.dst.Stat(dst)
	if err != nil {
		return fmt.Errorf("stat %s: %w", dst, err)
	}
	if info.Size() != size {
		return fmt.Errorf("%w: %s size local=%d remote=%d", transfer.ErrVerifyFailed, dst, size, info.Size())
	}

	t.log.Debug("Copied %s to %s (%d bytes)", localPath, dst, size)
	return nil
}

func (t *Transferer) copyAtomic(in io.Reader, dst string) error {
	if err := t.dst.MkdirAll(path.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", dst, err)
	}

	tmp := dst + tmpSuffix
	out, err := t.dst.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}

	_, copyErr := io.Copy(out, in)
	var syncErr error
	if s, ok := out.(interface{ Sync() error }); ok && copyErr == nil {
		syncErr = s.Sync()
	}
	closeErr := out.Close()

	for _, err := range []error{copyErr, syncErr, closeErr} {
		if err != nil {
			_ = t.dst.Remove(tmp)
			return fmt.Errorf("write %s: %w", tmp, err)
		}
	}

	// Atomic rename: tmp -> final
	if err := t.dst.Rename(tmp, dst); err != nil {
		_ = t.dst.Remove(tmp)
		return fmt.Errorf("rename tmp->final: %w", err)
	}
	return nil
}
