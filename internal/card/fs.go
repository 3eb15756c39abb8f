package card

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

var (
	// ErrBusy is returned while the appliance owns the card
	ErrBusy = errors.New("card is in use by the appliance")
	// ErrNotDirectory is returned when a directory operation gets a file handle
	ErrNotDirectory = errors.New("not a directory")
)

const tempPrefix = ".upload-state-tmp-"

// Handle is an opened path on the card
type Handle struct {
	path string
	info os.FileInfo
}

func (h Handle) Path() string { return h.path }
func (h Handle) Name() string { return h.info.Name() }
func (h Handle) IsDir() bool  { return h.info.IsDir() }
func (h Handle) Size() int64  { return h.info.Size() }

// Entry is one item of a directory listing
type Entry struct {
	Name  string
	Path  string
	Size  int64
	IsDir bool
}

// FS is the filesystem capability the engine needs from the card
type FS interface {
	Open(name string) (Handle, error)
	ListEntries(h Handle) ([]Entry, error)
	OpenReader(name string) (io.ReadCloser, error)
	ReadFile(name string) ([]byte, error)
	WriteFileAtomic(name string, data []byte) error
}

// BillyFS implements FS on top of a go-billy filesystem
type BillyFS struct {
	fs billy.Filesystem
}

// New wraps an existing go-billy filesystem
func New(fsys billy.Filesystem) *BillyFS {
	return &BillyFS{fs: fsys}
}

// NewOS serves the card mounted at root
func NewOS(root string) *BillyFS {
	return New(osfs.New(root))
}

// NewMemory returns an empty in-memory card
func NewMemory() *BillyFS {
	return New(memfs.New())
}

// Raw exposes the underlying filesystem, mostly for seeding tests
func (b *BillyFS) Raw() billy.Filesystem {
	return b.fs
}

// Open resolves name to a Handle. Directories are supported.
func (b *BillyFS) Open(name string) (Handle, error) {
	info, err := b.fs.Stat(name)
	if err != nil {
		return Handle{}, fmt.Errorf("open %q: %w", name, err)
	}
	return Handle{path: name, info: info}, nil
}

// ListEntries lists the direct children of a directory handle, sorted by name
func (b *BillyFS) ListEntries(h Handle) ([]Entry, error) {
	if h.info == nil || !h.IsDir() {
		return nil, fmt.Errorf("list %q: %w", h.path, ErrNotDirectory)
	}

	infos, err := b.fs.ReadDir(h.path)
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", h.path, err)
	}

	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, Entry{
			Name:  info.Name(),
			Path:  path.Join(h.path, info.Name()),
			Size:  info.Size(),
			IsDir: info.IsDir(),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// OpenReader opens a file for streaming reads
func (b *BillyFS) OpenReader(name string) (io.ReadCloser, error) {
	f, err := b.fs.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", name, err)
	}
	return f, nil
}

// ReadFile reads a whole file
func (b *BillyFS) ReadFile(name string) ([]byte, error) {
	data, err := util.ReadFile(b.fs, name)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", name, err)
	}
	return data, nil
}

// WriteFileAtomic writes data to a temp file next to name and renames it
// into place, so readers see either the old or the new content.
func (b *BillyFS) WriteFileAtomic(name string, data []byte) error {
	dir := path.Dir(name)
	if err := b.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %q: %w", dir, err)
	}

	tmp, err := b.fs.TempFile(dir, tempPrefix)
	if err != nil {
		return fmt.Errorf("create temp file in %q: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		b.fs.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		b.fs.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := b.fs.Rename(tmpName, name); err != nil {
		b.fs.Remove(tmpName)
		return fmt.Errorf("rename into %q: %w", name, err)
	}
	return nil
}
