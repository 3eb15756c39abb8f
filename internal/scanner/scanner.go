package scanner

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/yuya-takeyama/datalog-sync/internal/card"
	"github.com/yuya-takeyama/datalog-sync/internal/logging"
)

// ErrInaccessible means a folder could not be examined, which is not the same as empty
var ErrInaccessible = errors.New("folder is not accessible")

// Status classifies the result of scanning one folder
type Status int

const (
	Inaccessible Status = iota
	Empty
	WithEntries
)

func (s Status) String() string {
	switch s {
	case Inaccessible:
		return "inaccessible"
	case Empty:
		return "empty"
	case WithEntries:
		return "with-entries"
	default:
		return "unknown"
	}
}

// Result is the outcome of ScanFolder. Entries is set only for WithEntries,
// Err only for Inaccessible.
type Result struct {
	Status  Status
	Entries []card.Entry
	Err     error
}

// Scanner lists card folders and tells empty folders apart from unreadable ones
type Scanner struct {
	fs       card.FS
	excludes []string
	log      *logging.Logger
}

// New creates a scanner. Exclude patterns use doublestar syntax; a trailing
// slash makes a pattern match folders.
func New(fs card.FS, excludes []string, log *logging.Logger) (*Scanner, error) {
	for _, pattern := range excludes {
		if !doublestar.ValidatePattern(strings.TrimSuffix(pattern, "/")) {
			return nil, fmt.Errorf("invalid exclude pattern: %q", pattern)
		}
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Scanner{fs: fs, excludes: excludes, log: log}, nil
}

// ScanFolder examines dir and returns its files in name order.
// Subdirectories are not descended into.
func (s *Scanner) ScanFolder(dir string) Result {
	entries, err := s.list(dir)
	if err != nil {
		s.log.WithError(err).Warn("Cannot scan %s", dir)
		return Result{Status: Inaccessible, Err: err}
	}
	if len(entries) == 0 {
		return Result{Status: Empty}
	}

	folder := path.Base(dir)
	files := make([]card.Entry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir {
			s.log.Debug("Ignoring subdirectory %s", e.Path)
			continue
		}
		if s.isExcluded(e.Name, folder+"/"+e.Name, false) {
			s.log.Debug("Excluded %s", e.Path)
			continue
		}
		files = append(files, e)
	}

	if len(files) == 0 {
		return Result{Status: Empty}
	}
	return Result{Status: WithEntries, Entries: files}
}

// ListFolders returns the folder ids directly under root in ascending order.
// An unreadable root yields an error wrapping ErrInaccessible.
func (s *Scanner) ListFolders(root string) ([]string, error) {
	entries, err := s.list(root)
	if err != nil {
		return nil, err
	}

	var folders []string
	for _, e := range entries {
		if !e.IsDir {
			continue
		}
		if s.isExcluded(e.Name, e.Name, true) {
			s.log.Debug("Excluded folder %s", e.Path)
			continue
		}
		folders = append(folders, e.Name)
	}
	return folders, nil
}

// list opens dir and lists it. A listing with no entries is only trusted
// once the folder opens again, since a card taken by the appliance can
// also list as empty.
func (s *Scanner) list(dir string) ([]card.Entry, error) {
	h, err := s.fs.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInaccessible, err)
	}
	if !h.IsDir() {
		return nil, fmt.Errorf("%w: %s: %w", ErrInaccessible, dir, card.ErrNotDirectory)
	}

	entries, err := s.fs.ListEntries(h)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInaccessible, err)
	}

	if len(entries) == 0 {
		if _, err := s.fs.Open(dir); err != nil {
			return nil, fmt.Errorf("%w: empty listing but re-open failed: %w", ErrInaccessible, err)
		}
	}
	return entries, nil
}

// isExcluded checks name and its folder-qualified path against the exclude patterns
func (s *Scanner) isExcluded(name, qualified string, isDir bool) bool {
	for _, pattern := range s.excludes {
		if strings.HasSuffix(pattern, "/") {
			if !isDir {
				continue
			}
			pattern = strings.TrimSuffix(pattern, "/")
		}
		if matched, _ := doublestar.Match(pattern, name); matched {
			return true
		}
		if matched, _ := doublestar.Match(pattern, qualified); matched {
			return true
		}
	}
	return false
}
