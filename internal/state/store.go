package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/yuya-takeyama/datalog-sync/internal/card"
	"github.com/yuya-takeyama/datalog-sync/internal/checksum"
	"github.com/yuya-takeyama/datalog-sync/internal/logging"
)

// ErrSaveFailed is returned when the card rejects the record write
var ErrSaveFailed = errors.New("failed to save upload state")

// LoadStatus describes what Load found on the card
type LoadStatus int

const (
	LoadLoaded LoadStatus = iota
	LoadMissing
	LoadEmpty
	LoadCorrupt
	LoadUnreadable
	LoadVersionMismatch
)

func (s LoadStatus) String() string {
	switch s {
	case LoadLoaded:
		return "loaded"
	case LoadMissing:
		return "missing"
	case LoadEmpty:
		return "empty"
	case LoadCorrupt:
		return "corrupt"
	case LoadUnreadable:
		return "unreadable"
	case LoadVersionMismatch:
		return "version-mismatch"
	default:
		return "unknown"
	}
}

// Store owns the upload state of one card. It is not safe for concurrent use.
type Store struct {
	fs     card.FS
	path   string
	hasher checksum.Hasher
	log    *logging.Logger

	version     int
	lastUpload  int64
	checksums   map[string]string
	completed   map[string]struct{}
	retryFolder string
	retryCount  int
	dirty       bool

	loadErr error
}

// Option configures a Store
type Option func(*Store)

// WithPath overrides the record location
func WithPath(path string) Option {
	return func(s *Store) { s.path = path }
}

// WithHasher overrides the fingerprint algorithm
func WithHasher(h checksum.Hasher) Option {
	return func(s *Store) { s.hasher = h }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.log = l }
}

// NewStore creates a store with empty defaults. Call Load to read the card.
func NewStore(fs card.FS, opts ...Option) *Store {
	s := &Store{
		fs:     fs,
		path:   DefaultPath,
		hasher: checksum.Default(),
		log:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.apply(emptyState())
	return s
}

// Path returns the record location
func (s *Store) Path() string {
	return s.path
}

// Load reads the record from the card. It never fails: anything that
// cannot be read or parsed leaves the store at empty defaults.
func (s *Store) Load() LoadStatus {
	s.apply(emptyState())
	s.loadErr = nil

	data, err := s.fs.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.log.Info("No upload state at %s, starting fresh", s.path)
			return LoadMissing
		}
		s.log.WithError(err).Warn("Cannot read upload state at %s, starting fresh", s.path)
		s.loadErr = err
		return LoadUnreadable
	}
	if len(bytes.TrimSpace(data)) == 0 {
		s.log.Warn("Upload state at %s is empty, starting fresh", s.path)
		return LoadEmpty
	}

	var rec UploadState
	if err := json.Unmarshal(data, &rec); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			s.log.WithError(err).Warn("Upload state at %s is corrupt, starting fresh", s.path)
			return LoadCorrupt
		}
		// the decoder keeps going past type mismatches, so the rest is usable
		s.log.WithError(err).Warn("Upload state field %q has the wrong type, ignoring it", typeErr.Field)
	}

	status := LoadLoaded
	if rec.Version != CurrentVersion {
		s.log.Warn("Upload state version %d differs from %d, migrating", rec.Version, CurrentVersion)
		migrate(&rec)
		status = LoadVersionMismatch
	}
	normalize(&rec)
	s.apply(rec)
	// a migrated record should be rewritten in the current shape
	s.dirty = status == LoadVersionMismatch

	s.log.WithFields(logging.Fields{
		"files":   len(s.checksums),
		"folders": len(s.completed),
	}).Debug("Loaded upload state from %s", s.path)

	return status
}

// LoadError returns the read error behind the last LoadUnreadable, nil otherwise
func (s *Store) LoadError() error {
	return s.loadErr
}

// Save writes the full record atomically. On failure the in-memory state is kept.
func (s *Store) Save() error {
	data, err := json.Marshal(s.Snapshot())
	if err != nil {
		return fmt.Errorf("%w: encode: %w", ErrSaveFailed, err)
	}
	if err := s.fs.WriteFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}
	s.dirty = false
	return nil
}

// Dirty reports whether there are mutations since the last Load or Save
func (s *Store) Dirty() bool {
	return s.dirty
}

// Fingerprint computes the current fingerprint of a file on the card
func (s *Store) Fingerprint(path string) (string, error) {
	r, err := s.fs.OpenReader(path)
	if err != nil {
		return "", err
	}
	defer r.Close()

	sum, err := s.hasher.Sum(r)
	if err != nil {
		return "", fmt.Errorf("checksum %q: %w", path, err)
	}
	return sum, nil
}

// CheckFile fingerprints path and reports whether it is unseen or differs
// from the record. The fingerprint is what MarkFileUploaded should get.
func (s *Store) CheckFile(path string) (sum string, changed bool, err error) {
	sum, err = s.Fingerprint(path)
	if err != nil {
		return "", false, err
	}
	stored, ok := s.checksums[path]
	return sum, !ok || stored != sum, nil
}

// HasFileChanged reports whether path is unseen or its content differs from
// the recorded fingerprint. A file that cannot be fingerprinted is reported
// unchanged.
func (s *Store) HasFileChanged(path string) bool {
	_, changed, err := s.CheckFile(path)
	if err != nil {
		s.log.WithError(err).Debug("Cannot fingerprint %s", path)
		return false
	}
	return changed
}

// RecordedChecksum returns the fingerprint stored for path
func (s *Store) RecordedChecksum(path string) (string, bool) {
	sum, ok := s.checksums[path]
	return sum, ok
}

// MarkFileUploaded records the fingerprint of a transferred file
func (s *Store) MarkFileUploaded(path, sum string) {
	s.checksums[path] = sum
	s.dirty = true
}

// MarkFolderCompleted adds id to the completed set and retires the retry slot
func (s *Store) MarkFolderCompleted(id string) {
	s.completed[id] = struct{}{}
	s.retryFolder = ""
	s.retryCount = 0
	s.dirty = true
}

// IsFolderCompleted reports whether id was fully synced
func (s *Store) IsFolderCompleted(id string) bool {
	_, ok := s.completed[id]
	return ok
}

// CompletedFolders returns the completed folder ids in ascending order
func (s *Store) CompletedFolders() []string {
	folders := make([]string, 0, len(s.completed))
	for id := range s.completed {
		folders = append(folders, id)
	}
	sort.Strings(folders)
	return folders
}

// ResetCompletedFolders forgets every completed folder so they are examined again
func (s *Store) ResetCompletedFolders() {
	s.completed = map[string]struct{}{}
	s.dirty = true
}

// SetCurrentRetryFolder points the retry slot at id. Switching folders
// resets the count; re-setting the same folder keeps it.
func (s *Store) SetCurrentRetryFolder(id string) {
	if id == s.retryFolder {
		return
	}
	s.retryFolder = id
	s.retryCount = 0
	s.dirty = true
}

// IncrementCurrentRetryCount bumps the retry count. Without a retry folder it does nothing.
func (s *Store) IncrementCurrentRetryCount() {
	if s.retryFolder == "" {
		return
	}
	s.retryCount++
	s.dirty = true
}

// CurrentRetryFolder returns the folder in the retry slot, or ""
func (s *Store) CurrentRetryFolder() string {
	return s.retryFolder
}

// CurrentRetryCount returns how many times the retry folder failed in a row
func (s *Store) CurrentRetryCount() int {
	return s.retryCount
}

// ClearCurrentRetry empties the retry slot
func (s *Store) ClearCurrentRetry() {
	if s.retryFolder == "" && s.retryCount == 0 {
		return
	}
	s.retryFolder = ""
	s.retryCount = 0
	s.dirty = true
}

// LastUploadTimestamp returns the Unix time of the last clean pass
func (s *Store) LastUploadTimestamp() int64 {
	return s.lastUpload
}

// SetLastUploadTimestamp records the Unix time of a clean pass
func (s *Store) SetLastUploadTimestamp(ts int64) {
	s.lastUpload = ts
	s.dirty = true
}

// Snapshot returns a copy of the current state in its persisted shape
func (s *Store) Snapshot() UploadState {
	checksums := make(map[string]string, len(s.checksums))
	for k, v := range s.checksums {
		checksums[k] = v
	}
	return UploadState{
		Version:             s.version,
		LastUploadTimestamp: s.lastUpload,
		FileChecksums:       checksums,
		CompletedFolders:    s.CompletedFolders(),
		CurrentRetryFolder:  s.retryFolder,
		CurrentRetryCount:   s.retryCount,
	}
}

func (s *Store) apply(rec UploadState) {
	s.version = rec.Version
	s.lastUpload = rec.LastUploadTimestamp
	s.checksums = make(map[string]string, len(rec.FileChecksums))
	for k, v := range rec.FileChecksums {
		s.checksums[k] = v
	}
	s.completed = make(map[string]struct{}, len(rec.CompletedFolders))
	for _, id := range rec.CompletedFolders {
		s.completed[id] = struct{}{}
	}
	s.retryFolder = rec.CurrentRetryFolder
	s.retryCount = rec.CurrentRetryCount
	s.dirty = false
}
