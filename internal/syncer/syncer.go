package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/yuya-takeyama/datalog-sync/internal/card"
	"github.com/yuya-takeyama/datalog-sync/internal/logging"
	"github.com/yuya-takeyama/datalog-sync/internal/retry"
	"github.com/yuya-takeyama/datalog-sync/internal/scanner"
	"github.com/yuya-takeyama/datalog-sync/internal/state"
	"github.com/yuya-takeyama/datalog-sync/internal/transfer"
)

// DefaultDatalogDir holds one folder per recording day
const DefaultDatalogDir = "/DATALOG"

// DefaultRootFiles are the card-root files tracked by checksum only
var DefaultRootFiles = []string{"identification.json", "identification.crc", "STR.edf", "SRT.edf"}

// ErrStateDeferred means the card was busy while reading the upload state.
// Loading is retried on the next call; nothing is written until it succeeds.
var ErrStateDeferred = errors.New("upload state deferred")

// Syncer runs sync passes over one card
type Syncer struct {
	store    *state.Store
	scanner  *scanner.Scanner
	transfer transfer.Transferer
	retry    *retry.Policy
	clock    Clock
	log      *logging.Logger

	datalogDir string
	rootFiles  []string
	loaded     bool
}

// Option configures a Syncer
type Option func(*Syncer)

// WithClock replaces the clock used for the last upload timestamp
func WithClock(c Clock) Option {
	return func(s *Syncer) { s.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(s *Syncer) { s.log = l }
}

// WithDatalogDir sets the directory holding the day folders
func WithDatalogDir(dir string) Option {
	return func(s *Syncer) { s.datalogDir = dir }
}

// WithRootFiles replaces the tracked root files. Names are relative to the card root.
func WithRootFiles(names []string) Option {
	return func(s *Syncer) { s.rootFiles = names }
}

// New creates a syncer. The store is loaded lazily on the first pass.
func New(store *state.Store, sc *scanner.Scanner, t transfer.Transferer, opts ...Option) *Syncer {
	s := &Syncer{
		store:      store,
		scanner:    sc,
		transfer:   t,
		retry:      retry.New(store),
		clock:      SystemClock,
		log:        logging.Discard(),
		datalogDir: DefaultDatalogDir,
		rootFiles:  DefaultRootFiles,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Retry exposes the retry policy so callers can inspect the slot
func (s *Syncer) Retry() *retry.Policy {
	return s.retry
}

// ensureLoaded loads the store once per session. Anything unreadable starts
// from empty defaults, except a busy card, which defers loading so the
// record is not replaced while the appliance holds it.
func (s *Syncer) ensureLoaded() error {
	if s.loaded {
		return nil
	}

	// Load resets memory, so keep failures counted while unloaded
	folder, count := s.retry.Current()
	status := s.store.Load()
	s.replayFailures(folder, count)

	if status == state.LoadUnreadable && errors.Is(s.store.LoadError(), card.ErrBusy) {
		return fmt.Errorf("%w: %w", ErrStateDeferred, s.store.LoadError())
	}
	s.log.WithFields(logging.Fields{
		"status":  status.String(),
		"folders": len(s.store.CompletedFolders()),
	}).Info("Upload state %s", s.store.Path())
	s.loaded = true
	return nil
}

func (s *Syncer) replayFailures(folder string, count int) {
	if folder == "" || s.store.IsFolderCompleted(folder) {
		return
	}
	for i := 0; i < count; i++ {
		s.retry.RecordFailure(folder)
	}
}

// UploadDatalogFolder syncs one DATALOG folder. The returned error is set
// only when the state could not be saved; upload problems are reported
// through the result outcome.
func (s *Syncer) UploadDatalogFolder(ctx context.Context, id string) (FolderResult, error) {
	res := FolderResult{Folder: id}
	log := s.log.WithFields(logging.Fields{"folder": id})
	if err := s.ensureLoaded(); err != nil {
		return s.failFolder(log, res, err)
	}

	if s.store.IsFolderCompleted(id) {
		res.Outcome = Skipped
		return res, nil
	}

	scan := s.scanner.ScanFolder(path.Join(s.datalogDir, id))
	switch scan.Status {
	case scanner.Inaccessible:
		return s.failFolder(log, res, scan.Err)
	case scanner.Empty:
		log.Info("Folder is empty, marking complete")
		return s.completeFolder(log, res)
	}

	for _, e := range scan.Entries {
		if err := ctx.Err(); err != nil {
			return s.failFolder(log, res, err)
		}
		if err := s.syncFile(ctx, e, &res.Stats); err != nil {
			return s.failFolder(log, res, err)
		}
	}
	return s.completeFolder(log, res)
}

// syncFile uploads one file when its fingerprint is new or different
func (s *Syncer) syncFile(ctx context.Context, e card.Entry, stats *Stats) error {
	sum, changed, err := s.store.CheckFile(e.Path)
	if err != nil {
		stats.Errors++
		return fmt.Errorf("fingerprint %s: %w", e.Path, err)
	}
	if !changed {
		stats.Unchanged++
		return nil
	}

	if err := s.transfer.Transfer(ctx, e.Path); err != nil {
		stats.Errors++
		return fmt.Errorf("transfer %s: %w", e.Path, err)
	}

	s.store.MarkFileUploaded(e.Path, sum)
	stats.Uploaded++
	stats.BytesUploaded += e.Size
	s.log.Debug("Uploaded %s", e.Path)
	return nil
}

func (s *Syncer) completeFolder(log *logging.Logger, res FolderResult) (FolderResult, error) {
	s.store.MarkFolderCompleted(res.Folder)
	s.retry.RecordSuccess(res.Folder)
	res.Outcome = Completed

	log.WithFields(logging.Fields{
		"uploaded":  res.Stats.Uploaded,
		"unchanged": res.Stats.Unchanged,
	}).Info("Folder completed")

	if err := s.store.Save(); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Syncer) failFolder(log *logging.Logger, res FolderResult, cause error) (FolderResult, error) {
	res.RetryCount = s.retry.RecordFailure(res.Folder)
	res.Err = cause
	res.Outcome = Failed
	if res.RetryCount > 1 {
		res.Outcome = Retrying
	}

	if errors.Is(cause, card.ErrBusy) {
		log.Warn("Card is in use by the appliance, will retry (attempt %d)", res.RetryCount)
	} else {
		log.WithError(cause).Warn("Folder failed, will retry (attempt %d)", res.RetryCount)
	}

	if !s.loaded {
		return res, nil
	}
	if err := s.store.Save(); err != nil {
		return res, err
	}
	return res, nil
}

// RunPass uploads changed root files, then works through pending DATALOG
// folders oldest first. The folder in the retry slot goes first and the
// pass stops at the first folder that fails. The error is set only when
// the state could not be saved.
func (s *Syncer) RunPass(ctx context.Context) (pr PassResult, err error) {
	start := time.Now()
	defer func() { pr.Duration = time.Since(start) }()

	if err := s.ensureLoaded(); err != nil {
		s.log.WithError(err).Warn("Card busy while reading upload state, skipping pass")
		pr.fail(err)
		return pr, nil
	}

	s.syncRootFiles(ctx, &pr)

	folders, listErr := s.scanner.ListFolders(s.datalogDir)
	if listErr != nil {
		s.log.WithError(listErr).Warn("Cannot list %s", s.datalogDir)
		pr.fail(listErr)
	} else if err := s.syncFolders(ctx, folders, &pr); err != nil {
		return pr, err
	}

	if pr.Clean() {
		pr.Timestamp = s.clock.Now()
		s.store.SetLastUploadTimestamp(pr.Timestamp)
	}
	if s.store.Dirty() {
		if err := s.store.Save(); err != nil {
			return pr, err
		}
	}
	return pr, nil
}

func (s *Syncer) syncFolders(ctx context.Context, folders []string, pr *PassResult) error {
	for _, id := range s.pendingOrder(folders) {
		if err := ctx.Err(); err != nil {
			pr.fail(err)
			return nil
		}

		fr, err := s.UploadDatalogFolder(ctx, id)
		pr.addFolder(fr)
		if err != nil {
			return err
		}
		if fr.Outcome == Failed || fr.Outcome == Retrying {
			// the retry slot holds one folder, later folders wait for it
			return nil
		}
	}
	return nil
}

// pendingOrder returns folders in ascending order with the retry slot folder
// first. Completed folders stay in the list and come back as Skipped.
func (s *Syncer) pendingOrder(folders []string) []string {
	current, _ := s.retry.Current()
	if current == "" {
		return folders
	}

	order := make([]string, 0, len(folders))
	found := false
	for _, id := range folders {
		if id == current {
			found = true
			continue
		}
		order = append(order, id)
	}
	if !found {
		s.log.WithFields(logging.Fields{"folder": current}).Info("Retry folder no longer on the card, clearing")
		s.store.ClearCurrentRetry()
		return folders
	}
	return append([]string{current}, order...)
}

// syncRootFiles uploads changed root files. They carry no folder bookkeeping
// and a missing one is simply skipped.
func (s *Syncer) syncRootFiles(ctx context.Context, pr *PassResult) {
	for _, name := range s.rootFiles {
		if ctx.Err() != nil {
			pr.fail(ctx.Err())
			return
		}
		p := path.Join("/", name)

		sum, changed, err := s.store.CheckFile(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				s.log.Debug("Root file %s not present", p)
				continue
			}
			s.log.WithError(err).Warn("Cannot fingerprint %s", p)
			pr.Stats.Errors++
			pr.fail(err)
			continue
		}
		if !changed {
			pr.Stats.Unchanged++
			continue
		}

		if err := s.transfer.Transfer(ctx, p); err != nil {
			s.log.WithError(err).Warn("Upload of %s failed", p)
			pr.Stats.Errors++
			pr.fail(fmt.Errorf("transfer %s: %w", p, err))
			continue
		}
		s.store.MarkFileUploaded(p, sum)
		pr.Stats.Uploaded++
		s.log.Info("Uploaded %s", p)
	}
}
