package syncer

import (
	"time"

	"github.com/yuya-takeyama/datalog-sync/internal/logging"
)

// Outcome is what happened to one folder during a pass
type Outcome int

const (
	// Skipped folders were completed in an earlier pass
	Skipped Outcome = iota
	Completed
	// Failed is a folder's first failure
	Failed
	// Retrying is a repeated failure of the folder in the retry slot
	Retrying
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Retrying:
		return "retrying"
	default:
		return "unknown"
	}
}

// Stats tracks sync statistics
type Stats struct {
	Uploaded      int64
	Unchanged     int64
	Errors        int64
	BytesUploaded int64
}

func (s *Stats) add(o Stats) {
	s.Uploaded += o.Uploaded
	s.Unchanged += o.Unchanged
	s.Errors += o.Errors
	s.BytesUploaded += o.BytesUploaded
}

// FolderResult reports one UploadDatalogFolder call
type FolderResult struct {
	Folder     string
	Outcome    Outcome
	RetryCount int
	Stats      Stats
	// Err is the cause of a Failed or Retrying outcome
	Err error
}

// PassResult aggregates one RunPass
type PassResult struct {
	Folders []FolderResult
	// SkippedFolders counts folders already completed before the pass
	SkippedFolders int
	Stats          Stats
	// Err is the first failure of the pass; nil means a clean pass
	Err       error
	Timestamp int64
	Duration  time.Duration
}

// Clean reports whether nothing failed
func (r PassResult) Clean() bool {
	return r.Err == nil
}

func (r *PassResult) fail(err error) {
	if r.Err == nil {
		r.Err = err
	}
}

func (r *PassResult) addFolder(fr FolderResult) {
	if fr.Outcome == Skipped {
		r.SkippedFolders++
		return
	}
	r.Folders = append(r.Folders, fr)
	r.Stats.add(fr.Stats)
	if fr.Err != nil {
		r.fail(fr.Err)
	}
}

// Summary converts the result for logging.PrintSummary
func (r PassResult) Summary() logging.Summary {
	return logging.Summary{
		Uploaded:      r.Stats.Uploaded,
		Skipped:       r.Stats.Unchanged,
		Errors:        r.Stats.Errors,
		BytesUploaded: r.Stats.BytesUploaded,
		Folders:       len(r.Folders),
		Duration:      r.Duration,
	}
}
