package state

import (
	"sort"
)

// CurrentVersion is the schema version written by Save
const CurrentVersion = 1

// DefaultPath is where the record lives on the card
const DefaultPath = "/.upload_state.json"

// UploadState is the persisted sync bookkeeping for one card
type UploadState struct {
	Version             int               `json:"version"`
	LastUploadTimestamp int64             `json:"last_upload_timestamp"`
	FileChecksums       map[string]string `json:"file_checksums"`
	CompletedFolders    []string          `json:"completed_datalog_folders"`
	CurrentRetryFolder  string            `json:"current_retry_folder"`
	CurrentRetryCount   int               `json:"current_retry_count"`
}

func emptyState() UploadState {
	return UploadState{
		Version:          CurrentVersion,
		FileChecksums:    map[string]string{},
		CompletedFolders: []string{},
	}
}

// migrations upgrade a record from the keyed version to the next one
var migrations = map[int]func(*UploadState){
	// Records written before the version key existed decode as version 0.
	// Their layout matches version 1.
	0: func(s *UploadState) {},
}

// migrate walks a record up to CurrentVersion. Records from a newer
// schema keep whatever fields parsed and are rewritten as CurrentVersion.
func migrate(s *UploadState) {
	for v := s.Version; v < CurrentVersion; v++ {
		if step, ok := migrations[v]; ok {
			step(s)
		}
	}
	s.Version = CurrentVersion
}

// normalize restores the record invariants after decoding
func normalize(s *UploadState) {
	if s.FileChecksums == nil {
		s.FileChecksums = map[string]string{}
	}
	if s.CompletedFolders == nil {
		s.CompletedFolders = []string{}
	}

	seen := make(map[string]struct{}, len(s.CompletedFolders))
	folders := s.CompletedFolders[:0]
	for _, f := range s.CompletedFolders {
		if f == "" {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		folders = append(folders, f)
	}
	sort.Strings(folders)
	s.CompletedFolders = folders

	if _, done := seen[s.CurrentRetryFolder]; done {
		s.CurrentRetryFolder = ""
	}
	if s.CurrentRetryFolder == "" || s.CurrentRetryCount < 0 {
		s.CurrentRetryCount = 0
	}
	if s.LastUploadTimestamp < 0 {
		s.LastUploadTimestamp = 0
	}
}
