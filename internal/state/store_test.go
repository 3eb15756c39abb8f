package state

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuya-takeyama/datalog-sync/internal/card"
	"github.com/yuya-takeyama/datalog-sync/internal/checksum"
)

func newCard(t *testing.T, files map[string]string) *card.BillyFS {
	t.Helper()
	fs := card.NewMemory()
	for name, content := range files {
		require.NoError(t, util.WriteFile(fs.Raw(), name, []byte(content), 0o644))
	}
	return fs
}

func loaded(t *testing.T, fs card.FS) *Store {
	t.Helper()
	s := NewStore(fs)
	s.Load()
	return s
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name       string
		content    *string
		wantStatus LoadStatus
		wantTS     int64
	}{
		{
			name:       "missing",
			wantStatus: LoadMissing,
		},
		{
			name:       "empty",
			content:    strPtr(""),
			wantStatus: LoadEmpty,
		},
		{
			name:       "whitespace",
			content:    strPtr("  \n"),
			wantStatus: LoadEmpty,
		},
		{
			name:       "corrupted json",
			content:    strPtr("{invalid json content"),
			wantStatus: LoadCorrupt,
		},
		{
			name:       "wrong version keeps fields",
			content:    strPtr(`{"version": 99, "last_upload_timestamp": 1699876800}`),
			wantStatus: LoadVersionMismatch,
			wantTS:     1699876800,
		},
		{
			name:       "no version key",
			content:    strPtr(`{"last_upload_timestamp": 42}`),
			wantStatus: LoadVersionMismatch,
			wantTS:     42,
		},
		{
			name:       "wrong field type keeps the rest",
			content:    strPtr(`{"version": 1, "last_upload_timestamp": 7, "current_retry_count": "three"}`),
			wantStatus: LoadLoaded,
			wantTS:     7,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := map[string]string{}
			if tt.content != nil {
				files[DefaultPath] = *tt.content
			}
			s := NewStore(newCard(t, files))

			status := s.Load()
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantTS, s.LastUploadTimestamp())
			assert.Equal(t, 0, s.CurrentRetryCount())
			assert.Equal(t, CurrentVersion, s.Snapshot().Version)
		})
	}
}

func TestLoad_Success(t *testing.T) {
	fs := newCard(t, map[string]string{DefaultPath: `{
		"version": 1,
		"last_upload_timestamp": 1699876800,
		"file_checksums": {
			"/identification.json": "abc123",
			"/SRT.edf": "def456"
		},
		"completed_datalog_folders": ["20241101", "20241102"],
		"current_retry_folder": "20241103",
		"current_retry_count": 2
	}`})
	s := NewStore(fs)

	assert.Equal(t, LoadLoaded, s.Load())
	assert.Equal(t, int64(1699876800), s.LastUploadTimestamp())
	assert.True(t, s.IsFolderCompleted("20241101"))
	assert.True(t, s.IsFolderCompleted("20241102"))
	assert.False(t, s.IsFolderCompleted("20241103"))
	assert.Equal(t, "20241103", s.CurrentRetryFolder())
	assert.Equal(t, 2, s.CurrentRetryCount())

	sum, ok := s.RecordedChecksum("/SRT.edf")
	assert.True(t, ok)
	assert.Equal(t, "def456", sum)
	assert.False(t, s.Dirty())
}

func TestLoad_NormalizesInvariants(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		wantFolder  string
		wantCount   int
		wantFolders []string
	}{
		{
			name:        "count without folder",
			content:     `{"version":1,"current_retry_folder":"","current_retry_count":4}`,
			wantFolders: []string{},
		},
		{
			name:        "retry folder already completed",
			content:     `{"version":1,"completed_datalog_folders":["20241101"],"current_retry_folder":"20241101","current_retry_count":2}`,
			wantFolders: []string{"20241101"},
		},
		{
			name:        "negative count",
			content:     `{"version":1,"current_retry_folder":"20241105","current_retry_count":-3}`,
			wantFolder:  "20241105",
			wantFolders: []string{},
		},
		{
			name:        "duplicate and unsorted folders",
			content:     `{"version":1,"completed_datalog_folders":["20241102","20241101","20241102",""]}`,
			wantFolders: []string{"20241101", "20241102"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(newCard(t, map[string]string{DefaultPath: tt.content}))
			s.Load()

			assert.Equal(t, tt.wantFolder, s.CurrentRetryFolder())
			assert.Equal(t, tt.wantCount, s.CurrentRetryCount())
			assert.Equal(t, tt.wantFolders, s.CompletedFolders())
		})
	}
}

func TestLoad_BusyCardGivesDefaults(t *testing.T) {
	fs := newCard(t, map[string]string{DefaultPath: `{"version":1,"last_upload_timestamp":5}`})
	s := NewStore(card.NewGate(fs, nil))

	assert.Equal(t, LoadUnreadable, s.Load())
	assert.Equal(t, int64(0), s.LastUploadTimestamp())
	assert.ErrorIs(t, s.LoadError(), card.ErrBusy)
}

func TestLoadError_ClearedByNextLoad(t *testing.T) {
	fs := newCard(t, map[string]string{DefaultPath: `{"version":1,"last_upload_timestamp":5}`})
	gate := card.NewGate(fs, nil)
	s := NewStore(gate)

	require.Equal(t, LoadUnreadable, s.Load())
	require.Error(t, s.LoadError())

	ok, err := gate.TryAcquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, LoadLoaded, s.Load())
	assert.NoError(t, s.LoadError())
	assert.Equal(t, int64(5), s.LastUploadTimestamp())

	s = loaded(t, newCard(t, nil))
	assert.NoError(t, s.LoadError())
}

func TestSave_RoundTrip(t *testing.T) {
	fs := newCard(t, nil)
	s := loaded(t, fs)

	s.SetLastUploadTimestamp(1699876800)
	s.MarkFileUploaded("/identification.json", "abc123")
	s.MarkFileUploaded("/SRT.edf", "def456")
	s.MarkFolderCompleted("20241101")
	s.MarkFolderCompleted("20241102")
	s.SetCurrentRetryFolder("20241103")
	s.IncrementCurrentRetryCount()
	s.IncrementCurrentRetryCount()
	assert.True(t, s.Dirty())

	require.NoError(t, s.Save())
	assert.False(t, s.Dirty())

	s2 := loaded(t, fs)
	assert.Equal(t, int64(1699876800), s2.LastUploadTimestamp())
	assert.True(t, s2.IsFolderCompleted("20241101"))
	assert.True(t, s2.IsFolderCompleted("20241102"))
	assert.Equal(t, "20241103", s2.CurrentRetryFolder())
	assert.Equal(t, 2, s2.CurrentRetryCount())
	assert.Equal(t, s.Snapshot(), s2.Snapshot())
}

func TestSave_WireFormat(t *testing.T) {
	fs := newCard(t, nil)
	s := loaded(t, fs)
	require.NoError(t, s.Save())

	data, err := fs.ReadFile(DefaultPath)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, map[string]interface{}{
		"version":                   float64(1),
		"last_upload_timestamp":     float64(0),
		"file_checksums":            map[string]interface{}{},
		"completed_datalog_folders": []interface{}{},
		"current_retry_folder":      "",
		"current_retry_count":       float64(0),
	}, raw)
}

func TestSave_Overwrite(t *testing.T) {
	fs := newCard(t, map[string]string{DefaultPath: `{"version": 1}`})
	s := loaded(t, fs)
	s.SetLastUploadTimestamp(1234567890)
	require.NoError(t, s.Save())

	assert.Equal(t, int64(1234567890), loaded(t, fs).LastUploadTimestamp())
}

type rejectingFS struct {
	card.FS
}

func (rejectingFS) WriteFileAtomic(string, []byte) error {
	return errors.New("card write-protected")
}

func TestSave_FailureKeepsMemory(t *testing.T) {
	s := loaded(t, rejectingFS{FS: newCard(t, nil)})
	s.MarkFolderCompleted("20241101")

	err := s.Save()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSaveFailed)
	assert.Contains(t, err.Error(), "write-protected")
	assert.True(t, s.IsFolderCompleted("20241101"))
	assert.True(t, s.Dirty())
}

func TestHasFileChanged(t *testing.T) {
	fs := newCard(t, map[string]string{
		"/test.txt":   "Hello, World!",
		"/file1.txt":  "Content A",
		"/file2.txt":  "Content B",
		"/empty.txt":  "",
		"/stable.txt": "unchanged",
	})
	s := loaded(t, fs)

	assert.True(t, s.HasFileChanged("/test.txt"))
	assert.True(t, s.HasFileChanged("/file1.txt"))
	assert.True(t, s.HasFileChanged("/file2.txt"))
	assert.True(t, s.HasFileChanged("/empty.txt"))
	assert.False(t, s.HasFileChanged("/nonexistent.txt"))

	sum, err := s.Fingerprint("/stable.txt")
	require.NoError(t, err)
	s.MarkFileUploaded("/stable.txt", sum)
	assert.False(t, s.HasFileChanged("/stable.txt"))

	s.MarkFileUploaded("/test.txt", "old_checksum")
	assert.True(t, s.HasFileChanged("/test.txt"))
}

func TestHasFileChanged_AfterModification(t *testing.T) {
	fs := newCard(t, map[string]string{"/test.txt": "Original content"})
	s := loaded(t, fs)

	sum, err := s.Fingerprint("/test.txt")
	require.NoError(t, err)
	s.MarkFileUploaded("/test.txt", sum)
	assert.False(t, s.HasFileChanged("/test.txt"))

	require.NoError(t, util.WriteFile(fs.Raw(), "/test.txt", []byte("Modified content"), 0o644))
	assert.True(t, s.HasFileChanged("/test.txt"))
}

func TestCheckFile(t *testing.T) {
	fs := newCard(t, map[string]string{"/SRT.edf": "summary"})
	s := loaded(t, fs)

	sum, changed, err := s.CheckFile("/SRT.edf")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NotEmpty(t, sum)

	s.MarkFileUploaded("/SRT.edf", sum)
	again, changed, err := s.CheckFile("/SRT.edf")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, sum, again)

	_, changed, err = s.CheckFile("/missing.edf")
	assert.Error(t, err)
	assert.False(t, changed)
}

func TestFingerprint_UsesConfiguredHasher(t *testing.T) {
	fs := newCard(t, map[string]string{"/a.edf": "Hello, World!"})
	md5, err := checksum.New(checksum.MD5)
	require.NoError(t, err)

	s := NewStore(fs, WithHasher(md5))
	sum, err := s.Fingerprint("/a.edf")
	require.NoError(t, err)
	assert.Equal(t, "65a8e27d8879283831b664bd8b7f0ad4", sum)
}

func TestFolderCompletion(t *testing.T) {
	fs := newCard(t, nil)
	s := loaded(t, fs)

	assert.False(t, s.IsFolderCompleted("20241101"))
	s.MarkFolderCompleted("20241103")
	s.MarkFolderCompleted("20241101")
	s.MarkFolderCompleted("20241102")
	s.MarkFolderCompleted("20241101")

	assert.Equal(t, []string{"20241101", "20241102", "20241103"}, s.CompletedFolders())
	assert.False(t, s.IsFolderCompleted("20241104"))

	require.NoError(t, s.Save())
	s2 := loaded(t, fs)
	assert.True(t, s2.IsFolderCompleted("20241102"))
	assert.False(t, s2.IsFolderCompleted("20241104"))

	s2.ResetCompletedFolders()
	assert.Empty(t, s2.CompletedFolders())
	assert.True(t, s2.Dirty())
}

func TestRetrySlot(t *testing.T) {
	s := loaded(t, newCard(t, nil))
	assert.Equal(t, 0, s.CurrentRetryCount())

	s.IncrementCurrentRetryCount()
	assert.Equal(t, 0, s.CurrentRetryCount(), "increment without a folder is ignored")

	s.SetCurrentRetryFolder("20241101")
	s.IncrementCurrentRetryCount()
	s.IncrementCurrentRetryCount()
	s.IncrementCurrentRetryCount()
	assert.Equal(t, 3, s.CurrentRetryCount())

	s.SetCurrentRetryFolder("20241101")
	assert.Equal(t, 3, s.CurrentRetryCount())

	s.SetCurrentRetryFolder("20241102")
	assert.Equal(t, 0, s.CurrentRetryCount())
	assert.Equal(t, "20241102", s.CurrentRetryFolder())

	s.IncrementCurrentRetryCount()
	s.ClearCurrentRetry()
	assert.Equal(t, 0, s.CurrentRetryCount())
	assert.Equal(t, "", s.CurrentRetryFolder())
}

func TestRetrySlot_ClearedOnCompletion(t *testing.T) {
	s := loaded(t, newCard(t, nil))
	s.SetCurrentRetryFolder("20241101")
	s.IncrementCurrentRetryCount()
	s.IncrementCurrentRetryCount()

	s.MarkFolderCompleted("20241101")
	assert.Equal(t, 0, s.CurrentRetryCount())
	assert.Equal(t, "", s.CurrentRetryFolder())
}

func TestRetrySlot_Persistence(t *testing.T) {
	fs := newCard(t, nil)
	s := loaded(t, fs)
	s.SetCurrentRetryFolder("20241101")
	s.IncrementCurrentRetryCount()
	s.IncrementCurrentRetryCount()
	s.IncrementCurrentRetryCount()
	require.NoError(t, s.Save())

	assert.Equal(t, 3, loaded(t, fs).CurrentRetryCount())
}

func TestTimestamp(t *testing.T) {
	fs := newCard(t, nil)
	s := loaded(t, fs)
	assert.Equal(t, int64(0), s.LastUploadTimestamp())

	s.SetLastUploadTimestamp(1699876800)
	assert.Equal(t, int64(1699876800), s.LastUploadTimestamp())
	s.SetLastUploadTimestamp(1699963200)
	assert.Equal(t, int64(1699963200), s.LastUploadTimestamp())

	require.NoError(t, s.Save())
	assert.Equal(t, int64(1699963200), loaded(t, fs).LastUploadTimestamp())
}

func TestSnapshotIsACopy(t *testing.T) {
	s := loaded(t, newCard(t, nil))
	s.MarkFileUploaded("/a", "1")

	snap := s.Snapshot()
	snap.FileChecksums["/a"] = "tampered"

	sum, _ := s.RecordedChecksum("/a")
	assert.Equal(t, "1", sum)
}

func TestWithPath(t *testing.T) {
	fs := newCard(t, nil)
	s := NewStore(fs, WithPath("/state/custom.json"))
	s.Load()
	require.NoError(t, s.Save())
	assert.Equal(t, "/state/custom.json", s.Path())

	_, err := fs.ReadFile("/state/custom.json")
	assert.NoError(t, err)
}

func strPtr(s string) *string { return &s }
