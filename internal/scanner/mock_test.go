package scanner

import (
	"github.com/yuya-takeyama/datalog-sync/internal/card"
)

// mockFS delegates to an in-memory card unless a func field overrides the call
type mockFS struct {
	card.FS
	openFunc        func(name string, attempt int) (card.Handle, error)
	listEntriesFunc func(h card.Handle) ([]card.Entry, error)

	opens map[string]int
}

func newMockFS(base card.FS) *mockFS {
	return &mockFS{FS: base, opens: map[string]int{}}
}

func (m *mockFS) Open(name string) (card.Handle, error) {
	m.opens[name]++
	if m.openFunc != nil {
		return m.openFunc(name, m.opens[name])
	}
	return m.FS.Open(name)
}

func (m *mockFS) ListEntries(h card.Handle) ([]card.Entry, error) {
	if m.listEntriesFunc != nil {
		return m.listEntriesFunc(h)
	}
	return m.FS.ListEntries(h)
}
