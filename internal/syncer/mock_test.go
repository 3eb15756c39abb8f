package syncer

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/yuya-takeyama/datalog-sync/internal/card"
)

// flakyFS simulates the appliance holding part of the card and a card that refuses writes
type flakyFS struct {
	card.FS
	busyPrefix   string
	rejectWrites bool
	// readErrs fails reads of exact paths with the given error
	readErrs map[string]error
}

func (f *flakyFS) busy(name string) bool {
	return f.busyPrefix != "" && strings.HasPrefix(name, f.busyPrefix)
}

func (f *flakyFS) Open(name string) (card.Handle, error) {
	if f.busy(name) {
		return card.Handle{}, card.ErrBusy
	}
	return f.FS.Open(name)
}

func (f *flakyFS) ListEntries(h card.Handle) ([]card.Entry, error) {
	if f.busy(h.Path()) {
		return nil, card.ErrBusy
	}
	return f.FS.ListEntries(h)
}

func (f *flakyFS) OpenReader(name string) (io.ReadCloser, error) {
	if f.busy(name) {
		return nil, card.ErrBusy
	}
	if err := f.readErrs[name]; err != nil {
		return nil, err
	}
	return f.FS.OpenReader(name)
}

func (f *flakyFS) ReadFile(name string) ([]byte, error) {
	if f.busy(name) {
		return nil, card.ErrBusy
	}
	if err := f.readErrs[name]; err != nil {
		return nil, err
	}
	return f.FS.ReadFile(name)
}

func (f *flakyFS) WriteFileAtomic(name string, data []byte) error {
	if f.rejectWrites {
		return errors.New("card write-protected")
	}
	return f.FS.WriteFileAtomic(name, data)
}

// fakeTransferer records every transfer attempt
type fakeTransferer struct {
	transferFunc func(localPath string) error
	calls        []string
}

func (f *fakeTransferer) Transfer(_ context.Context, localPath string) error {
	f.calls = append(f.calls, localPath)
	if f.transferFunc != nil {
		return f.transferFunc(localPath)
	}
	return nil
}

func (f *fakeTransferer) reset() {
	f.calls = nil
}
