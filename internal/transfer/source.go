package transfer

import (
	"fmt"
	"io"

	"github.com/yuya-takeyama/datalog-sync/internal/card"
)

// OpenSource opens a card file for sending and returns its size
func OpenSource(src card.FS, localPath string) (io.ReadCloser, int64, error) {
	h, err := src.Open(localPath)
	if err != nil {
		return nil, 0, err
	}
	if h.IsDir() {
		return nil, 0, fmt.Errorf("%s is a directory", localPath)
	}

	r, err := src.OpenReader(localPath)
	if err != nil {
		return nil, 0, err
	}
	return r, h.Size(), nil
}
