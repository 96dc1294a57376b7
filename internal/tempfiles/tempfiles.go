// Package tempfiles provides small helpers for scratch files that
// should disappear once a consumer has finished streaming from them —
// a response recording, a staged upload awaiting a hash check, and
// the like.
package tempfiles

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Create opens a new temp file matching pattern inside dir, creating
// dir (and any missing parents) first if it doesn't already exist.
func Create(dir string, pattern string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("tempfiles: create dir %q: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("tempfiles: create file in %q: %w", dir, err)
	}
	return f, nil
}

// NewDeleteOnClose wraps an already-open file so that Close both
// closes the descriptor and unlinks the file from disk, exactly once,
// regardless of how many times Close is called.
func NewDeleteOnClose(file *os.File) io.ReadCloser {
	return &selfCleaningFile{file: file, path: file.Name()}
}

type selfCleaningFile struct {
	file *os.File
	path string
	once sync.Once
	err  error
}

func (f *selfCleaningFile) Read(p []byte) (int, error) {
	return f.file.Read(p)
}

func (f *selfCleaningFile) Close() error {
	f.once.Do(func() {
		closeErr := f.file.Close()
		removeErr := os.Remove(f.path)
		if removeErr != nil && os.IsNotExist(removeErr) {
			removeErr = nil
		}
		switch {
		case closeErr != nil:
			f.err = closeErr
		default:
			f.err = removeErr
		}
	})
	return f.err
}
