// Package mmap maps local dataset files read-only so that the index
// builder parses them without copying through read buffers.
package mmap

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
)

var errUnsupported = errors.New("mmap is not supported on this platform")

// File is a read-only memory mapping of a whole file. It implements
// io.ReadCloser; Bytes exposes the mapping directly and is invalid after
// Close.
type File struct {
	file   *os.File
	data   []byte
	mapped bool
	r      *bytes.Reader

	closeOnce sync.Once
	closeErr  error
}

// Open maps path. Empty files are valid and read as empty. Where mapping
// is unavailable the file is read into memory instead.
func Open(path string) (*File, error) {
	f, err := os.Open(path) //nolint:gosec // G304: paths come from process configuration
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !stat.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	size := stat.Size()
	if size > math.MaxInt {
		_ = f.Close()
		return nil, fmt.Errorf("%s is too large to map (%d bytes)", path, size)
	}

	m := &File{file: f}
	if size > 0 {
		data, err := mmap(int(f.Fd()), int(size))
		switch {
		case err == nil:
			// Advice is best effort.
			_ = adviseSequential(data)
			m.data, m.mapped = data, true
		case errors.Is(err, errUnsupported):
			data = make([]byte, size)
			if _, err := io.ReadFull(f, data); err != nil {
				_ = f.Close()
				return nil, fmt.Errorf("failed to read %s: %w", path, err)
			}
			m.data = data
		default:
			_ = f.Close()
			return nil, fmt.Errorf("failed to mmap %s: %w", path, err)
		}
	}
	m.r = bytes.NewReader(m.data)
	return m, nil
}

// Bytes returns the mapped contents.
func (m *File) Bytes() []byte { return m.data }

// Len returns the file size.
func (m *File) Len() int { return len(m.data) }

// Read implements io.Reader.
func (m *File) Read(p []byte) (int, error) { return m.r.Read(p) }

// WriteTo implements io.WriterTo.
func (m *File) WriteTo(w io.Writer) (int64, error) { return m.r.WriteTo(w) }

// Close unmaps and closes the file. Later calls return the first result.
func (m *File) Close() error {
	m.closeOnce.Do(func() {
		if m.mapped {
			m.closeErr = munmap(m.data)
		}
		m.data = nil
		m.r = bytes.NewReader(nil)
		if err := m.file.Close(); err != nil && m.closeErr == nil {
			m.closeErr = err
		}
	})
	return m.closeErr
}
