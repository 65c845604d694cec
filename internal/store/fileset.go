package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"btclient/internal/metainfo"
)

// FileSet is the ordered list of on-disk files a torrent's pieces map
// onto, all opened up front by NewFileSet and addressed by absolute
// byte offset into the concatenated virtual file.
type FileSet struct {
	root  string
	files []metainfo.FileEntry

	mu      sync.Mutex
	handles []*os.File
}

// NewFileSet prepares a FileSet rooted at root (a directory for
// multi-file torrents, or the destination file's parent for a
// single-file one). Files are created and truncated to their final
// size up front so WriteAt never needs to grow them.
func NewFileSet(root string, files []metainfo.FileEntry) (*FileSet, error) {
	fs := &FileSet{
		root:    root,
		files:   files,
		handles: make([]*os.File, len(files)),
	}
	for i, fe := range files {
		if err := fs.ensureOpen(i); err != nil {
			fs.Close()
			return nil, fmt.Errorf("store: preparing %q: %w", filepath.Join(fe.Path...), err)
		}
	}
	return fs, nil
}

func (fs *FileSet) ensureOpen(i int) error {
	if fs.handles[i] != nil {
		return nil
	}
	fe := fs.files[i]
	path := filepath.Join(append([]string{fs.root}, fe.Path...)...)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	if err := f.Truncate(fe.Length); err != nil {
		f.Close()
		return err
	}
	fs.handles[i] = f
	return nil
}

// WriteAt writes data at the given absolute offset into the virtual
// concatenated file, splitting it across file boundaries as needed.
func (fs *FileSet) WriteAt(offset int64, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.forEachSegment(offset, int64(len(data)), func(i int, fileOff, segOff, segLen int64) error {
		if err := fs.ensureOpen(i); err != nil {
			return err
		}
		_, err := fs.handles[i].WriteAt(data[segOff:segOff+segLen], fileOff)
		return err
	})
}

// ReadAt reads length bytes starting at the given absolute offset,
// splitting the read across file boundaries as needed.
func (fs *FileSet) ReadAt(offset, length int64) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	buf := make([]byte, length)
	err := fs.forEachSegment(offset, length, func(i int, fileOff, segOff, segLen int64) error {
		if err := fs.ensureOpen(i); err != nil {
			return err
		}
		_, err := fs.handles[i].ReadAt(buf[segOff:segOff+segLen], fileOff)
		return err
	})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// forEachSegment walks the files overlapping [offset, offset+length)
// and invokes fn once per overlapping file with that file's local
// offset and the corresponding [segOff, segOff+segLen) slice of the
// caller's buffer.
func (fs *FileSet) forEachSegment(offset, length int64, fn func(fileIndex int, fileOffset, segOff, segLen int64) error) error {
	end := offset + length
	var segOff int64

	for i, fe := range fs.files {
		fStart := fe.Offset
		fEnd := fStart + fe.Length
		if fEnd <= offset || fStart >= end {
			continue
		}

		overlapStart := max64(offset, fStart)
		overlapEnd := min64(end, fEnd)
		segLen := overlapEnd - overlapStart

		if err := fn(i, overlapStart-fStart, segOff, segLen); err != nil {
			return fmt.Errorf("store: file %d: %w", i, err)
		}
		segOff += segLen
	}
	return nil
}

// Close closes every opened file handle.
func (fs *FileSet) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var first error
	for _, f := range fs.handles {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
