// Copyright (c) 2024 Canonical Ltd
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License version 3 as
// published by the Free Software Foundation.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package filestate implements the chunked single-file transfer helper.
// It caches the open file across chunks of one transfer and has no slot
// or image semantics.
package filestate

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/canonical/termus/internals/logger"
)

// FileManager writes and reads files in offset-addressed chunks. One
// transfer is active at a time; a chunk for a different path or an
// offset-0 chunk starts a new transfer.
type FileManager struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewManager returns a FileManager with no open transfer.
func NewManager() *FileManager {
	return &FileManager{}
}

func (m *FileManager) closeLocked() {
	if m.file == nil {
		return
	}
	if err := m.file.Close(); err != nil {
		logger.Noticef("Cannot close %s: %v", m.path, err)
	}
	m.file = nil
	m.path = ""
}

// Write writes one chunk of a file at the given offset. Offset 0 truncates
// by unlinking first so a shrinking rewrite leaves no stale tail. The file
// is synced after every chunk; an interrupted transfer leaves a valid
// prefix on disk.
func (m *FileManager) Write(path string, offset int64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file != nil && (m.path != path || offset == 0) {
		m.closeLocked()
	}
	if m.file == nil {
		if offset == 0 {
			// Unlink rather than O_TRUNC so a reader holding the old
			// file keeps a consistent view.
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("cannot remove %s: %w", path, err)
			}
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0600)
		if err != nil {
			return fmt.Errorf("cannot open %s: %w", path, err)
		}
		m.file = f
		m.path = path
	}

	if _, err := m.file.WriteAt(data, offset); err != nil {
		m.closeLocked()
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	if err := unix.Fsync(int(m.file.Fd())); err != nil {
		m.closeLocked()
		return fmt.Errorf("cannot sync %s: %w", path, err)
	}
	return nil
}

// Close ends the active transfer, if any.
func (m *FileManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
}

// Read reads up to count bytes of a file starting at offset. A short slice
// is returned at end of file.
func (m *FileManager) Read(path string, offset int64, count int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, count)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	return buf[:n], nil
}

// Size returns a file's length in bytes.
func (m *FileManager) Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("cannot stat %s: %w", path, err)
	}
	return info.Size(), nil
}
