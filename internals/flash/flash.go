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

// Package flash gives scoped access to the logical flash areas described by
// the platform layout. An area is opened per operation and closed when the
// operation is done; no state is held across calls. Writes and erases hit
// the backing device directly and are not rolled back on failure.
package flash

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/canonical/termus/internals/osutil"
)

// ErrNotFound is returned when an area ID is not in the layout.
var ErrNotFound = errors.New("no such flash area")

// Map resolves area IDs and slot indexes against a loaded layout.
type Map struct {
	areas     map[int]AreaConfig
	slots     map[int]int
	scanLimit int64
	lazyErase bool
}

// NewMap builds a Map from a validated layout.
func NewMap(layout *Layout) *Map {
	m := &Map{
		areas:     make(map[int]AreaConfig, len(layout.Areas)),
		slots:     make(map[int]int, len(layout.Slots)),
		scanLimit: layout.ScanLimit,
		lazyErase: layout.LazyErase,
	}
	for _, area := range layout.Areas {
		m.areas[area.ID] = area
	}
	for _, sc := range layout.Slots {
		m.slots[sc.Slot] = sc.Area
	}
	return m
}

// Area returns the layout entry for an area ID without opening it.
func (m *Map) Area(areaID int) (AreaConfig, error) {
	area, ok := m.areas[areaID]
	if !ok {
		return AreaConfig{}, fmt.Errorf("%w: %d", ErrNotFound, areaID)
	}
	return area, nil
}

// LazyErase reports whether the platform erases transparently on write,
// making the pre-upload emptiness scan unnecessary.
func (m *Map) LazyErase() bool { return m.lazyErase }

// SlotArea returns the area ID for a slot index, or -1 if the platform does
// not define that slot.
func (m *Map) SlotArea(slot int) int {
	areaID, ok := m.slots[slot]
	if !ok {
		return -1
	}
	return areaID
}

// Open opens the flash area with the given ID. The returned region must be
// closed by the caller once the operation completes.
func (m *Map) Open(areaID int) (*Region, error) {
	area, ok := m.areas[areaID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, areaID)
	}
	// A backing path may be a device node or a plain image file, and may
	// not exist yet for file-backed areas. Anything else (a directory, a
	// socket) is a misconfiguration.
	if osutil.CanStat(area.Path) && !osutil.IsRegular(area.Path) {
		info, err := os.Stat(area.Path)
		if err != nil || !osutil.IsDevice(info.Mode()) {
			return nil, fmt.Errorf("flash area %d: %s is neither a device nor a regular file", areaID, area.Path)
		}
	}
	f, err := os.OpenFile(area.Path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("cannot open flash area %d: %w", areaID, err)
	}
	return &Region{f: f, area: area}, nil
}

// Region is an open flash area handle.
type Region struct {
	f    *os.File
	area AreaConfig
}

// ID returns the area ID this region was opened from.
func (r *Region) ID() int { return r.area.ID }

// Size returns the region size in bytes.
func (r *Region) Size() int64 { return r.area.Size }

// BaseOffset returns the region's base address in the flash address space.
func (r *Region) BaseOffset() int64 { return r.area.Offset }

// ErasedValue returns the byte value an erased cell reads as.
func (r *Region) ErasedValue() byte { return r.area.ErasedValue }

// AlignmentQuantum returns the minimum write granularity. All but the final
// write of a region must be a multiple of this.
func (r *Region) AlignmentQuantum() int { return r.area.BlockSize }

func (r *Region) checkRange(offset, length int64) error {
	if offset < 0 || length < 0 || offset+length > r.area.Size {
		return fmt.Errorf("flash area %d: range [%d,%d) outside region of size %d",
			r.area.ID, offset, offset+length, r.area.Size)
	}
	return nil
}

// ReadAt reads length bytes starting at offset. Bytes beyond the end of the
// backing file read as the erased value, so a fresh or sparse backing image
// behaves like erased flash.
func (r *Region) ReadAt(offset, length int64) ([]byte, error) {
	if err := r.checkRange(offset, length); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	n, err := r.f.ReadAt(buf, r.area.FileOffset+offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("cannot read flash area %d: %w", r.area.ID, err)
	}
	for i := n; i < len(buf); i++ {
		buf[i] = r.area.ErasedValue
	}
	return buf, nil
}

// WriteAt writes data starting at offset. The caller is responsible for
// aligning offset and length to the alignment quantum for all but the final
// write of the region. A failed write may have hit flash partially.
func (r *Region) WriteAt(offset int64, data []byte) error {
	if err := r.checkRange(offset, int64(len(data))); err != nil {
		return err
	}
	if _, err := r.f.WriteAt(data, r.area.FileOffset+offset); err != nil {
		return fmt.Errorf("cannot write flash area %d: %w", r.area.ID, err)
	}
	if err := unix.Fsync(int(r.f.Fd())); err != nil {
		return fmt.Errorf("cannot sync flash area %d: %w", r.area.ID, err)
	}
	return nil
}

// Erase resets the given range to the erased value. Erase is destructive and
// cannot be undone; on failure the range may be partially erased.
func (r *Region) Erase(offset, length int64) error {
	if err := r.checkRange(offset, length); err != nil {
		return err
	}
	const chunk = 4096
	buf := make([]byte, chunk)
	for i := range buf {
		buf[i] = r.area.ErasedValue
	}
	for length > 0 {
		n := int64(chunk)
		if length < n {
			n = length
		}
		if _, err := r.f.WriteAt(buf[:n], r.area.FileOffset+offset); err != nil {
			return fmt.Errorf("cannot erase flash area %d: %w", r.area.ID, err)
		}
		offset += n
		length -= n
	}
	if err := unix.Fsync(int(r.f.Fd())); err != nil {
		return fmt.Errorf("cannot sync flash area %d: %w", r.area.ID, err)
	}
	return nil
}

// Close releases the region handle.
func (r *Region) Close() error {
	return r.f.Close()
}
