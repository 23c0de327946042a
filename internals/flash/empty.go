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

package flash

import (
	"encoding/binary"
)

// readBlock is how much the emptiness scan reads per flash access.
const readBlock = 64

// CheckEmpty reports whether the area is completely unwritten, comparing the
// area 32-bit word by word against the erased pattern and short-circuiting
// on the first mismatch. If the layout sets scan-limit, only that prefix is
// scanned; that is an explicit approximation which can call a region empty
// when data sits beyond the prefix.
func (m *Map) CheckEmpty(areaID int) (bool, error) {
	r, err := m.Open(areaID)
	if err != nil {
		return false, err
	}
	defer r.Close()

	erased := r.ErasedValue()
	erasedWord := uint32(erased) | uint32(erased)<<8 | uint32(erased)<<16 | uint32(erased)<<24

	end := r.Size()
	if m.scanLimit > 0 && m.scanLimit < end {
		end = m.scanLimit
	}

	for addr := int64(0); addr < end; addr += readBlock {
		n := int64(readBlock)
		if end-addr < n {
			n = end - addr
		}
		data, err := r.ReadAt(addr, n)
		if err != nil {
			return false, err
		}
		for i := 0; i+4 <= len(data); i += 4 {
			if binary.LittleEndian.Uint32(data[i:]) != erasedWord {
				return false, nil
			}
		}
	}
	return true, nil
}
