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
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Layout describes the platform's flash topology: the addressable areas and
// the slot table mapping image slots to areas. It is normally loaded from the
// platform's layout.yaml.
type Layout struct {
	Areas []AreaConfig `yaml:"areas"`
	Slots []SlotConfig `yaml:"slots"`

	// ScanLimit bounds the emptiness scan to a prefix of each area, in
	// bytes. Zero means scan the whole area. A bounded scan trades
	// accuracy for latency and can misreport a region dirty beyond the
	// prefix as empty, so it is strictly opt-in.
	ScanLimit int64 `yaml:"scan-limit,omitempty"`

	// LazyErase skips the pre-upload emptiness scan on platforms whose
	// flash driver erases pages transparently on write.
	LazyErase bool `yaml:"lazy-erase,omitempty"`
}

// AreaConfig describes one logical flash area.
type AreaConfig struct {
	ID   int    `yaml:"id"`
	Name string `yaml:"name,omitempty"`

	// Path is the backing block device node or flash image file.
	Path string `yaml:"path"`

	// Offset is the area's base address in the device's flash address
	// space, used for load-address checks on position-dependent images.
	Offset int64 `yaml:"offset"`

	// FileOffset is the area's position within the backing file. It is
	// zero when each area has its own device node.
	FileOffset int64 `yaml:"file-offset,omitempty"`

	Size int64 `yaml:"size"`

	// BlockSize is the write alignment quantum. All but the final write
	// of a region must be a multiple of this.
	BlockSize int `yaml:"block-size"`

	// ErasedValue is the byte value flash reads as after an erase.
	ErasedValue byte `yaml:"erased-value"`
}

// SlotConfig maps an image slot index to a flash area.
type SlotConfig struct {
	Slot int `yaml:"slot"`
	Area int `yaml:"area"`
}

// ReadLayout loads, normalizes and validates a layout file.
func ReadLayout(path string) (*Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read flash layout: %w", err)
	}
	return ParseLayout(data)
}

// ParseLayout parses a layout from YAML data.
func ParseLayout(data []byte) (*Layout, error) {
	var layout Layout
	if err := yaml.Unmarshal(data, &layout); err != nil {
		return nil, fmt.Errorf("cannot parse flash layout: %w", err)
	}
	layout.normalize()
	if err := layout.validate(); err != nil {
		return nil, err
	}
	return &layout, nil
}

// normalize fills in defaults. It is the only place that mutates the layout.
func (l *Layout) normalize() {
	for i := range l.Areas {
		area := &l.Areas[i]
		if area.BlockSize == 0 {
			area.BlockSize = 4
		}
		if area.ErasedValue == 0 {
			area.ErasedValue = 0xff
		}
	}
}

func (l *Layout) validate() error {
	seen := make(map[int]bool)
	for _, area := range l.Areas {
		if area.ID < 0 {
			return fmt.Errorf("flash layout: area ID must be non-negative, got %d", area.ID)
		}
		if seen[area.ID] {
			return fmt.Errorf("flash layout: duplicate area ID %d", area.ID)
		}
		seen[area.ID] = true
		if area.Path == "" {
			return fmt.Errorf("flash layout: area %d has no path", area.ID)
		}
		if area.Size <= 0 {
			return fmt.Errorf("flash layout: area %d has invalid size %d", area.ID, area.Size)
		}
		// The emptiness scan compares 32-bit words.
		if area.Size%4 != 0 {
			return fmt.Errorf("flash layout: area %d size %d is not a multiple of 4", area.ID, area.Size)
		}
		if area.BlockSize <= 0 {
			return fmt.Errorf("flash layout: area %d has invalid block size %d", area.ID, area.BlockSize)
		}
		if area.Offset < 0 || area.FileOffset < 0 {
			return fmt.Errorf("flash layout: area %d has negative offset", area.ID)
		}
	}
	slots := make(map[int]bool)
	for _, sc := range l.Slots {
		if sc.Slot < 0 {
			return fmt.Errorf("flash layout: slot index must be non-negative, got %d", sc.Slot)
		}
		if slots[sc.Slot] {
			return fmt.Errorf("flash layout: duplicate slot %d", sc.Slot)
		}
		slots[sc.Slot] = true
		if !seen[sc.Area] {
			return fmt.Errorf("flash layout: slot %d refers to unknown area %d", sc.Slot, sc.Area)
		}
	}
	if l.ScanLimit < 0 || l.ScanLimit%4 != 0 {
		return fmt.Errorf("flash layout: scan limit must be a non-negative multiple of 4, got %d", l.ScanLimit)
	}
	return nil
}
