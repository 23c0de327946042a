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

// Package image decodes firmware image headers and versions. The header is
// the first thing in every image, so the first upload chunk always carries
// one, and a populated slot can be identified by parsing the start of its
// flash area.
package image

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic identifies a firmware image header.
const Magic uint32 = 0x96f3b83d

// HeaderSize is the fixed on-flash size of the image header. The first
// upload chunk must be at least this long.
const HeaderSize = 32

// HashSize is the size of the image content hash carried in state reports.
const HashSize = sha256.Size

// Image header flags.
const (
	FlagNonBootable  uint32 = 0x00000010
	FlagROMFixedAddr uint32 = 0x00000100
)

var ErrBadMagic = errors.New("invalid image magic")

// Version is a firmware image version. Ordering is defined by (major,
// minor, revision) only; the build number identifies rebuilds of the same
// release and is excluded from comparison.
type Version struct {
	Major    uint8
	Minor    uint8
	Revision uint16
	Build    uint32
}

// Compare returns -1, 0 or 1 depending on whether v orders before, equal
// to, or after other. The build number does not participate.
func (v Version) Compare(other Version) int {
	switch {
	case v.Major != other.Major:
		if v.Major < other.Major {
			return -1
		}
		return 1
	case v.Minor != other.Minor:
		if v.Minor < other.Minor {
			return -1
		}
		return 1
	case v.Revision != other.Revision:
		if v.Revision < other.Revision {
			return -1
		}
		return 1
	}
	return 0
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Revision, v.Build)
}

// Header is the fixed-layout header at the start of every image.
type Header struct {
	Magic      uint32
	LoadAddr   uint32
	HdrSize    uint16
	ProtectTLV uint16
	ImgSize    uint32
	Flags      uint32
	Version    Version
	Pad        uint32
}

// NonBootable reports whether the image is marked as not bootable.
func (h *Header) NonBootable() bool { return h.Flags&FlagNonBootable != 0 }

// ROMFixedAddr reports whether the image must live at a fixed flash address.
func (h *Header) ROMFixedAddr() bool { return h.Flags&FlagROMFixedAddr != 0 }

// ParseHeader decodes an image header from the start of data. It returns
// ErrBadMagic if data does not start with an image header.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("image header truncated: have %d bytes, need %d", len(data), HeaderSize)
	}
	var hdr Header
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("cannot parse image header: %w", err)
	}
	if hdr.Magic != Magic {
		return nil, ErrBadMagic
	}
	return &hdr, nil
}

// reader is the part of flash.Region that Info needs.
type reader interface {
	ReadAt(offset, length int64) ([]byte, error)
	Size() int64
}

// Info holds what the state report knows about a slot's image.
type Info struct {
	Version Version
	Flags   uint32
	Hash    [HashSize]byte
}

// ReadInfo parses the image at the start of the given region and computes
// its SHA-256 content hash over the header and image body.
func ReadInfo(r reader) (*Info, error) {
	data, err := r.ReadAt(0, HeaderSize)
	if err != nil {
		return nil, err
	}
	hdr, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}

	total := int64(hdr.HdrSize) + int64(hdr.ImgSize)
	if total > r.Size() {
		return nil, fmt.Errorf("image size %d exceeds region size %d", total, r.Size())
	}

	digest := sha256.New()
	const block = 4096
	for off := int64(0); off < total; off += block {
		n := int64(block)
		if total-off < n {
			n = total - off
		}
		data, err := r.ReadAt(off, n)
		if err != nil {
			return nil, err
		}
		digest.Write(data)
	}

	info := &Info{
		Version: hdr.Version,
		Flags:   hdr.Flags,
	}
	copy(info.Hash[:], digest.Sum(nil))
	return info, nil
}
