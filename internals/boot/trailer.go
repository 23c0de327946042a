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

package boot

import (
	"encoding/binary"
	"fmt"

	"github.com/canonical/termus/internals/flash"
)

// MaxAlign is the alignment of the trailer's flag fields. Each flag
// occupies one MaxAlign-sized cell; only its first byte is meaningful.
const MaxAlign = 8

// MagicSize is the size of the trailer magic, four little-endian words.
const MagicSize = 16

var trailerMagic = [4]uint32{0xf395c277, 0x7fefd260, 0x0f505235, 0x8079b62c}

// flagSet is the byte the bootloader writes to assert a trailer flag. Any
// other non-erased value decodes as bad.
const flagSet = 0x01

// Flag is the decoded state of a trailer flag byte.
type Flag int

const (
	FlagUnset Flag = iota
	FlagSet
	FlagBad
)

func decodeFlag(b, erased byte) Flag {
	switch b {
	case flagSet:
		return FlagSet
	case erased:
		return FlagUnset
	}
	return FlagBad
}

// Trailer describes where the boot trailer fields sit in a region. The
// trailer grows down from the region's end: magic words first, then the
// image-ok and copy-done flags one MaxAlign cell apart.
type Trailer struct {
	MagicOff    int64
	ImageOKOff  int64
	CopyDoneOff int64
}

// TrailerLayout computes the trailer field offsets for a region of the
// given size.
func TrailerLayout(size int64) Trailer {
	magicOff := size - MagicSize
	return Trailer{
		MagicOff:    magicOff,
		ImageOKOff:  magicOff - MaxAlign,
		CopyDoneOff: magicOff - 2*MaxAlign,
	}
}

// Start returns the offset of the first trailer byte.
func (t Trailer) Start() int64 { return t.CopyDoneOff }

// SwapState is the decoded trailer of one slot.
type SwapState struct {
	MagicGood bool
	ImageOK   Flag
	CopyDone  Flag
}

// ReadSwapState decodes the boot trailer of an open region.
func ReadSwapState(r *flash.Region) (*SwapState, error) {
	t := TrailerLayout(r.Size())

	data, err := r.ReadAt(t.MagicOff, MagicSize)
	if err != nil {
		return nil, err
	}
	state := &SwapState{MagicGood: true}
	for i, want := range trailerMagic {
		if binary.LittleEndian.Uint32(data[i*4:]) != want {
			state.MagicGood = false
			break
		}
	}

	erased := r.ErasedValue()
	for _, field := range []struct {
		off  int64
		flag *Flag
	}{
		{t.ImageOKOff, &state.ImageOK},
		{t.CopyDoneOff, &state.CopyDone},
	} {
		data, err := r.ReadAt(field.off, 1)
		if err != nil {
			return nil, err
		}
		*field.flag = decodeFlag(data[0], erased)
	}
	return state, nil
}

func writeMagic(r *flash.Region) error {
	t := TrailerLayout(r.Size())
	data := make([]byte, MagicSize)
	for i, word := range trailerMagic {
		binary.LittleEndian.PutUint32(data[i*4:], word)
	}
	return r.WriteAt(t.MagicOff, data)
}

func writeFlag(r *flash.Region, off int64, value byte) error {
	return r.WriteAt(off, []byte{value})
}

// TrailerOracle derives boot state by decoding the boot trailers of the two
// managed slots directly from flash. It serves platforms whose boot
// firmware does not expose a native swap-type signal.
type TrailerOracle struct {
	m           *flash.Map
	currentSlot int
}

// NewTrailerOracle returns an oracle decoding trailers through the given
// flash map, with the platform-defined current boot slot.
func NewTrailerOracle(m *flash.Map, currentSlot int) *TrailerOracle {
	return &TrailerOracle{m: m, currentSlot: currentSlot}
}

func (o *TrailerOracle) CurrentBootSlot() int { return o.currentSlot }

func (o *TrailerOracle) slotState(slot int) (*SwapState, error) {
	areaID := o.m.SlotArea(slot)
	if areaID < 0 {
		return nil, fmt.Errorf("no flash area for slot %d", slot)
	}
	r, err := o.m.Open(areaID)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return ReadSwapState(r)
}

// SwapIntent reconstructs the bootloader's next-reboot decision from the
// two slot trailers.
func (o *TrailerOracle) SwapIntent() (SwapIntent, error) {
	secondary, err := o.slotState(1)
	if err != nil {
		return SwapNone, err
	}
	if secondary.MagicGood {
		if secondary.ImageOK == FlagSet {
			return SwapPermanent, nil
		}
		return SwapTest, nil
	}

	primary, err := o.slotState(0)
	if err != nil {
		return SwapNone, err
	}
	if primary.MagicGood && primary.CopyDone == FlagSet && primary.ImageOK != FlagSet {
		return SwapRevert, nil
	}
	return SwapNone, nil
}

// RequestSwap writes the swap request into the secondary slot's trailer.
// Only the secondary slot can be scheduled on trailer platforms.
func (o *TrailerOracle) RequestSwap(slot int, permanent bool) error {
	if slot != 1 {
		return fmt.Errorf("cannot schedule swap to slot %d: only the secondary slot is swappable", slot)
	}
	areaID := o.m.SlotArea(slot)
	if areaID < 0 {
		return fmt.Errorf("no flash area for slot %d", slot)
	}
	r, err := o.m.Open(areaID)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := writeMagic(r); err != nil {
		return err
	}
	if permanent {
		t := TrailerLayout(r.Size())
		if err := writeFlag(r, t.ImageOKOff, flagSet); err != nil {
			return err
		}
	}
	return nil
}

// MarkConfirmed asserts the image-ok flag in the current boot slot's
// trailer, writing the magic first if the image was flashed without one.
func (o *TrailerOracle) MarkConfirmed() error {
	areaID := o.m.SlotArea(o.currentSlot)
	if areaID < 0 {
		return fmt.Errorf("no flash area for slot %d", o.currentSlot)
	}
	r, err := o.m.Open(areaID)
	if err != nil {
		return err
	}
	defer r.Close()

	state, err := ReadSwapState(r)
	if err != nil {
		return err
	}
	if !state.MagicGood {
		if err := writeMagic(r); err != nil {
			return err
		}
	}
	if state.ImageOK == FlagSet {
		return nil
	}
	t := TrailerLayout(r.Size())
	return writeFlag(r, t.ImageOKOff, flagSet)
}

// EraseTrailer erases the whole trailer of the given slot.
func (o *TrailerOracle) EraseTrailer(slot int) error {
	areaID := o.m.SlotArea(slot)
	if areaID < 0 {
		return fmt.Errorf("no flash area for slot %d", slot)
	}
	r, err := o.m.Open(areaID)
	if err != nil {
		return err
	}
	defer r.Close()

	t := TrailerLayout(r.Size())
	return r.Erase(t.Start(), r.Size()-t.Start())
}

// RepairTrailer writes a fresh trailer (magic present, flags unset) into
// the given slot if the magic is missing. Images built without trailer
// padding need this after upload so the bootloader recognizes the slot.
func (o *TrailerOracle) RepairTrailer(slot int) error {
	areaID := o.m.SlotArea(slot)
	if areaID < 0 {
		return fmt.Errorf("no flash area for slot %d", slot)
	}
	r, err := o.m.Open(areaID)
	if err != nil {
		return err
	}
	defer r.Close()

	state, err := ReadSwapState(r)
	if err != nil {
		return err
	}
	if state.MagicGood {
		return nil
	}
	if err := writeMagic(r); err != nil {
		return err
	}
	// The flag cells stay at the erased value: not booted, not confirmed.
	return nil
}
