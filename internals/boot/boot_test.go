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

package boot_test

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/canonical/termus/internals/boot"
	"github.com/canonical/termus/internals/flash"
)

func Test(t *testing.T) { TestingT(t) }

const areaSize = 4096

type BootSuite struct {
	dir string
	m   *flash.Map
}

var _ = Suite(&BootSuite{})

func (s *BootSuite) SetUpTest(c *C) {
	s.dir = c.MkDir()
	layout, err := flash.ParseLayout([]byte(fmt.Sprintf(`
areas:
    - id: 1
      path: %s/slot0.bin
      size: %d
    - id: 2
      path: %s/slot1.bin
      size: %d
slots:
    - slot: 0
      area: 1
    - slot: 1
      area: 2
`, s.dir, areaSize, s.dir, areaSize)))
	c.Assert(err, IsNil)
	s.m = flash.NewMap(layout)
}

func (s *BootSuite) open(c *C, slot int) *flash.Region {
	r, err := s.m.Open(s.m.SlotArea(slot))
	c.Assert(err, IsNil)
	return r
}

func (s *BootSuite) writeMagic(c *C, slot int) {
	r := s.open(c, slot)
	defer r.Close()
	t := boot.TrailerLayout(r.Size())
	data := make([]byte, boot.MagicSize)
	for i, w := range []uint32{0xf395c277, 0x7fefd260, 0x0f505235, 0x8079b62c} {
		binary.LittleEndian.PutUint32(data[i*4:], w)
	}
	c.Assert(r.WriteAt(t.MagicOff, data), IsNil)
}

func (s *BootSuite) writeFlag(c *C, slot int, off int64, value byte) {
	r := s.open(c, slot)
	defer r.Close()
	c.Assert(r.WriteAt(off, []byte{value}), IsNil)
}

func (s *BootSuite) state(c *C, slot int) *boot.SwapState {
	r := s.open(c, slot)
	defer r.Close()
	state, err := boot.ReadSwapState(r)
	c.Assert(err, IsNil)
	return state
}

func (s *BootSuite) TestTrailerLayout(c *C) {
	t := boot.TrailerLayout(areaSize)
	c.Check(t.MagicOff, Equals, int64(areaSize-16))
	c.Check(t.ImageOKOff, Equals, t.MagicOff-boot.MaxAlign)
	c.Check(t.CopyDoneOff, Equals, t.MagicOff-2*boot.MaxAlign)
	c.Check(t.Start(), Equals, t.CopyDoneOff)
}

func (s *BootSuite) TestReadSwapStateErased(c *C) {
	state := s.state(c, 0)
	c.Check(state.MagicGood, Equals, false)
	c.Check(state.ImageOK, Equals, boot.FlagUnset)
	c.Check(state.CopyDone, Equals, boot.FlagUnset)
}

func (s *BootSuite) TestReadSwapStateFlags(c *C) {
	s.writeMagic(c, 0)
	t := boot.TrailerLayout(areaSize)
	s.writeFlag(c, 0, t.ImageOKOff, 0x01)
	s.writeFlag(c, 0, t.CopyDoneOff, 0x5a)

	state := s.state(c, 0)
	c.Check(state.MagicGood, Equals, true)
	c.Check(state.ImageOK, Equals, boot.FlagSet)
	c.Check(state.CopyDone, Equals, boot.FlagBad)
}

func (s *BootSuite) TestSwapIntentNone(c *C) {
	o := boot.NewTrailerOracle(s.m, 0)
	intent, err := o.SwapIntent()
	c.Assert(err, IsNil)
	c.Check(intent, Equals, boot.SwapNone)
}

func (s *BootSuite) TestSwapIntentTest(c *C) {
	s.writeMagic(c, 1)
	o := boot.NewTrailerOracle(s.m, 0)
	intent, err := o.SwapIntent()
	c.Assert(err, IsNil)
	c.Check(intent, Equals, boot.SwapTest)
}

func (s *BootSuite) TestSwapIntentPermanent(c *C) {
	s.writeMagic(c, 1)
	t := boot.TrailerLayout(areaSize)
	s.writeFlag(c, 1, t.ImageOKOff, 0x01)
	o := boot.NewTrailerOracle(s.m, 0)
	intent, err := o.SwapIntent()
	c.Assert(err, IsNil)
	c.Check(intent, Equals, boot.SwapPermanent)
}

func (s *BootSuite) TestSwapIntentRevert(c *C) {
	// Just swapped in, not yet confirmed: the bootloader will swap back
	// unless the image is confirmed before the next reboot.
	s.writeMagic(c, 0)
	t := boot.TrailerLayout(areaSize)
	s.writeFlag(c, 0, t.CopyDoneOff, 0x01)
	o := boot.NewTrailerOracle(s.m, 1)
	intent, err := o.SwapIntent()
	c.Assert(err, IsNil)
	c.Check(intent, Equals, boot.SwapRevert)
}

func (s *BootSuite) TestSwapIntentConfirmedNoRevert(c *C) {
	s.writeMagic(c, 0)
	t := boot.TrailerLayout(areaSize)
	s.writeFlag(c, 0, t.CopyDoneOff, 0x01)
	s.writeFlag(c, 0, t.ImageOKOff, 0x01)
	o := boot.NewTrailerOracle(s.m, 1)
	intent, err := o.SwapIntent()
	c.Assert(err, IsNil)
	c.Check(intent, Equals, boot.SwapNone)
}

func (s *BootSuite) TestRequestSwapTest(c *C) {
	o := boot.NewTrailerOracle(s.m, 0)
	c.Assert(o.RequestSwap(1, false), IsNil)

	state := s.state(c, 1)
	c.Check(state.MagicGood, Equals, true)
	c.Check(state.ImageOK, Equals, boot.FlagUnset)
}

func (s *BootSuite) TestRequestSwapPermanent(c *C) {
	o := boot.NewTrailerOracle(s.m, 0)
	c.Assert(o.RequestSwap(1, true), IsNil)

	state := s.state(c, 1)
	c.Check(state.MagicGood, Equals, true)
	c.Check(state.ImageOK, Equals, boot.FlagSet)
}

func (s *BootSuite) TestRequestSwapPrimaryRejected(c *C) {
	o := boot.NewTrailerOracle(s.m, 0)
	err := o.RequestSwap(0, false)
	c.Assert(err, ErrorMatches, "cannot schedule swap to slot 0: only the secondary slot is swappable")
}

func (s *BootSuite) TestMarkConfirmed(c *C) {
	s.writeMagic(c, 0)
	o := boot.NewTrailerOracle(s.m, 0)
	c.Assert(o.MarkConfirmed(), IsNil)

	state := s.state(c, 0)
	c.Check(state.MagicGood, Equals, true)
	c.Check(state.ImageOK, Equals, boot.FlagSet)
}

func (s *BootSuite) TestMarkConfirmedWritesMissingMagic(c *C) {
	o := boot.NewTrailerOracle(s.m, 0)
	c.Assert(o.MarkConfirmed(), IsNil)

	state := s.state(c, 0)
	c.Check(state.MagicGood, Equals, true)
	c.Check(state.ImageOK, Equals, boot.FlagSet)
}

func (s *BootSuite) TestMarkConfirmedIdempotent(c *C) {
	o := boot.NewTrailerOracle(s.m, 0)
	c.Assert(o.MarkConfirmed(), IsNil)
	c.Assert(o.MarkConfirmed(), IsNil)

	state := s.state(c, 0)
	c.Check(state.ImageOK, Equals, boot.FlagSet)
}

func (s *BootSuite) TestEraseTrailer(c *C) {
	o := boot.NewTrailerOracle(s.m, 0)
	c.Assert(o.RequestSwap(1, true), IsNil)
	c.Assert(o.EraseTrailer(1), IsNil)

	state := s.state(c, 1)
	c.Check(state.MagicGood, Equals, false)
	c.Check(state.ImageOK, Equals, boot.FlagUnset)
}

func (s *BootSuite) TestRepairTrailer(c *C) {
	o := boot.NewTrailerOracle(s.m, 0)
	c.Assert(o.RepairTrailer(0), IsNil)

	state := s.state(c, 0)
	c.Check(state.MagicGood, Equals, true)
	c.Check(state.ImageOK, Equals, boot.FlagUnset)
	c.Check(state.CopyDone, Equals, boot.FlagUnset)
}

func (s *BootSuite) TestRepairTrailerKeepsExisting(c *C) {
	s.writeMagic(c, 0)
	t := boot.TrailerLayout(areaSize)
	s.writeFlag(c, 0, t.ImageOKOff, 0x01)

	o := boot.NewTrailerOracle(s.m, 0)
	c.Assert(o.RepairTrailer(0), IsNil)

	state := s.state(c, 0)
	c.Check(state.ImageOK, Equals, boot.FlagSet)
}

func (s *BootSuite) TestTrailerPersists(c *C) {
	o := boot.NewTrailerOracle(s.m, 0)
	c.Assert(o.RequestSwap(1, false), IsNil)

	// The trailer must survive a reopen of the backing file.
	data, err := os.ReadFile(filepath.Join(s.dir, "slot1.bin"))
	c.Assert(err, IsNil)
	c.Assert(len(data) >= areaSize-16, Equals, true)
}

type fakeSignaler struct {
	slot      int
	swapType  int
	pending   []bool
	confirmed int
	err       error
}

func (f *fakeSignaler) CurrentSlot() (int, error) { return f.slot, f.err }
func (f *fakeSignaler) SwapType() (int, error)    { return f.swapType, f.err }
func (f *fakeSignaler) SetPending(permanent bool) error {
	f.pending = append(f.pending, permanent)
	return f.err
}
func (f *fakeSignaler) Confirm() error {
	f.confirmed++
	return f.err
}

type SignalSuite struct{}

var _ = Suite(&SignalSuite{})

func (s *SignalSuite) TestSwapIntentMapping(c *C) {
	for raw, want := range map[int]boot.SwapIntent{
		1: boot.SwapNone,
		2: boot.SwapTest,
		3: boot.SwapPermanent,
		4: boot.SwapRevert,
	} {
		o, err := boot.NewSignalOracle(&fakeSignaler{slot: 0, swapType: raw})
		c.Assert(err, IsNil)
		intent, err := o.SwapIntent()
		c.Assert(err, IsNil)
		c.Check(intent, Equals, want, Commentf("raw %d", raw))
	}
}

func (s *SignalSuite) TestCurrentBootSlot(c *C) {
	o, err := boot.NewSignalOracle(&fakeSignaler{slot: 1, swapType: 1})
	c.Assert(err, IsNil)
	c.Check(o.CurrentBootSlot(), Equals, 1)
}

func (s *SignalSuite) TestRequestSwap(c *C) {
	f := &fakeSignaler{slot: 0, swapType: 1}
	o, err := boot.NewSignalOracle(f)
	c.Assert(err, IsNil)
	c.Assert(o.RequestSwap(1, true), IsNil)
	c.Check(f.pending, DeepEquals, []bool{true})
}

func (s *SignalSuite) TestRequestSwapCurrentSlot(c *C) {
	f := &fakeSignaler{slot: 0, swapType: 1}
	o, err := boot.NewSignalOracle(f)
	c.Assert(err, IsNil)
	err = o.RequestSwap(0, false)
	c.Assert(err, ErrorMatches, "slot 0 is already the boot slot")
	c.Check(f.pending, HasLen, 0)
}

func (s *SignalSuite) TestMarkConfirmed(c *C) {
	f := &fakeSignaler{slot: 0, swapType: 1}
	o, err := boot.NewSignalOracle(f)
	c.Assert(err, IsNil)
	c.Assert(o.MarkConfirmed(), IsNil)
	c.Check(f.confirmed, Equals, 1)
}

type IntentSuite struct{}

var _ = Suite(&IntentSuite{})

func (s *IntentSuite) TestString(c *C) {
	c.Check(boot.SwapNone.String(), Equals, "none")
	c.Check(boot.SwapTest.String(), Equals, "test")
	c.Check(boot.SwapPermanent.String(), Equals, "permanent")
	c.Check(boot.SwapRevert.String(), Equals, "revert")
}
