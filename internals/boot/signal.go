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
	"fmt"

	"github.com/canonical/termus/internals/logger"
)

// Raw swap codes reported by boot firmware with a native swap signal.
const (
	rawSwapNone = 1 + iota
	rawSwapTest
	rawSwapPermanent
	rawSwapRevert
)

// SwapSignaler is the platform interface behind SignalOracle: boot
// firmware that reports its swap decision as a raw code and accepts swap
// requests and confirmations directly.
type SwapSignaler interface {
	// CurrentSlot reports the slot the running image booted from.
	CurrentSlot() (int, error)
	// SwapType reports the raw swap code for the next reboot.
	SwapType() (int, error)
	// SetPending schedules the secondary slot for the next boot.
	SetPending(permanent bool) error
	// Confirm makes the currently running image permanent.
	Confirm() error
}

// SignalOracle adapts a SwapSignaler to the Oracle interface.
type SignalOracle struct {
	signaler    SwapSignaler
	currentSlot int
}

// NewSignalOracle queries the signaler for the current boot slot and
// returns an oracle wrapping it.
func NewSignalOracle(s SwapSignaler) (*SignalOracle, error) {
	slot, err := s.CurrentSlot()
	if err != nil {
		return nil, fmt.Errorf("cannot determine current boot slot: %w", err)
	}
	return &SignalOracle{signaler: s, currentSlot: slot}, nil
}

func (o *SignalOracle) CurrentBootSlot() int { return o.currentSlot }

func (o *SignalOracle) SwapIntent() (SwapIntent, error) {
	raw, err := o.signaler.SwapType()
	if err != nil {
		return SwapNone, err
	}
	switch raw {
	case rawSwapNone:
		return SwapNone, nil
	case rawSwapTest:
		return SwapTest, nil
	case rawSwapPermanent:
		return SwapPermanent, nil
	case rawSwapRevert:
		return SwapRevert, nil
	}
	// A code outside the set means the firmware and this build disagree
	// about the protocol. Nothing sensible can run on top of that.
	logger.Panicf("internal error: unknown swap type %d", raw)
	return SwapNone, nil
}

func (o *SignalOracle) RequestSwap(slot int, permanent bool) error {
	if slot == o.currentSlot {
		return fmt.Errorf("slot %d is already the boot slot", slot)
	}
	return o.signaler.SetPending(permanent)
}

func (o *SignalOracle) MarkConfirmed() error {
	return o.signaler.Confirm()
}
