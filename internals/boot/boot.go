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

// Package boot exposes the bootloader's view of the flash slots: which slot
// is running, whether a swap is scheduled for the next reboot, and the
// primitives to schedule or confirm one. The bootloader owns the underlying
// trailer bytes; this package only reads them, except for the explicit
// swap-request, confirm and trailer-repair operations.
package boot

// SwapIntent is the bootloader's decision about the next reboot.
type SwapIntent int

const (
	// SwapNone means the current slot keeps booting.
	SwapNone SwapIntent = iota

	// SwapTest means the other slot boots next, provisionally: without a
	// confirm it is rolled back on the following reboot.
	SwapTest

	// SwapPermanent means the other slot boots next and is auto-confirmed.
	SwapPermanent

	// SwapRevert means a test boot is in progress and the next reboot
	// falls back unless the running image is confirmed.
	SwapRevert
)

func (i SwapIntent) String() string {
	switch i {
	case SwapNone:
		return "none"
	case SwapTest:
		return "test"
	case SwapPermanent:
		return "permanent"
	case SwapRevert:
		return "revert"
	}
	return "unknown"
}

// Oracle answers questions about boot state and records swap decisions.
//
// Two implementations exist: a SignalOracle wrapping a platform's native
// swap-type signal, and a TrailerOracle that decodes the boot trailer bytes
// straight from flash on platforms without one. The implementation is picked
// at startup by whoever wires the managers together.
type Oracle interface {
	// CurrentBootSlot returns the slot the running image was booted from.
	// It is fixed for the lifetime of the process.
	CurrentBootSlot() int

	// SwapIntent reports what the bootloader will do on the next reboot.
	SwapIntent() (SwapIntent, error)

	// RequestSwap schedules the given slot to boot next. With permanent
	// set the swap does not need a confirm afterwards.
	RequestSwap(slot int, permanent bool) error

	// MarkConfirmed records that the running image must keep booting,
	// preventing a rollback on the next reboot.
	MarkConfirmed() error
}
