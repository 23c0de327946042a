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

// Package fwstate manages the device's firmware slots: it runs the chunked
// upload state machine, projects per-slot status flags from the boot
// oracle, and drives the pending/confirm boot-state transitions.
package fwstate

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/canonical/termus/internals/boot"
	"github.com/canonical/termus/internals/flash"
	"github.com/canonical/termus/internals/image"
	"github.com/canonical/termus/internals/logger"
	"github.com/canonical/termus/internals/metrics"
)

// SplitStatus is reported verbatim in every state read. Split images are
// not supported, so the value never changes.
const SplitStatus = 0

// Only slots 0 and 1 rotate automatically; higher slots are directly
// addressable but never auto-chosen.
const autoSlots = 2

// SlotFlags is the status of one slot at query time. It is always derived
// from the oracle, never stored.
type SlotFlags struct {
	// Active means the slot holds the currently executing image.
	Active bool
	// Confirmed means the slot will keep booting without rollback.
	Confirmed bool
	// Pending means the slot is scheduled to become active on next reboot.
	Pending bool
	// Permanent means the pending swap will also auto-confirm.
	Permanent bool
}

// Unused reports whether the slot is eligible for upload or erase.
func (f SlotFlags) Unused() bool {
	return !f.Active && !f.Confirmed && !f.Pending
}

// SlotInfo is one entry of a state read.
type SlotInfo struct {
	Slot     int
	Version  string
	Hash     []byte
	Bootable bool
	Flags    SlotFlags
}

// Event describes a boot-state transition for subscribers.
type Event struct {
	// Kind is "set-pending" or "confirm".
	Kind string
	// Slot is the slot the transition applies to.
	Slot int
	// Permanent is set for a permanent set-pending.
	Permanent bool
}

// ManagerOptions adjust optional manager behavior.
type ManagerOptions struct {
	// UploadTimeout abandons an idle upload session on the next upload
	// call once this much time has passed since the last accepted chunk.
	// Zero disables the timeout.
	UploadTimeout time.Duration
}

// FwManager is the firmware management core. It is constructed once at
// startup and owns the single upload session.
type FwManager struct {
	flash  *flash.Map
	oracle boot.Oracle

	mu            sync.Mutex
	session       *uploadSession
	uploadTimeout time.Duration
	subs          map[int]func(Event)
	nextSub       int
}

// NewManager returns a manager over the given flash map and boot oracle.
// A nil opts uses defaults.
func NewManager(flashMap *flash.Map, oracle boot.Oracle, opts *ManagerOptions) *FwManager {
	m := &FwManager{
		flash:  flashMap,
		oracle: oracle,
		subs:   make(map[int]func(Event)),
	}
	if opts != nil {
		m.uploadTimeout = opts.UploadTimeout
	}
	return m
}

// Subscribe registers fn to be called after every boot-state transition.
// The returned function cancels the subscription.
func (m *FwManager) Subscribe(fn func(Event)) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

func (m *FwManager) notify(ev Event) {
	m.mu.Lock()
	fns := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// SlotFlags projects the status flags of one slot from the oracle's swap
// intent.
func (m *FwManager) SlotFlags(slot int) (SlotFlags, error) {
	intent, err := m.oracle.SwapIntent()
	if err != nil {
		return SlotFlags{}, unknownf("cannot read swap intent: %v", err)
	}
	current := m.oracle.CurrentBootSlot()
	other := 1 - current

	var flags SlotFlags
	switch intent {
	case boot.SwapNone:
		if slot == current {
			flags.Confirmed = true
			flags.Active = true
		}
	case boot.SwapTest:
		if slot == current {
			flags.Confirmed = true
		} else if slot == other {
			flags.Pending = true
		}
	case boot.SwapPermanent:
		if slot == current {
			flags.Confirmed = true
		} else if slot == other {
			flags.Pending = true
			flags.Permanent = true
		}
	case boot.SwapRevert:
		if slot == current {
			flags.Active = true
		} else if slot == other {
			flags.Confirmed = true
		}
	}
	return flags, nil
}

// SlotInUse reports whether a slot is active, confirmed or pending.
func (m *FwManager) SlotInUse(slot int) (bool, error) {
	flags, err := m.SlotFlags(slot)
	if err != nil {
		return false, err
	}
	return !flags.Unused(), nil
}

// AnyPending reports whether a swap is scheduled for the next reboot.
func (m *FwManager) AnyPending() (bool, error) {
	intent, err := m.oracle.SwapIntent()
	if err != nil {
		return false, unknownf("cannot read swap intent: %v", err)
	}
	return intent == boot.SwapTest || intent == boot.SwapPermanent, nil
}

// selectUploadArea resolves the destination flash area for an upload.
// Slot -1 means "any": slots 0 and 1 are scanned in order for an unused
// one. Slots 0 and 1 must be unused when named explicitly. Higher slots
// are selected unconditionally if the platform defines them.
func (m *FwManager) selectUploadArea(slot int) (int, error) {
	switch {
	case slot == -1:
		for s := 0; s < autoSlots; s++ {
			areaID := m.flash.SlotArea(s)
			if areaID < 0 {
				continue
			}
			inUse, err := m.SlotInUse(s)
			if err != nil {
				return -1, err
			}
			if !inUse {
				return areaID, nil
			}
		}
		return -1, exhaustedf("no slot available")
	case slot < autoSlots:
		areaID := m.flash.SlotArea(slot)
		if areaID < 0 {
			return -1, exhaustedf("no slot available")
		}
		inUse, err := m.SlotInUse(slot)
		if err != nil {
			return -1, err
		}
		if inUse {
			return -1, exhaustedf("no slot available")
		}
		return areaID, nil
	default:
		areaID := m.flash.SlotArea(slot)
		if areaID < 0 {
			return -1, exhaustedf("no slot available")
		}
		return areaID, nil
	}
}

// slotInfo reads and parses one slot's image, or returns nil if the slot
// holds no parseable header.
func (m *FwManager) slotInfo(slot int) (*SlotInfo, error) {
	areaID := m.flash.SlotArea(slot)
	if areaID < 0 {
		return nil, nil
	}
	r, err := m.flash.Open(areaID)
	if err != nil {
		return nil, unknownf("cannot open slot %d: %v", slot, err)
	}
	defer r.Close()

	info, err := image.ReadInfo(r)
	if err != nil {
		// An empty or corrupt slot is simply not reported.
		return nil, nil
	}
	flags, err := m.SlotFlags(slot)
	if err != nil {
		return nil, err
	}
	return &SlotInfo{
		Slot:     slot,
		Version:  info.Version.String(),
		Hash:     info.Hash[:],
		Bootable: info.Flags&image.FlagNonBootable == 0,
		Flags:    flags,
	}, nil
}

// Slots reports the state of every auto-managed slot holding a parseable
// image.
func (m *FwManager) Slots() ([]*SlotInfo, error) {
	var infos []*SlotInfo
	for slot := 0; slot < autoSlots; slot++ {
		info, err := m.slotInfo(slot)
		if err != nil {
			return nil, err
		}
		if info != nil {
			infos = append(infos, info)
		}
	}
	return infos, nil
}

// runningVersion returns the version of the image in the current boot slot.
func (m *FwManager) runningVersion() (image.Version, error) {
	slot := m.oracle.CurrentBootSlot()
	areaID := m.flash.SlotArea(slot)
	if areaID < 0 {
		return image.Version{}, unknownf("no flash area for boot slot %d", slot)
	}
	r, err := m.flash.Open(areaID)
	if err != nil {
		return image.Version{}, unknownf("cannot open boot slot %d: %v", slot, err)
	}
	defer r.Close()

	data, err := r.ReadAt(0, image.HeaderSize)
	if err != nil {
		return image.Version{}, unknownf("cannot read boot slot %d: %v", slot, err)
	}
	hdr, err := image.ParseHeader(data)
	if err != nil {
		return image.Version{}, unknownf("cannot parse boot slot %d header: %v", slot, err)
	}
	return hdr.Version, nil
}

// slotHash returns the hex image hash of a slot for audit logging, or a
// placeholder if the slot cannot be read. Logging never affects results.
func (m *FwManager) slotHash(slot int) string {
	info, err := m.slotInfo(slot)
	if err != nil || info == nil {
		return "unknown"
	}
	return hex.EncodeToString(info.Hash)
}

// SetPending schedules a slot to boot next, provisionally unless permanent
// is set. A confirmed slot other than the primary cannot be re-scheduled.
func (m *FwManager) SetPending(slot int, permanent bool) error {
	err := m.setPending(slot, permanent)
	// The audit record is written whatever the outcome.
	outcome := "ok"
	if err != nil {
		outcome = fmt.Sprintf("error (%v)", err)
	}
	logger.Noticef("Set pending slot %d (permanent=%v, hash=%s): %s",
		slot, permanent, m.slotHash(slot), outcome)
	if err == nil {
		kind := "test"
		if permanent {
			kind = "permanent"
		}
		metrics.StateTransitions.WithLabelValues(kind).Inc()
		m.notify(Event{Kind: "set-pending", Slot: slot, Permanent: permanent})
	}
	return err
}

func (m *FwManager) setPending(slot int, permanent bool) error {
	flags, err := m.SlotFlags(slot)
	if err != nil {
		return err
	}
	if flags.Confirmed && slot != 0 {
		return badStatef("cannot re-schedule confirmed slot %d", slot)
	}
	if err := m.oracle.RequestSwap(slot, permanent); err != nil {
		return unknownf("cannot schedule swap to slot %d: %v", slot, err)
	}
	return nil
}

// Confirm makes the currently running image permanent. It is rejected
// while a test swap is in flight.
func (m *FwManager) Confirm() error {
	err := m.confirm()
	slot := m.oracle.CurrentBootSlot()
	outcome := "ok"
	if err != nil {
		outcome = fmt.Sprintf("error (%v)", err)
	}
	logger.Noticef("Confirm slot %d (hash=%s): %s", slot, m.slotHash(slot), outcome)
	if err == nil {
		metrics.StateTransitions.WithLabelValues("confirm").Inc()
		m.notify(Event{Kind: "confirm", Slot: slot})
	}
	return err
}

func (m *FwManager) confirm() error {
	pending, err := m.AnyPending()
	if err != nil {
		return err
	}
	if pending {
		return badStatef("cannot confirm while a swap is pending")
	}
	if err := m.oracle.MarkConfirmed(); err != nil {
		return unknownf("cannot confirm running image: %v", err)
	}
	return nil
}

// SetSlotState resolves a state-write request to a transition. An empty
// hash with confirm targets the current boot slot; an empty hash without
// confirm is invalid; otherwise the target is the slot whose image hash
// matches.
func (m *FwManager) SetSlotState(hash []byte, confirm bool) error {
	if len(hash) > image.HashSize {
		return invalidf("image hash too long: %d bytes", len(hash))
	}
	current := m.oracle.CurrentBootSlot()

	var target int
	switch {
	case len(hash) == 0 && confirm:
		target = current
	case len(hash) == 0:
		return invalidf("image hash required unless confirming")
	default:
		infos, err := m.Slots()
		if err != nil {
			return err
		}
		target = -1
		for _, info := range infos {
			if bytes.Equal(info.Hash, hash) {
				target = info.Slot
				break
			}
		}
		if target == -1 {
			return invalidf("no image with the given hash")
		}
	}

	if target == current && confirm {
		return m.Confirm()
	}
	return m.SetPending(target, confirm)
}

// EraseUnusedSlot erases the first unused auto-managed slot. Already-empty
// slots are left untouched. Any upload session targeting the slot is
// abandoned first.
func (m *FwManager) EraseUnusedSlot() error {
	areaID, err := m.selectUploadArea(-1)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.session != nil && m.session.areaID == areaID {
		logger.Noticef("Abandoning upload session %s: slot erase requested", m.session.id)
		m.session = nil
	}
	m.mu.Unlock()

	empty, err := m.flash.CheckEmpty(areaID)
	if err != nil {
		return unknownf("cannot scan flash area %d: %v", areaID, err)
	}
	if empty {
		return nil
	}
	r, err := m.flash.Open(areaID)
	if err != nil {
		return unknownf("cannot open flash area %d: %v", areaID, err)
	}
	defer r.Close()
	if err := r.Erase(0, r.Size()); err != nil {
		return unknownf("cannot erase flash area %d: %v", areaID, err)
	}
	metrics.SlotErases.Inc()
	logger.Noticef("Erased flash area %d", areaID)
	return nil
}

// CurrentBootSlot exposes the oracle's boot slot for status reporting.
func (m *FwManager) CurrentBootSlot() int {
	return m.oracle.CurrentBootSlot()
}
