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

package daemon

import (
	"encoding/json"
	"net/http"

	"github.com/canonical/termus/internals/overlord/fwstate"
)

type firmwareImageInfo struct {
	Slot      int    `json:"slot"`
	Version   string `json:"version"`
	Hash      []byte `json:"hash"`
	Bootable  bool   `json:"bootable"`
	Pending   bool   `json:"pending"`
	Confirmed bool   `json:"confirmed"`
	Active    bool   `json:"active"`
	Permanent bool   `json:"permanent"`
}

type firmwareState struct {
	Images      []firmwareImageInfo `json:"images"`
	SplitStatus int                 `json:"split-status"`
}

func firmwareStateResponse(mgr *fwstate.FwManager) Response {
	infos, err := mgr.Slots()
	if err != nil {
		return errorResponse(err)
	}
	state := firmwareState{
		Images:      []firmwareImageInfo{}, // [] instead of null with no images
		SplitStatus: fwstate.SplitStatus,
	}
	for _, info := range infos {
		state.Images = append(state.Images, firmwareImageInfo{
			Slot:      info.Slot,
			Version:   info.Version,
			Hash:      info.Hash,
			Bootable:  info.Bootable,
			Pending:   info.Flags.Pending,
			Confirmed: info.Flags.Confirmed,
			Active:    info.Flags.Active,
			Permanent: info.Flags.Permanent,
		})
	}
	return SyncResponse(state)
}

func v1GetFirmware(c *Command, r *http.Request) Response {
	return firmwareStateResponse(c.d.fwMgr)
}

type firmwareStatePayload struct {
	Hash    []byte `json:"hash"`
	Confirm bool   `json:"confirm"`
}

func v1PostFirmware(c *Command, r *http.Request) Response {
	var payload firmwareStatePayload
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&payload); err != nil {
		return statusBadRequest("cannot decode request body: %v", err)
	}

	if err := c.d.fwMgr.SetSlotState(payload.Hash, payload.Confirm); err != nil {
		return errorResponse(err)
	}
	return firmwareStateResponse(c.d.fwMgr)
}

type firmwareUploadPayload struct {
	Off     *int64 `json:"off"`
	Size    *int64 `json:"size"`
	Data    []byte `json:"data"`
	DataSHA []byte `json:"sha"`
	Image   int    `json:"image"`
	Upgrade bool   `json:"upgrade"`
}

type firmwareUploadResult struct {
	Off   int64 `json:"off"`
	Match bool  `json:"match,omitempty"`
}

func v1PostFirmwareUpload(c *Command, r *http.Request) Response {
	var payload firmwareUploadPayload
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&payload); err != nil {
		return statusBadRequest("cannot decode request body: %v", err)
	}

	req := &fwstate.UploadRequest{
		Off:     -1,
		Size:    -1,
		Data:    payload.Data,
		DataSHA: payload.DataSHA,
		Image:   payload.Image,
		Upgrade: payload.Upgrade,
	}
	if payload.Off != nil {
		req.Off = *payload.Off
	}
	if payload.Size != nil {
		req.Size = *payload.Size
	}

	result, err := c.d.fwMgr.Upload(req)
	if err != nil {
		return errorResponse(err)
	}
	return SyncResponse(firmwareUploadResult{Off: result.Off, Match: result.Match})
}

func v1PostFirmwareErase(c *Command, r *http.Request) Response {
	if err := c.d.fwMgr.EraseUnusedSlot(); err != nil {
		return errorResponse(err)
	}
	return SyncResponse(nil)
}
