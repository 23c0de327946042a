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
	"net/http"
)

var api = []*Command{{
	Path: "/v1/system-info",
	GET:  v1SystemInfo,
}, {
	Path: "/v1/firmware",
	GET:  v1GetFirmware,
	POST: v1PostFirmware,
}, {
	Path: "/v1/firmware/upload",
	POST: v1PostFirmwareUpload,
}, {
	Path: "/v1/firmware/erase",
	POST: v1PostFirmwareErase,
}, {
	Path: "/v1/firmware/events",
	GET:  v1GetFirmwareEvents,
}, {
	Path: "/v1/files",
	GET:  v1GetFiles,
	POST: v1PostFiles,
}}

func v1SystemInfo(c *Command, r *http.Request) Response {
	result := map[string]interface{}{
		"version":   c.d.Version,
		"boot-slot": c.d.fwMgr.CurrentBootSlot(),
	}
	return SyncResponse(result)
}
