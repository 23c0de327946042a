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
	"errors"
	"net/http"
	"os"
	"strconv"
)

// v1GetFiles reads a chunk of a file, or just its size when count is
// absent: GET /v1/files?path=P&offset=N&count=C.
func v1GetFiles(c *Command, r *http.Request) Response {
	query := r.URL.Query()
	path := query.Get("path")
	if path == "" {
		return statusBadRequest("path is required")
	}

	size, err := c.d.fileMgr.Size(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return statusNotFound("%v", err)
		}
		return statusInternalError("%v", err)
	}

	result := map[string]interface{}{"size": size}
	if countStr := query.Get("count"); countStr != "" {
		count, err := strconv.Atoi(countStr)
		if err != nil || count < 0 {
			return statusBadRequest("invalid count %q", countStr)
		}
		var offset int64
		if offStr := query.Get("offset"); offStr != "" {
			offset, err = strconv.ParseInt(offStr, 10, 64)
			if err != nil || offset < 0 {
				return statusBadRequest("invalid offset %q", offStr)
			}
		}
		data, err := c.d.fileMgr.Read(path, offset, count)
		if err != nil {
			return statusInternalError("%v", err)
		}
		result["data"] = data
	}
	return SyncResponse(result)
}

type filesWritePayload struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Data   []byte `json:"data"`
}

// v1PostFiles writes one chunk of a file. Offset 0 starts the file over.
func v1PostFiles(c *Command, r *http.Request) Response {
	var payload filesWritePayload
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&payload); err != nil {
		return statusBadRequest("cannot decode request body: %v", err)
	}
	if payload.Path == "" {
		return statusBadRequest("path is required")
	}
	if payload.Offset < 0 {
		return statusBadRequest("invalid offset %d", payload.Offset)
	}

	if err := c.d.fileMgr.Write(payload.Path, payload.Offset, payload.Data); err != nil {
		return statusInternalError("%v", err)
	}

	size, err := c.d.fileMgr.Size(payload.Path)
	if err != nil {
		return statusInternalError("%v", err)
	}
	return SyncResponse(map[string]interface{}{"size": size})
}
