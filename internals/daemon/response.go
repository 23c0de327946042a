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
	"fmt"
	"net/http"

	"github.com/canonical/termus/internals/logger"
	"github.com/canonical/termus/internals/overlord/fwstate"
)

type ResponseType string

const (
	ResponseTypeSync  ResponseType = "sync"
	ResponseTypeError ResponseType = "error"
)

// Response knows how to serve itself.
type Response interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

type resp struct {
	Status int
	Type   ResponseType
	Result interface{}
}

type respJSON struct {
	Type       ResponseType `json:"type"`
	Status     int          `json:"status-code"`
	StatusText string       `json:"status,omitempty"`
	Result     interface{}  `json:"result,omitempty"`
}

func (r *resp) MarshalJSON() ([]byte, error) {
	return json.Marshal(respJSON{
		Type:       r.Type,
		Status:     r.Status,
		StatusText: http.StatusText(r.Status),
		Result:     r.Result,
	})
}

func (r *resp) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	status := r.Status
	bs, err := r.MarshalJSON()
	if err != nil {
		logger.Noticef("cannot marshal %#v to JSON: %v", *r, err)
		bs = nil
		status = 500
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(bs)
}

type errorResult struct {
	Message string `json:"message"` // note no omitempty
	Kind    string `json:"kind,omitempty"`
}

func SyncResponse(result interface{}) Response {
	if err, ok := result.(error); ok {
		return statusInternalError("internal error: %v", err)
	}

	if rsp, ok := result.(Response); ok {
		return rsp
	}

	return &resp{
		Type:   ResponseTypeSync,
		Status: 200,
		Result: result,
	}
}

func makeErrorResponder(status int) errorResponder {
	return func(format string, v ...interface{}) Response {
		res := &errorResult{}
		if len(v) == 0 {
			res.Message = format
		} else {
			res.Message = fmt.Sprintf(format, v...)
		}
		return &resp{
			Type:   ResponseTypeError,
			Result: res,
			Status: status,
		}
	}
}

// errorResponder is a callable that produces an error Response.
// e.g., statusInternalError("something broke: %v", err), etc.
type errorResponder func(string, ...interface{}) Response

// Standard error responses.
var (
	statusNotFound         = makeErrorResponder(404)
	statusBadRequest       = makeErrorResponder(400)
	statusMethodNotAllowed = makeErrorResponder(405)
	statusInternalError    = makeErrorResponder(500)
	statusConflict         = makeErrorResponder(409)
	statusInsufficient     = makeErrorResponder(507)
)

// errorResponse maps a firmware core error to the HTTP surface, keeping
// its kind machine-readable so clients can tell permanent failures from
// retryable ones.
func errorResponse(err error) Response {
	var fwErr *fwstate.Error
	if !errors.As(err, &fwErr) {
		return statusInternalError("%v", err)
	}
	var status int
	switch fwErr.Kind {
	case fwstate.InvalidArgument:
		status = 400
	case fwstate.NotFound:
		status = 404
	case fwstate.ResourceExhausted:
		status = 507
	case fwstate.BadState:
		status = 409
	default:
		status = 500
	}
	return &resp{
		Type:   ResponseTypeError,
		Status: status,
		Result: &errorResult{
			Message: fwErr.Message,
			Kind:    string(fwErr.Kind),
		},
	}
}
