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

	"github.com/gorilla/websocket"

	"github.com/canonical/termus/internals/logger"
	"github.com/canonical/termus/internals/overlord/fwstate"
)

var eventsUpgrader = websocket.Upgrader{
	// The API is served on a local socket; browser origin checks do not
	// apply.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type firmwareEvent struct {
	Kind      string `json:"kind"`
	Slot      int    `json:"slot"`
	Permanent bool   `json:"permanent,omitempty"`
}

// websocketResponse takes over the HTTP connection inside ServeHTTP.
type websocketResponse struct {
	serve func(w http.ResponseWriter, r *http.Request)
}

func (rsp websocketResponse) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rsp.serve(w, r)
}

// v1GetFirmwareEvents streams boot-state transitions over a websocket
// until the client disconnects or the daemon stops.
func v1GetFirmwareEvents(c *Command, r *http.Request) Response {
	d := c.d
	return websocketResponse{serve: func(w http.ResponseWriter, r *http.Request) {
		conn, err := eventsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Noticef("Cannot upgrade events connection: %v", err)
			return
		}
		defer conn.Close()

		// Transitions are rare; a slow client just loses events past
		// the buffer rather than blocking the transition path.
		events := make(chan fwstate.Event, 16)
		cancel := d.fwMgr.Subscribe(func(ev fwstate.Event) {
			select {
			case events <- ev:
			default:
			}
		})
		defer cancel()

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case ev := <-events:
				msg := firmwareEvent{Kind: ev.Kind, Slot: ev.Slot, Permanent: ev.Permanent}
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			case <-closed:
				return
			case <-d.Dying():
				return
			}
		}
	}}
}
