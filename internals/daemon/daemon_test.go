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
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"

	. "gopkg.in/check.v1"

	"github.com/canonical/termus/internals/boot"
	"github.com/canonical/termus/internals/flash"
	"github.com/canonical/termus/internals/overlord/filestate"
	"github.com/canonical/termus/internals/overlord/fwstate"
)

type daemonSuite struct {
	dir        string
	socketPath string
}

var _ = Suite(&daemonSuite{})

func (s *daemonSuite) SetUpTest(c *C) {
	s.dir = c.MkDir()
	s.socketPath = filepath.Join(s.dir, ".termus.socket")
}

func (s *daemonSuite) newDaemon(c *C) *Daemon {
	layout, err := flash.ParseLayout([]byte(fmt.Sprintf(`
areas:
    - id: 1
      path: %[1]s/slot0.bin
      size: 4096
    - id: 2
      path: %[1]s/slot1.bin
      size: 4096
slots:
    - slot: 0
      area: 1
    - slot: 1
      area: 2
`, s.dir)))
	c.Assert(err, IsNil)
	m := flash.NewMap(layout)
	oracle := &fakeOracle{current: 0, intent: boot.SwapNone}
	d := New(&Options{
		Dir:        s.dir,
		SocketPath: s.socketPath,
	}, fwstate.NewManager(m, oracle, nil), filestate.NewManager())
	d.Version = "1.0.0"
	return d
}

func (s *daemonSuite) socketClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", s.socketPath)
			},
		},
	}
}

func (s *daemonSuite) TestServeOverSocket(c *C) {
	d := s.newDaemon(c)
	c.Assert(d.Init(), IsNil)
	d.Start()
	defer d.Stop()

	rsp, err := s.socketClient().Get("http://localhost/v1/system-info")
	c.Assert(err, IsNil)
	defer rsp.Body.Close()
	c.Check(rsp.StatusCode, Equals, 200)

	var body testResp
	c.Assert(json.NewDecoder(rsp.Body).Decode(&body), IsNil)
	var result map[string]interface{}
	c.Assert(json.Unmarshal(body.Result, &result), IsNil)
	c.Check(result["version"], Equals, "1.0.0")
}

func (s *daemonSuite) TestMetricsEndpoint(c *C) {
	d := s.newDaemon(c)
	c.Assert(d.Init(), IsNil)
	d.Start()
	defer d.Stop()

	rsp, err := s.socketClient().Get("http://localhost/metrics")
	c.Assert(err, IsNil)
	rsp.Body.Close()
	c.Check(rsp.StatusCode, Equals, 200)
}

func (s *daemonSuite) TestUnknownEndpoint(c *C) {
	d := s.newDaemon(c)
	c.Assert(d.Init(), IsNil)
	d.Start()
	defer d.Stop()

	rsp, err := s.socketClient().Get("http://localhost/v1/nope")
	c.Assert(err, IsNil)
	rsp.Body.Close()
	c.Check(rsp.StatusCode, Equals, 404)
}

func (s *daemonSuite) TestSocketInUse(c *C) {
	d := s.newDaemon(c)
	c.Assert(d.Init(), IsNil)
	d.Start()
	defer d.Stop()

	_, err := getListener(s.socketPath)
	c.Assert(err, ErrorMatches, `socket .* already in use`)
}

func (s *daemonSuite) TestStopUnblocksServe(c *C) {
	d := s.newDaemon(c)
	c.Assert(d.Init(), IsNil)
	d.Start()
	c.Assert(d.Stop(), IsNil)

	select {
	case <-d.Dying():
	default:
		c.Fatal("daemon not dying after Stop")
	}
}
