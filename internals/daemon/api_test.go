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
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/canonical/termus/internals/boot"
	"github.com/canonical/termus/internals/flash"
	"github.com/canonical/termus/internals/image"
	"github.com/canonical/termus/internals/overlord/filestate"
	"github.com/canonical/termus/internals/overlord/fwstate"
)

func Test(t *testing.T) { TestingT(t) }

const testAreaSize = 4096

type fakeOracle struct {
	current  int
	intent   boot.SwapIntent
	swaps    int
	confirms int
}

func (o *fakeOracle) CurrentBootSlot() int                  { return o.current }
func (o *fakeOracle) SwapIntent() (boot.SwapIntent, error)  { return o.intent, nil }
func (o *fakeOracle) RequestSwap(slot int, permanent bool) error {
	o.swaps++
	return nil
}
func (o *fakeOracle) MarkConfirmed() error {
	o.confirms++
	return nil
}

type apiSuite struct {
	dir    string
	m      *flash.Map
	oracle *fakeOracle
	d      *Daemon
}

var _ = Suite(&apiSuite{})

func (s *apiSuite) SetUpTest(c *C) {
	s.dir = c.MkDir()
	layout, err := flash.ParseLayout([]byte(fmt.Sprintf(`
areas:
    - id: 1
      path: %[1]s/slot0.bin
      size: %[2]d
    - id: 2
      path: %[1]s/slot1.bin
      size: %[2]d
slots:
    - slot: 0
      area: 1
    - slot: 1
      area: 2
`, s.dir, testAreaSize)))
	c.Assert(err, IsNil)
	s.m = flash.NewMap(layout)
	s.oracle = &fakeOracle{current: 0, intent: boot.SwapNone}

	fwMgr := fwstate.NewManager(s.m, s.oracle, nil)
	s.d = New(&Options{
		Dir:        s.dir,
		SocketPath: filepath.Join(s.dir, ".termus.socket"),
	}, fwMgr, filestate.NewManager())
	s.d.Version = "1.0.0"
	s.d.addRoutes()
}

func apiCmd(path string) *Command {
	for _, cmd := range api {
		if cmd.Path == path {
			return cmd
		}
	}
	panic("no command with path " + path)
}

type testResp struct {
	Type   ResponseType    `json:"type"`
	Status int             `json:"status-code"`
	Result json.RawMessage `json:"result"`
}

func (s *apiSuite) do(c *C, method, path string, body interface{}) (int, testResp) {
	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		c.Assert(err, IsNil)
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = &bytes.Buffer{}
	}
	req, err := http.NewRequest(method, path, reqBody)
	c.Assert(err, IsNil)
	rec := httptest.NewRecorder()
	apiCmd(req.URL.Path).ServeHTTP(rec, req)

	var rsp testResp
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &rsp), IsNil)
	c.Check(rsp.Status, Equals, rec.Code)
	return rec.Code, rsp
}

func makeImage(version image.Version, total int) []byte {
	data := make([]byte, total)
	binary.LittleEndian.PutUint32(data[0:], image.Magic)
	binary.LittleEndian.PutUint16(data[8:], image.HeaderSize)
	binary.LittleEndian.PutUint32(data[12:], uint32(total-image.HeaderSize))
	data[20] = version.Major
	data[21] = version.Minor
	binary.LittleEndian.PutUint16(data[22:], version.Revision)
	binary.LittleEndian.PutUint32(data[24:], version.Build)
	for i := image.HeaderSize; i < total; i++ {
		data[i] = byte(i)
	}
	return data
}

func (s *apiSuite) flashImage(c *C, slot int, data []byte) {
	r, err := s.m.Open(s.m.SlotArea(slot))
	c.Assert(err, IsNil)
	defer r.Close()
	c.Assert(r.WriteAt(0, data), IsNil)
}

func (s *apiSuite) TestSystemInfo(c *C) {
	code, rsp := s.do(c, "GET", "/v1/system-info", nil)
	c.Check(code, Equals, 200)
	c.Check(rsp.Type, Equals, ResponseTypeSync)

	var result map[string]interface{}
	c.Assert(json.Unmarshal(rsp.Result, &result), IsNil)
	c.Check(result["version"], Equals, "1.0.0")
	c.Check(result["boot-slot"], Equals, 0.0)
}

func (s *apiSuite) TestGetFirmwareEmpty(c *C) {
	code, rsp := s.do(c, "GET", "/v1/firmware", nil)
	c.Check(code, Equals, 200)

	var state firmwareState
	c.Assert(json.Unmarshal(rsp.Result, &state), IsNil)
	c.Check(state.Images, HasLen, 0)
	c.Check(state.SplitStatus, Equals, 0)
}

func (s *apiSuite) TestGetFirmware(c *C) {
	img := makeImage(image.Version{Major: 1, Minor: 2, Revision: 3, Build: 4}, 64)
	s.flashImage(c, 0, img)

	code, rsp := s.do(c, "GET", "/v1/firmware", nil)
	c.Check(code, Equals, 200)

	var state firmwareState
	c.Assert(json.Unmarshal(rsp.Result, &state), IsNil)
	c.Assert(state.Images, HasLen, 1)
	c.Check(state.Images[0].Slot, Equals, 0)
	c.Check(state.Images[0].Version, Equals, "1.2.3.4")
	c.Check(state.Images[0].Active, Equals, true)
	c.Check(state.Images[0].Confirmed, Equals, true)
	c.Check(state.Images[0].Hash, HasLen, 32)
}

func (s *apiSuite) TestPostFirmwareConfirm(c *C) {
	code, _ := s.do(c, "POST", "/v1/firmware", map[string]interface{}{
		"confirm": true,
	})
	c.Check(code, Equals, 200)
	c.Check(s.oracle.confirms, Equals, 1)
}

func (s *apiSuite) TestPostFirmwareNoHashNoConfirm(c *C) {
	code, rsp := s.do(c, "POST", "/v1/firmware", map[string]interface{}{})
	c.Check(code, Equals, 400)

	var result errorResult
	c.Assert(json.Unmarshal(rsp.Result, &result), IsNil)
	c.Check(result.Kind, Equals, "invalid-argument")
	c.Check(result.Message, Equals, "image hash required unless confirming")
}

func (s *apiSuite) TestPostFirmwareConfirmWhilePending(c *C) {
	s.oracle.intent = boot.SwapTest
	code, rsp := s.do(c, "POST", "/v1/firmware", map[string]interface{}{
		"confirm": true,
	})
	c.Check(code, Equals, 409)

	var result errorResult
	c.Assert(json.Unmarshal(rsp.Result, &result), IsNil)
	c.Check(result.Kind, Equals, "bad-state")
	c.Check(s.oracle.confirms, Equals, 0)
}

func (s *apiSuite) TestPostFirmwareBadBody(c *C) {
	req, err := http.NewRequest("POST", "/v1/firmware", bytes.NewBufferString("{"))
	c.Assert(err, IsNil)
	rec := httptest.NewRecorder()
	apiCmd("/v1/firmware").ServeHTTP(rec, req)
	c.Check(rec.Code, Equals, 400)
}

func (s *apiSuite) TestUploadAndSchedule(c *C) {
	img := makeImage(image.Version{Major: 2}, 640)

	off := int64(0)
	size := int64(640)
	code, rsp := s.do(c, "POST", "/v1/firmware/upload", map[string]interface{}{
		"off": off, "size": size, "data": img[:320],
	})
	c.Check(code, Equals, 200)
	var result firmwareUploadResult
	c.Assert(json.Unmarshal(rsp.Result, &result), IsNil)
	c.Check(result.Off, Equals, int64(320))

	code, rsp = s.do(c, "POST", "/v1/firmware/upload", map[string]interface{}{
		"off": 320, "data": img[320:],
	})
	c.Check(code, Equals, 200)
	c.Assert(json.Unmarshal(rsp.Result, &result), IsNil)
	c.Check(result.Off, Equals, int64(640))

	// The written image shows up in the state read, unused.
	code, rsp = s.do(c, "GET", "/v1/firmware", nil)
	c.Check(code, Equals, 200)
	var state firmwareState
	c.Assert(json.Unmarshal(rsp.Result, &state), IsNil)
	c.Assert(state.Images, HasLen, 1)
	c.Check(state.Images[0].Slot, Equals, 1)
	c.Check(state.Images[0].Pending, Equals, false)

	// Schedule it by hash.
	code, _ = s.do(c, "POST", "/v1/firmware", map[string]interface{}{
		"hash": state.Images[0].Hash,
	})
	c.Check(code, Equals, 200)
	c.Check(s.oracle.swaps, Equals, 1)
}

func (s *apiSuite) TestUploadMissingOffset(c *C) {
	code, rsp := s.do(c, "POST", "/v1/firmware/upload", map[string]interface{}{
		"size": 640,
	})
	c.Check(code, Equals, 400)

	var result errorResult
	c.Assert(json.Unmarshal(rsp.Result, &result), IsNil)
	c.Check(result.Kind, Equals, "invalid-argument")
}

func (s *apiSuite) TestUploadNoSlotAvailable(c *C) {
	s.oracle.intent = boot.SwapTest
	img := makeImage(image.Version{Major: 2}, 64)
	code, rsp := s.do(c, "POST", "/v1/firmware/upload", map[string]interface{}{
		"off": 0, "size": 64, "data": img,
	})
	c.Check(code, Equals, 507)

	var result errorResult
	c.Assert(json.Unmarshal(rsp.Result, &result), IsNil)
	c.Check(result.Kind, Equals, "resource-exhausted")
	c.Check(result.Message, Equals, "no slot available")
}

func (s *apiSuite) TestErase(c *C) {
	img := makeImage(image.Version{Major: 2}, 64)
	s.flashImage(c, 1, img)

	code, _ := s.do(c, "POST", "/v1/firmware/erase", nil)
	c.Check(code, Equals, 200)

	code, rsp := s.do(c, "GET", "/v1/firmware", nil)
	c.Check(code, Equals, 200)
	var state firmwareState
	c.Assert(json.Unmarshal(rsp.Result, &state), IsNil)
	c.Check(state.Images, HasLen, 0)
}

func (s *apiSuite) TestFilesWriteRead(c *C) {
	path := filepath.Join(s.dir, "report.bin")
	code, _ := s.do(c, "POST", "/v1/files", map[string]interface{}{
		"path": path, "offset": 0, "data": []byte("hello "),
	})
	c.Check(code, Equals, 200)
	code, rsp := s.do(c, "POST", "/v1/files", map[string]interface{}{
		"path": path, "offset": 6, "data": []byte("world"),
	})
	c.Check(code, Equals, 200)
	var result map[string]interface{}
	c.Assert(json.Unmarshal(rsp.Result, &result), IsNil)
	c.Check(result["size"], Equals, 11.0)

	req, err := http.NewRequest("GET", "/v1/files?path="+path+"&offset=6&count=5", nil)
	c.Assert(err, IsNil)
	rec := httptest.NewRecorder()
	apiCmd("/v1/files").ServeHTTP(rec, req)
	c.Check(rec.Code, Equals, 200)

	var readRsp testResp
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &readRsp), IsNil)
	var readResult struct {
		Size int64  `json:"size"`
		Data []byte `json:"data"`
	}
	c.Assert(json.Unmarshal(readRsp.Result, &readResult), IsNil)
	c.Check(readResult.Size, Equals, int64(11))
	c.Check(string(readResult.Data), Equals, "world")

	data, err := os.ReadFile(path)
	c.Assert(err, IsNil)
	c.Check(string(data), Equals, "hello world")
}

func (s *apiSuite) TestFilesMissing(c *C) {
	req, err := http.NewRequest("GET", "/v1/files?path="+filepath.Join(s.dir, "nope"), nil)
	c.Assert(err, IsNil)
	rec := httptest.NewRecorder()
	apiCmd("/v1/files").ServeHTTP(rec, req)
	c.Check(rec.Code, Equals, 404)
}

func (s *apiSuite) TestMethodNotAllowed(c *C) {
	req, err := http.NewRequest("PUT", "/v1/firmware", bytes.NewBufferString("{}"))
	c.Assert(err, IsNil)
	rec := httptest.NewRecorder()
	apiCmd("/v1/firmware").ServeHTTP(rec, req)
	c.Check(rec.Code, Equals, 405)
}
