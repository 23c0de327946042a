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

package fwstate

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"time"

	"github.com/canonical/x-go/randutil"

	"github.com/canonical/termus/internals/image"
	"github.com/canonical/termus/internals/logger"
	"github.com/canonical/termus/internals/metrics"
)

// MaxDataSHALen bounds the client-supplied content hash used for
// resumption matching.
const MaxDataSHALen = 32

// UploadRequest is one incoming upload chunk. Off and Size are -1 when the
// client omitted them.
type UploadRequest struct {
	// Off is the chunk's write offset. Required.
	Off int64
	// Size is the declared total image size. Required at offset 0.
	Size int64
	// Data is the chunk payload.
	Data []byte
	// DataSHA is an optional content hash of the whole image, used to
	// recognize a resumed upload after a dropped link.
	DataSHA []byte
	// Image selects the target image number; 0 means any.
	Image int
	// Upgrade rejects images not strictly newer than the running one.
	Upgrade bool
}

// UploadAction is the plan for a single chunk, computed by inspection and
// executed by commit. It is never persisted.
type UploadAction struct {
	// AreaID is the destination flash area.
	AreaID int
	// Proceed is false for soft successes that must not touch flash:
	// resumption matches and out-of-sync retransmissions.
	Proceed bool
	// Off is the write offset, or the expected offset when not proceeding.
	Off int64
	// WriteBytes is the byte count to commit, trimmed for alignment.
	WriteBytes int64
	// Erase requests an erase of the destination before the first write.
	Erase bool
	// Size is the declared total image size.
	Size int64
	// DataSHA is the client content hash to record on the new session.
	DataSHA []byte
	// Match is set when the request resumed an existing session.
	Match bool
}

// UploadResult reports the session offset after a chunk.
type UploadResult struct {
	// Off is the next expected write offset.
	Off int64
	// Match is set when the chunk resumed an existing session.
	Match bool
}

// uploadSession is the single in-flight upload. Only one exists at a time;
// a new offset-0 request supersedes it.
type uploadSession struct {
	id      string
	areaID  int
	size    int64
	off     int64
	dataSHA []byte
	digest  hash.Hash
	touched time.Time
}

// UploadInProgress reports whether an upload session is open.
func (m *FwManager) UploadInProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil
}

// AbandonUpload discards the open upload session, if any. Flash already
// written is left as is; the next session's emptiness check recovers it.
func (m *FwManager) AbandonUpload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abandonLocked("abandoned by request")
}

func (m *FwManager) abandonLocked(reason string) {
	if m.session == nil {
		return
	}
	logger.Noticef("Upload session %s at offset %d/%d dropped: %s",
		m.session.id, m.session.off, m.session.size, reason)
	m.session = nil
}

// expireLocked drops a session that has been idle past the configured
// timeout. Checked lazily on the next upload call; no timer runs.
func (m *FwManager) expireLocked() {
	if m.session == nil || m.uploadTimeout == 0 {
		return
	}
	if time.Since(m.session.touched) > m.uploadTimeout {
		m.abandonLocked("idle timeout")
	}
}

// InspectUpload validates a chunk against the open session and plans its
// commit. It mutates neither flash nor the session.
func (m *FwManager) InspectUpload(req *UploadRequest) (*UploadAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()
	return m.inspectLocked(req)
}

func (m *FwManager) inspectLocked(req *UploadRequest) (*UploadAction, error) {
	if req.Off < 0 {
		return nil, invalidf("image header malformed: offset required")
	}
	if len(req.DataSHA) > MaxDataSHALen {
		return nil, invalidf("content hash too long: %d bytes", len(req.DataSHA))
	}
	if req.Off == 0 {
		return m.inspectFirstLocked(req)
	}
	return m.inspectContinuationLocked(req)
}

func (m *FwManager) inspectFirstLocked(req *UploadRequest) (*UploadAction, error) {
	if len(req.Data) < image.HeaderSize {
		return nil, invalidf("image header malformed: first chunk shorter than header")
	}
	if req.Size < 0 {
		return nil, invalidf("image header malformed: total size required")
	}
	hdr, err := image.ParseHeader(req.Data)
	if err != nil {
		return nil, invalidf("image magic mismatch")
	}

	// A matching content hash against a begun session is a resumption:
	// report where the client should continue, touching nothing.
	if len(req.DataSHA) > 0 && m.session != nil && m.session.off > 0 &&
		bytes.Equal(req.DataSHA, m.session.dataSHA) {
		return &UploadAction{
			AreaID: m.session.areaID,
			Off:    m.session.off,
			Size:   m.session.size,
			Match:  true,
		}, nil
	}

	areaID, err := m.selectUploadArea(req.Image - 1)
	if err != nil {
		return nil, err
	}
	area, err := m.flash.Area(areaID)
	if err != nil {
		return nil, notFoundf("no such flash area: %d", areaID)
	}
	if hdr.ROMFixedAddr() && int64(hdr.LoadAddr) != area.Offset {
		return nil, invalidf("image load address %#x does not match flash area base %#x",
			hdr.LoadAddr, area.Offset)
	}
	if req.Upgrade {
		running, err := m.runningVersion()
		if err != nil {
			return nil, err
		}
		if hdr.Version.Compare(running) <= 0 {
			return nil, badStatef("downgrade from %s to %s not permitted",
				running, hdr.Version)
		}
	}

	eraseNeeded := false
	if !m.flash.LazyErase() {
		empty, err := m.flash.CheckEmpty(areaID)
		if err != nil {
			return nil, unknownf("cannot scan flash area %d: %v", areaID, err)
		}
		eraseNeeded = !empty
	}

	return &UploadAction{
		AreaID:     areaID,
		Proceed:    true,
		Off:        0,
		WriteBytes: trimWrite(0, int64(len(req.Data)), req.Size, area.BlockSize),
		Erase:      eraseNeeded,
		Size:       req.Size,
		DataSHA:    req.DataSHA,
	}, nil
}

func (m *FwManager) inspectContinuationLocked(req *UploadRequest) (*UploadAction, error) {
	if m.session == nil {
		return nil, invalidf("no active upload session")
	}
	if req.Size >= 0 && req.Size != m.session.size {
		return nil, invalidf("total size %d does not match session's %d",
			req.Size, m.session.size)
	}
	// A dropped or retransmitted chunk: answer with the expected offset
	// so the client resyncs, without touching flash.
	if req.Off != m.session.off {
		return &UploadAction{
			AreaID: m.session.areaID,
			Off:    m.session.off,
			Size:   m.session.size,
		}, nil
	}
	area, err := m.flash.Area(m.session.areaID)
	if err != nil {
		return nil, notFoundf("no such flash area: %d", m.session.areaID)
	}
	return &UploadAction{
		AreaID:     m.session.areaID,
		Proceed:    true,
		Off:        req.Off,
		WriteBytes: trimWrite(req.Off, int64(len(req.Data)), m.session.size, area.BlockSize),
		Size:       m.session.size,
	}, nil
}

// trimWrite truncates a non-final chunk down to the alignment quantum.
// Only the final write of a region may be unaligned; the remainder is
// deferred to the next chunk.
func trimWrite(off, n, total int64, quantum int) int64 {
	if off+n >= total {
		return n
	}
	q := int64(quantum)
	return n / q * q
}

// CommitUpload executes a planned chunk: erases if needed, writes the
// trimmed payload, and advances the session.
func (m *FwManager) CommitUpload(action *UploadAction, data []byte) (*UploadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitLocked(action, data)
}

func (m *FwManager) commitLocked(action *UploadAction, data []byte) (*UploadResult, error) {
	if !action.Proceed {
		if action.Match {
			metrics.UploadResumptions.Inc()
			logger.Noticef("Upload resumed at offset %d/%d", action.Off, action.Size)
		}
		return &UploadResult{Off: action.Off, Match: action.Match}, nil
	}

	if action.Off == 0 {
		m.abandonLocked("superseded by new upload")
		m.session = &uploadSession{
			id:     randutil.RandomString(8),
			areaID: action.AreaID,
			size:   action.Size,
			digest: sha256.New(),
		}
		m.session.recordDataSHA(action.DataSHA)
		logger.Debugf("Upload session %s opened: area %d, %d bytes declared",
			m.session.id, action.AreaID, action.Size)
	}

	r, err := m.flash.Open(action.AreaID)
	if err != nil {
		return nil, unknownf("cannot open flash area %d: %v", action.AreaID, err)
	}
	defer r.Close()

	if action.Erase {
		if err := r.Erase(0, r.Size()); err != nil {
			return nil, unknownf("cannot erase flash area %d: %v", action.AreaID, err)
		}
		metrics.SlotErases.Inc()
	}
	if action.WriteBytes > 0 {
		if err := r.WriteAt(action.Off, data[:action.WriteBytes]); err != nil {
			return nil, unknownf("cannot write flash area %d: %v", action.AreaID, err)
		}
		m.session.digest.Write(data[:action.WriteBytes])
		m.session.off = action.Off + action.WriteBytes
		metrics.UploadChunks.Inc()
		metrics.UploadBytes.Add(float64(action.WriteBytes))
	}
	m.session.touched = time.Now()

	result := &UploadResult{Off: m.session.off}
	if m.session.off >= m.session.size {
		logger.Noticef("Upload session %s complete: %d bytes to area %d (sha256 %s)",
			m.session.id, m.session.size, m.session.areaID,
			hex.EncodeToString(m.session.digest.Sum(nil)))
		m.session = nil
	}
	return result, nil
}

// Upload inspects and commits one chunk under a single lock acquisition.
func (m *FwManager) Upload(req *UploadRequest) (*UploadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()

	action, err := m.inspectLocked(req)
	if err != nil {
		return nil, err
	}
	return m.commitLocked(action, req.Data)
}

func (s *uploadSession) recordDataSHA(sha []byte) {
	if len(sha) > 0 {
		s.dataSHA = append([]byte(nil), sha...)
	}
}
