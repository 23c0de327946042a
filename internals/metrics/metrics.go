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

// Package metrics holds the daemon's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UploadChunks counts accepted firmware upload chunks.
	UploadChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "termus_firmware_upload_chunks_total",
		Help: "Number of firmware upload chunks committed to flash.",
	})

	// UploadBytes counts bytes committed to flash by uploads.
	UploadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "termus_firmware_upload_bytes_total",
		Help: "Number of firmware image bytes committed to flash.",
	})

	// UploadResumptions counts uploads resumed after an interruption.
	UploadResumptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "termus_firmware_upload_resumptions_total",
		Help: "Number of firmware uploads resumed mid-transfer.",
	})

	// SlotErases counts explicit and implicit slot erase operations.
	SlotErases = promauto.NewCounter(prometheus.CounterOpts{
		Name: "termus_firmware_slot_erases_total",
		Help: "Number of firmware slot erase operations.",
	})

	// StateTransitions counts boot-state transitions, labelled by kind
	// (test, confirm).
	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "termus_firmware_state_transitions_total",
		Help: "Number of firmware boot-state transitions by kind.",
	}, []string{"kind"})
)
