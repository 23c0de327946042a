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

package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	. "gopkg.in/check.v1"

	"github.com/canonical/termus/internals/metrics"
)

func Test(t *testing.T) { TestingT(t) }

type MetricsSuite struct{}

var _ = Suite(&MetricsSuite{})

func (s *MetricsSuite) TestCounters(c *C) {
	before := testutil.ToFloat64(metrics.UploadChunks)
	metrics.UploadChunks.Inc()
	c.Check(testutil.ToFloat64(metrics.UploadChunks), Equals, before+1)

	before = testutil.ToFloat64(metrics.UploadBytes)
	metrics.UploadBytes.Add(512)
	c.Check(testutil.ToFloat64(metrics.UploadBytes), Equals, before+512)
}

func (s *MetricsSuite) TestTransitionKinds(c *C) {
	before := testutil.ToFloat64(metrics.StateTransitions.WithLabelValues("confirm"))
	metrics.StateTransitions.WithLabelValues("confirm").Inc()
	c.Check(testutil.ToFloat64(metrics.StateTransitions.WithLabelValues("confirm")), Equals, before+1)
}
