// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package status_test

import (
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/opensearch-dashboards-operator/core/status"
)

type StatusSuite struct{}

var _ = gc.Suite(&StatusSuite{})

func (s *StatusSuite) TestValidWorkloadStatus(c *gc.C) {
	for _, st := range []status.Status{
		status.Active, status.Blocked, status.Maintenance, status.Waiting, status.Unknown,
	} {
		c.Check(status.ValidWorkloadStatus(st), jc.IsTrue, gc.Commentf("%q", st))
	}
	c.Check(status.ValidWorkloadStatus("error"), jc.IsFalse)
	c.Check(status.ValidWorkloadStatus(""), jc.IsFalse)
}
