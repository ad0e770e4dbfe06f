// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package unitstate_test

import (
	"os"
	"path/filepath"
	"time"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/opensearch-dashboards-operator/core/status"
	"github.com/canonical/opensearch-dashboards-operator/internal/restart"
	"github.com/canonical/opensearch-dashboards-operator/internal/unitstate"
)

type stateSuite struct {
	testing.IsolationSuite

	path string
	file *unitstate.StateFile
}

var _ = gc.Suite(&stateSuite{})

func (s *stateSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.path = filepath.Join(c.MkDir(), "state", "unit.yaml")
	s.file = unitstate.NewStateFile(s.path)
}

func (s *stateSuite) TestReadMissing(c *gc.C) {
	_, err := s.file.Read()
	c.Assert(err, jc.ErrorIs, unitstate.ErrNoStateFile)

	record, err := s.file.Load()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(record, jc.DeepEquals, restart.Record{})

	info, err := s.file.Status()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(info.Status, gc.Equals, status.Unknown)
}

func (s *stateSuite) TestWriteRead(c *gc.C) {
	st := &unitstate.State{
		Restart: restart.Record{Applied: "abc"},
		Status:  status.Active,
		Since:   1700000000,
	}
	c.Assert(s.file.Write(st), jc.ErrorIsNil)

	read, err := s.file.Read()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(read, jc.DeepEquals, st)

	fi, err := os.Stat(s.path)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(fi.Mode().Perm(), gc.Equals, os.FileMode(0600))
}

func (s *stateSuite) TestWriteInvalid(c *gc.C) {
	err := s.file.Write(&unitstate.State{Status: "dancing"})
	c.Assert(err, gc.ErrorMatches, `status "dancing" not valid`)
}

func (s *stateSuite) TestReadInvalid(c *gc.C) {
	c.Assert(os.MkdirAll(filepath.Dir(s.path), 0700), jc.ErrorIsNil)
	c.Assert(os.WriteFile(s.path, []byte("status: dancing\n"), 0600), jc.ErrorIsNil)

	_, err := s.file.Read()
	c.Assert(err, gc.ErrorMatches, `cannot read unit state at ".*": status "dancing" not valid`)
}

func (s *stateSuite) TestRecorderKeepsStatus(c *gc.C) {
	c.Assert(s.file.SetStatus(status.StatusInfo{Status: status.Waiting, Message: "waiting for peer relation"}), jc.ErrorIsNil)
	c.Assert(s.file.Save(restart.Record{Applied: "fp-1", TimedOut: "fp-2"}), jc.ErrorIsNil)

	record, err := s.file.Load()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(record, jc.DeepEquals, restart.Record{Applied: "fp-1", TimedOut: "fp-2"})

	info, err := s.file.Status()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(info.Status, gc.Equals, status.Waiting)
	c.Check(info.Message, gc.Equals, "waiting for peer relation")
}

func (s *stateSuite) TestFailedRestartPersisted(c *gc.C) {
	c.Assert(s.file.Save(restart.Record{Applied: "fp-1", Failed: "fp-2"}), jc.ErrorIsNil)

	record, err := unitstate.NewStateFile(s.path).Load()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(record, jc.DeepEquals, restart.Record{Applied: "fp-1", Failed: "fp-2"})
}

func (s *stateSuite) TestSetStatusKeepsSinceWhenUnchanged(c *gc.C) {
	first := time.Unix(1700000000, 0)
	later := first.Add(time.Hour)

	info := status.StatusInfo{Status: status.Active, Since: &first}
	c.Assert(s.file.SetStatus(info), jc.ErrorIsNil)
	info.Since = &later
	c.Assert(s.file.SetStatus(info), jc.ErrorIsNil)

	got, err := s.file.Status()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(got.Since, gc.NotNil)
	c.Check(got.Since.Unix(), gc.Equals, first.Unix())

	info = status.StatusInfo{Status: status.Blocked, Message: "Opensearch connection is missing", Since: &later}
	c.Assert(s.file.SetStatus(info), jc.ErrorIsNil)
	got, err = s.file.Status()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Since.Unix(), gc.Equals, later.Unix())
}
