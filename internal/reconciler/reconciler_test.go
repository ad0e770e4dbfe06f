// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package reconciler_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/opensearch-dashboards-operator/internal/certificates"
	"github.com/canonical/opensearch-dashboards-operator/internal/credentials"
	"github.com/canonical/opensearch-dashboards-operator/internal/peersecrets"
	"github.com/canonical/opensearch-dashboards-operator/internal/pki"
	pkitesting "github.com/canonical/opensearch-dashboards-operator/internal/pki/testing"
	"github.com/canonical/opensearch-dashboards-operator/internal/reconciler"
	"github.com/canonical/opensearch-dashboards-operator/internal/restart"
	"github.com/canonical/opensearch-dashboards-operator/internal/workloadstatus"
)

type leadership struct {
	leader bool
	err    error
}

func (l *leadership) IsLeader() (bool, error) {
	return l.leader, l.err
}

type authority struct {
	available bool
	requests  []certificates.Request
}

func (a *authority) Available() bool      { return a.available }
func (a *authority) AdvertisedCA() string { return "" }

func (a *authority) RequestCertificate(_ context.Context, req certificates.Request) error {
	a.requests = append(a.requests, req)
	return nil
}

type database struct {
	info reconciler.DatabaseInfo
}

func (d *database) Info(context.Context) (reconciler.DatabaseInfo, error) {
	return d.info, nil
}

type service struct {
	mu       sync.Mutex
	restarts int
	probeErr error
}

func (s *service) Restart(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restarts++
	return nil
}

func (s *service) Probe(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probeErr
}

func (s *service) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

type recorder struct {
	record restart.Record
}

func (r *recorder) Load() (restart.Record, error) { return r.record, nil }
func (r *recorder) Save(record restart.Record) error {
	r.record = record
	return nil
}

type unit struct {
	name       string
	leadership *leadership
	authority  *authority
	database   *database
	service    *service
	restarter  *restart.Coordinator
	reconciler *reconciler.Reconciler
}

func (u *unit) pass(c *gc.C, kind reconciler.EventKind) reconciler.Result {
	result, err := u.reconciler.Pass(context.Background(), reconciler.Event{Kind: kind})
	c.Assert(err, jc.ErrorIsNil)
	return result
}

// settle runs any restart the pass asked for, then reconciles again.
func (u *unit) settle(c *gc.C, result reconciler.Result) reconciler.Result {
	if result.Attempt != nil {
		err := u.restarter.Complete(result.Attempt, result.Attempt.Run(context.Background()))
		c.Assert(err, jc.ErrorIsNil)
		result = u.pass(c, reconciler.RestartFinished)
	}
	return result
}

type reconcilerSuite struct {
	testing.IsolationSuite

	backend *peersecrets.MemoryBackend
	clock   *testclock.Clock
	ca      *pkitesting.Authority
}

var _ = gc.Suite(&reconcilerSuite{})

func (s *reconcilerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.backend = peersecrets.NewMemoryBackend()
	s.clock = testclock.NewClock(time.Now())
	var err error
	s.ca, err = pkitesting.NewAuthority("test-ca", s.clock.Now())
	c.Assert(err, jc.ErrorIsNil)
}

func (s *reconcilerSuite) newUnit(c *gc.C, name string, leader bool) *unit {
	u := &unit{
		name:       name,
		leadership: &leadership{leader: leader},
		authority:  &authority{},
		database: &database{info: reconciler.DatabaseInfo{
			Endpoints: []string{"10.0.0.2:9200"},
			Connected: true,
		}},
		service: &service{},
	}
	store, err := peersecrets.NewStore(peersecrets.Config{
		Backend:    s.backend,
		Leadership: u.leadership,
		Unit:       name,
	})
	c.Assert(err, jc.ErrorIsNil)

	passwords := 0
	bootstrap := credentials.NewBootstrap(store, u.leadership, func() (string, error) {
		passwords++
		return fmt.Sprintf("%s-password-%d", name, passwords), nil
	})

	host := strings.ReplaceAll(name, "/", "-")
	lifecycle, err := certificates.NewLifecycle(certificates.Config{
		Store:     store,
		Authority: u.authority,
		Identity: certificates.Identity{
			Unit:     name,
			FQDN:     host + ".example.com",
			Hostname: host,
			Address:  "10.0.0.10",
		},
		Clock:      s.clock,
		KeyProfile: pki.ECDSAP256,
	})
	c.Assert(err, jc.ErrorIsNil)

	u.restarter, err = restart.NewCoordinator(restart.Config{
		Controller:    u.service,
		Prober:        u.service,
		Recorder:      &recorder{},
		Clock:         clock.WallClock,
		Timeout:       50 * time.Millisecond,
		ProbeInterval: 5 * time.Millisecond,
	})
	c.Assert(err, jc.ErrorIsNil)

	u.reconciler, err = reconciler.New(reconciler.Config{
		Store:        store,
		Credentials:  bootstrap,
		Certificates: lifecycle,
		Database:     u.database,
		Restarter:    u.restarter,
	})
	c.Assert(err, jc.ErrorIsNil)
	return u
}

func (s *reconcilerSuite) response(c *gc.C, u *unit) *certificates.Response {
	req := u.authority.requests[len(u.authority.requests)-1]
	cert, err := s.ca.SignCSR(req.CSR, s.clock.Now())
	c.Assert(err, jc.ErrorIsNil)
	return &certificates.Response{
		Nonce:       req.Nonce,
		Certificate: pkitesting.CertificatePEM(cert),
		CA:          s.ca.PEM(),
	}
}

func (s *reconcilerSuite) respond(c *gc.C, u *unit) reconciler.Result {
	result, err := u.reconciler.Pass(context.Background(), reconciler.Event{
		Kind:     reconciler.CertificateAvailable,
		Response: s.response(c, u),
	})
	c.Assert(err, jc.ErrorIsNil)
	return result
}

func (s *reconcilerSuite) TestValidate(c *gc.C) {
	_, err := reconciler.New(reconciler.Config{})
	c.Assert(err, gc.ErrorMatches, "nil Store not valid")
}

func (s *reconcilerSuite) TestWaitingForPeer(c *gc.C) {
	s.backend.SetJoined(false)
	u := s.newUnit(c, "opensearch-dashboards/0", true)

	result := u.pass(c, reconciler.Update)
	c.Check(result.Status.Code, gc.Equals, workloadstatus.WaitingForPeer)
	c.Check(result.Status.Message, gc.Equals, "waiting for peer relation")
	c.Check(result.Attempt, gc.IsNil)
	c.Check(s.backend.Writes(), gc.Equals, 0)
}

func (s *reconcilerSuite) TestNonLeaderWaitsThenAdvances(c *gc.C) {
	leader := s.newUnit(c, "opensearch-dashboards/0", true)
	follower := s.newUnit(c, "opensearch-dashboards/1", false)

	result := follower.pass(c, reconciler.PeerChanged)
	c.Check(result.Status.Code, gc.Equals, workloadstatus.WaitingForCredentials)
	c.Check(result.Attempt, gc.IsNil)
	c.Check(s.backend.Writes(), gc.Equals, 0)

	result = leader.pass(c, reconciler.LeadershipChanged)
	c.Assert(result.Attempt, gc.NotNil)
	c.Check(result.Status.Code, gc.Equals, workloadstatus.Starting)
	result = leader.settle(c, result)
	c.Check(result.Status.Code, gc.Equals, workloadstatus.Active)
	c.Check(result.Status.Message, gc.Equals, "")

	result = follower.settle(c, follower.pass(c, reconciler.PeerChanged))
	c.Check(result.Status.Code, gc.Equals, workloadstatus.Active)

	// Both units run with the leader's credentials.
	leaderFP := leader.restarter.Applied()
	c.Check(follower.restarter.Applied(), gc.Equals, leaderFP)
	c.Check(leader.service.count(), gc.Equals, 1)
	c.Check(follower.service.count(), gc.Equals, 1)
}

func (s *reconcilerSuite) TestRepeatedEventsRestartOnce(c *gc.C) {
	u := s.newUnit(c, "opensearch-dashboards/0", true)
	u.settle(c, u.pass(c, reconciler.PeerChanged))

	for i := 0; i < 3; i++ {
		result := u.pass(c, reconciler.PeerChanged)
		c.Check(result.Attempt, gc.IsNil)
		c.Check(result.Status.Code, gc.Equals, workloadstatus.Active)
	}
	c.Check(u.service.count(), gc.Equals, 1)
}

func (s *reconcilerSuite) TestDatabaseMissing(c *gc.C) {
	u := s.newUnit(c, "opensearch-dashboards/0", true)
	u.database.info = reconciler.DatabaseInfo{}

	result := u.pass(c, reconciler.DatabaseChanged)
	c.Check(result.Status.Code, gc.Equals, workloadstatus.DBMissing)
	c.Check(result.Status.Message, gc.Equals, "Opensearch connection is missing")
	c.Check(result.Attempt, gc.IsNil)
	c.Check(result.Fingerprint, gc.Equals, "")
}

func (s *reconcilerSuite) TestCertificateFlow(c *gc.C) {
	u := s.newUnit(c, "opensearch-dashboards/0", true)
	u.authority.available = true

	result := u.pass(c, reconciler.CertificateAuthorityJoined)
	c.Check(result.Status.Code, gc.Equals, workloadstatus.WaitingForCertificate)
	c.Check(result.Attempt, gc.IsNil)
	c.Assert(u.authority.requests, gc.HasLen, 1)

	// Redelivery does not request again.
	u.pass(c, reconciler.PeerChanged)
	c.Check(u.authority.requests, gc.HasLen, 1)

	result = s.respond(c, u)
	c.Assert(result.Attempt, gc.NotNil)
	c.Check(result.Status.Code, gc.Equals, workloadstatus.Starting)

	result = u.settle(c, result)
	c.Check(result.Status.Code, gc.Equals, workloadstatus.Active)
	c.Check(u.service.count(), gc.Equals, 1)
}

func (s *reconcilerSuite) TestCertificateKeptWhenBootstrapFails(c *gc.C) {
	leader := s.newUnit(c, "opensearch-dashboards/0", true)
	follower := s.newUnit(c, "opensearch-dashboards/1", false)
	follower.authority.available = true

	result := follower.pass(c, reconciler.CertificateAuthorityJoined)
	c.Check(result.Status.Code, gc.Equals, workloadstatus.WaitingForCredentials)
	c.Assert(follower.authority.requests, gc.HasLen, 1)

	follower.leadership.err = errors.New("is-leader unavailable")
	_, err := follower.reconciler.Pass(context.Background(), reconciler.Event{
		Kind:     reconciler.CertificateAvailable,
		Response: s.response(c, follower),
	})
	c.Assert(err, gc.ErrorMatches, "bootstrapping credentials: checking leadership: is-leader unavailable")

	follower.leadership.err = nil
	leader.settle(c, leader.pass(c, reconciler.LeadershipChanged))

	// The response is not delivered again, yet the unit starts.
	result = follower.pass(c, reconciler.PeerChanged)
	c.Assert(result.Attempt, gc.NotNil)
	result = follower.settle(c, result)
	c.Check(result.Status.Code, gc.Equals, workloadstatus.Active)
	c.Check(follower.authority.requests, gc.HasLen, 1)
	c.Check(follower.service.count(), gc.Equals, 1)
}

func (s *reconcilerSuite) TestInvalidCertificateKeepsWaiting(c *gc.C) {
	u := s.newUnit(c, "opensearch-dashboards/0", true)
	u.authority.available = true
	u.pass(c, reconciler.CertificateAuthorityJoined)

	result, err := u.reconciler.Pass(context.Background(), reconciler.Event{
		Kind:     reconciler.CertificateAvailable,
		Response: &certificates.Response{Nonce: "stale", Certificate: "junk", CA: "junk"},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Status.Code, gc.Equals, workloadstatus.WaitingForCertificate)
	c.Check(u.authority.requests, gc.HasLen, 2)
}

func (s *reconcilerSuite) TestRotationRestartsOnceIssued(c *gc.C) {
	u := s.newUnit(c, "opensearch-dashboards/0", true)
	u.authority.available = true
	u.pass(c, reconciler.CertificateAuthorityJoined)
	u.settle(c, s.respond(c, u))
	first := u.restarter.Applied()

	result := u.pass(c, reconciler.CARotated)
	c.Check(result.Status.Code, gc.Equals, workloadstatus.WaitingForCertificate)
	c.Check(result.Attempt, gc.IsNil)
	c.Check(u.authority.requests, gc.HasLen, 2)

	result = u.settle(c, s.respond(c, u))
	c.Check(result.Status.Code, gc.Equals, workloadstatus.Active)
	c.Check(u.restarter.Applied(), gc.Not(gc.Equals), first)
	c.Check(u.service.count(), gc.Equals, 2)
}

func (s *reconcilerSuite) TestRestartTimedOut(c *gc.C) {
	u := s.newUnit(c, "opensearch-dashboards/0", true)
	u.service.probeErr = errors.New("connection refused")

	result := u.settle(c, u.pass(c, reconciler.PeerChanged))
	c.Check(result.Status.Code, gc.Equals, workloadstatus.RestartTimedOut)
	c.Check(result.Status.Message, gc.Equals, "Opensearch Dashboards server failed to start")

	result = u.pass(c, reconciler.Update)
	c.Check(result.Attempt, gc.IsNil)
	c.Check(result.Status.Code, gc.Equals, workloadstatus.RestartTimedOut)
	c.Check(u.service.count(), gc.Equals, 1)
}

func (s *reconcilerSuite) TestCertificateEventWithoutResponse(c *gc.C) {
	u := s.newUnit(c, "opensearch-dashboards/0", true)
	_, err := u.reconciler.Pass(context.Background(), reconciler.Event{Kind: reconciler.CertificateAvailable})
	c.Assert(err, gc.ErrorMatches, "certificate event without a response not valid")
}
