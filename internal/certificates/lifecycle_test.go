// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package certificates_test

import (
	"context"
	"crypto/x509/pkix"
	"fmt"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/opensearch-dashboards-operator/internal/certificates"
	"github.com/canonical/opensearch-dashboards-operator/internal/peersecrets"
	"github.com/canonical/opensearch-dashboards-operator/internal/pki"
	pkitesting "github.com/canonical/opensearch-dashboards-operator/internal/pki/testing"
)

type follower struct{}

func (follower) IsLeader() (bool, error) {
	return false, nil
}

// fakeAuthority records each request along with the unit secrets that
// were stored when it was published.
type fakeAuthority struct {
	available  bool
	advertised string
	err        error

	store    *peersecrets.Store
	requests []certificates.Request
	stored   []map[string]string
}

func (a *fakeAuthority) Available() bool {
	return a.available
}

func (a *fakeAuthority) AdvertisedCA() string {
	return a.advertised
}

func (a *fakeAuthority) RequestCertificate(ctx context.Context, req certificates.Request) error {
	if a.err != nil {
		return a.err
	}
	data, err := a.store.Snapshot(ctx, peersecrets.Unit)
	if err != nil {
		return err
	}
	a.requests = append(a.requests, req)
	a.stored = append(a.stored, data)
	return nil
}

func (a *fakeAuthority) last() certificates.Request {
	return a.requests[len(a.requests)-1]
}

// storedResponses is the authority's latest answer, if any.
type storedResponses struct {
	resp *certificates.Response
	err  error
}

func (r *storedResponses) Response() (certificates.Response, error) {
	if r.err != nil {
		return certificates.Response{}, r.err
	}
	if r.resp == nil {
		return certificates.Response{}, errors.NotFoundf("certificate response")
	}
	return *r.resp, nil
}

type lifecycleSuite struct {
	testing.IsolationSuite

	clock     *testclock.Clock
	store     *peersecrets.Store
	authority *fakeAuthority
	responses *storedResponses
	ca        *pkitesting.Authority
	nonces    int
	lifecycle *certificates.Lifecycle
}

var _ = gc.Suite(&lifecycleSuite{})

func (s *lifecycleSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Now())

	var err error
	s.store, err = peersecrets.NewStore(peersecrets.Config{
		Backend:    peersecrets.NewMemoryBackend(),
		Leadership: follower{},
		Unit:       "opensearch-dashboards/0",
	})
	c.Assert(err, jc.ErrorIsNil)

	s.ca, err = pkitesting.NewAuthority("test-ca", s.clock.Now())
	c.Assert(err, jc.ErrorIsNil)
	s.authority = &fakeAuthority{available: true, store: s.store}
	s.responses = &storedResponses{}

	s.nonces = 0
	s.lifecycle, err = certificates.NewLifecycle(certificates.Config{
		Store:     s.store,
		Authority: s.authority,
		Identity: certificates.Identity{
			Unit:     "opensearch-dashboards/0",
			FQDN:     "dashboards-0.example.com",
			Hostname: "dashboards-0",
			Address:  "10.0.0.10",
		},
		Clock:      s.clock,
		KeyProfile: pki.ECDSAP256,
		Responses:  s.responses,
		NewNonce: func() string {
			s.nonces++
			return fmt.Sprintf("nonce-%d", s.nonces)
		},
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *lifecycleSuite) unitData(c *gc.C) map[string]string {
	data, err := s.store.Snapshot(context.Background(), peersecrets.Unit)
	c.Assert(err, jc.ErrorIsNil)
	return data
}

func (s *lifecycleSuite) sign(c *gc.C, ca *pkitesting.Authority, req certificates.Request) certificates.Response {
	cert, err := ca.SignCSR(req.CSR, s.clock.Now())
	c.Assert(err, jc.ErrorIsNil)
	return certificates.Response{
		Nonce:       req.Nonce,
		Certificate: pkitesting.CertificatePEM(cert),
		CA:          ca.PEM(),
		Chain:       []string{ca.PEM()},
	}
}

func (s *lifecycleSuite) issue(c *gc.C) certificates.State {
	_, err := s.lifecycle.Reconcile(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	state, err := s.lifecycle.HandleResponse(context.Background(), s.sign(c, s.ca, s.authority.last()))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(state.Phase, gc.Equals, certificates.Issued)
	return state
}

func (s *lifecycleSuite) TestValidateConfig(c *gc.C) {
	_, err := certificates.NewLifecycle(certificates.Config{})
	c.Assert(err, gc.ErrorMatches, "nil Store not valid")

	_, err = certificates.NewLifecycle(certificates.Config{
		Store:     s.store,
		Authority: s.authority,
		Clock:     s.clock,
		Identity:  certificates.Identity{Unit: "opensearch-dashboards/0"},
	})
	c.Assert(err, gc.ErrorMatches, "empty FQDN not valid")
}

func (s *lifecycleSuite) TestNoCertificateAuthority(c *gc.C) {
	s.authority.available = false

	state, err := s.lifecycle.Reconcile(context.Background())
	c.Assert(err, jc.ErrorIs, certificates.NoCertificateAuthority)
	c.Check(state.Phase, gc.Equals, certificates.NoRequest)
	c.Check(s.authority.requests, gc.HasLen, 0)
	c.Check(s.unitData(c), gc.HasLen, 0)
}

func (s *lifecycleSuite) TestRequestStoresKeyBeforePublishing(c *gc.C) {
	state, err := s.lifecycle.Reconcile(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(state.Phase, gc.Equals, certificates.Requested)
	c.Check(state.HasPrivateKey, jc.IsTrue)

	c.Assert(s.authority.requests, gc.HasLen, 1)
	req := s.authority.requests[0]
	c.Check(req.Unit, gc.Equals, "opensearch-dashboards/0")
	c.Check(req.CommonName, gc.Equals, "dashboards-0.example.com")
	c.Check(req.Nonce, gc.Equals, "nonce-1")

	stored := s.authority.stored[0]
	c.Check(stored[peersecrets.PrivateKey.Name], gc.Not(gc.Equals), "")
	c.Check(stored[peersecrets.CSR.Name], gc.Equals, req.CSR)
	c.Check(stored[peersecrets.CSRNonce.Name], gc.Equals, req.Nonce)

	csr, err := pki.UnmarshalCSRPem(req.CSR)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(csr.Subject.CommonName, gc.Equals, "dashboards-0.example.com")
	c.Check(csr.DNSNames, jc.DeepEquals, []string{
		"dashboards-0", "dashboards-0.example.com", "opensearch-dashboards-0",
	})
	c.Assert(csr.IPAddresses, gc.HasLen, 1)
	c.Check(csr.IPAddresses[0].String(), gc.Equals, "10.0.0.10")

	signer, err := pki.UnmarshalSignerPem(stored[peersecrets.PrivateKey.Name])
	c.Assert(err, jc.ErrorIsNil)
	c.Check(pki.PublicKeysEqual(signer.Public(), csr.PublicKey), jc.IsTrue)
}

func (s *lifecycleSuite) TestReconcileRequestsOnce(c *gc.C) {
	for i := 0; i < 3; i++ {
		state, err := s.lifecycle.Reconcile(context.Background())
		c.Assert(err, jc.ErrorIsNil)
		c.Check(state.Phase, gc.Equals, certificates.Requested)
	}
	c.Check(s.authority.requests, gc.HasLen, 1)
}

func (s *lifecycleSuite) TestHandleResponseIssues(c *gc.C) {
	state := s.issue(c)
	c.Check(state.HasCertificate(), jc.IsTrue)
	c.Check(state.CA, gc.Equals, s.ca.PEM())

	data := s.unitData(c)
	c.Check(data[peersecrets.Certificate.Name], gc.Equals, state.Certificate)
	c.Check(data[peersecrets.CACert.Name], gc.Equals, s.ca.PEM())
	c.Check(data[peersecrets.Chain.Name], gc.Equals, s.ca.PEM())
	c.Check(data[peersecrets.CertificateNonce.Name], gc.Equals, "nonce-1")

	state, err := s.lifecycle.State(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(state.Phase, gc.Equals, certificates.Issued)
}

func (s *lifecycleSuite) TestRedeliveredResponseIsNoop(c *gc.C) {
	_, err := s.lifecycle.Reconcile(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	resp := s.sign(c, s.ca, s.authority.last())

	first, err := s.lifecycle.HandleResponse(context.Background(), resp)
	c.Assert(err, jc.ErrorIsNil)
	second, err := s.lifecycle.HandleResponse(context.Background(), resp)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(second, jc.DeepEquals, first)
	c.Check(s.authority.requests, gc.HasLen, 1)
}

func (s *lifecycleSuite) TestReconcileInstallsStoredResponse(c *gc.C) {
	_, err := s.lifecycle.Reconcile(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	resp := s.sign(c, s.ca, s.authority.last())
	s.responses.resp = &resp

	state, err := s.lifecycle.Reconcile(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(state.Phase, gc.Equals, certificates.Issued)
	c.Check(state.Certificate, gc.Equals, resp.Certificate)
	c.Check(s.unitData(c)[peersecrets.CertificateNonce.Name], gc.Equals, "nonce-1")
	c.Check(s.authority.requests, gc.HasLen, 1)
}

func (s *lifecycleSuite) TestReconcileIgnoresUnusableStoredResponse(c *gc.C) {
	_, err := s.lifecycle.Reconcile(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	req := s.authority.last()

	for i, resp := range []certificates.Response{
		{Nonce: "nonce-0", Certificate: "junk", CA: "junk"},
		{Nonce: req.Nonce, Certificate: "junk", CA: "junk"},
	} {
		c.Logf("test %d", i)
		s.responses.resp = &resp
		state, err := s.lifecycle.Reconcile(context.Background())
		c.Assert(err, jc.ErrorIsNil)
		c.Check(state.Phase, gc.Equals, certificates.Requested)
	}

	s.responses.resp = nil
	s.responses.err = errors.New("unreadable")
	state, err := s.lifecycle.Reconcile(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(state.Phase, gc.Equals, certificates.Requested)

	// Rejected stored responses are not re-requested.
	c.Check(s.authority.requests, gc.HasLen, 1)
}

func (s *lifecycleSuite) TestResponseWithoutRequestIgnored(c *gc.C) {
	state, err := s.lifecycle.HandleResponse(context.Background(), certificates.Response{
		Nonce: "stray", Certificate: "junk", CA: "junk",
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(state.Phase, gc.Equals, certificates.NoRequest)
	c.Check(s.unitData(c), gc.HasLen, 0)
}

func (s *lifecycleSuite) TestWrongKeyRejectedAndRerequested(c *gc.C) {
	_, err := s.lifecycle.Reconcile(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	req := s.authority.last()

	// A certificate for the right name but somebody else's key.
	other, err := pki.ECDSAP256()
	c.Assert(err, jc.ErrorIsNil)
	_, otherCSR, err := pki.NewCSRRequest(pkix.Name{CommonName: "dashboards-0.example.com"}, other).Commit()
	c.Assert(err, jc.ErrorIsNil)
	resp := s.sign(c, s.ca, certificates.Request{CSR: string(otherCSR), Nonce: req.Nonce})

	state, err := s.lifecycle.HandleResponse(context.Background(), resp)
	c.Assert(err, jc.ErrorIs, certificates.CertificateInvalid)
	c.Check(state.Phase, gc.Equals, certificates.Requested)
	c.Check(state.HasCertificate(), jc.IsFalse)
	c.Check(s.unitData(c)[peersecrets.Certificate.Name], gc.Equals, "")

	c.Assert(s.authority.requests, gc.HasLen, 2)
	c.Check(s.authority.requests[1], jc.DeepEquals, req)
}

func (s *lifecycleSuite) TestNonceMismatchRejected(c *gc.C) {
	_, err := s.lifecycle.Reconcile(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	resp := s.sign(c, s.ca, s.authority.last())
	resp.Nonce = "someone-else"

	_, err = s.lifecycle.HandleResponse(context.Background(), resp)
	c.Assert(err, jc.ErrorIs, certificates.CertificateInvalid)
	c.Check(err, gc.ErrorMatches, `response nonce "someone-else" does not match request "nonce-1": certificate invalid`)
}

func (s *lifecycleSuite) TestAdvertisedCAMismatchRejected(c *gc.C) {
	other, err := pkitesting.NewAuthority("other-ca", s.clock.Now())
	c.Assert(err, jc.ErrorIsNil)
	s.authority.advertised = other.PEM()

	_, err = s.lifecycle.Reconcile(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	_, err = s.lifecycle.HandleResponse(context.Background(), s.sign(c, s.ca, s.authority.last()))
	c.Assert(err, jc.ErrorIs, certificates.CertificateInvalid)
	c.Check(err, gc.ErrorMatches, "CA does not match the advertised CA: certificate invalid")
}

func (s *lifecycleSuite) TestCertificateFromOtherCARejected(c *gc.C) {
	other, err := pkitesting.NewAuthority("other-ca", s.clock.Now())
	c.Assert(err, jc.ErrorIsNil)

	_, err = s.lifecycle.Reconcile(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	resp := s.sign(c, other, s.authority.last())
	resp.CA = s.ca.PEM()
	resp.Chain = nil

	_, err = s.lifecycle.HandleResponse(context.Background(), resp)
	c.Assert(err, jc.ErrorIs, certificates.CertificateInvalid)
}

func (s *lifecycleSuite) TestPublishFailureThenRerequest(c *gc.C) {
	s.authority.err = errors.New("relation gone")

	state, err := s.lifecycle.Reconcile(context.Background())
	c.Assert(err, gc.ErrorMatches, "publishing signing request: relation gone")
	c.Check(state.Phase, gc.Equals, certificates.Requested)
	c.Check(state.HasPrivateKey, jc.IsTrue)

	s.authority.err = nil
	err = s.lifecycle.Rerequest(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.authority.requests, gc.HasLen, 1)
	c.Check(s.authority.last().Nonce, gc.Equals, "nonce-1")
}

func (s *lifecycleSuite) TestRerequestOnlyWhenRequested(c *gc.C) {
	err := s.lifecycle.Rerequest(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.authority.requests, gc.HasLen, 0)

	s.issue(c)
	err = s.lifecycle.Rerequest(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.authority.requests, gc.HasLen, 1)
}

func (s *lifecycleSuite) TestRotateKeepsKeyAndCertificate(c *gc.C) {
	issued := s.issue(c)
	before := s.unitData(c)

	rotated, err := pkitesting.NewAuthority("rotated-ca", s.clock.Now())
	c.Assert(err, jc.ErrorIsNil)
	s.authority.advertised = rotated.PEM()

	state, err := s.lifecycle.Rotate(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(state.Phase, gc.Equals, certificates.Requested)
	c.Check(state.Nonce, gc.Equals, "nonce-2")
	c.Check(state.Certificate, gc.Equals, issued.Certificate)

	after := s.unitData(c)
	c.Check(after[peersecrets.PrivateKey.Name], gc.Equals, before[peersecrets.PrivateKey.Name])
	c.Check(after[peersecrets.CSR.Name], gc.Not(gc.Equals), before[peersecrets.CSR.Name])
	c.Check(after[peersecrets.Certificate.Name], gc.Equals, issued.Certificate)

	state, err = s.lifecycle.HandleResponse(context.Background(), s.sign(c, rotated, s.authority.last()))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(state.Phase, gc.Equals, certificates.Issued)
	c.Check(state.Certificate, gc.Not(gc.Equals), issued.Certificate)
	c.Check(state.CA, gc.Equals, rotated.PEM())
}

func (s *lifecycleSuite) TestRotateWithoutRequestStartsOne(c *gc.C) {
	state, err := s.lifecycle.Rotate(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(state.Phase, gc.Equals, certificates.Requested)
	c.Check(s.authority.requests, gc.HasLen, 1)
}
