// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package certificates drives a unit's certificate signing requests to the
// external certificate authority and installs the certificates it returns.
package certificates

import (
	"context"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"net"
	"strings"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/names/v5"
	"github.com/rs/xid"

	"github.com/canonical/opensearch-dashboards-operator/internal/peersecrets"
	"github.com/canonical/opensearch-dashboards-operator/internal/pki"
)

var logger = loggo.GetLogger("opensearch-dashboards.certificates")

// Store is the subset of the peer secret store used here.
type Store interface {
	Snapshot(ctx context.Context, scope peersecrets.Scope) (map[string]string, error)
	SetMany(ctx context.Context, values map[peersecrets.Key]string, opts ...peersecrets.SetOption) error
}

// Identity describes the unit a certificate is requested for.
type Identity struct {
	// Unit is the unit name, for example "opensearch-dashboards/0".
	Unit string

	// FQDN is the fully qualified host name, used as the common name.
	FQDN string

	// Hostname is the short host name.
	Hostname string

	// Address is the unit's ingress address, an IP or a DNS name.
	Address string
}

// Validate returns an error if the identity cannot be certified.
func (id Identity) Validate() error {
	if !names.IsValidUnit(id.Unit) {
		return errors.NotValidf("unit name %q", id.Unit)
	}
	if id.FQDN == "" {
		return errors.NotValidf("empty FQDN")
	}
	return nil
}

// Config holds the dependencies of a Lifecycle.
type Config struct {
	Store     Store
	Authority Authority
	Identity  Identity
	Clock     clock.Clock

	// KeyProfile generates new private keys. Defaults to
	// pki.DefaultKeyProfile.
	KeyProfile pki.KeyProfile

	// NewNonce returns a fresh request nonce. Defaults to an xid.
	NewNonce func() string

	// Responses is optional. When set, Reconcile installs a stored
	// response to the outstanding request that was never handled.
	Responses ResponseSource
}

// Validate returns an error if config cannot drive a Lifecycle.
func (config Config) Validate() error {
	if config.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if config.Authority == nil {
		return errors.NotValidf("nil Authority")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return errors.Trace(config.Identity.Validate())
}

// Lifecycle obtains and maintains the unit's certificate.
//
// The phase is always derived from the stored unit secrets: no CSR means
// NoRequest, a CSR whose nonce differs from the nonce the stored
// certificate answered means Requested, and matching nonces mean Issued.
// Repeated delivery of the same event therefore converges on the same
// stored state.
type Lifecycle struct {
	config Config
}

// NewLifecycle returns a Lifecycle backed by config.
func NewLifecycle(config Config) (*Lifecycle, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.KeyProfile == nil {
		config.KeyProfile = pki.DefaultKeyProfile
	}
	if config.NewNonce == nil {
		config.NewNonce = func() string {
			return xid.New().String()
		}
	}
	return &Lifecycle{config: config}, nil
}

// State returns the current certificate state.
func (l *Lifecycle) State(ctx context.Context) (State, error) {
	data, err := l.config.Store.Snapshot(ctx, peersecrets.Unit)
	if err != nil {
		return State{}, errors.Trace(err)
	}
	return stateFromData(data), nil
}

// Reconcile moves a unit with no request to Requested when a certificate
// authority is available. It returns NoCertificateAuthority when there
// is none; the returned state is valid in that case too.
func (l *Lifecycle) Reconcile(ctx context.Context) (State, error) {
	state, err := l.State(ctx)
	if err != nil {
		return State{}, errors.Trace(err)
	}
	if !l.config.Authority.Available() {
		return state, errors.Trace(NoCertificateAuthority)
	}
	switch state.Phase {
	case NoRequest:
		state, err = l.request(ctx, nil)
		return state, errors.Trace(err)
	case Requested:
		return l.pending(ctx, state)
	}
	return state, nil
}

// pending installs the authority's stored response when it answers the
// outstanding request. A response that does not validate is left for
// the certificate-available event to reject.
func (l *Lifecycle) pending(ctx context.Context, state State) (State, error) {
	if l.config.Responses == nil {
		return state, nil
	}
	resp, err := l.config.Responses.Response()
	if errors.Is(err, errors.NotFound) {
		return state, nil
	} else if err != nil {
		logger.Warningf("%v", err)
		return state, nil
	}
	if resp.Nonce != state.Nonce {
		return state, nil
	}
	data, err := l.config.Store.Snapshot(ctx, peersecrets.Unit)
	if err != nil {
		return State{}, errors.Trace(err)
	}
	issued, err := l.install(ctx, data, resp, false)
	if errors.Is(err, CertificateInvalid) {
		return state, nil
	}
	return issued, errors.Trace(err)
}

// Rerequest publishes the outstanding request again, for example when
// the certificates relation has been re-established.
func (l *Lifecycle) Rerequest(ctx context.Context) error {
	if !l.config.Authority.Available() {
		return errors.Trace(NoCertificateAuthority)
	}
	data, err := l.config.Store.Snapshot(ctx, peersecrets.Unit)
	if err != nil {
		return errors.Trace(err)
	}
	if stateFromData(data).Phase != Requested {
		return nil
	}
	return errors.Trace(l.publish(ctx, data))
}

// Rotate starts a renewal after the authority rotated its CA. The
// existing key is reused and the installed certificate is kept until the
// replacement is issued, so the unit is never left without a certificate.
func (l *Lifecycle) Rotate(ctx context.Context) (State, error) {
	if !l.config.Authority.Available() {
		return State{}, errors.Trace(NoCertificateAuthority)
	}
	data, err := l.config.Store.Snapshot(ctx, peersecrets.Unit)
	if err != nil {
		return State{}, errors.Trace(err)
	}
	state := stateFromData(data)
	if state.Phase == NoRequest || !state.HasPrivateKey {
		state, err = l.request(ctx, nil)
		return state, errors.Trace(err)
	}
	signer, err := pki.UnmarshalSignerPem(data[peersecrets.PrivateKey.Name])
	if err != nil {
		return state, errors.Annotate(err, "reading private key")
	}
	logger.Infof("renewing certificate for %q after CA rotation", l.config.Identity.Unit)
	state, err = l.request(ctx, signer)
	return state, errors.Trace(err)
}

// HandleResponse installs the certificate carried by resp if it answers
// the outstanding request and validates. Otherwise it returns
// CertificateInvalid, keeps the request outstanding and publishes it
// again.
func (l *Lifecycle) HandleResponse(ctx context.Context, resp Response) (State, error) {
	data, err := l.config.Store.Snapshot(ctx, peersecrets.Unit)
	if err != nil {
		return State{}, errors.Trace(err)
	}
	state := stateFromData(data)
	switch state.Phase {
	case NoRequest:
		logger.Debugf("ignoring certificate response %q with no outstanding request", resp.Nonce)
		return state, nil
	case Issued:
		if resp.Nonce == state.Nonce {
			// Redelivery of the response already installed.
			return state, nil
		}
	}

	return l.install(ctx, data, resp, true)
}

// install validates resp against the stored request and stores it. A
// rejected response is published again when republish is set.
func (l *Lifecycle) install(ctx context.Context, data map[string]string, resp Response, republish bool) (State, error) {
	state := stateFromData(data)
	if err := l.validate(data, resp); err != nil {
		logger.Warningf("rejecting certificate for %q: %v", l.config.Identity.Unit, err)
		if republish && state.Phase == Requested {
			if perr := l.publish(ctx, data); perr != nil {
				return state, errors.Annotatef(perr, "re-requesting after %v", err)
			}
		}
		return state, errors.Trace(err)
	}

	chain := strings.Join(resp.Chain, "")
	if err := l.config.Store.SetMany(ctx, map[peersecrets.Key]string{
		peersecrets.Certificate:      resp.Certificate,
		peersecrets.CACert:           resp.CA,
		peersecrets.Chain:            chain,
		peersecrets.CertificateNonce: resp.Nonce,
	}, peersecrets.WithRotation()); err != nil {
		return state, errors.Annotate(err, "storing certificate")
	}
	logger.Infof("certificate issued for %q", l.config.Identity.Unit)

	state.Phase = Issued
	state.Certificate = resp.Certificate
	state.CA = resp.CA
	state.Chain = chain
	return state, nil
}

// request generates a signing request and publishes it. With a nil
// signer a new private key is generated; the key and the request are
// stored in the same write, before anything is published.
func (l *Lifecycle) request(ctx context.Context, signer crypto.Signer) (State, error) {
	values := make(map[peersecrets.Key]string)
	if signer == nil {
		var err error
		signer, err = l.config.KeyProfile()
		if err != nil {
			return State{}, errors.Annotate(err, "generating private key")
		}
		keyPEM, err := pki.SignerToPemString(signer)
		if err != nil {
			return State{}, errors.Trace(err)
		}
		values[peersecrets.PrivateKey] = keyPEM
	}

	_, csrPEM, err := l.csrRequest(signer).Commit()
	if err != nil {
		return State{}, errors.Trace(err)
	}
	values[peersecrets.CSR] = string(csrPEM)
	values[peersecrets.CSRNonce] = l.config.NewNonce()

	if err := l.config.Store.SetMany(ctx, values, peersecrets.WithRotation()); err != nil {
		return State{}, errors.Annotate(err, "storing signing request")
	}
	data, err := l.config.Store.Snapshot(ctx, peersecrets.Unit)
	if err != nil {
		return State{}, errors.Trace(err)
	}
	if err := l.publish(ctx, data); err != nil {
		return stateFromData(data), errors.Trace(err)
	}
	logger.Infof("requested certificate for %q", l.config.Identity.Unit)
	return stateFromData(data), nil
}

func (l *Lifecycle) csrRequest(signer crypto.Signer) pki.CSRRequest {
	id := l.config.Identity
	req := pki.NewCSRRequest(pkix.Name{CommonName: id.FQDN}, signer).
		AddDNSNames(id.FQDN, id.Hostname, strings.ReplaceAll(id.Unit, "/", "-"))
	if ip := net.ParseIP(id.Address); ip != nil {
		req.AddIPAddresses(ip)
	} else {
		req.AddDNSNames(id.Address)
	}
	return req
}

func (l *Lifecycle) publish(ctx context.Context, data map[string]string) error {
	if data[peersecrets.PrivateKey.Name] == "" {
		return errors.NotValidf("publishing a signing request without a stored private key")
	}
	req := Request{
		Unit:       l.config.Identity.Unit,
		CommonName: l.config.Identity.FQDN,
		CSR:        data[peersecrets.CSR.Name],
		Nonce:      data[peersecrets.CSRNonce.Name],
	}
	return errors.Annotate(l.config.Authority.RequestCertificate(ctx, req), "publishing signing request")
}

func (l *Lifecycle) validate(data map[string]string, resp Response) error {
	if resp.Nonce != data[peersecrets.CSRNonce.Name] {
		return errors.Annotatef(CertificateInvalid, "response nonce %q does not match request %q",
			resp.Nonce, data[peersecrets.CSRNonce.Name])
	}
	csr, err := pki.UnmarshalCSRPem(data[peersecrets.CSR.Name])
	if err != nil {
		return errors.Annotate(err, "reading stored signing request")
	}
	certs, err := pki.UnmarshalCertificatesPem(resp.Certificate)
	if err != nil {
		return errors.Annotatef(CertificateInvalid, "%v", err)
	}
	cas, err := pki.UnmarshalCertificatesPem(resp.CA)
	if err != nil {
		return errors.Annotatef(CertificateInvalid, "reading CA: %v", err)
	}
	if advertised := l.config.Authority.AdvertisedCA(); advertised != "" {
		adCAs, err := pki.UnmarshalCertificatesPem(advertised)
		if err != nil {
			return errors.Annotatef(CertificateInvalid, "reading advertised CA: %v", err)
		}
		if !adCAs[0].Equal(cas[0]) {
			return errors.Annotatef(CertificateInvalid, "CA does not match the advertised CA")
		}
	}

	intermediates := certs[1:]
	for _, pemData := range resp.Chain {
		chain, err := pki.UnmarshalCertificatesPem(pemData)
		if err != nil {
			return errors.Annotatef(CertificateInvalid, "reading chain: %v", err)
		}
		intermediates = append(intermediates, without(chain, certs[0])...)
	}
	if err := pki.VerifyLeaf(certs[0], pki.VerifyOptions{
		CA:            cas[0],
		Intermediates: intermediates,
		CommonName:    l.config.Identity.FQDN,
		Request:       csr,
		Now:           l.config.Clock.Now(),
	}); err != nil {
		return errors.Annotatef(CertificateInvalid, "%v", err)
	}
	return nil
}

func without(certs []*x509.Certificate, leaf *x509.Certificate) []*x509.Certificate {
	var out []*x509.Certificate
	for _, cert := range certs {
		if !cert.Equal(leaf) {
			out = append(out, cert)
		}
	}
	return out
}

func stateFromData(data map[string]string) State {
	state := State{
		Nonce:         data[peersecrets.CSRNonce.Name],
		Certificate:   data[peersecrets.Certificate.Name],
		CA:            data[peersecrets.CACert.Name],
		Chain:         data[peersecrets.Chain.Name],
		HasPrivateKey: data[peersecrets.PrivateKey.Name] != "",
	}
	switch {
	case data[peersecrets.CSR.Name] == "":
		state.Phase = NoRequest
	case state.Certificate != "" && data[peersecrets.CertificateNonce.Name] == state.Nonce:
		state.Phase = Issued
	default:
		state.Phase = Requested
	}
	return state
}
