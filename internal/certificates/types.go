// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package certificates

import (
	"context"

	"github.com/juju/errors"
)

const (
	// NoCertificateAuthority is returned when there is no certificates
	// relation. This is the steady state of a deployment without TLS.
	NoCertificateAuthority = errors.ConstError("no certificate authority")

	// CertificateInvalid is returned when a response from the authority
	// does not answer the outstanding request or fails validation.
	CertificateInvalid = errors.ConstError("certificate invalid")
)

// Phase is the position of a unit in the certificate lifecycle.
type Phase string

const (
	// NoRequest means no signing request has been generated.
	NoRequest Phase = "no-request"

	// Requested means a signing request is outstanding.
	Requested Phase = "requested"

	// Issued means the stored certificate answers the current request.
	Issued Phase = "issued"
)

// Request is the outbound message to the certificate authority.
type Request struct {
	// Unit is the requesting unit's name.
	Unit string `yaml:"unit"`

	// CommonName is the subject common name of the request.
	CommonName string `yaml:"common-name"`

	// CSR is the PEM encoded certificate signing request.
	CSR string `yaml:"csr"`

	// Nonce distinguishes this request from earlier requests by the
	// same unit.
	Nonce string `yaml:"nonce"`
}

// Response is the inbound message from the certificate authority.
type Response struct {
	Nonce       string   `yaml:"nonce"`
	Certificate string   `yaml:"certificate"`
	CA          string   `yaml:"ca"`
	Chain       []string `yaml:"chain,omitempty"`
}

// Authority is the certificates relation as seen from this unit.
type Authority interface {
	// Available reports whether the certificates relation exists.
	Available() bool

	// AdvertisedCA returns the PEM encoded CA certificate the provider
	// advertises, or an empty string if it has not advertised one.
	AdvertisedCA() string

	// RequestCertificate publishes a signing request to the provider.
	RequestCertificate(ctx context.Context, req Request) error
}

// ResponseSource holds the authority's latest response for the unit.
type ResponseSource interface {
	// Response returns the latest response, or an error satisfying
	// errors.NotFound if the authority has not answered.
	Response() (Response, error)
}

// State is the certificate state of the unit, derived from its unit
// secrets.
type State struct {
	Phase Phase

	// Nonce is the nonce of the outstanding or last request.
	Nonce string

	// Certificate, CA and Chain hold the installed material. During a
	// renewal they hold the previous certificate until the new one is
	// issued.
	Certificate string
	CA          string
	Chain       string

	HasPrivateKey bool
}

// HasCertificate reports whether a certificate is installed.
func (s State) HasCertificate() bool {
	return s.Certificate != ""
}
