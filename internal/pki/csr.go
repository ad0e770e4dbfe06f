// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"net"
	"sort"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

// CSRRequest is an intermediate unit for building a certificate signing
// request with specific attributes.
type CSRRequest interface {
	// AddDNSNames adds the specificed dns names to the CSRRequest
	AddDNSNames(...string) CSRRequest

	// AddIPAddresses adds the specificed ip addresses to the CSRRequest
	AddIPAddresses(...net.IP) CSRRequest

	// Commit signs the request with the request's key, returning the
	// parsed request and its PEM encoding.
	Commit() (*x509.CertificateRequest, []byte, error)
}

// DefaultCSRRequest is a default implementation of the CSRRequest interface
type DefaultCSRRequest struct {
	dnsNames    set.Strings
	ipAddresses map[string]net.IP
	signer      crypto.Signer
	subject     pkix.Name
}

// NewCSRRequest creates a DefaultCSRRequest for the supplied subject. The
// signer is the private key that the resulting certificate will certify;
// it is never embedded in the request.
func NewCSRRequest(subject pkix.Name, signer crypto.Signer) *DefaultCSRRequest {
	return &DefaultCSRRequest{
		dnsNames:    set.Strings{},
		ipAddresses: map[string]net.IP{},
		signer:      signer,
		subject:     subject,
	}
}

// AddDNSNames implements CSRRequest AddDNSNames
func (d *DefaultCSRRequest) AddDNSNames(dnsNames ...string) CSRRequest {
	for _, name := range dnsNames {
		if name != "" {
			d.dnsNames.Add(name)
		}
	}
	return d
}

// AddIPAddresses implements CSRRequest AddIPAddresses
func (d *DefaultCSRRequest) AddIPAddresses(ipAddresses ...net.IP) CSRRequest {
	for _, ipAddress := range ipAddresses {
		if ipAddress == nil {
			continue
		}
		ipStr := ipAddress.String()
		if _, exists := d.ipAddresses[ipStr]; !exists {
			d.ipAddresses[ipStr] = ipAddress
		}
	}
	return d
}

// Commit implements CSRRequest Commit
func (d *DefaultCSRRequest) Commit() (*x509.CertificateRequest, []byte, error) {
	if d.signer == nil {
		return nil, nil, errors.NotValidf("nil signer")
	}

	template := &x509.CertificateRequest{
		DNSNames:    d.dnsNames.SortedValues(),
		IPAddresses: ipAddressMapToSlice(d.ipAddresses),
		Subject:     d.subject,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, d.signer)
	if err != nil {
		return nil, nil, errors.Annotate(err, "creating certificate signing request")
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, nil, errors.Annotate(err, "parsing certificate signing request")
	}
	return csr, CSRToPem(csr), nil
}

// ipAddressMapToSlice returns the addresses ordered by their string form so
// that identical requests encode identically.
func ipAddressMapToSlice(m map[string]net.IP) []net.IP {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rval := make([]net.IP, len(keys))
	for i, k := range keys {
		rval[i] = m[k]
	}
	return rval
}
