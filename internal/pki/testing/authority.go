// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/juju/errors"

	"github.com/canonical/opensearch-dashboards-operator/internal/pki"
)

// Authority is a throwaway certificate authority that signs requests the
// way the external TLS provider would.
type Authority struct {
	Certificate *x509.Certificate
	Signer      crypto.Signer
	serial      int64
}

// NewAuthority creates a self signed CA valid from an hour before now
// for a day.
func NewAuthority(commonName string, now time.Time) (*Authority, error) {
	signer, err := pki.ECDSAP256()
	if err != nil {
		return nil, errors.Trace(err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
	if err != nil {
		return nil, errors.Trace(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Authority{Certificate: cert, Signer: signer, serial: 1}, nil
}

// SignCSR issues a leaf certificate for the PEM encoded request.
func (a *Authority) SignCSR(csrPEM string, now time.Time) (*x509.Certificate, error) {
	csr, err := pki.UnmarshalCSRPem(csrPEM)
	if err != nil {
		return nil, errors.Trace(err)
	}
	a.serial++
	template := &x509.Certificate{
		SerialNumber: big.NewInt(a.serial),
		Subject:      csr.Subject,
		DNSNames:     csr.DNSNames,
		IPAddresses:  csr.IPAddresses,
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(12 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, a.Certificate, csr.PublicKey, a.Signer)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return x509.ParseCertificate(der)
}

// PEM returns the CA certificate in PEM form.
func (a *Authority) PEM() string {
	s, _ := pki.CertificateToPemString(a.Certificate)
	return s
}

// CertificatePEM is a convenience for encoding a single certificate.
func CertificatePEM(cert *x509.Certificate) string {
	s, _ := pki.CertificateToPemString(cert)
	return s
}
