// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pki

import (
	"crypto/x509"
	"time"

	"github.com/juju/errors"
)

// VerifyOptions describes what a leaf certificate must satisfy to be
// accepted by VerifyLeaf.
type VerifyOptions struct {
	// CA is the trust anchor the leaf must chain to.
	CA *x509.Certificate

	// Intermediates are any certificates between the leaf and the CA.
	Intermediates []*x509.Certificate

	// CommonName is the expected subject common name of the leaf.
	CommonName string

	// Request, when set, is the signing request the leaf was issued for.
	// The leaf must certify the same public key.
	Request *x509.CertificateRequest

	// Now is the time at which validity is checked.
	Now time.Time
}

// VerifyLeaf checks that leaf chains to opts.CA through the intermediates,
// that its subject matches and that it certifies the requested key.
func VerifyLeaf(leaf *x509.Certificate, opts VerifyOptions) error {
	if leaf == nil {
		return errors.NotValidf("nil leaf certificate")
	}
	if opts.CA == nil {
		return errors.NotValidf("nil CA certificate")
	}
	if leaf.Subject.CommonName != opts.CommonName {
		return errors.Errorf("certificate subject %q does not match %q", leaf.Subject.CommonName, opts.CommonName)
	}
	if opts.Request != nil && !PublicKeysEqual(leaf.PublicKey, opts.Request.PublicKey) {
		return errors.New("certificate public key does not match the signing request")
	}

	roots := x509.NewCertPool()
	roots.AddCert(opts.CA)
	intermediates := x509.NewCertPool()
	for _, cert := range opts.Intermediates {
		// The chain may repeat the root; that is harmless.
		intermediates.AddCert(cert)
	}
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   opts.Now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return errors.Annotate(err, "verifying certificate chain")
	}
	return nil
}
