// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pki

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"io"
	"strings"

	"github.com/juju/errors"
)

const (
	pemTypeCertificate        = "CERTIFICATE"
	pemTypeCertificateRequest = "CERTIFICATE REQUEST"
	pemTypePKCS8              = "PRIVATE KEY"
	pemTypePKCS1              = "RSA PRIVATE KEY"
	pemTypeEC                 = "EC PRIVATE KEY"
)

// CertificateToPemString turns the supplied certificates into a single PEM
// bundle, in the order they were supplied.
func CertificateToPemString(certs ...*x509.Certificate) (string, error) {
	builder := strings.Builder{}
	if err := CertificateToPemWriter(&builder, certs...); err != nil {
		return "", errors.Trace(err)
	}
	return builder.String(), nil
}

// CertificateToPemWriter writes the supplied certificates to w as PEM blocks.
func CertificateToPemWriter(w io.Writer, certs ...*x509.Certificate) error {
	for _, cert := range certs {
		if cert == nil {
			return errors.NotValidf("nil certificate")
		}
		if err := pem.Encode(w, &pem.Block{
			Type:  pemTypeCertificate,
			Bytes: cert.Raw,
		}); err != nil {
			return errors.Annotate(err, "encoding certificate")
		}
	}
	return nil
}

// CSRToPem returns the PEM encoding of the certificate signing request.
func CSRToPem(csr *x509.CertificateRequest) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  pemTypeCertificateRequest,
		Bytes: csr.Raw,
	})
}

// SignerToPemString returns the PKCS#8 PEM encoding of the private key.
func SignerToPemString(signer crypto.Signer) (string, error) {
	builder := strings.Builder{}
	if err := SignerToPemWriter(&builder, signer); err != nil {
		return "", errors.Trace(err)
	}
	return builder.String(), nil
}

// SignerToPemWriter writes the PKCS#8 PEM encoding of the private key to w.
func SignerToPemWriter(w io.Writer, signer crypto.Signer) error {
	der, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return errors.Annotate(err, "marshalling private key")
	}
	return errors.Trace(pem.Encode(w, &pem.Block{
		Type:  pemTypePKCS8,
		Bytes: der,
	}))
}

// UnmarshalPemData splits the supplied PEM data into certificates and
// private keys. Blocks of any other type are ignored.
func UnmarshalPemData(pemData []byte) ([]*x509.Certificate, []crypto.Signer, error) {
	var (
		certs   []*x509.Certificate
		signers []crypto.Signer
	)
	for {
		var block *pem.Block
		block, pemData = pem.Decode(pemData)
		if block == nil {
			break
		}
		switch block.Type {
		case pemTypeCertificate:
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, nil, errors.Annotate(err, "parsing pem certificate")
			}
			certs = append(certs, cert)
		case pemTypePKCS8, pemTypePKCS1, pemTypeEC:
			signer, err := parseSigner(block)
			if err != nil {
				return nil, nil, errors.Trace(err)
			}
			signers = append(signers, signer)
		}
	}
	return certs, signers, nil
}

// UnmarshalCertificatesPem parses every certificate in the bundle.
func UnmarshalCertificatesPem(pemData string) ([]*x509.Certificate, error) {
	certs, _, err := UnmarshalPemData([]byte(pemData))
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(certs) == 0 {
		return nil, errors.NotFoundf("certificate in pem data")
	}
	return certs, nil
}

// UnmarshalSignerPem parses exactly one private key from pemData.
func UnmarshalSignerPem(pemData string) (crypto.Signer, error) {
	_, signers, err := UnmarshalPemData([]byte(pemData))
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(signers) != 1 {
		return nil, errors.NotValidf("pem data with %d private keys", len(signers))
	}
	return signers[0], nil
}

// UnmarshalCSRPem parses a PEM encoded certificate signing request and
// checks its self signature.
func UnmarshalCSRPem(pemData string) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil || block.Type != pemTypeCertificateRequest {
		return nil, errors.NotValidf("certificate request pem data")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, errors.Annotate(err, "parsing certificate request")
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, errors.Annotate(err, "checking certificate request signature")
	}
	return csr, nil
}

func parseSigner(block *pem.Block) (crypto.Signer, error) {
	var (
		key interface{}
		err error
	)
	switch block.Type {
	case pemTypePKCS8:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case pemTypePKCS1:
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case pemTypeEC:
		key, err = x509.ParseECPrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "parsing %s", strings.ToLower(block.Type))
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, errors.NotSupportedf("private key type %T", key)
	}
	return signer, nil
}
