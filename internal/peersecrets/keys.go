// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package peersecrets

import (
	"fmt"
)

// Scope identifies which peer databag a key lives in.
type Scope string

const (
	// Application keys are shared by every unit and written by the
	// leader only.
	Application Scope = "app"

	// Unit keys are private to the owning unit.
	Unit Scope = "unit"
)

// Key is a typed reference to one field in a peer databag.
type Key struct {
	Scope Scope
	Name  string
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Scope, k.Name)
}

// Application scoped credential fields.
var (
	AdminUsername   = Key{Application, "admin-username"}
	AdminPassword   = Key{Application, "admin-password"}
	ServiceUsername = Key{Application, "service-username"}
	ServicePassword = Key{Application, "service-password"}
)

// Unit scoped TLS fields.
var (
	CACert      = Key{Unit, "ca-cert"}
	CSR         = Key{Unit, "csr"}
	Certificate = Key{Unit, "certificate"}
	PrivateKey  = Key{Unit, "private-key"}

	// Chain holds any intermediates delivered with the certificate.
	Chain = Key{Unit, "chain"}

	// CSRNonce identifies the outstanding request; CertificateNonce is
	// the nonce of the request the stored certificate answered.
	CSRNonce         = Key{Unit, "csr-nonce"}
	CertificateNonce = Key{Unit, "certificate-nonce"}
)

// ApplicationSecrets lists the credential fields that make up a complete
// application secret set.
var ApplicationSecrets = []Key{
	AdminUsername,
	AdminPassword,
	ServiceUsername,
	ServicePassword,
}

// UnitSecrets lists the TLS fields held per unit.
var UnitSecrets = []Key{
	CACert,
	CSR,
	Certificate,
	PrivateKey,
}
