// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
)

// KeyProfile is a convience way of getting a crypto private key with a default
// set of attributes
type KeyProfile func() (crypto.Signer, error)

var (
	// DefaultKeyProfile is used for unit certificate keys. Opensearch
	// Dashboards accepts RSA keys in PKCS#8 form.
	DefaultKeyProfile KeyProfile = RSA2048
)

// PublicKeysEqual reports whether the two public keys are the same key.
func PublicKeysEqual(key1, key2 crypto.PublicKey) bool {
	k, ok := key1.(interface {
		Equal(crypto.PublicKey) bool
	})
	if !ok {
		return false
	}
	return k.Equal(key2)
}

// ECDSAP256 returns a ECDSA 256 private key
func ECDSAP256() (crypto.Signer, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// RSA2048 returns a RSA 2048 private key
func RSA2048() (crypto.Signer, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}
