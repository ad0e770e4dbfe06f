// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package restart

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// Inputs are the values whose change requires the service to restart.
type Inputs struct {
	Credentials map[string]string
	Certificate string
	CA          string
	Chain       string
}

// Fingerprint returns a stable digest of in. Credentials are hashed in
// key order, and every field is length prefixed so that moving bytes
// between fields changes the digest.
func Fingerprint(in Inputs) string {
	keys := make([]string, 0, len(in.Credentials))
	for k := range in.Credentials {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	write := func(s string) {
		fmt.Fprintf(h, "%d:%s;", len(s), s)
	}
	for _, k := range keys {
		write(k)
		write(in.Credentials[k])
	}
	write(in.Certificate)
	write(in.CA)
	write(in.Chain)
	return hex.EncodeToString(h.Sum(nil))
}
