// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package peersecrets

import "github.com/juju/errors"

const (
	// WriteDenied is returned when a unit that is not the leader attempts
	// to write an application scoped key.
	WriteDenied = errors.ConstError("write denied")

	// WriteConflict is returned when a write would replace a value that is
	// already present without rotation being requested.
	WriteConflict = errors.ConstError("write conflict")

	// NotJoined is returned when the peer relation has not been joined.
	NotJoined = errors.ConstError("peer relation not joined")
)
