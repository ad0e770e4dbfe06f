// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package peersecrets

import (
	"context"
	"fmt"
)

// Bag names one databag of the peer relation.
type Bag struct {
	Scope Scope
	// Unit is the owning unit for unit scoped bags, empty otherwise.
	Unit string
}

// ApplicationBag returns the bag shared by all units.
func ApplicationBag() Bag {
	return Bag{Scope: Application}
}

// UnitBag returns the bag private to the named unit.
func UnitBag(unit string) Bag {
	return Bag{Scope: Unit, Unit: unit}
}

// String implements fmt.Stringer.
func (b Bag) String() string {
	if b.Scope == Application {
		return string(b.Scope)
	}
	return fmt.Sprintf("%s/%s", b.Scope, b.Unit)
}

// Backend is the peer coordination channel. It is treated as an external
// transactional key value resource: Read returns the latest delivered
// snapshot of a bag, and Update applies a mutation to a bag atomically.
type Backend interface {
	// Joined reports whether this unit is a member of the peer relation.
	Joined() bool

	// Read returns a copy of the bag contents. Absent bags are empty.
	Read(ctx context.Context, bag Bag) (map[string]string, error)

	// Update calls mutate with a copy of the current bag contents. When
	// mutate returns nil the mutated copy replaces the bag in a single
	// step; otherwise nothing is written and the error is returned.
	Update(ctx context.Context, bag Bag, mutate func(map[string]string) error) error
}

func copyData(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
