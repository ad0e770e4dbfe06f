// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package peersecrets

import (
	"context"
	"sync"

	"github.com/juju/errors"
)

// MemoryBackend is an in-process Backend. Several stores may share one
// MemoryBackend to model peers exchanging data over the same relation.
type MemoryBackend struct {
	mu     sync.Mutex
	joined bool
	bags   map[Bag]map[string]string
	writes int
}

// NewMemoryBackend returns a joined, empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		joined: true,
		bags:   make(map[Bag]map[string]string),
	}
}

// SetJoined records whether the peer relation is joined.
func (b *MemoryBackend) SetJoined(joined bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.joined = joined
}

// Joined is part of the Backend interface.
func (b *MemoryBackend) Joined() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.joined
}

// Read is part of the Backend interface.
func (b *MemoryBackend) Read(_ context.Context, bag Bag) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.joined {
		return nil, errors.Trace(NotJoined)
	}
	return copyData(b.bags[bag]), nil
}

// Update is part of the Backend interface.
func (b *MemoryBackend) Update(_ context.Context, bag Bag, mutate func(map[string]string) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.joined {
		return errors.Trace(NotJoined)
	}
	data := copyData(b.bags[bag])
	if err := mutate(data); err != nil {
		return errors.Trace(err)
	}
	b.bags[bag] = data
	b.writes++
	return nil
}

// Writes returns the number of committed updates, for tests.
func (b *MemoryBackend) Writes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}
