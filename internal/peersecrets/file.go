// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package peersecrets

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/mutex/v2"
	"github.com/juju/utils/v4"
	"gopkg.in/yaml.v3"
)

const (
	lockDelay   = 20 * time.Millisecond
	lockTimeout = 10 * time.Second
)

// FileBackend keeps each databag in a YAML file below a directory shared
// by the peers. Updates are serialised across processes with a named
// machine lock and written atomically.
type FileBackend struct {
	dir      string
	lockName string
	clock    clock.Clock
}

// NewFileBackend returns a FileBackend rooted at dir. The relation counts
// as joined once dir exists. lockName must be a valid juju/mutex name.
func NewFileBackend(dir, lockName string, clk clock.Clock) *FileBackend {
	return &FileBackend{
		dir:      dir,
		lockName: lockName,
		clock:    clk,
	}
}

// Joined is part of the Backend interface.
func (b *FileBackend) Joined() bool {
	info, err := os.Stat(b.dir)
	return err == nil && info.IsDir()
}

// Read is part of the Backend interface.
func (b *FileBackend) Read(_ context.Context, bag Bag) (map[string]string, error) {
	if !b.Joined() {
		return nil, errors.Trace(NotJoined)
	}
	data, err := b.read(bag)
	return data, errors.Trace(err)
}

// Update is part of the Backend interface.
func (b *FileBackend) Update(ctx context.Context, bag Bag, mutate func(map[string]string) error) error {
	if !b.Joined() {
		return errors.Trace(NotJoined)
	}
	releaser, err := mutex.Acquire(mutex.Spec{
		Name:    b.lockName,
		Clock:   b.clock,
		Delay:   lockDelay,
		Timeout: lockTimeout,
		Cancel:  ctx.Done(),
	})
	if err != nil {
		return errors.Annotatef(err, "acquiring lock for %s", bag)
	}
	defer releaser.Release()

	data, err := b.read(bag)
	if err != nil {
		return errors.Trace(err)
	}
	if err := mutate(data); err != nil {
		return errors.Trace(err)
	}
	content, err := yaml.Marshal(data)
	if err != nil {
		return errors.Trace(err)
	}
	path := b.path(bag)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(utils.AtomicWriteFile(path, content, 0600), "writing %s", bag)
}

func (b *FileBackend) read(bag Bag) (map[string]string, error) {
	data := make(map[string]string)
	content, err := os.ReadFile(b.path(bag))
	if os.IsNotExist(err) {
		return data, nil
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	if err := yaml.Unmarshal(content, &data); err != nil {
		return nil, errors.Annotatef(err, "reading %s", bag)
	}
	if data == nil {
		data = make(map[string]string)
	}
	return data, nil
}

func (b *FileBackend) path(bag Bag) string {
	if bag.Scope == Application {
		return filepath.Join(b.dir, "app.yaml")
	}
	return filepath.Join(b.dir, "units", strings.ReplaceAll(bag.Unit, "/", "-")+".yaml")
}
