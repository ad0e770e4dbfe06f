// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package peersecrets

import (
	"context"
	"sort"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/names/v5"
)

var logger = loggo.GetLogger("opensearch-dashboards.peersecrets")

// Leadership reports whether this unit is currently the application leader.
// It is supplied by the orchestrator and never derived here.
type Leadership interface {
	IsLeader() (bool, error)
}

// Config holds the dependencies of a Store.
type Config struct {
	Backend    Backend
	Leadership Leadership

	// Unit is the name of the unit owning this store, for example
	// "opensearch-dashboards/0".
	Unit string
}

// Validate returns an error if config cannot drive a Store.
func (config Config) Validate() error {
	if config.Backend == nil {
		return errors.NotValidf("nil Backend")
	}
	if config.Leadership == nil {
		return errors.NotValidf("nil Leadership")
	}
	if !names.IsValidUnit(config.Unit) {
		return errors.NotValidf("unit name %q", config.Unit)
	}
	return nil
}

// Store gives typed access to the application and unit secret scopes of
// the peer relation.
type Store struct {
	backend    Backend
	leadership Leadership
	unit       string
}

// NewStore returns a Store backed by config.
func NewStore(config Config) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Store{
		backend:    config.Backend,
		leadership: config.Leadership,
		unit:       config.Unit,
	}, nil
}

// Unit returns the name of the unit owning the store.
func (s *Store) Unit() string {
	return s.unit
}

// Joined reports whether the peer relation is available.
func (s *Store) Joined() bool {
	return s.backend.Joined()
}

// Get returns the value of key, or an error satisfying errors.NotFound
// if it is absent.
func (s *Store) Get(ctx context.Context, key Key) (string, error) {
	data, err := s.Snapshot(ctx, key.Scope)
	if err != nil {
		return "", errors.Trace(err)
	}
	value, ok := data[key.Name]
	if !ok || value == "" {
		return "", errors.NotFoundf("%s", key)
	}
	return value, nil
}

// Has reports whether key holds a non-empty value.
func (s *Store) Has(ctx context.Context, key Key) (bool, error) {
	_, err := s.Get(ctx, key)
	if errors.Is(err, errors.NotFound) {
		return false, nil
	} else if err != nil {
		return false, errors.Trace(err)
	}
	return true, nil
}

// Snapshot returns all values held in the given scope.
func (s *Store) Snapshot(ctx context.Context, scope Scope) (map[string]string, error) {
	bag, err := s.bag(scope)
	if err != nil {
		return nil, errors.Trace(err)
	}
	data, err := s.backend.Read(ctx, bag)
	return data, errors.Trace(err)
}

// SetOption modifies how a write treats values that are already present.
type SetOption func(*setOptions)

type setOptions struct {
	rotate bool
}

// WithRotation allows a write to replace present values.
func WithRotation() SetOption {
	return func(o *setOptions) {
		o.rotate = true
	}
}

// Set writes a single key. See SetMany.
func (s *Store) Set(ctx context.Context, key Key, value string, opts ...SetOption) error {
	return errors.Trace(s.SetMany(ctx, map[Key]string{key: value}, opts...))
}

// SetMany writes all values in one backend update, or none of them.
// Every key must belong to the same scope. Application scoped writes
// require leadership and fail with WriteDenied otherwise. A key that is
// already present with the same value is left alone; one present with a
// different value fails the whole write with WriteConflict unless
// WithRotation is passed.
func (s *Store) SetMany(ctx context.Context, values map[Key]string, opts ...SetOption) error {
	if len(values) == 0 {
		return nil
	}
	var options setOptions
	for _, opt := range opts {
		opt(&options)
	}

	scope, err := singleScope(values)
	if err != nil {
		return errors.Trace(err)
	}
	if scope == Application {
		leader, err := s.leadership.IsLeader()
		if err != nil {
			return errors.Annotate(err, "checking leadership")
		}
		if !leader {
			logger.Debugf("unit %q denied write to %s scope", s.unit, scope)
			return errors.Annotatef(WriteDenied, "unit %q is not leader", s.unit)
		}
	}
	bag, err := s.bag(scope)
	if err != nil {
		return errors.Trace(err)
	}

	keys := sortedKeys(values)
	return errors.Trace(s.backend.Update(ctx, bag, func(data map[string]string) error {
		for _, key := range keys {
			value := values[key]
			current, present := data[key.Name]
			switch {
			case present && current == value:
			case present && current != "" && !options.rotate:
				logger.Debugf("rejecting write to %s: %s already set", bag, key)
				return errors.Annotatef(WriteConflict, "%s already set", key)
			case value == "":
				delete(data, key.Name)
			default:
				data[key.Name] = value
			}
		}
		return nil
	}))
}

// Delete removes keys from the unit scope. Application values are never
// deleted, only rotated.
func (s *Store) Delete(ctx context.Context, keys ...Key) error {
	if len(keys) == 0 {
		return nil
	}
	for _, key := range keys {
		if key.Scope != Unit {
			return errors.NotSupportedf("deleting %s", key)
		}
	}
	return errors.Trace(s.backend.Update(ctx, UnitBag(s.unit), func(data map[string]string) error {
		for _, key := range keys {
			delete(data, key.Name)
		}
		return nil
	}))
}

func (s *Store) bag(scope Scope) (Bag, error) {
	switch scope {
	case Application:
		return ApplicationBag(), nil
	case Unit:
		return UnitBag(s.unit), nil
	}
	return Bag{}, errors.NotValidf("scope %q", scope)
}

func singleScope(values map[Key]string) (Scope, error) {
	var scope Scope
	for key := range values {
		if scope == "" {
			scope = key.Scope
		} else if key.Scope != scope {
			return "", errors.NotValidf("write spanning scopes %q and %q", scope, key.Scope)
		}
	}
	return scope, nil
}

func sortedKeys(values map[Key]string) []Key {
	keys := make([]Key, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Name < keys[j].Name
	})
	return keys
}
