// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package credentials bootstraps the application wide admin and service
// credentials exactly once, from whichever unit holds leadership.
package credentials

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/utils/v4"

	"github.com/canonical/opensearch-dashboards-operator/internal/peersecrets"
)

var logger = loggo.GetLogger("opensearch-dashboards.credentials")

const (
	// AdminUser is the name of the administrative user.
	AdminUser = "admin"

	// ServiceUser is the name of the account the dashboards server uses
	// to talk to Opensearch.
	ServiceUser = "kibanaserver"

	// maxAttempts bounds how often a leader retries after losing a write
	// race to another writer.
	maxAttempts = 3
)

// Store is the subset of the peer secret store used here.
type Store interface {
	Snapshot(ctx context.Context, scope peersecrets.Scope) (map[string]string, error)
	SetMany(ctx context.Context, values map[peersecrets.Key]string, opts ...peersecrets.SetOption) error
}

// PasswordGenerator returns a new cryptographically random password.
type PasswordGenerator func() (string, error)

// Bootstrap populates the application secret set.
type Bootstrap struct {
	store      Store
	leadership peersecrets.Leadership
	generate   PasswordGenerator
}

// NewBootstrap returns a Bootstrap writing through store. A nil generator
// uses utils.RandomPassword.
func NewBootstrap(store Store, leadership peersecrets.Leadership, generate PasswordGenerator) *Bootstrap {
	if generate == nil {
		generate = utils.RandomPassword
	}
	return &Bootstrap{
		store:      store,
		leadership: leadership,
		generate:   generate,
	}
}

// Complete reports whether data, an application scope snapshot, holds
// every credential field.
func Complete(data map[string]string) bool {
	return len(missing(data)) == 0
}

// Ensure makes sure the application secret set is complete. Non leaders
// only read. A leader generates values for every absent field and writes
// them in a single update; if another writer got there first the
// generated values are dropped and the store is read again, so a present
// value always wins. Ensure returns whether the set is complete.
func (b *Bootstrap) Ensure(ctx context.Context) (bool, error) {
	for attempt := 1; ; attempt++ {
		data, err := b.store.Snapshot(ctx, peersecrets.Application)
		if err != nil {
			return false, errors.Trace(err)
		}
		absent := missing(data)
		if len(absent) == 0 {
			return true, nil
		}

		leader, err := b.leadership.IsLeader()
		if err != nil {
			return false, errors.Annotate(err, "checking leadership")
		}
		if !leader {
			logger.Debugf("waiting for leader to create %d credential fields", len(absent))
			return false, nil
		}
		if attempt > maxAttempts {
			return false, errors.Errorf("credentials still incomplete after %d attempts", maxAttempts)
		}

		values, err := b.values(absent)
		if err != nil {
			return false, errors.Trace(err)
		}
		err = b.store.SetMany(ctx, values)
		switch {
		case err == nil:
			logger.Infof("created %d credential fields", len(values))
		case errors.Is(err, peersecrets.WriteConflict):
			logger.Warningf("credentials written concurrently, re-reading: %v", err)
		case errors.Is(err, peersecrets.WriteDenied):
			// Leadership was lost between the check and the write.
			logger.Warningf("credential write denied: %v", err)
			return false, nil
		default:
			return false, errors.Annotate(err, "writing credentials")
		}
	}
}

func (b *Bootstrap) values(keys []peersecrets.Key) (map[peersecrets.Key]string, error) {
	values := make(map[peersecrets.Key]string, len(keys))
	for _, key := range keys {
		switch key {
		case peersecrets.AdminUsername:
			values[key] = AdminUser
		case peersecrets.ServiceUsername:
			values[key] = ServiceUser
		default:
			password, err := b.generate()
			if err != nil {
				return nil, errors.Annotatef(err, "generating %s", key.Name)
			}
			values[key] = password
		}
	}
	return values, nil
}

func missing(data map[string]string) []peersecrets.Key {
	var keys []peersecrets.Key
	for _, key := range peersecrets.ApplicationSecrets {
		if data[key.Name] == "" {
			keys = append(keys, key)
		}
	}
	return keys
}
