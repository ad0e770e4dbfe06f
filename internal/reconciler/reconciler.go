// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package reconciler runs the single pass that every coordination event
// triggers: read the peer store, bootstrap credentials, advance the
// certificate lifecycle, derive the status and decide whether the service
// needs a restart.
package reconciler

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/canonical/opensearch-dashboards-operator/internal/certificates"
	"github.com/canonical/opensearch-dashboards-operator/internal/peersecrets"
	"github.com/canonical/opensearch-dashboards-operator/internal/restart"
	"github.com/canonical/opensearch-dashboards-operator/internal/workloadstatus"
)

var logger = loggo.GetLogger("opensearch-dashboards.reconciler")

// EventKind identifies a coordination event.
type EventKind string

const (
	PeerChanged                EventKind = "peer-changed"
	LeadershipChanged          EventKind = "leadership-changed"
	CertificateAvailable       EventKind = "certificate-available"
	CertificateAuthorityJoined EventKind = "certificate-authority-joined"
	CertificateAuthorityGone   EventKind = "certificate-authority-gone"
	CARotated                  EventKind = "ca-rotated"
	DatabaseChanged            EventKind = "database-changed"
	RestartFinished            EventKind = "restart-finished"
	Update                     EventKind = "update"
)

// Event is a coordination event delivered to a unit.
type Event struct {
	Kind EventKind

	// Response is set for CertificateAvailable events.
	Response *certificates.Response
}

// DatabaseInfo describes the opensearch relation.
type DatabaseInfo struct {
	Endpoints      []string
	CredentialsRef string
	Connected      bool
}

// Database reports the state of the opensearch relation.
type Database interface {
	Info(ctx context.Context) (DatabaseInfo, error)
}

// Store is the peer store as seen by a pass.
type Store interface {
	Joined() bool
	Snapshot(ctx context.Context, scope peersecrets.Scope) (map[string]string, error)
}

// Credentials bootstraps the application credentials.
type Credentials interface {
	Ensure(ctx context.Context) (bool, error)
}

// Certificates drives the unit's certificate lifecycle.
type Certificates interface {
	Reconcile(ctx context.Context) (certificates.State, error)
	Rerequest(ctx context.Context) error
	Rotate(ctx context.Context) (certificates.State, error)
	HandleResponse(ctx context.Context, resp certificates.Response) (certificates.State, error)
}

// Restarter decides on and tracks service restarts.
type Restarter interface {
	Request(fingerprint string) *restart.Attempt
	Failed(fingerprint string) bool
	Running(fingerprint string) bool
}

// Config holds the dependencies of a Reconciler.
type Config struct {
	Store        Store
	Credentials  Credentials
	Certificates Certificates
	Database     Database
	Restarter    Restarter
}

// Validate returns an error if config cannot drive a Reconciler.
func (config Config) Validate() error {
	if config.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if config.Credentials == nil {
		return errors.NotValidf("nil Credentials")
	}
	if config.Certificates == nil {
		return errors.NotValidf("nil Certificates")
	}
	if config.Database == nil {
		return errors.NotValidf("nil Database")
	}
	if config.Restarter == nil {
		return errors.NotValidf("nil Restarter")
	}
	return nil
}

// Result is the outcome of a pass.
type Result struct {
	Status workloadstatus.Status

	// Fingerprint summarises the credentials and certificates the
	// service should be running with. It is empty until they are ready.
	Fingerprint string

	// Attempt is a restart the caller must run, or nil.
	Attempt *restart.Attempt
}

// Reconciler runs reconciliation passes for one unit. Passes must not
// overlap.
type Reconciler struct {
	config Config
}

// New returns a Reconciler.
func New(config Config) (*Reconciler, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Reconciler{config: config}, nil
}

// Pass reconciles the unit after ev. Every pass recomputes everything from
// stored state, so any event, delivered any number of times, converges on
// the same result.
func (r *Reconciler) Pass(ctx context.Context, ev Event) (Result, error) {
	logger.Debugf("reconciling after %s", ev.Kind)

	var in workloadstatus.Inputs
	in.PeerJoined = r.config.Store.Joined()
	if !in.PeerJoined {
		return Result{Status: workloadstatus.Derive(in)}, nil
	}

	// Certificate events are applied first so that a delivered response
	// is stored even when bootstrapping fails below.
	if err := r.handle(ctx, ev); err != nil {
		return Result{}, errors.Trace(err)
	}

	complete, err := r.config.Credentials.Ensure(ctx)
	if err != nil {
		return Result{}, errors.Annotate(err, "bootstrapping credentials")
	}
	in.CredentialsComplete = complete

	cert, tls, err := r.certificates(ctx)
	if err != nil {
		return Result{}, errors.Trace(err)
	}
	in.TLSRelation = tls
	in.CertificateIssued = cert.Phase == certificates.Issued

	db, err := r.config.Database.Info(ctx)
	if err != nil {
		return Result{}, errors.Annotate(err, "reading database relation")
	}
	in.DatabaseConnected = db.Connected && len(db.Endpoints) > 0

	var result Result
	if in.CredentialsComplete && (!in.TLSRelation || in.CertificateIssued) && in.DatabaseConnected {
		creds, err := r.config.Store.Snapshot(ctx, peersecrets.Application)
		if err != nil {
			return Result{}, errors.Trace(err)
		}
		inputs := restart.Inputs{Credentials: creds}
		if in.TLSRelation {
			inputs.Certificate = cert.Certificate
			inputs.CA = cert.CA
			inputs.Chain = cert.Chain
		}
		result.Fingerprint = restart.Fingerprint(inputs)
		result.Attempt = r.config.Restarter.Request(result.Fingerprint)
		in.RestartTimedOut = r.config.Restarter.Failed(result.Fingerprint)
		in.ServiceRunning = r.config.Restarter.Running(result.Fingerprint)
	}

	result.Status = workloadstatus.Derive(in)
	logger.Debugf("status %s", result.Status.Code)
	return result, nil
}

// handle applies ev to the certificate lifecycle.
func (r *Reconciler) handle(ctx context.Context, ev Event) error {
	lc := r.config.Certificates
	var err error
	switch ev.Kind {
	case CertificateAvailable:
		if ev.Response == nil {
			return errors.NotValidf("certificate event without a response")
		}
		_, err = lc.HandleResponse(ctx, *ev.Response)
	case CertificateAuthorityJoined:
		err = lc.Rerequest(ctx)
	case CARotated:
		_, err = lc.Rotate(ctx)
	}
	switch {
	case errors.Is(err, certificates.CertificateInvalid):
		logger.Warningf("%v", err)
	case errors.Is(err, certificates.NoCertificateAuthority):
	case err != nil:
		return errors.Annotate(err, "handling certificate event")
	}
	return nil
}

// certificates advances the certificate lifecycle and reports the
// resulting state and whether a certificate authority is related.
func (r *Reconciler) certificates(ctx context.Context) (certificates.State, bool, error) {
	state, err := r.config.Certificates.Reconcile(ctx)
	if errors.Is(err, certificates.NoCertificateAuthority) {
		return state, false, nil
	} else if err != nil {
		return certificates.State{}, false, errors.Annotate(err, "reconciling certificate")
	}
	return state, true, nil
}
