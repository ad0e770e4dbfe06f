// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/canonical/opensearch-dashboards-operator/internal/certificates"
	"github.com/canonical/opensearch-dashboards-operator/internal/reconciler"
)

var eventKinds = set.NewStrings(
	string(reconciler.PeerChanged),
	string(reconciler.LeadershipChanged),
	string(reconciler.CertificateAvailable),
	string(reconciler.CertificateAuthorityJoined),
	string(reconciler.CertificateAuthorityGone),
	string(reconciler.CARotated),
	string(reconciler.DatabaseChanged),
	string(reconciler.Update),
)

// parseEventKind returns the event kind named name. Restart completion is
// internal to the coordinator and cannot be dispatched.
func parseEventKind(name string) (reconciler.EventKind, error) {
	if !eventKinds.Contains(name) {
		return "", errors.NotValidf("event %q", name)
	}
	return reconciler.EventKind(name), nil
}

// responseSource supplies the certificate authority's latest response.
type responseSource interface {
	Response() (certificates.Response, error)
}

// newEvent builds the event for kind, attaching the authority's response
// to certificate-available events.
func newEvent(kind reconciler.EventKind, responses responseSource) (reconciler.Event, error) {
	ev := reconciler.Event{Kind: kind}
	if kind != reconciler.CertificateAvailable {
		return ev, nil
	}
	resp, err := responses.Response()
	if err != nil {
		return reconciler.Event{}, errors.Annotate(err, "reading certificate response")
	}
	ev.Response = &resp
	return ev, nil
}
