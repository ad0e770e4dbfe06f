// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package restart

import (
	"context"
	"net"
	"time"

	"github.com/juju/errors"
)

// TCPProber considers the service healthy once its port accepts
// connections.
type TCPProber struct {
	Address     string
	DialTimeout time.Duration
}

// Probe implements HealthProber.
func (p TCPProber) Probe(ctx context.Context) error {
	dialer := net.Dialer{Timeout: p.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(conn.Close())
}

// LivenessChecker reports whether the service manager considers the
// service up.
type LivenessChecker interface {
	Running(ctx context.Context) (bool, error)
}

// RunningProber considers the service healthy while its service manager
// reports it running.
type RunningProber struct {
	Service LivenessChecker
}

// Probe implements HealthProber.
func (p RunningProber) Probe(ctx context.Context) error {
	running, err := p.Service.Running(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if !running {
		return errors.New("service not running")
	}
	return nil
}

// Probes is healthy when every prober in it is, checked in order.
type Probes []HealthProber

// Probe implements HealthProber.
func (ps Probes) Probe(ctx context.Context) error {
	for _, p := range ps {
		if err := p.Probe(ctx); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
