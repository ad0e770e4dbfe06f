// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package restart restarts the dashboards service at most once for each
// distinct set of credentials and certificates, and tracks whether the
// service came back.
package restart

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/retry"
)

var logger = loggo.GetLogger("opensearch-dashboards.restart")

const (
	// RestartTimedOut is returned by an attempt whose service did not
	// become healthy within the restart timeout.
	RestartTimedOut = errors.ConstError("restart timed out")

	// Superseded is returned by Complete for an attempt replaced by a
	// newer request.
	Superseded = errors.ConstError("restart superseded")
)

// State is the last known state of the service.
type State string

const (
	Unknown    State = "unknown"
	Restarting State = "restarting"
	Running    State = "running"
	TimedOut   State = "timed-out"
	Failed     State = "failed"
)

// ServiceController restarts the workload service.
type ServiceController interface {
	Restart(ctx context.Context) error
}

// HealthProber checks whether the restarted service is serving.
type HealthProber interface {
	Probe(ctx context.Context) error
}

// Record is the restart history that outlives the process.
type Record struct {
	// Applied is the fingerprint of the last successful restart.
	Applied string `yaml:"applied,omitempty"`

	// TimedOut is the fingerprint of a restart that did not become
	// healthy in time.
	TimedOut string `yaml:"timed-out,omitempty"`

	// Failed is the fingerprint of a restart the service manager
	// refused or could not carry out.
	Failed string `yaml:"failed,omitempty"`
}

// Recorder persists the restart Record.
type Recorder interface {
	Load() (Record, error)
	Save(Record) error
}

// Config holds the dependencies of a Coordinator.
type Config struct {
	Controller ServiceController
	Prober     HealthProber
	Recorder   Recorder
	Clock      clock.Clock

	// Timeout bounds an attempt: the restart itself and the wait for
	// the service to become healthy.
	Timeout time.Duration

	// ProbeInterval is the delay between health probes.
	ProbeInterval time.Duration
}

// Validate returns an error if config cannot drive a Coordinator.
func (config Config) Validate() error {
	if config.Controller == nil {
		return errors.NotValidf("nil Controller")
	}
	if config.Prober == nil {
		return errors.NotValidf("nil Prober")
	}
	if config.Recorder == nil {
		return errors.NotValidf("nil Recorder")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Timeout <= 0 {
		return errors.NotValidf("non-positive Timeout")
	}
	if config.ProbeInterval <= 0 {
		return errors.NotValidf("non-positive ProbeInterval")
	}
	return nil
}

// Coordinator hands out restart attempts and records their outcome.
// A fingerprint that was applied, or whose restart timed out or failed,
// is never attempted again until a different fingerprint has been
// requested.
type Coordinator struct {
	config Config

	mu       sync.Mutex
	applied  string
	timedOut string
	failed   string
	inflight *Attempt
	state    State
}

// NewCoordinator returns a Coordinator that starts from the Record the
// Recorder holds.
func NewCoordinator(config Config) (*Coordinator, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	record, err := config.Recorder.Load()
	if err != nil {
		return nil, errors.Annotate(err, "reading restart record")
	}
	state := Unknown
	switch {
	case record.TimedOut != "":
		state = TimedOut
	case record.Failed != "":
		state = Failed
	}
	return &Coordinator{
		config:   config,
		applied:  record.Applied,
		timedOut: record.TimedOut,
		failed:   record.Failed,
		state:    state,
	}, nil
}

// State returns the last known service state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Applied returns the fingerprint of the last successful restart.
func (c *Coordinator) Applied() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied
}

// TimedOut reports whether the restart for fingerprint timed out.
func (c *Coordinator) TimedOut(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timedOut != "" && c.timedOut == fingerprint
}

// Failed reports whether the restart for fingerprint timed out or
// failed outright.
func (c *Coordinator) Failed(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stuck(fingerprint)
}

func (c *Coordinator) stuck(fingerprint string) bool {
	return fingerprint != "" && (fingerprint == c.timedOut || fingerprint == c.failed)
}

// Running reports whether the service is known to be serving
// fingerprint. A unit that applied fingerprint in an earlier process
// counts as running until an attempt says otherwise.
func (c *Coordinator) Running(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight != nil || c.applied != fingerprint {
		return false
	}
	return c.state == Running || c.state == Unknown
}

// Request returns an attempt to restart for fingerprint, or nil if no
// restart is needed. A request for a new fingerprint abandons any
// attempt still in flight.
func (c *Coordinator) Request(fingerprint string) *Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()

	if fingerprint == c.applied || c.stuck(fingerprint) {
		return nil
	}
	if c.inflight != nil {
		if c.inflight.fingerprint == fingerprint {
			return nil
		}
		logger.Debugf("abandoning restart for %.12s", c.inflight.fingerprint)
		c.inflight.abandon()
	}
	c.timedOut = ""
	c.failed = ""

	ctx, cancel := context.WithCancel(context.Background())
	a := &Attempt{
		config:      c.config,
		fingerprint: fingerprint,
		abandoned:   ctx,
		abandon:     cancel,
	}
	c.inflight = a
	c.state = Restarting
	return a
}

// Complete records the result of running a. The result of an attempt
// that has since been superseded is discarded and Superseded returned.
// An attempt stopped by its caller's context is forgotten, so the next
// request for its fingerprint tries again; any other failure is recorded
// and not retried.
func (c *Coordinator) Complete(a *Attempt, result error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inflight != a {
		return errors.Trace(Superseded)
	}
	c.inflight = nil
	a.abandon()

	switch {
	case result == nil:
		c.applied = a.fingerprint
		c.state = Running
		logger.Infof("service restarted for %.12s", a.fingerprint)
		if err := c.config.Recorder.Save(Record{Applied: a.fingerprint}); err != nil {
			return errors.Annotate(err, "recording applied fingerprint")
		}
	case errors.Is(result, context.Canceled):
		c.state = Unknown
		logger.Debugf("restart for %.12s stopped: %v", a.fingerprint, result)
	case errors.Is(result, RestartTimedOut):
		c.timedOut = a.fingerprint
		c.state = TimedOut
		logger.Errorf("service restart for %.12s: %v", a.fingerprint, result)
		if err := c.config.Recorder.Save(Record{Applied: c.applied, TimedOut: a.fingerprint}); err != nil {
			return errors.Annotate(err, "recording timed out fingerprint")
		}
	default:
		c.failed = a.fingerprint
		c.state = Failed
		logger.Errorf("service restart for %.12s failed: %v", a.fingerprint, result)
		if err := c.config.Recorder.Save(Record{Applied: c.applied, Failed: a.fingerprint}); err != nil {
			return errors.Annotate(err, "recording failed fingerprint")
		}
	}
	return nil
}

// errDeadline cancels an attempt that ran out of time.
const errDeadline = errors.ConstError("restart deadline exceeded")

// Attempt is a single restart of the service.
type Attempt struct {
	config      Config
	fingerprint string
	abandoned   context.Context
	abandon     context.CancelFunc
}

// Fingerprint returns the fingerprint the attempt applies.
func (a *Attempt) Fingerprint() string {
	return a.fingerprint
}

// Run restarts the service and waits for it to become healthy, all
// within the configured timeout. It stops early when ctx is done or the
// attempt is superseded.
func (a *Attempt) Run(ctx context.Context) error {
	if a.abandoned.Err() != nil {
		return errors.Trace(Superseded)
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(a.abandoned, func() { cancel(nil) })
	defer stop()
	deadline := a.config.Clock.AfterFunc(a.config.Timeout, func() { cancel(errDeadline) })
	defer deadline.Stop()

	if err := a.config.Controller.Restart(ctx); err != nil {
		if errors.Is(context.Cause(ctx), errDeadline) {
			return errors.Annotatef(RestartTimedOut, "service not restarted after %s: %v", a.config.Timeout, err)
		}
		return errors.Annotate(err, "restarting service")
	}

	var probeErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			probeErr = a.config.Prober.Probe(ctx)
			return probeErr
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Tracef("health probe %d: %v", attempt, err)
		},
		Attempts:    -1,
		Delay:       a.config.ProbeInterval,
		MaxDuration: a.config.Timeout,
		Clock:       a.config.Clock,
		Stop:        ctx.Done(),
	})
	switch {
	case err == nil:
		return nil
	case retry.IsDurationExceeded(err), errors.Is(context.Cause(ctx), errDeadline):
		return errors.Annotatef(RestartTimedOut, "service not healthy after %s: %v",
			a.config.Timeout, probeErr)
	case retry.IsRetryStopped(err):
		return errors.Trace(context.Cause(ctx))
	}
	return errors.Trace(err)
}
