// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package coordinator provides the worker that feeds a unit's coordination
// events, one at a time, through reconciliation passes and runs the
// restarts those passes ask for.
package coordinator

import (
	"context"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/canonical/opensearch-dashboards-operator/core/status"
	"github.com/canonical/opensearch-dashboards-operator/internal/reconciler"
	"github.com/canonical/opensearch-dashboards-operator/internal/restart"
	"github.com/canonical/opensearch-dashboards-operator/internal/workloadstatus"
)

// Logger represents the methods used by the worker to log information.
type Logger interface {
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warningf(string, ...interface{})
	Errorf(string, ...interface{})
}

// Reconciler runs a reconciliation pass.
type Reconciler interface {
	Pass(ctx context.Context, ev reconciler.Event) (reconciler.Result, error)
}

// RestartTracker records the outcome of restart attempts.
type RestartTracker interface {
	Complete(a *restart.Attempt, result error) error
}

// Config defines the operation of the Worker.
type Config struct {
	Reconciler   Reconciler
	Restarts     RestartTracker
	StatusSetter status.StatusSetter
	Events       <-chan reconciler.Event
	Logger       Logger
	Clock        clock.Clock

	// PrometheusRegisterer is optional. When set the worker's metrics
	// are registered with it while the worker runs.
	PrometheusRegisterer prometheus.Registerer
}

// Validate returns an error if config cannot drive the Worker.
func (config Config) Validate() error {
	if config.Reconciler == nil {
		return errors.NotValidf("nil Reconciler")
	}
	if config.Restarts == nil {
		return errors.NotValidf("nil Restarts")
	}
	if config.StatusSetter == nil {
		return errors.NotValidf("nil StatusSetter")
	}
	if config.Events == nil {
		return errors.NotValidf("nil Events")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

type completion struct {
	attempt *restart.Attempt
	err     error
}

// Worker reconciles a unit whenever a coordination event arrives.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
	metrics  *Collector

	completions chan completion
	attempts    sync.WaitGroup
	reported    *workloadstatus.Status
}

// New returns a coordinator Worker backed by config, or an error.
func New(config Config) (worker.Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	w := &Worker{
		config:      config,
		metrics:     NewMetricsCollector(),
		completions: make(chan completion),
	}
	if config.PrometheusRegisterer != nil {
		if err := config.PrometheusRegisterer.Register(w.metrics); err != nil {
			return nil, errors.Annotate(err, "registering metrics")
		}
	}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	})
	if err != nil && config.PrometheusRegisterer != nil {
		config.PrometheusRegisterer.Unregister(w.metrics)
	}
	return w, errors.Trace(err)
}

// Kill is defined on worker.Worker.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

// Collector returns the worker's metrics.
func (w *Worker) Collector() *Collector {
	return w.metrics
}

func (w *Worker) loop() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		w.attempts.Wait()
		if w.config.PrometheusRegisterer != nil {
			w.config.PrometheusRegisterer.Unregister(w.metrics)
		}
	}()

	if err := w.reconcile(ctx, reconciler.Event{Kind: reconciler.Update}); err != nil {
		return errors.Trace(err)
	}
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case ev, ok := <-w.config.Events:
			if !ok {
				return errors.New("coordination event channel closed")
			}
			if err := w.reconcile(ctx, ev); err != nil {
				return errors.Trace(err)
			}
		case done := <-w.completions:
			w.complete(done)
			if err := w.reconcile(ctx, reconciler.Event{Kind: reconciler.RestartFinished}); err != nil {
				return errors.Trace(err)
			}
		}
	}
}

// reconcile runs a pass for ev. A failed pass is logged and left for the
// next event to retry; only a failure to report status stops the worker.
func (w *Worker) reconcile(ctx context.Context, ev reconciler.Event) error {
	result, err := w.config.Reconciler.Pass(ctx, ev)
	w.metrics.pass(err)
	if err != nil {
		w.config.Logger.Errorf("reconciling after %s: %v", ev.Kind, err)
		return nil
	}
	if err := w.report(result.Status); err != nil {
		return errors.Trace(err)
	}
	if result.Attempt != nil {
		w.start(ctx, result.Attempt)
	}
	return nil
}

func (w *Worker) report(st workloadstatus.Status) error {
	w.metrics.setStatus(st.Code)
	if w.reported != nil && *w.reported == st {
		return nil
	}
	info := st.Info()
	now := w.config.Clock.Now()
	info.Since = &now
	if err := w.config.StatusSetter.SetStatus(info); err != nil {
		return errors.Annotate(err, "setting status")
	}
	w.config.Logger.Infof("status %s: %q", info.Status, info.Message)
	w.reported = &st
	return nil
}

// start runs a restart attempt in the background. Its result is handed
// back to the loop, which alone records it.
func (w *Worker) start(ctx context.Context, a *restart.Attempt) {
	w.config.Logger.Debugf("starting restart for %.12s", a.Fingerprint())
	w.attempts.Add(1)
	go func() {
		defer w.attempts.Done()
		err := a.Run(ctx)
		select {
		case w.completions <- completion{attempt: a, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (w *Worker) complete(done completion) {
	err := w.config.Restarts.Complete(done.attempt, done.err)
	switch {
	case errors.Is(err, restart.Superseded):
		w.metrics.restart("superseded")
		w.config.Logger.Debugf("discarding superseded restart for %.12s", done.attempt.Fingerprint())
	case err != nil:
		w.metrics.restart("failed")
		w.config.Logger.Errorf("%v", err)
	case errors.Is(done.err, restart.RestartTimedOut):
		w.metrics.restart("timed-out")
	case done.err != nil:
		w.metrics.restart("failed")
	default:
		w.metrics.restart("success")
	}
}
