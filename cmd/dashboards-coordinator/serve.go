// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/canonical/opensearch-dashboards-operator/cmd"
	"github.com/canonical/opensearch-dashboards-operator/core/status"
	"github.com/canonical/opensearch-dashboards-operator/internal/reconciler"
	"github.com/canonical/opensearch-dashboards-operator/internal/unitstate"
	"github.com/canonical/opensearch-dashboards-operator/worker/coordinator"
)

// statusPrinter records every status change in the unit state file and
// prints it.
type statusPrinter struct {
	state *unitstate.StateFile
	out   io.Writer
}

// SetStatus is part of the status.StatusSetter interface.
func (p statusPrinter) SetStatus(info status.StatusInfo) error {
	if err := p.state.SetStatus(info); err != nil {
		return errors.Trace(err)
	}
	_, err := fmt.Fprintln(p.out, formatStatus(info))
	return errors.Trace(err)
}

func (c *coordinatorCommand) runServe(ctx *cmd.Context, u *unit) error {
	registry := prometheus.NewRegistry()
	events := make(chan reconciler.Event)
	w, err := coordinator.New(coordinator.Config{
		Reconciler:           u.reconciler,
		Restarts:             u.restarts,
		StatusSetter:         statusPrinter{state: u.state, out: ctx.Stdout},
		Events:               events,
		Logger:               loggo.GetLogger("opensearch-dashboards.worker.coordinator"),
		Clock:                c.clock,
		PrometheusRegisterer: registry,
	})
	if err != nil {
		return errors.Trace(err)
	}

	if c.metricsAddress != "" {
		stop, err := serveMetrics(c.metricsAddress, registry)
		if err != nil {
			w.Kill()
			_ = w.Wait()
			return errors.Trace(err)
		}
		defer stop()
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		feedEvents(ctx.Stdin, events, done, u)
		w.Kill()
	}()
	return errors.Trace(w.Wait())
}

// feedEvents sends an event to the worker for every event name read from
// r until r is exhausted or done is closed.
func feedEvents(r io.Reader, events chan<- reconciler.Event, done <-chan struct{}, u *unit) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name == "" {
			continue
		}
		kind, err := parseEventKind(name)
		if err != nil {
			logger.Warningf("ignoring event: %v", err)
			continue
		}
		ev, err := newEvent(kind, u.authority)
		if err != nil {
			logger.Warningf("ignoring %s: %v", kind, err)
			continue
		}
		select {
		case events <- ev:
		case <-done:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Errorf("reading events: %v", err)
	}
}

func serveMetrics(address string, registry *prometheus.Registry) (func(), error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.Annotate(err, "listening for metrics")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("serving metrics: %v", err)
		}
	}()
	logger.Infof("serving metrics on %s", listener.Addr())
	return func() { _ = server.Close() }, nil
}
