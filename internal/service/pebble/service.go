// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package pebble controls the dashboards service inside a workload
// container through its pebble daemon.
package pebble

import (
	"context"
	"time"

	"github.com/canonical/pebble/client"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("opensearch-dashboards.service.pebble")

// Client is the subset of the pebble client used to control a service.
type Client interface {
	Restart(opts *client.ServiceOptions) (changeID string, err error)
	WaitChange(id string, opts *client.WaitChangeOptions) (*client.Change, error)
	Services(opts *client.ServicesOptions) ([]*client.ServiceInfo, error)
}

// NewClient connects to the pebble daemon listening on socket.
func NewClient(socket string) (Client, error) {
	c, err := client.New(&client.Config{Socket: socket})
	if err != nil {
		return nil, errors.Annotatef(err, "connecting to pebble at %q", socket)
	}
	return c, nil
}

// Service is a pebble managed service.
type Service struct {
	Name string

	client Client
}

// NewService returns a controller for the named pebble service.
func NewService(name string, c Client) *Service {
	return &Service{Name: name, client: c}
}

type waitResult struct {
	change *client.Change
	err    error
}

// Restart restarts the service and waits for pebble to finish the change.
// The wait ends early when ctx is done, leaving the change to pebble.
func (s *Service) Restart(ctx context.Context) error {
	changeID, err := s.client.Restart(&client.ServiceOptions{Names: []string{s.Name}})
	if err != nil {
		return errors.Annotatef(err, "restarting service %q", s.Name)
	}

	opts := &client.WaitChangeOptions{}
	if deadline, ok := ctx.Deadline(); ok {
		opts.Timeout = time.Until(deadline)
	}
	done := make(chan waitResult, 1)
	go func() {
		change, err := s.client.WaitChange(changeID, opts)
		done <- waitResult{change: change, err: err}
	}()
	var change *client.Change
	select {
	case <-ctx.Done():
		return errors.Annotatef(ctx.Err(), "waiting for change %s", changeID)
	case result := <-done:
		if result.err != nil {
			return errors.Annotatef(result.err, "waiting for change %s", changeID)
		}
		change = result.change
	}
	if change.Err != "" {
		return errors.Errorf("restarting service %q: %s", s.Name, change.Err)
	}
	logger.Debugf("service %q restarted in change %s", s.Name, changeID)
	return nil
}

// Running reports whether pebble considers the service active.
func (s *Service) Running(ctx context.Context) (bool, error) {
	services, err := s.client.Services(&client.ServicesOptions{Names: []string{s.Name}})
	if err != nil {
		return false, errors.Annotatef(err, "querying service %q", s.Name)
	}
	for _, svc := range services {
		if svc.Name == s.Name {
			return svc.Current == client.StatusActive, nil
		}
	}
	return false, nil
}
