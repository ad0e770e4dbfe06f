// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package systemd

import (
	"context"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("opensearch-dashboards.service.systemd")

// DBusAPI describes the systemd dbus calls used to control a unit.
type DBusAPI interface {
	Close()
	ListUnitsByNamesContext(ctx context.Context, units []string) ([]dbus.UnitStatus, error)
	RestartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
}

// Type alias for a DBusAPI factory method.
type DBusAPIFactory = func(ctx context.Context) (DBusAPI, error)

// NewDBusAPI connects to the system bus.
var NewDBusAPI = func(ctx context.Context) (DBusAPI, error) {
	return dbus.NewWithContext(ctx)
}

// Service controls the systemd unit running the dashboards server. On a
// machine this is the snap's daemon unit.
type Service struct {
	Name     string
	UnitName string

	newDBus DBusAPIFactory
}

// NewService returns a reference to the named systemd service.
func NewService(name string, newDBus DBusAPIFactory) *Service {
	unitName := name
	if !strings.HasSuffix(unitName, ".service") {
		unitName += ".service"
	}
	return &Service{
		Name:     name,
		UnitName: unitName,
		newDBus:  newDBus,
	}
}

func (s *Service) errorf(err error, msg string, args ...interface{}) error {
	msg += " for service %q"
	args = append(args, s.Name)
	if err == nil {
		err = errors.Errorf(msg, args...)
	} else {
		err = errors.Annotatef(err, msg, args...)
	}
	logger.Errorf("%v", err)
	return err
}

func (s *Service) newConn(ctx context.Context) (DBusAPI, error) {
	conn, err := s.newDBus(ctx)
	if err != nil {
		logger.Errorf("failed to connect to dbus for service %q: %v", s.Name, err)
	}
	return conn, errors.Trace(err)
}

// Running reports whether the unit is loaded and active.
func (s *Service) Running(ctx context.Context) (bool, error) {
	conn, err := s.newConn(ctx)
	if err != nil {
		return false, errors.Trace(err)
	}
	defer conn.Close()

	units, err := conn.ListUnitsByNamesContext(ctx, []string{s.UnitName})
	if err != nil {
		return false, s.errorf(err, "failed to query services from dbus")
	}
	for _, unit := range units {
		if unit.Name == s.UnitName {
			return unit.LoadState == "loaded" && unit.ActiveState == "active", nil
		}
	}
	return false, nil
}

// Restart restarts the unit, starting it if it is stopped, and waits
// for systemd to finish the job.
func (s *Service) Restart(ctx context.Context) error {
	conn, err := s.newConn(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()

	statusCh := make(chan string, 1)
	if _, err := conn.RestartUnitContext(ctx, s.UnitName, "replace", statusCh); err != nil {
		return s.errorf(err, "dbus restart request failed")
	}

	select {
	case status := <-statusCh:
		if status != "done" {
			return s.errorf(nil, "failed to restart (API status %q)", status)
		}
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
	logger.Debugf("service %q successfully restarted", s.Name)
	return nil
}
