// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"
	"github.com/juju/names/v5"
	"github.com/juju/utils/v4/exec"

	"github.com/canonical/opensearch-dashboards-operator/cmd"
	"github.com/canonical/opensearch-dashboards-operator/core/status"
	"github.com/canonical/opensearch-dashboards-operator/internal/certificates"
	"github.com/canonical/opensearch-dashboards-operator/internal/config"
	"github.com/canonical/opensearch-dashboards-operator/internal/credentials"
	"github.com/canonical/opensearch-dashboards-operator/internal/peersecrets"
	"github.com/canonical/opensearch-dashboards-operator/internal/reconciler"
	"github.com/canonical/opensearch-dashboards-operator/internal/restart"
	"github.com/canonical/opensearch-dashboards-operator/internal/service/pebble"
	"github.com/canonical/opensearch-dashboards-operator/internal/service/systemd"
	"github.com/canonical/opensearch-dashboards-operator/internal/unitstate"
)

var logger = loggo.GetLogger("opensearch-dashboards.cmd.coordinator")

const (
	defaultConfigPath = "/etc/opensearch-dashboards-coordinator/config.yaml"

	// peerLockName serialises peer databag updates between the
	// processes of every unit sharing the peer directory.
	peerLockName = "opensearch-dashboards-peers"
)

const coordinatorDoc = `
Without --serve the coordinator handles a single event, the way a charm
hook does: it reconciles the unit once, waits for any restart that pass
decided on and prints the resulting workload status.

With --serve it keeps running, reading one event name per line from
standard input and printing every status change.

Events: peer-changed, leadership-changed, certificate-available,
certificate-authority-joined, certificate-authority-gone, ca-rotated,
database-changed, update.
`

type coordinatorCommand struct {
	configPath     string
	unitName       string
	event          string
	leader         string
	serve          bool
	metricsAddress string
	loggingConfig  string

	kind       reconciler.EventKind
	leadership peersecrets.Leadership

	clock         clock.Clock
	getenv        func(string) string
	runCommands   runCommands
	newController func(config.Config) (serviceController, error)
}

// serviceController restarts the workload service and reports whether
// its service manager has it up.
type serviceController interface {
	restart.ServiceController
	restart.LivenessChecker
}

func newCoordinatorCommand() *coordinatorCommand {
	return &coordinatorCommand{
		clock:         clock.WallClock,
		getenv:        os.Getenv,
		runCommands:   exec.RunCommands,
		newController: newServiceController,
	}
}

// Info is part of the cmd.Command interface.
func (c *coordinatorCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "dashboards-coordinator",
		Purpose: "Coordinate credentials, certificates and restarts for an opensearch-dashboards unit.",
		Doc:     coordinatorDoc,
	}
}

// SetFlags is part of the cmd.Command interface.
func (c *coordinatorCommand) SetFlags(f *gnuflag.FlagSet) {
	f.StringVar(&c.configPath, "config", defaultConfigPath, "path to the coordinator configuration")
	f.StringVar(&c.unitName, "unit", "", "unit name, defaults to the configured unit or $JUJU_UNIT_NAME")
	f.StringVar(&c.event, "event", string(reconciler.Update), "event to handle")
	f.StringVar(&c.leader, "leader", "", "override leadership (true or false) instead of asking is-leader")
	f.BoolVar(&c.serve, "serve", false, "keep running, reading events from standard input")
	f.StringVar(&c.metricsAddress, "metrics-address", "", "address serving prometheus metrics with --serve")
	f.StringVar(&c.loggingConfig, "logging-config", "<root>=WARNING", "logging configuration")
}

// Init is part of the cmd.Command interface.
func (c *coordinatorCommand) Init(args []string) error {
	if err := cmd.CheckEmpty(args); err != nil {
		return errors.Trace(err)
	}
	if c.metricsAddress != "" && !c.serve {
		return errors.New("--metrics-address requires --serve")
	}
	if !c.serve {
		kind, err := parseEventKind(c.event)
		if err != nil {
			return errors.Trace(err)
		}
		c.kind = kind
	}
	leadership, err := parseLeadership(c.leader, c.runCommands)
	if err != nil {
		return errors.Trace(err)
	}
	c.leadership = leadership
	return nil
}

// Run is part of the cmd.Command interface.
func (c *coordinatorCommand) Run(ctx *cmd.Context) error {
	if err := loggo.ConfigureLoggers(c.loggingConfig); err != nil {
		return errors.Annotate(err, "configuring logging")
	}
	path := c.configPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(ctx.Dir, path)
	}
	cfg, err := config.Read(path)
	if err != nil {
		return errors.Trace(err)
	}
	u, err := c.newUnit(path, cfg)
	if err != nil {
		return errors.Trace(err)
	}
	if c.serve {
		return c.runServe(ctx, u)
	}
	return c.runOnce(ctx, u)
}

// unit holds everything coordinating one unit.
type unit struct {
	name       string
	config     config.Config
	authority  *certificates.FileAuthority
	state      *unitstate.StateFile
	restarts   *restart.Coordinator
	reconciler *reconciler.Reconciler
}

func (c *coordinatorCommand) resolveUnit(cfg config.Config) (string, error) {
	name := c.unitName
	if name == "" {
		name = cfg.Unit
	}
	if name == "" {
		name = c.getenv("JUJU_UNIT_NAME")
	}
	if !names.IsValidUnit(name) {
		return "", errors.NotValidf("unit name %q", name)
	}
	return name, nil
}

func (c *coordinatorCommand) newUnit(configPath string, cfg config.Config) (*unit, error) {
	name, err := c.resolveUnit(cfg)
	if err != nil {
		return nil, errors.Trace(err)
	}

	store, err := peersecrets.NewStore(peersecrets.Config{
		Backend:    peersecrets.NewFileBackend(cfg.PeerDir(), peerLockName, c.clock),
		Leadership: c.leadership,
		Unit:       name,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	authority := certificates.NewFileAuthority(cfg.CertificatesDir(), name)
	lifecycle, err := certificates.NewLifecycle(certificates.Config{
		Store:     store,
		Authority: authority,
		Identity: certificates.Identity{
			Unit:     name,
			FQDN:     cfg.FQDN,
			Hostname: cfg.Hostname,
			Address:  cfg.Address,
		},
		Clock:     c.clock,
		Responses: authority,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	controller, err := c.newController(cfg)
	if err != nil {
		return nil, errors.Trace(err)
	}
	state := unitstate.NewStateFile(cfg.UnitStatePath(name))
	restarts, err := restart.NewCoordinator(restart.Config{
		Controller: controller,
		Prober: restart.Probes{
			restart.RunningProber{Service: controller},
			restart.TCPProber{
				Address:     cfg.ProbeAddress(),
				DialTimeout: cfg.ProbeInterval,
			},
		},
		Recorder:      state,
		Clock:         c.clock,
		Timeout:       cfg.RestartTimeout,
		ProbeInterval: cfg.ProbeInterval,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	rec, err := reconciler.New(reconciler.Config{
		Store:        store,
		Credentials:  credentials.NewBootstrap(store, c.leadership, nil),
		Certificates: lifecycle,
		Database:     configDatabase{path: configPath},
		Restarter:    restarts,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &unit{
		name:       name,
		config:     cfg,
		authority:  authority,
		state:      state,
		restarts:   restarts,
		reconciler: rec,
	}, nil
}

func (c *coordinatorCommand) runOnce(ctx *cmd.Context, u *unit) error {
	ev, err := newEvent(c.kind, u.authority)
	if err != nil {
		return errors.Trace(err)
	}
	result, err := u.reconciler.Pass(context.Background(), ev)
	if err != nil {
		return errors.Annotatef(err, "handling %s", c.kind)
	}
	if result.Attempt != nil {
		if err := c.restart(u, result.Attempt); err != nil {
			return errors.Trace(err)
		}
		result, err = u.reconciler.Pass(context.Background(), reconciler.Event{Kind: reconciler.RestartFinished})
		if err != nil {
			return errors.Annotate(err, "reconciling after restart")
		}
	}

	info := result.Status.Info()
	now := c.clock.Now()
	info.Since = &now
	if err := u.state.SetStatus(info); err != nil {
		return errors.Annotate(err, "recording status")
	}
	fmt.Fprintln(ctx.Stdout, formatStatus(info))
	return nil
}

// restart runs a synchronously; the attempt bounds itself by the
// configured restart timeout.
func (c *coordinatorCommand) restart(u *unit, a *restart.Attempt) error {
	logger.Infof("restarting service for %s", u.name)
	result := a.Run(context.Background())
	return errors.Trace(u.restarts.Complete(a, result))
}

func formatStatus(info status.StatusInfo) string {
	if info.Message == "" {
		return info.Status.String()
	}
	return fmt.Sprintf("%s: %s", info.Status, info.Message)
}

// configDatabase reports the opensearch relation recorded in the
// configuration file, read afresh on every pass so that a serving
// coordinator sees relation changes.
type configDatabase struct {
	path string
}

// Info is part of the reconciler.Database interface.
func (d configDatabase) Info(context.Context) (reconciler.DatabaseInfo, error) {
	cfg, err := config.Read(d.path)
	if err != nil {
		return reconciler.DatabaseInfo{}, errors.Annotate(err, "reading database configuration")
	}
	return reconciler.DatabaseInfo{
		Endpoints:      cfg.Database.Endpoints,
		CredentialsRef: cfg.Database.CredentialsRef,
		Connected:      len(cfg.Database.Endpoints) > 0,
	}, nil
}

func newServiceController(cfg config.Config) (serviceController, error) {
	switch cfg.Substrate {
	case config.K8s:
		client, err := pebble.NewClient(cfg.PebbleSocketPath())
		if err != nil {
			return nil, errors.Trace(err)
		}
		return pebble.NewService(cfg.Container, client), nil
	case config.VM:
		return systemd.NewService(cfg.ServiceName, systemd.NewDBusAPI), nil
	}
	return nil, errors.NotValidf("substrate %q", cfg.Substrate)
}
