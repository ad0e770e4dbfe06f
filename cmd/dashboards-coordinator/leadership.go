// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/utils/v4/exec"
	"gopkg.in/yaml.v3"

	"github.com/canonical/opensearch-dashboards-operator/internal/peersecrets"
)

// runCommands matches exec.RunCommands.
type runCommands func(exec.RunParams) (*exec.ExecResponse, error)

// hookToolLeadership asks the is-leader hook tool on every call, so a
// change of leader is seen by the next read or write.
type hookToolLeadership struct {
	run runCommands
}

// IsLeader is part of the peersecrets.Leadership interface.
func (l hookToolLeadership) IsLeader() (bool, error) {
	result, err := l.run(exec.RunParams{
		Commands: "is-leader --format=json",
	})
	if err != nil {
		return false, errors.Annotate(err, "running is-leader")
	}
	if result.Code != 0 {
		return false, errors.Errorf("is-leader failed (code %d): %s",
			result.Code, strings.TrimSpace(string(result.Stderr)))
	}
	var leader bool
	if err := yaml.Unmarshal(result.Stdout, &leader); err != nil {
		return false, errors.Annotatef(err, "parsing is-leader output %q", strings.TrimSpace(string(result.Stdout)))
	}
	return leader, nil
}

// fixedLeadership reports a leadership decided on the command line.
type fixedLeadership bool

// IsLeader is part of the peersecrets.Leadership interface.
func (l fixedLeadership) IsLeader() (bool, error) {
	return bool(l), nil
}

// parseLeadership interprets the --leader option. An empty value defers
// to the hook tool.
func parseLeadership(value string, run runCommands) (peersecrets.Leadership, error) {
	if value == "" {
		return hookToolLeadership{run: run}, nil
	}
	leader, err := strconv.ParseBool(value)
	if err != nil {
		return nil, errors.NotValidf("leader %q", value)
	}
	return fixedLeadership(leader), nil
}
