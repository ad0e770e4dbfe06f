// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package unitstate implements persistent local storage of the parts of a
// unit's state that are not shared with its peers.
package unitstate

import (
	"os"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	"github.com/juju/utils/v4"
	"gopkg.in/yaml.v3"

	"github.com/canonical/opensearch-dashboards-operator/core/status"
	"github.com/canonical/opensearch-dashboards-operator/internal/restart"
)

// ErrNoStateFile is returned by Read when the state file does not exist.
const ErrNoStateFile = errors.ConstError("unit state file does not exist")

// State describes the local state of a unit.
type State struct {
	// Restart is the unit's restart history.
	Restart restart.Record `yaml:"restart,omitempty"`

	// Status and Message are the workload status last reported.
	Status  status.Status `yaml:"status,omitempty"`
	Message string        `yaml:"message,omitempty"`

	// Since is when Status last changed, in unix seconds.
	Since int64 `yaml:"since,omitempty"`
}

func (st State) validate() error {
	if st.Status != "" && !status.ValidWorkloadStatus(st.Status) {
		return errors.NotValidf("status %q", st.Status)
	}
	return nil
}

// StateFile holds the State of a unit on disk.
type StateFile struct {
	path string
}

// NewStateFile returns a StateFile that stores state at path.
func NewStateFile(path string) *StateFile {
	return &StateFile{path: path}
}

// Read reads a State from the file. If the file does not exist it returns
// ErrNoStateFile.
func (f *StateFile) Read() (*State, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, ErrNoStateFile
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	var st State
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, errors.Annotatef(err, "cannot read unit state at %q", f.path)
	}
	if err := st.validate(); err != nil {
		return nil, errors.Annotatef(err, "cannot read unit state at %q", f.path)
	}
	return &st, nil
}

// Write atomically replaces the file with st.
func (f *StateFile) Write(st *State) error {
	if err := st.validate(); err != nil {
		return errors.Trace(err)
	}
	data, err := yaml.Marshal(st)
	if err != nil {
		return errors.Trace(err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(utils.AtomicWriteFile(f.path, data, 0600))
}

func (f *StateFile) update(mutate func(*State)) error {
	st, err := f.Read()
	if errors.Is(err, ErrNoStateFile) {
		st = &State{}
	} else if err != nil {
		return errors.Trace(err)
	}
	mutate(st)
	return errors.Trace(f.Write(st))
}

// Load implements restart.Recorder.
func (f *StateFile) Load() (restart.Record, error) {
	st, err := f.Read()
	if errors.Is(err, ErrNoStateFile) {
		return restart.Record{}, nil
	} else if err != nil {
		return restart.Record{}, errors.Trace(err)
	}
	return st.Restart, nil
}

// Save implements restart.Recorder.
func (f *StateFile) Save(record restart.Record) error {
	return f.update(func(st *State) {
		st.Restart = record
	})
}

// SetStatus implements status.StatusSetter. The time is kept only when
// the status or message changes.
func (f *StateFile) SetStatus(info status.StatusInfo) error {
	return f.update(func(st *State) {
		if st.Status == info.Status && st.Message == info.Message {
			return
		}
		st.Status = info.Status
		st.Message = info.Message
		since := time.Now()
		if info.Since != nil {
			since = *info.Since
		}
		st.Since = since.Unix()
	})
}

// Status returns the workload status last recorded.
func (f *StateFile) Status() (status.StatusInfo, error) {
	st, err := f.Read()
	if errors.Is(err, ErrNoStateFile) {
		return status.StatusInfo{Status: status.Unknown}, nil
	} else if err != nil {
		return status.StatusInfo{}, errors.Trace(err)
	}
	info := status.StatusInfo{Status: st.Status, Message: st.Message}
	if info.Status == "" {
		info.Status = status.Unknown
	}
	if st.Since != 0 {
		since := time.Unix(st.Since, 0)
		info.Since = &since
	}
	return info, nil
}
