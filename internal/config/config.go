// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config reads the coordinator's configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/names/v5"
	"gopkg.in/yaml.v3"
)

// Substrate is the kind of host the workload runs on.
type Substrate string

const (
	// VM substrates run the workload as a snap service under systemd.
	VM Substrate = "vm"

	// K8s substrates run the workload in a container managed by pebble.
	K8s Substrate = "k8s"
)

const (
	DefaultServiceName    = "snap.opensearch-dashboards.daemon"
	DefaultContainer      = "opensearch-dashboards"
	DefaultServerPort     = 5601
	DefaultRestartTimeout = 30 * time.Second
	DefaultProbeInterval  = time.Second
	DefaultPeerRelation   = "dashboard_peers"
	DefaultDataDir        = "/var/lib/opensearch-dashboards-coordinator"
)

// Database describes the opensearch relation as last seen by the unit.
type Database struct {
	Endpoints      []string `yaml:"endpoints,omitempty"`
	CredentialsRef string   `yaml:"credentials-ref,omitempty"`
}

// Config holds the coordinator's settings.
type Config struct {
	Unit      string    `yaml:"unit,omitempty"`
	Substrate Substrate `yaml:"substrate"`

	// ServiceName is the systemd unit restarted on VM substrates.
	ServiceName string `yaml:"service-name"`

	// Container is the pebble service restarted on k8s substrates.
	Container    string `yaml:"container"`
	PebbleSocket string `yaml:"pebble-socket,omitempty"`

	ServerPort     int           `yaml:"server-port"`
	RestartTimeout time.Duration `yaml:"restart-timeout"`
	ProbeInterval  time.Duration `yaml:"probe-interval"`

	PeerRelation string `yaml:"peer-relation"`
	DataDir      string `yaml:"data-dir"`

	// FQDN, Hostname and Address identify the unit in certificate
	// requests. FQDN and Hostname default to the host name.
	FQDN     string `yaml:"fqdn,omitempty"`
	Hostname string `yaml:"hostname,omitempty"`
	Address  string `yaml:"address,omitempty"`

	Database Database `yaml:"database,omitempty"`
}

// Default returns the configuration used for settings a file leaves out.
func Default() Config {
	return Config{
		Substrate:      VM,
		ServiceName:    DefaultServiceName,
		Container:      DefaultContainer,
		ServerPort:     DefaultServerPort,
		RestartTimeout: DefaultRestartTimeout,
		ProbeInterval:  DefaultProbeInterval,
		PeerRelation:   DefaultPeerRelation,
		DataDir:        DefaultDataDir,
	}
}

// Read loads the configuration at path over the defaults.
func Read(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Annotate(err, "reading config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Annotatef(err, "parsing config %q", path)
	}
	if err := cfg.fillIdentity(); err != nil {
		return Config{}, errors.Trace(err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Annotatef(err, "config %q", path)
	}
	return cfg, nil
}

func (c *Config) fillIdentity() error {
	if c.Hostname != "" && c.FQDN != "" {
		return nil
	}
	host, err := os.Hostname()
	if err != nil {
		return errors.Annotate(err, "reading host name")
	}
	if c.FQDN == "" {
		c.FQDN = host
	}
	if c.Hostname == "" {
		c.Hostname = strings.SplitN(host, ".", 2)[0]
	}
	return nil
}

// Validate returns an error if the configuration cannot be used.
func (c Config) Validate() error {
	if c.Unit != "" && !names.IsValidUnit(c.Unit) {
		return errors.NotValidf("unit name %q", c.Unit)
	}
	switch c.Substrate {
	case VM:
		if c.ServiceName == "" {
			return errors.NotValidf("empty service-name")
		}
	case K8s:
		if c.Container == "" {
			return errors.NotValidf("empty container")
		}
	default:
		return errors.NotValidf("substrate %q", c.Substrate)
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return errors.NotValidf("server-port %d", c.ServerPort)
	}
	if c.RestartTimeout <= 0 {
		return errors.NotValidf("restart-timeout %v", c.RestartTimeout)
	}
	if c.ProbeInterval <= 0 {
		return errors.NotValidf("probe-interval %v", c.ProbeInterval)
	}
	if c.PeerRelation == "" {
		return errors.NotValidf("empty peer-relation")
	}
	if c.DataDir == "" {
		return errors.NotValidf("empty data-dir")
	}
	return nil
}

// PeerDir is where the peer relation's shared data lives.
func (c Config) PeerDir() string {
	return filepath.Join(c.DataDir, "relations", c.PeerRelation)
}

// CertificatesDir is where certificate requests and responses are
// exchanged with the certificate authority.
func (c Config) CertificatesDir() string {
	return filepath.Join(c.DataDir, "ca")
}

// UnitStatePath is the file holding the unit's local state.
func (c Config) UnitStatePath(unit string) string {
	return filepath.Join(c.DataDir, "state", strings.ReplaceAll(unit, "/", "-")+".yaml")
}

// ProbeAddress is the address dialled to check the server is up.
func (c Config) ProbeAddress() string {
	host := c.Address
	if host == "" {
		host = "localhost"
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s:%d", host, c.ServerPort)
}

// PebbleSocketPath returns the pebble socket for the workload container.
func (c Config) PebbleSocketPath() string {
	if c.PebbleSocket != "" {
		return c.PebbleSocket
	}
	return filepath.Join("/charm/containers", c.Container, "pebble.socket")
}
