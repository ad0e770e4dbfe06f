// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package workloadstatus derives the single status a unit reports from
// the facts gathered by a reconciliation pass.
package workloadstatus

import (
	"github.com/canonical/opensearch-dashboards-operator/core/status"
)

// Code identifies a unit status.
type Code string

const (
	WaitingForPeer        Code = "waiting-for-peer"
	WaitingForCredentials Code = "waiting-for-credentials"
	WaitingForCertificate Code = "waiting-for-certificate"
	DBMissing             Code = "db-missing"
	RestartTimedOut       Code = "restart-timed-out"
	Starting              Code = "starting"
	Active                Code = "active"
)

// Codes lists every code in precedence order.
var Codes = []Code{
	WaitingForPeer,
	WaitingForCredentials,
	WaitingForCertificate,
	DBMissing,
	RestartTimedOut,
	Starting,
	Active,
}

var messages = map[Code]string{
	WaitingForPeer:        "waiting for peer relation",
	WaitingForCredentials: "waiting for passwords to be created",
	WaitingForCertificate: "waiting for TLS certificate",
	DBMissing:             "Opensearch connection is missing",
	RestartTimedOut:       "Opensearch Dashboards server failed to start",
	Starting:              "starting Opensearch Dashboards server...",
	Active:                "",
}

var workloadStatuses = map[Code]status.Status{
	WaitingForPeer:        status.Waiting,
	WaitingForCredentials: status.Waiting,
	WaitingForCertificate: status.Waiting,
	DBMissing:             status.Blocked,
	RestartTimedOut:       status.Blocked,
	Starting:              status.Maintenance,
	Active:                status.Active,
}

// Message returns the fixed operator facing message for c.
func (c Code) Message() string {
	return messages[c]
}

// Workload returns the workload status c is reported as.
func (c Code) Workload() status.Status {
	if s, ok := workloadStatuses[c]; ok {
		return s
	}
	return status.Unknown
}

// Inputs are the facts a status is derived from.
type Inputs struct {
	PeerJoined          bool
	CredentialsComplete bool
	TLSRelation         bool
	CertificateIssued   bool
	DatabaseConnected   bool
	RestartTimedOut     bool
	ServiceRunning      bool
}

// Status is a derived unit status.
type Status struct {
	Code    Code
	Message string
}

// Info converts s into the form reported to the controller.
func (s Status) Info() status.StatusInfo {
	return status.StatusInfo{
		Status:  s.Code.Workload(),
		Message: s.Message,
	}
}

// Derive returns the status for in. The first unmet condition, in the
// order of Codes, decides the result.
func Derive(in Inputs) Status {
	code := derive(in)
	return Status{Code: code, Message: code.Message()}
}

func derive(in Inputs) Code {
	switch {
	case !in.PeerJoined:
		return WaitingForPeer
	case !in.CredentialsComplete:
		return WaitingForCredentials
	case in.TLSRelation && !in.CertificateIssued:
		return WaitingForCertificate
	case !in.DatabaseConnected:
		return DBMissing
	case in.RestartTimedOut:
		return RestartTimedOut
	case !in.ServiceRunning:
		return Starting
	default:
		return Active
	}
}
