// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package certificates

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/utils/v4"
	"gopkg.in/yaml.v3"
)

// FileAuthority exchanges requests and responses with a certificate
// authority through a shared directory:
//
//	<dir>/ca.pem                  the advertised CA, optional
//	<dir>/requests/<unit>.yaml    the unit's latest Request
//	<dir>/responses/<unit>.yaml   the authority's latest Response
//
// The authority counts as related while dir exists.
type FileAuthority struct {
	dir  string
	unit string
}

// NewFileAuthority returns a FileAuthority for unit rooted at dir.
func NewFileAuthority(dir, unit string) *FileAuthority {
	return &FileAuthority{dir: dir, unit: unit}
}

// Available is part of the Authority interface.
func (a *FileAuthority) Available() bool {
	info, err := os.Stat(a.dir)
	return err == nil && info.IsDir()
}

// AdvertisedCA is part of the Authority interface.
func (a *FileAuthority) AdvertisedCA() string {
	data, err := os.ReadFile(filepath.Join(a.dir, "ca.pem"))
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warningf("reading advertised CA: %v", err)
		}
		return ""
	}
	return string(data)
}

// RequestCertificate is part of the Authority interface.
func (a *FileAuthority) RequestCertificate(_ context.Context, req Request) error {
	content, err := yaml.Marshal(req)
	if err != nil {
		return errors.Trace(err)
	}
	path := a.path("requests")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(utils.AtomicWriteFile(path, content, 0600))
}

// Response returns the authority's latest response for the unit.
func (a *FileAuthority) Response() (Response, error) {
	content, err := os.ReadFile(a.path("responses"))
	if os.IsNotExist(err) {
		return Response{}, errors.NotFoundf("certificate response for %q", a.unit)
	} else if err != nil {
		return Response{}, errors.Trace(err)
	}
	var resp Response
	if err := yaml.Unmarshal(content, &resp); err != nil {
		return Response{}, errors.Annotatef(err, "reading certificate response for %q", a.unit)
	}
	return resp, nil
}

func (a *FileAuthority) path(kind string) string {
	return filepath.Join(a.dir, kind, strings.ReplaceAll(a.unit, "/", "-")+".yaml")
}
