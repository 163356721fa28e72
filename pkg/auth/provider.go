// Copyright 2018-2019 The logrange Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth obtains the credentials the write client authenticates with.
package auth

import (
	"context"
	"sync"

	"github.com/jrivets/log4g"
	"github.com/logrange/streamprobe/api"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
)

type (
	// FindFunc discovers credentials for the scopes provided
	FindFunc func(ctx context.Context, scopes ...string) (*google.Credentials, error)

	// Provider looks up Application Default Credentials once and hands them
	// out as an authenticated Handle.
	Provider struct {
		scopes []string
		find   FindFunc
		logger log4g.Logger

		lock   sync.Mutex
		handle *Handle
	}

	// Handle is an authenticated client handle for the ingestion service
	Handle struct {
		creds *google.Credentials
	}
)

// CloudPlatformScope is the scope requested by default
const CloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// NewProvider creates the Provider. If find is nil the Application Default
// Credentials lookup is used. If no scopes are provided CloudPlatformScope is
// requested.
func NewProvider(logger log4g.Logger, find FindFunc, scopes ...string) *Provider {
	if find == nil {
		find = google.FindDefaultCredentials
	}
	if len(scopes) == 0 {
		scopes = []string{CloudPlatformScope}
	}
	return &Provider{scopes: scopes, find: find, logger: logger}
}

// GetClient returns the authenticated handle. Credentials are discovered on
// the first call only. A KindAuth error is returned if no valid credentials
// could be found.
func (p *Provider) GetClient(ctx context.Context) (*Handle, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.handle != nil {
		return p.handle, nil
	}

	p.logger.Info("Looking for application default credentials, scopes=", p.scopes)
	creds, err := p.find(ctx, p.scopes...)
	if err != nil {
		return nil, api.NewAuthError(err, "could not find default credentials")
	}
	if creds == nil || creds.TokenSource == nil {
		return nil, api.NewAuthError(nil, "credentials found, but there is no token source")
	}

	p.handle = &Handle{creds: creds}
	p.logger.Info("Credentials found, projectId=", creds.ProjectID)
	return p.handle, nil
}

// ProjectID returns the project associated with the credentials, if any
func (h *Handle) ProjectID() string {
	return h.creds.ProjectID
}

// ClientOptions returns options which make an API client use the handle
func (h *Handle) ClientOptions() []option.ClientOption {
	return []option.ClientOption{option.WithCredentials(h.creds)}
}
