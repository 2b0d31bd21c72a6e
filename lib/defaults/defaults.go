/*
Copyright 2024 WorldPosta, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package defaults holds the default values shared by the proxy components.
package defaults

import "time"

const (
	// RADIUSListenPort is the standard RADIUS authentication port (RFC 2865).
	RADIUSListenPort = 1812

	// LDAPListenPort is the standard LDAP port.
	LDAPListenPort = 389

	// DirectoryPort is the default port of the back-end directory.
	DirectoryPort = 389

	// APIEndpoint is the default WorldPosta cloud API endpoint.
	APIEndpoint = "https://api.worldposta.com"

	// ServiceName is the service label shown on push notifications when a
	// front end does not override it.
	ServiceName = "Authentication"

	// SearchFilter is the default directory search filter template.
	// {username} is substituted with the (escaped) login name.
	SearchFilter = "(sAMAccountName={username})"

	// ConfigFilePath is where the proxy looks for its configuration
	// file unless told otherwise.
	ConfigFilePath = "/etc/authproxy.yaml"
)

const (
	// PushTimeout bounds a single push approval from issuance to verdict.
	PushTimeout = 60 * time.Second

	// PushPollInterval is how often the cloud API is polled for the
	// outcome of an outstanding push.
	PushPollInterval = 500 * time.Millisecond

	// PendingRequestTTL is how long a RADIUS request stays in the
	// duplicate-suppression table before it is considered abandoned.
	PendingRequestTTL = 120 * time.Second

	// DirectoryDialTimeout is the timeout for dialing the directory.
	DirectoryDialTimeout = 15 * time.Second

	// DirectoryRequestTimeout is the timeout for directory operations.
	// It is larger than the dial timeout because searches in large
	// Active Directory environments may take longer to complete.
	DirectoryRequestTimeout = 45 * time.Second

	// HTTPRequestTimeout bounds a single cloud API round-trip.
	HTTPRequestTimeout = 10 * time.Second

	// AuthHandlerGrace is added to the push timeout when bounding a
	// front-end authentication handler, so that the engine verdict, not
	// the handler deadline, normally decides the outcome.
	AuthHandlerGrace = 5 * time.Second

	// ShutdownTimeout bounds graceful shutdown of the listeners.
	ShutdownTimeout = 5 * time.Second
)
