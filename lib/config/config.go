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

// Package config parses and validates the proxy's YAML configuration
// file. It deals in file-shaped structs only; the service package turns
// them into runtime configurations.
package config

import (
	"io"
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/worldposta/authproxy/lib/defaults"
)

// FileConfig is the root of the configuration file.
type FileConfig struct {
	// API configures the WorldPosta 2FA service client.
	API APIConfig `yaml:"worldposta_api"`
	// Directories holds named Active Directory connections referenced
	// by server bindings through their `ad_client` key.
	Directories map[string]DirectoryConfig `yaml:"ad_clients,omitempty"`
	// RADIUSServers lists RADIUS listener bindings.
	RADIUSServers []RADIUSServerConfig `yaml:"radius_servers,omitempty"`
	// LDAPServers lists LDAP listener bindings.
	LDAPServers []LDAPServerConfig `yaml:"ldap_servers,omitempty"`
	// Log configures logging.
	Log LogConfig `yaml:"log,omitempty"`
	// DiagAddr, when set, serves /metrics and /healthz over HTTP.
	DiagAddr string `yaml:"diag_addr,omitempty"`
}

// APIConfig configures the cloud 2FA client.
type APIConfig struct {
	Endpoint       string `yaml:"endpoint,omitempty"`
	IntegrationKey string `yaml:"integration_key"`
	SecretKey      string `yaml:"secret_key"`
	// PushTimeoutSeconds bounds how long a push waits for the user.
	PushTimeoutSeconds int `yaml:"push_timeout,omitempty"`
	// ServiceName is the label shown on push notifications.
	ServiceName string `yaml:"service_name,omitempty"`
}

// PushTimeout returns the configured push timeout, or the default.
func (a APIConfig) PushTimeout() time.Duration {
	if a.PushTimeoutSeconds <= 0 {
		return defaults.PushTimeout
	}
	return time.Duration(a.PushTimeoutSeconds) * time.Second
}

// DirectoryConfig configures one Active Directory connection.
type DirectoryConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port,omitempty"`
	UseTLS             bool   `yaml:"use_tls,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
	BaseDN             string `yaml:"base_dn"`
	ServiceDN          string `yaml:"service_dn"`
	ServicePassword    string `yaml:"service_password"`
	SearchFilter       string `yaml:"search_filter,omitempty"`
}

// RADIUSClient is one NAS allowed to talk to a RADIUS binding.
type RADIUSClient struct {
	IP     string `yaml:"ip"`
	Secret string `yaml:"secret"`
}

// RADIUSServerConfig configures one RADIUS listener binding.
type RADIUSServerConfig struct {
	ListenAddr string `yaml:"listen_addr,omitempty"`
	// Mode is auto or concat. The challenge flow is deliberately not
	// offered: most NAS vendors mishandle Access-Challenge and the
	// concat suffix covers the same need.
	Mode string `yaml:"mode,omitempty"`
	// Directory names an ad_clients entry. Empty means pass-through
	// primary authentication.
	Directory string         `yaml:"ad_client,omitempty"`
	FailOpen  bool           `yaml:"fail_open,omitempty"`
	Clients   []RADIUSClient `yaml:"clients"`
}

// LDAPServerConfig configures one LDAP listener binding.
type LDAPServerConfig struct {
	ListenAddr string `yaml:"listen_addr,omitempty"`
	// Directory names an ad_clients entry. Empty disables search
	// proxying and exempt binds.
	Directory       string   `yaml:"ad_client,omitempty"`
	FailOpen        bool     `yaml:"fail_open,omitempty"`
	ExemptFirstBind bool     `yaml:"exempt_primary_bind,omitempty"`
	ExemptOUs       []string `yaml:"exempt_ous,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Severity is debug, info, warn or error.
	Severity string `yaml:"severity,omitempty"`
	// Format is text or json.
	Format string `yaml:"format,omitempty"`
}

// ReadFromFile reads and validates the configuration file at path.
func ReadFromFile(path string) (*FileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	fc, err := ReadConfig(f)
	if err != nil {
		return nil, trace.Wrap(err, "failed to parse %v", path)
	}
	return fc, nil
}

// ReadConfig reads and validates configuration from a reader. Unknown
// keys are rejected so typos fail loudly at startup.
func ReadConfig(r io.Reader) (*FileConfig, error) {
	var fc FileConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return nil, trace.BadParameter("invalid configuration: %v", err)
	}
	if err := fc.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &fc, nil
}

// Check validates the configuration as a whole.
func (fc *FileConfig) Check() error {
	if fc.API.IntegrationKey == "" {
		return trace.BadParameter("worldposta_api.integration_key is required")
	}
	if fc.API.SecretKey == "" {
		return trace.BadParameter("worldposta_api.secret_key is required")
	}
	if len(fc.RADIUSServers) == 0 && len(fc.LDAPServers) == 0 {
		return trace.BadParameter("configuration needs at least one radius_servers or ldap_servers entry")
	}

	for name, dir := range fc.Directories {
		if dir.Host == "" {
			return trace.BadParameter("ad_clients.%v.host is required", name)
		}
		if dir.BaseDN == "" {
			return trace.BadParameter("ad_clients.%v.base_dn is required", name)
		}
		if dir.ServiceDN == "" {
			return trace.BadParameter("ad_clients.%v.service_dn is required", name)
		}
	}

	for i, srv := range fc.RADIUSServers {
		switch srv.Mode {
		case "", "auto", "concat":
		case "challenge":
			return trace.BadParameter("radius_servers[%d]: challenge mode is not supported, use concat or auto", i)
		default:
			return trace.BadParameter("radius_servers[%d]: unknown mode %q", i, srv.Mode)
		}
		if len(srv.Clients) == 0 {
			return trace.BadParameter("radius_servers[%d]: at least one client is required", i)
		}
		seen := make(map[string]bool)
		for _, client := range srv.Clients {
			if client.IP == "" || client.Secret == "" {
				return trace.BadParameter("radius_servers[%d]: clients need both ip and secret", i)
			}
			if seen[client.IP] {
				return trace.BadParameter("radius_servers[%d]: duplicate client %v", i, client.IP)
			}
			seen[client.IP] = true
		}
		if err := fc.checkDirectoryRef(srv.Directory); err != nil {
			return trace.Wrap(err, "radius_servers[%d]", i)
		}
	}

	for i, srv := range fc.LDAPServers {
		if err := fc.checkDirectoryRef(srv.Directory); err != nil {
			return trace.Wrap(err, "ldap_servers[%d]", i)
		}
		if srv.Directory == "" && (srv.ExemptFirstBind || len(srv.ExemptOUs) > 0) {
			return trace.BadParameter("ldap_servers[%d]: bind exemptions require an ad_client", i)
		}
	}

	switch fc.Log.Severity {
	case "", "debug", "info", "warn", "error":
	default:
		return trace.BadParameter("log.severity %q is not one of debug, info, warn, error", fc.Log.Severity)
	}
	switch fc.Log.Format {
	case "", "text", "json":
	default:
		return trace.BadParameter("log.format %q is not one of text, json", fc.Log.Format)
	}
	return nil
}

func (fc *FileConfig) checkDirectoryRef(name string) error {
	if name == "" {
		return nil
	}
	if _, ok := fc.Directories[name]; !ok {
		return trace.BadParameter("references unknown ad_client %q", name)
	}
	return nil
}
