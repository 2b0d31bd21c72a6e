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

package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
worldposta_api:
  endpoint: https://api.worldposta.com/v1
  integration_key: IK-123
  secret_key: SK-456
  push_timeout: 45
  service_name: VPN

ad_clients:
  corp:
    host: dc1.corp.local
    port: 636
    use_tls: true
    base_dn: DC=corp,DC=local
    service_dn: CN=svc-proxy,CN=Users,DC=corp,DC=local
    service_password: s3cret

radius_servers:
  - listen_addr: ":1812"
    mode: concat
    ad_client: corp
    fail_open: true
    clients:
      - ip: 10.0.0.5
        secret: radius-secret
      - ip: 10.0.0.6
        secret: other-secret

ldap_servers:
  - listen_addr: ":389"
    ad_client: corp
    exempt_primary_bind: true
    exempt_ous:
      - OU=Service Accounts,DC=corp,DC=local

log:
  severity: debug
  format: json

diag_addr: 127.0.0.1:3000
`

func TestReadConfig(t *testing.T) {
	fc, err := ReadConfig(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	require.Equal(t, "IK-123", fc.API.IntegrationKey)
	require.Equal(t, 45*time.Second, fc.API.PushTimeout())
	require.Equal(t, "VPN", fc.API.ServiceName)

	require.Len(t, fc.Directories, 1)
	corp := fc.Directories["corp"]
	require.Equal(t, "dc1.corp.local", corp.Host)
	require.True(t, corp.UseTLS)

	require.Len(t, fc.RADIUSServers, 1)
	require.Equal(t, "concat", fc.RADIUSServers[0].Mode)
	require.Len(t, fc.RADIUSServers[0].Clients, 2)
	require.True(t, fc.RADIUSServers[0].FailOpen)

	require.Len(t, fc.LDAPServers, 1)
	require.True(t, fc.LDAPServers[0].ExemptFirstBind)
	require.Equal(t, "127.0.0.1:3000", fc.DiagAddr)
}

func TestReadConfigRejectsUnknownKeys(t *testing.T) {
	cfg := strings.Replace(sampleConfig, "diag_addr:", "diagg_addr:", 1)
	_, err := ReadConfig(strings.NewReader(cfg))
	require.Error(t, err)
}

func TestPushTimeoutDefault(t *testing.T) {
	require.Equal(t, 60*time.Second, APIConfig{}.PushTimeout())
}

func TestCheck(t *testing.T) {
	valid := func() *FileConfig {
		fc, err := ReadConfig(strings.NewReader(sampleConfig))
		require.NoError(t, err)
		return fc
	}

	for _, test := range []struct {
		name    string
		mutate  func(*FileConfig)
		errPart string
	}{
		{
			name:    "missing integration key",
			mutate:  func(fc *FileConfig) { fc.API.IntegrationKey = "" },
			errPart: "integration_key",
		},
		{
			name:    "missing secret key",
			mutate:  func(fc *FileConfig) { fc.API.SecretKey = "" },
			errPart: "secret_key",
		},
		{
			name: "no servers",
			mutate: func(fc *FileConfig) {
				fc.RADIUSServers = nil
				fc.LDAPServers = nil
			},
			errPart: "at least one",
		},
		{
			name:    "challenge mode",
			mutate:  func(fc *FileConfig) { fc.RADIUSServers[0].Mode = "challenge" },
			errPart: "challenge mode is not supported",
		},
		{
			name:    "unknown mode",
			mutate:  func(fc *FileConfig) { fc.RADIUSServers[0].Mode = "push2" },
			errPart: "unknown mode",
		},
		{
			name:    "radius without clients",
			mutate:  func(fc *FileConfig) { fc.RADIUSServers[0].Clients = nil },
			errPart: "at least one client",
		},
		{
			name: "duplicate radius client",
			mutate: func(fc *FileConfig) {
				fc.RADIUSServers[0].Clients[1].IP = fc.RADIUSServers[0].Clients[0].IP
			},
			errPart: "duplicate client",
		},
		{
			name:    "unknown ad_client reference",
			mutate:  func(fc *FileConfig) { fc.LDAPServers[0].Directory = "nosuch" },
			errPart: "unknown ad_client",
		},
		{
			name: "exemptions without directory",
			mutate: func(fc *FileConfig) {
				fc.LDAPServers[0].Directory = ""
			},
			errPart: "exemptions require",
		},
		{
			name: "directory missing base_dn",
			mutate: func(fc *FileConfig) {
				d := fc.Directories["corp"]
				d.BaseDN = ""
				fc.Directories["corp"] = d
			},
			errPart: "base_dn",
		},
		{
			name:    "bad log severity",
			mutate:  func(fc *FileConfig) { fc.Log.Severity = "loud" },
			errPart: "severity",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			fc := valid()
			test.mutate(fc)
			err := fc.Check()
			require.Error(t, err)
			require.Contains(t, err.Error(), test.errPart)
		})
	}

	require.NoError(t, valid().Check())
}
