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

package service

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/worldposta/authproxy/lib/config"
)

func TestNewAssemblesListeners(t *testing.T) {
	fc := &config.FileConfig{
		API: config.APIConfig{
			IntegrationKey: "IK-123",
			SecretKey:      "SK-456",
		},
		RADIUSServers: []config.RADIUSServerConfig{{
			ListenAddr: "127.0.0.1:0",
			Mode:       "concat",
			Clients:    []config.RADIUSClient{{IP: "10.0.0.5", Secret: "x"}},
		}},
		LDAPServers: []config.LDAPServerConfig{{
			ListenAddr: "127.0.0.1:0",
		}},
		DiagAddr: "127.0.0.1:0",
	}
	require.NoError(t, fc.Check())

	p, err := New(Config{FileConfig: fc})
	require.NoError(t, err)
	require.Len(t, p.radius, 1)
	require.Len(t, p.ldap, 1)
	require.NotNil(t, p.diag)
}

func TestNewRejectsMissingFileConfig(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
