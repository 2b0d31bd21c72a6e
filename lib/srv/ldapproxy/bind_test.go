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

package ldapproxy

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestExtractUsername(t *testing.T) {
	for _, test := range []struct {
		name string
		in   string
		want string
	}{
		{name: "bare login", in: "alice", want: "alice"},
		{name: "distinguished name", in: "CN=alice,CN=Users,DC=corp,DC=local", want: "alice"},
		{name: "lowercase cn", in: "cn=alice,ou=Staff,dc=corp,dc=local", want: "alice"},
		{name: "uid rdn", in: "uid=alice,ou=people,dc=corp,dc=local", want: "alice"},
		{name: "single rdn", in: "CN=alice", want: "alice"},
		{name: "upn", in: "alice@corp.local", want: "alice"},
		{name: "down-level logon", in: `CORP\alice`, want: "alice"},
		{name: "whitespace", in: "  alice  ", want: "alice"},
		{name: "rdn with spaces", in: "CN= alice , DC=corp", want: "alice"},
	} {
		t.Run(test.name, func(t *testing.T) {
			got := extractUsername(test.in)
			require.Equal(t, test.want, got)
			// Extraction is idempotent.
			require.Equal(t, got, extractUsername(got))
		})
	}
}

func TestExemptions(t *testing.T) {
	ex := newExemptions(false,
		"CN=svc-proxy,CN=Users,DC=corp,DC=local",
		[]string{"OU=Service Accounts,DC=corp,DC=local"})

	for _, test := range []struct {
		name     string
		bindName string
		want     bool
	}{
		{name: "service DN exact", bindName: "CN=svc-proxy,CN=Users,DC=corp,DC=local", want: true},
		{name: "service DN different case and spacing", bindName: "cn=SVC-Proxy, cn=users, dc=corp, dc=local", want: true},
		{name: "service account by UPN", bindName: "svc-proxy@corp.local", want: true},
		{name: "service account bare login", bindName: "SVC-PROXY", want: true},
		{name: "exempt OU descendant", bindName: "CN=backup,OU=Service Accounts,DC=corp,DC=local", want: true},
		{name: "exempt OU itself", bindName: "OU=Service Accounts,DC=corp,DC=local", want: true},
		{name: "sibling OU is not exempt", bindName: "CN=alice,OU=Staff,DC=corp,DC=local", want: false},
		{name: "suffix must be a DN boundary", bindName: "CN=x,OU=Not Service Accounts 2,DC=corp,DC=local", want: false},
		{name: "regular user", bindName: "alice@corp.local", want: false},
	} {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.want, ex.matches(test.bindName, true))
		})
	}
}

func TestExemptionsFirstBind(t *testing.T) {
	ex := newExemptions(true, "", nil)

	// The first bind on a connection is exempt, later binds are not.
	require.True(t, ex.matches("CN=app-svc,DC=corp,DC=local", false))
	require.False(t, ex.matches("CN=app-svc,DC=corp,DC=local", true))

	// With the knob off the first bind gets no special treatment.
	off := newExemptions(false, "", nil)
	require.False(t, off.matches("CN=app-svc,DC=corp,DC=local", false))
}

func TestConnStatesMarkBind(t *testing.T) {
	clock := clockwork.NewFakeClock()
	states := newConnStates(clock)

	require.True(t, states.markBind(1))
	require.False(t, states.markBind(1))

	// Connections are independent.
	require.True(t, states.markBind(2))
	require.Equal(t, 2, states.len())

	// Stale connection state is swept once the TTL elapses.
	clock.Advance(connStateTTL + time.Minute)
	require.True(t, states.markBind(3))
	require.Equal(t, 1, states.len())
}

func TestIsBinaryAttr(t *testing.T) {
	require.True(t, isBinaryAttr("objectSid"))
	require.True(t, isBinaryAttr("OBJECTGUID"))
	require.True(t, isBinaryAttr("thumbnailPhoto"))
	require.False(t, isBinaryAttr("sAMAccountName"))
	require.False(t, isBinaryAttr("memberOf"))
}
