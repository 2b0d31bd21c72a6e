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
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// extractUsername reduces a bind name, in whatever form the client sent
// it, to the bare login the directory and the 2FA service know the user
// by. Applying it to its own output is a no-op.
func extractUsername(bindName string) string {
	name := strings.TrimSpace(bindName)
	lower := strings.ToLower(name)

	// Distinguished name: the value of the leading CN= or uid= RDN.
	if strings.HasPrefix(lower, "cn=") || strings.HasPrefix(lower, "uid=") {
		value := name[strings.Index(name, "=")+1:]
		if i := strings.Index(value, ","); i >= 0 {
			value = value[:i]
		}
		return strings.TrimSpace(value)
	}
	// UPN: local part.
	if i := strings.Index(name, "@"); i >= 0 {
		return name[:i]
	}
	// Down-level logon name: part after DOMAIN\.
	if i := strings.LastIndex(name, `\`); i >= 0 {
		return name[i+1:]
	}
	return name
}

// normalizeDN lowercases a DN and strips the whitespace around RDN
// separators so that spelled-out variants compare equal.
func normalizeDN(dn string) string {
	parts := strings.Split(dn, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return strings.ToLower(strings.Join(parts, ","))
}

// exemptions decides which binds skip the second factor and authenticate
// against the directory alone: service accounts used by applications to
// browse the tree cannot answer a push.
type exemptions struct {
	// firstBind exempts the first bind on each connection, the slot
	// applications use for their service credential.
	firstBind bool
	// serviceDN is the proxy's own service account, normalized.
	serviceDN string
	// serviceUser is the service account's bare login.
	serviceUser string
	// ous are normalized DNs whose descendants are exempt.
	ous []string
}

func newExemptions(firstBind bool, serviceDN string, ous []string) exemptions {
	e := exemptions{
		firstBind: firstBind,
		serviceDN: normalizeDN(serviceDN),
	}
	if serviceDN != "" {
		e.serviceUser = extractUsername(serviceDN)
	}
	for _, ou := range ous {
		if ou != "" {
			e.ous = append(e.ous, normalizeDN(ou))
		}
	}
	return e
}

// matches reports whether a bind by bindName may skip the second factor.
// firstBindDone is the connection's bind history.
func (e exemptions) matches(bindName string, firstBindDone bool) bool {
	if e.firstBind && !firstBindDone {
		return true
	}
	norm := normalizeDN(bindName)
	if e.serviceDN != "" && norm == e.serviceDN {
		return true
	}
	// The service account binding by UPN or bare login.
	if e.serviceUser != "" && strings.EqualFold(extractUsername(bindName), e.serviceUser) {
		return true
	}
	for _, ou := range e.ous {
		if norm == ou || strings.HasSuffix(norm, ","+ou) {
			return true
		}
	}
	return false
}

// connStateTTL evicts state for connections that went away without an
// unbind. The protocol handler gives no close notification, so eviction
// is lazy.
const connStateTTL = time.Hour

type connState struct {
	firstBindDone bool
	lastSeen      time.Time
}

// connStates tracks per-connection bind history, keyed by the handler's
// connection number.
type connStates struct {
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[int]*connState
}

func newConnStates(clock clockwork.Clock) *connStates {
	return &connStates{
		clock:   clock,
		entries: make(map[int]*connState),
	}
}

// markBind records an authenticated bind attempt on the connection and
// reports whether it was the first one. Stale entries are swept along the
// way. Anonymous binds are not recorded so they cannot consume the
// first-bind exemption slot.
func (c *connStates) markBind(numero int) (first bool) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, st := range c.entries {
		if k != numero && now.Sub(st.lastSeen) > connStateTTL {
			delete(c.entries, k)
		}
	}
	st, ok := c.entries[numero]
	if !ok {
		st = &connState{}
		c.entries[numero] = st
	}
	first = !st.firstBindDone
	st.firstBindDone = true
	st.lastSeen = now
	return first
}

func (c *connStates) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
