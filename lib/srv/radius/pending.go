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

package radius

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// pendingKey uniquely identifies an in-flight authentication: RADIUS
// clients retransmit with the same identifier from the same source tuple
// while waiting for a slow reply.
type pendingKey struct {
	sourceIP   string
	sourcePort int
	packetID   byte
}

// pendingRequests suppresses duplicate Access-Requests while the original
// is still awaiting a push verdict. Entries are evicted after ttl so that
// abandoned requests cannot grow the table without bound.
type pendingRequests struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu      sync.Mutex
	entries map[pendingKey]time.Time
}

func newPendingRequests(clock clockwork.Clock, ttl time.Duration) *pendingRequests {
	return &pendingRequests{
		clock:   clock,
		ttl:     ttl,
		entries: make(map[pendingKey]time.Time),
	}
}

// tryAdd inserts the key and returns true, or returns false if an
// unexpired entry is already present. Stale entries are swept inline.
func (p *pendingRequests) tryAdd(key pendingKey) bool {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, arrived := range p.entries {
		if now.Sub(arrived) > p.ttl {
			delete(p.entries, k)
		}
	}
	if _, ok := p.entries[key]; ok {
		return false
	}
	p.entries[key] = now
	return true
}

func (p *pendingRequests) remove(key pendingKey) {
	p.mu.Lock()
	delete(p.entries, key)
	p.mu.Unlock()
}

func (p *pendingRequests) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
