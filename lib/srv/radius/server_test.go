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
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"

	"github.com/worldposta/authproxy/lib/authn"
)

type fakeEngine struct {
	result  authn.Result
	message string

	calls atomic.Int32
	// block, when non-nil, holds Authenticate until closed.
	block chan struct{}

	mu   sync.Mutex
	last authn.Request
}

func (f *fakeEngine) Authenticate(ctx context.Context, req authn.Request) (authn.Result, string) {
	f.calls.Add(1)
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	return f.result, f.message
}

func (f *fakeEngine) Close() {}

func (f *fakeEngine) lastRequest() authn.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type captureWriter struct {
	mu      sync.Mutex
	packets []*radius.Packet
}

func (c *captureWriter) Write(p *radius.Packet) error {
	c.mu.Lock()
	c.packets = append(c.packets, p)
	c.mu.Unlock()
	return nil
}

func (c *captureWriter) written() []*radius.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*radius.Packet(nil), c.packets...)
}

func newTestServer(t *testing.T, engine Authenticator) *Server {
	t.Helper()
	srv, err := NewServer(ServerConfig{
		Engine:      engine,
		Clients:     map[string]string{"192.0.2.10": "s3cret"},
		AuthTimeout: 2 * time.Second,
		Clock:       clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	return srv
}

// newAccessRequest builds an in-memory Access-Request. User-Password is
// encrypted in 16-octet blocks, so test passwords must be a multiple of
// 16 bytes to round-trip through the attribute unchanged.
func newAccessRequest(t *testing.T, username, password string, id byte) *radius.Request {
	t.Helper()
	require.Zero(t, len(password)%16)
	p := radius.New(radius.CodeAccessRequest, []byte("s3cret"))
	p.Identifier = id
	require.NoError(t, rfc2865.UserName_SetString(p, username))
	require.NoError(t, rfc2865.UserPassword_SetString(p, password))
	return &radius.Request{
		Packet:     p,
		RemoteAddr: &net.UDPAddr{IP: net.ParseIP("192.0.2.10"), Port: 50000},
	}
}

func TestHandleRequestAccept(t *testing.T) {
	engine := &fakeEngine{result: authn.ResultSuccess}
	srv := newTestServer(t, engine)

	w := &captureWriter{}
	srv.handleRequest(w, newAccessRequest(t, "alice", "open-sesame,push", 7))

	packets := w.written()
	require.Len(t, packets, 1)
	require.Equal(t, radius.CodeAccessAccept, packets[0].Code)
	require.Equal(t, "Authentication successful", rfc2865.ReplyMessage_GetString(packets[0]))

	req := engine.lastRequest()
	require.Equal(t, "alice", req.Username)
	require.Equal(t, "open-sesame,push", req.Password)
	require.Equal(t, authn.ModeAuto, req.Mode)
	require.Equal(t, "192.0.2.10", req.IPAddress)

	// The pending entry is released once the verdict is delivered.
	require.Equal(t, 0, srv.pending.len())
}

func TestHandleRequestReject(t *testing.T) {
	engine := &fakeEngine{result: authn.ResultPushDenied, message: "2FA failed: push_denied"}
	srv := newTestServer(t, engine)

	w := &captureWriter{}
	srv.handleRequest(w, newAccessRequest(t, "alice", "correct-horse-16", 8))

	packets := w.written()
	require.Len(t, packets, 1)
	require.Equal(t, radius.CodeAccessReject, packets[0].Code)
	require.Equal(t, "2FA failed: push_denied", rfc2865.ReplyMessage_GetString(packets[0]))
}

func TestHandleRequestIgnoresNonAccessRequest(t *testing.T) {
	engine := &fakeEngine{result: authn.ResultSuccess}
	srv := newTestServer(t, engine)

	req := newAccessRequest(t, "alice", "correct-horse-16", 9)
	req.Packet.Code = radius.CodeStatusServer

	w := &captureWriter{}
	srv.handleRequest(w, req)

	require.Empty(t, w.written())
	require.Zero(t, engine.calls.Load())
}

func TestHandleRequestSuppressesDuplicates(t *testing.T) {
	engine := &fakeEngine{result: authn.ResultSuccess, block: make(chan struct{})}
	srv := newTestServer(t, engine)

	first := &captureWriter{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.handleRequest(first, newAccessRequest(t, "alice", "correct-horse-16", 42))
	}()

	// Wait for the first request to enter the engine.
	require.Eventually(t, func() bool { return engine.calls.Load() == 1 }, time.Second, time.Millisecond)

	// A retransmit with the same source tuple and identifier is dropped
	// silently while the original is in flight.
	dup := &captureWriter{}
	srv.handleRequest(dup, newAccessRequest(t, "alice", "correct-horse-16", 42))
	require.Empty(t, dup.written())
	require.Equal(t, int32(1), engine.calls.Load())

	// A different identifier from the same client proceeds.
	other := &captureWriter{}
	srv.handleRequest(other, newAccessRequest(t, "alice", "correct-horse-16", 43))
	require.Len(t, other.written(), 1)

	close(engine.block)
	<-done
	require.Len(t, first.written(), 1)

	// After the verdict the identifier can be reused.
	again := &captureWriter{}
	srv.handleRequest(again, newAccessRequest(t, "alice", "correct-horse-16", 42))
	require.Len(t, again.written(), 1)
}

func TestCallingStationIDOverridesSourceIP(t *testing.T) {
	engine := &fakeEngine{result: authn.ResultSuccess}
	srv := newTestServer(t, engine)

	req := newAccessRequest(t, "alice", "correct-horse-16", 10)
	require.NoError(t, rfc2865.CallingStationID_SetString(req.Packet, "203.0.113.9"))

	srv.handleRequest(&captureWriter{}, req)
	require.Equal(t, "203.0.113.9", engine.lastRequest().IPAddress)
}

func TestRADIUSSecret(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{result: authn.ResultSuccess})

	secret, err := srv.RADIUSSecret(context.Background(), &net.UDPAddr{IP: net.ParseIP("192.0.2.10"), Port: 1234})
	require.NoError(t, err)
	require.Equal(t, []byte("s3cret"), secret)

	_, err = srv.RADIUSSecret(context.Background(), &net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: 1234})
	require.Error(t, err)
}

func TestServerConfigCheckAndSetDefaults(t *testing.T) {
	cfg := ServerConfig{
		Engine:  &fakeEngine{},
		Clients: map[string]string{"10.0.0.1": "x"},
	}
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, authn.ModeAuto, cfg.Mode)
	require.Equal(t, ":1812", cfg.ListenAddr)
	require.NotZero(t, cfg.AuthTimeout)
	require.NotZero(t, cfg.PendingTTL)

	require.Error(t, (&ServerConfig{Clients: map[string]string{"10.0.0.1": "x"}}).CheckAndSetDefaults())
	require.Error(t, (&ServerConfig{Engine: &fakeEngine{}}).CheckAndSetDefaults())
	require.Error(t, (&ServerConfig{
		Engine:  &fakeEngine{},
		Clients: map[string]string{"10.0.0.1": "x"},
		Mode:    authn.ModeOTP,
	}).CheckAndSetDefaults())
}

func TestPendingRequests(t *testing.T) {
	clock := clockwork.NewFakeClock()
	pending := newPendingRequests(clock, 2*time.Minute)

	key := pendingKey{sourceIP: "192.0.2.10", sourcePort: 50000, packetID: 1}
	require.True(t, pending.tryAdd(key))
	require.False(t, pending.tryAdd(key))

	// Distinct port or identifier is a distinct request.
	require.True(t, pending.tryAdd(pendingKey{sourceIP: "192.0.2.10", sourcePort: 50001, packetID: 1}))
	require.True(t, pending.tryAdd(pendingKey{sourceIP: "192.0.2.10", sourcePort: 50000, packetID: 2}))
	require.Equal(t, 3, pending.len())

	pending.remove(key)
	require.True(t, pending.tryAdd(key))

	// Entries whose handler never returned are swept after the TTL.
	clock.Advance(2*time.Minute + time.Second)
	require.True(t, pending.tryAdd(pendingKey{sourceIP: "192.0.2.10", sourcePort: 50000, packetID: 2}))
	require.Equal(t, 1, pending.len())
}
