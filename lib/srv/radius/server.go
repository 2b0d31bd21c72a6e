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

// Package radius implements the RADIUS front end: a UDP listener that
// terminates RFC 2865 Access-Requests, runs them through the
// authentication engine and answers with a single Accept or Reject.
package radius

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"

	"github.com/worldposta/authproxy"
	"github.com/worldposta/authproxy/lib/authn"
	"github.com/worldposta/authproxy/lib/defaults"
	"github.com/worldposta/authproxy/lib/metrics"
)

// acceptMessage is the default Reply-Message on an Access-Accept.
const acceptMessage = "Authentication successful"

// Authenticator is the engine surface the front end depends on.
// Implemented by authn.Engine.
type Authenticator interface {
	Authenticate(ctx context.Context, req authn.Request) (authn.Result, string)
	Close()
}

// ServerConfig holds the RADIUS server configuration.
type ServerConfig struct {
	// ListenAddr is the UDP listen address.
	ListenAddr string
	// Mode selects how users supply the second factor (auto or concat).
	Mode authn.Mode
	// Clients maps NAS source IPs to their shared secrets. Requests
	// from unknown sources are dropped without a reply.
	Clients map[string]string
	// Engine authenticates requests. The server owns the engine and
	// closes it on Shutdown.
	Engine Authenticator
	// AuthTimeout bounds one engine call. Defaults to the push timeout
	// plus a grace period so the engine verdict, not this deadline,
	// normally decides the outcome.
	AuthTimeout time.Duration
	// PendingTTL bounds how long a duplicate-suppression entry survives
	// without a verdict.
	PendingTTL time.Duration
	// Clock is used for duplicate-suppression bookkeeping.
	Clock clockwork.Clock
	// Logger emits server diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the configuration and fills in defaults.
func (c *ServerConfig) CheckAndSetDefaults() error {
	if c.Engine == nil {
		return trace.BadParameter("ServerConfig is missing Engine")
	}
	if len(c.Clients) == 0 {
		return trace.BadParameter("ServerConfig needs at least one RADIUS client")
	}
	switch c.Mode {
	case "":
		c.Mode = authn.ModeAuto
	case authn.ModeAuto, authn.ModeConcat:
	default:
		return trace.BadParameter("RADIUS mode %q is not supported", c.Mode)
	}
	if c.ListenAddr == "" {
		c.ListenAddr = fmt.Sprintf(":%d", defaults.RADIUSListenPort)
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = defaults.PushTimeout + defaults.AuthHandlerGrace
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = defaults.PendingRequestTTL
	}
	c.Clock = cmp.Or[clockwork.Clock](c.Clock, clockwork.NewRealClock())
	c.Logger = cmp.Or(c.Logger, slog.With(authproxy.ComponentKey, authproxy.ComponentRADIUS))
	return nil
}

// Server terminates RADIUS over UDP. Every datagram is handled in its own
// goroutine, so a slow push never delays unrelated requests on the same
// socket.
type Server struct {
	cfg     ServerConfig
	pending *pendingRequests
	server  *radius.PacketServer
}

// NewServer returns a RADIUS server. Call ListenAndServe to start it.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Server{
		cfg:     cfg,
		pending: newPendingRequests(cfg.Clock, cfg.PendingTTL),
	}
	s.server = &radius.PacketServer{
		Addr:         cfg.ListenAddr,
		Handler:      radius.HandlerFunc(s.handleRequest),
		SecretSource: s,
	}
	return s, nil
}

// ListenAndServe serves the UDP socket until Shutdown is called, which
// makes it return nil.
func (s *Server) ListenAndServe() error {
	s.cfg.Logger.InfoContext(context.Background(), "RADIUS server listening",
		"addr", s.cfg.ListenAddr, "mode", s.cfg.Mode, "clients", len(s.cfg.Clients))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, radius.ErrServerShutdown) {
		return trace.Wrap(err)
	}
	return nil
}

// Serve serves an existing packet connection. Used by tests to bind an
// ephemeral port.
func (s *Server) Serve(conn net.PacketConn) error {
	return trace.Wrap(s.server.Serve(conn))
}

// Shutdown stops the listener, waits for in-flight handlers up to the
// context deadline and releases the engine.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	s.cfg.Engine.Close()
	return trace.Wrap(err)
}

// RADIUSSecret implements radius.SecretSource: the shared secret is
// selected by exact source-IP match. Returning an error makes the packet
// server drop the datagram without a reply.
func (s *Server) RADIUSSecret(ctx context.Context, remoteAddr net.Addr) ([]byte, error) {
	host, _, err := net.SplitHostPort(remoteAddr.String())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	secret, ok := s.cfg.Clients[host]
	if !ok {
		s.cfg.Logger.WarnContext(ctx, "dropping packet from unknown RADIUS client", "client_ip", host)
		metrics.PacketsDropped.WithLabelValues(metrics.DropReasonUnknownClient).Inc()
		return nil, trace.NotFound("unknown RADIUS client %v", host)
	}
	return []byte(secret), nil
}

func (s *Server) handleRequest(w radius.ResponseWriter, r *radius.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.AuthTimeout)
	defer cancel()

	// Internal failures suppress the reply for this packet; the client
	// will retransmit.
	defer func() {
		if p := recover(); p != nil {
			s.cfg.Logger.ErrorContext(ctx, "panic in RADIUS handler", "panic", p)
		}
	}()

	if r.Code != radius.CodeAccessRequest {
		s.cfg.Logger.WarnContext(ctx, "ignoring unsupported RADIUS packet", "code", r.Code)
		return
	}

	sourceIP, sourcePort, err := splitAddr(r.RemoteAddr)
	if err != nil {
		s.cfg.Logger.WarnContext(ctx, "unparseable source address", "addr", r.RemoteAddr)
		return
	}

	key := pendingKey{sourceIP: sourceIP, sourcePort: sourcePort, packetID: r.Identifier}
	if !s.pending.tryAdd(key) {
		// A retransmit of a request still awaiting its push verdict:
		// no new side effects, no reply.
		s.cfg.Logger.DebugContext(ctx, "ignoring duplicate request", "client_ip", sourceIP, "packet_id", r.Identifier)
		metrics.PacketsDropped.WithLabelValues(metrics.DropReasonDuplicate).Inc()
		return
	}
	defer s.pending.remove(key)

	username := rfc2865.UserName_GetString(r.Packet)
	password := rfc2865.UserPassword_GetString(r.Packet)
	nasIP := rfc2865.NASIPAddress_Get(r.Packet)
	callingStation := rfc2865.CallingStationID_GetString(r.Packet)

	ipAddress := callingStation
	if ipAddress == "" {
		ipAddress = sourceIP
	}

	s.cfg.Logger.InfoContext(ctx, "Access-Request",
		"client_ip", sourceIP, "user", username, "nas", nasIP)

	result, message := s.cfg.Engine.Authenticate(ctx, authn.Request{
		Username:   username,
		Password:   password,
		DeviceInfo: fmt.Sprintf("NAS: %v", nasIP),
		IPAddress:  ipAddress,
		Mode:       s.cfg.Mode,
	})
	metrics.Authentications.WithLabelValues(metrics.ProtocolRADIUS, string(result)).Inc()

	var resp *radius.Packet
	if result == authn.ResultSuccess {
		s.cfg.Logger.InfoContext(ctx, "Access-Accept", "user", username)
		resp = r.Response(radius.CodeAccessAccept)
		rfc2865.ReplyMessage_SetString(resp, cmp.Or(message, acceptMessage))
	} else {
		s.cfg.Logger.WarnContext(ctx, "Access-Reject", "user", username, "result", result)
		resp = r.Response(radius.CodeAccessReject)
		rfc2865.ReplyMessage_SetString(resp, message)
	}
	if err := w.Write(resp); err != nil {
		s.cfg.Logger.ErrorContext(ctx, "failed to send RADIUS response", "error", err)
	}
}

func splitAddr(addr net.Addr) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", 0, trace.Wrap(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, trace.Wrap(err)
	}
	return host, port, nil
}
