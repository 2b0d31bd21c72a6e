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

// Package ldapproxy implements the LDAP front end: a TCP listener that
// accepts simple binds, enforces the second factor on them, and proxies
// searches and compares to the upstream directory so that applications
// can keep pointing their existing LDAP integration at the proxy.
package ldapproxy

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/lor00x/goldap/message"
	ldapserver "github.com/vjeantet/ldapserver"

	"github.com/worldposta/authproxy"
	"github.com/worldposta/authproxy/lib/authn"
	"github.com/worldposta/authproxy/lib/defaults"
	"github.com/worldposta/authproxy/lib/directory"
	"github.com/worldposta/authproxy/lib/metrics"
)

const (
	oidWhoAmI   = "1.3.6.1.4.1.4203.1.11.3"
	oidStartTLS = "1.3.6.1.4.1.1466.20037"
)

// Authenticator is the engine surface the front end depends on.
// Implemented by authn.Engine.
type Authenticator interface {
	Authenticate(ctx context.Context, req authn.Request) (authn.Result, string)
	Close()
}

// DirectoryClient is the directory surface the front end depends on for
// exempt binds and proxied searches. Implemented by directory.Client.
type DirectoryClient interface {
	ServiceDN() string
	BindDN(ctx context.Context, dn, password string) (directory.BindStatus, string)
	PassthroughSearch(ctx context.Context, base string, scope int, filter string, attrs []string) ([]*ldap.Entry, error)
	Compare(ctx context.Context, dn, attribute, value string) (bool, error)
}

// ServerConfig holds the LDAP server configuration.
type ServerConfig struct {
	// ListenAddr is the TCP listen address.
	ListenAddr string
	// Engine authenticates binds. The server owns the engine and closes
	// it on Stop.
	Engine Authenticator
	// Directory serves proxied searches and compares, and primary-only
	// exempt binds. When nil the proxy answers searches with
	// unwillingToPerform and every bind goes through the engine.
	Directory DirectoryClient
	// ExemptFirstBind lets the first bind on each connection skip the
	// second factor. Applications bind their service credential first
	// and user credentials on later binds of the same connection.
	ExemptFirstBind bool
	// ExemptOUs lists DNs whose descendants bind with the primary
	// factor only.
	ExemptOUs []string
	// AuthTimeout bounds one bind. Defaults to the push timeout plus a
	// grace period.
	AuthTimeout time.Duration
	// Clock is used for connection-state bookkeeping.
	Clock clockwork.Clock
	// Logger emits server diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the configuration and fills in defaults.
func (c *ServerConfig) CheckAndSetDefaults() error {
	if c.Engine == nil {
		return trace.BadParameter("ServerConfig is missing Engine")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = fmt.Sprintf(":%d", defaults.LDAPListenPort)
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = defaults.PushTimeout + defaults.AuthHandlerGrace
	}
	c.Clock = cmp.Or[clockwork.Clock](c.Clock, clockwork.NewRealClock())
	c.Logger = cmp.Or(c.Logger, slog.With(authproxy.ComponentKey, authproxy.ComponentLDAP))
	return nil
}

// Server terminates LDAP over TCP.
type Server struct {
	cfg    ServerConfig
	exempt exemptions
	states *connStates
	server *ldapserver.Server
}

// NewServer returns an LDAP server. Call ListenAndServe to start it.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	serviceDN := ""
	if cfg.Directory != nil {
		serviceDN = cfg.Directory.ServiceDN()
	}
	s := &Server{
		cfg:    cfg,
		exempt: newExemptions(cfg.ExemptFirstBind, serviceDN, cfg.ExemptOUs),
		states: newConnStates(cfg.Clock),
	}

	routes := ldapserver.NewRouteMux()
	routes.Bind(s.handleBind)
	routes.Search(s.handleSearch)
	routes.Compare(s.handleCompare)
	routes.Abandon(s.handleAbandon)
	routes.Extended(s.handleWhoAmI).RequestName(message.LDAPOID(oidWhoAmI))
	routes.Extended(s.handleStartTLS).RequestName(message.LDAPOID(oidStartTLS))
	routes.Extended(s.handleExtended)
	routes.NotFound(s.handleNotFound)

	s.server = ldapserver.NewServer()
	s.server.Handle(routes)
	return s, nil
}

// ListenAndServe serves the TCP listener until Stop is called.
func (s *Server) ListenAndServe() error {
	s.cfg.Logger.InfoContext(context.Background(), "LDAP server listening",
		"addr", s.cfg.ListenAddr, "exempt_first_bind", s.cfg.ExemptFirstBind, "exempt_ous", len(s.cfg.ExemptOUs))
	return trace.Wrap(s.server.ListenAndServe(s.cfg.ListenAddr))
}

// Stop closes the listener, drains connections and releases the engine.
func (s *Server) Stop() {
	s.server.Stop()
	s.cfg.Engine.Close()
}

func (s *Server) handleBind(w ldapserver.ResponseWriter, m *ldapserver.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AuthTimeout)
	defer cancel()
	defer s.recoverOp(ctx, w, "bind")

	r := m.GetBindRequest()
	if r.AuthenticationChoice() != "simple" {
		res := ldapserver.NewBindResponse(ldapserver.LDAPResultUnwillingToPerform)
		res.SetDiagnosticMessage("only simple bind is supported")
		w.Write(res)
		return
	}

	code, diag := s.bind(ctx, m.Client.Numero,
		m.Client.GetConn().RemoteAddr().String(),
		string(r.Name()), string(r.AuthenticationSimple()))

	res := ldapserver.NewBindResponse(code)
	if diag != "" {
		res.SetDiagnosticMessage(diag)
	}
	w.Write(res)
}

// bind decides one simple bind: the returned result code follows the
// mapping applications rely on — 0 on success, invalidCredentials (49)
// with the engine message on any authentication verdict short of
// success, operationsError (1) only for infrastructure failures.
func (s *Server) bind(ctx context.Context, connID int, remoteAddr, name, password string) (int, string) {
	log := s.cfg.Logger.With("remote_addr", remoteAddr, "bind_dn", name)

	// Anonymous and unauthenticated binds (RFC 4513 §5.1) succeed,
	// grant nothing, and leave the first-bind exemption slot untouched.
	if name == "" || password == "" {
		return ldapserver.LDAPResultSuccess, ""
	}

	firstBind := s.states.markBind(connID)

	if s.cfg.Directory != nil && s.exempt.matches(name, !firstBind) {
		log.InfoContext(ctx, "exempt bind, primary factor only")
		status, msg := s.cfg.Directory.BindDN(ctx, name, password)
		switch status {
		case directory.BindStatusOK:
			return ldapserver.LDAPResultSuccess, ""
		case directory.BindStatusError:
			log.WarnContext(ctx, "exempt bind failed", "status", status)
			return ldapserver.LDAPResultOperationsError, msg
		default:
			log.WarnContext(ctx, "exempt bind rejected", "status", status)
			return ldapserver.LDAPResultInvalidCredentials, msg
		}
	}

	result, msg := s.cfg.Engine.Authenticate(ctx, authn.Request{
		Username:   extractUsername(name),
		Password:   password,
		DeviceInfo: fmt.Sprintf("LDAP client: %s", remoteAddr),
		IPAddress:  remoteAddr,
		Mode:       authn.ModeAuto,
	})
	metrics.Authentications.WithLabelValues(metrics.ProtocolLDAP, string(result)).Inc()

	if result == authn.ResultSuccess {
		log.InfoContext(ctx, "bind successful")
		return ldapserver.LDAPResultSuccess, ""
	}
	log.WarnContext(ctx, "bind rejected", "result", result)
	return ldapserver.LDAPResultInvalidCredentials, msg
}

func (s *Server) handleAbandon(w ldapserver.ResponseWriter, m *ldapserver.Message) {
	// Abandoned operations run to completion; only the client stopped
	// waiting. Nothing to cancel without per-message tracking.
	s.cfg.Logger.DebugContext(context.Background(), "abandon requested", "conn", m.Client.Numero)
}

func (s *Server) handleWhoAmI(w ldapserver.ResponseWriter, m *ldapserver.Message) {
	w.Write(ldapserver.NewExtendedResponse(ldapserver.LDAPResultSuccess))
}

func (s *Server) handleStartTLS(w ldapserver.ResponseWriter, m *ldapserver.Message) {
	res := ldapserver.NewExtendedResponse(ldapserver.LDAPResultUnwillingToPerform)
	res.SetDiagnosticMessage("TLS is not supported by the proxy")
	w.Write(res)
}

func (s *Server) handleExtended(w ldapserver.ResponseWriter, m *ldapserver.Message) {
	r := m.GetExtendedRequest()
	s.cfg.Logger.DebugContext(context.Background(), "unhandled extended operation", "oid", r.RequestName())
	w.Write(ldapserver.NewExtendedResponse(ldapserver.LDAPResultSuccess))
}

func (s *Server) handleNotFound(w ldapserver.ResponseWriter, m *ldapserver.Message) {
	res := ldapserver.NewResponse(ldapserver.LDAPResultUnwillingToPerform)
	res.SetDiagnosticMessage("operation not supported by the proxy")
	w.Write(res)
}

// recoverOp converts a handler panic into an operationsError response so
// one malformed request cannot take the listener down.
func (s *Server) recoverOp(ctx context.Context, w ldapserver.ResponseWriter, op string) {
	if p := recover(); p != nil {
		s.cfg.Logger.ErrorContext(ctx, "panic in LDAP handler", "op", op, "panic", p)
		res := ldapserver.NewResponse(ldapserver.LDAPResultOperationsError)
		res.SetDiagnosticMessage("internal error")
		w.Write(res)
	}
}
