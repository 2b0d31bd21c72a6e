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

// Package directory implements the LDAP client for the primary directory:
// user DN resolution, password verification via simple bind, and the
// service-credential search/compare operations used by the LDAP proxy path.
package directory

import (
	"cmp"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/gravitational/trace"

	"github.com/worldposta/authproxy"
	"github.com/worldposta/authproxy/lib/defaults"
)

// BindStatus classifies the outcome of a user bind.
type BindStatus string

const (
	// BindStatusOK means the credentials were accepted.
	BindStatusOK BindStatus = "ok"
	// BindStatusBadCredentials means the password or username was rejected.
	BindStatusBadCredentials BindStatus = "bad-credentials"
	// BindStatusDisabled means the account is administratively disabled.
	BindStatusDisabled BindStatus = "disabled"
	// BindStatusLocked means the account is locked out.
	BindStatusLocked BindStatus = "locked"
	// BindStatusExpired means the account or password has expired.
	BindStatusExpired BindStatus = "expired"
	// BindStatusNotFound means the username matched no directory entry.
	BindStatusNotFound BindStatus = "user-not-found"
	// BindStatusError covers directory unavailability and other
	// infrastructure failures.
	BindStatusError BindStatus = "error"
)

// ClientConfig holds the connection parameters of a directory profile.
type ClientConfig struct {
	// Host is the directory server hostname or address.
	Host string
	// Port is the directory server port.
	Port int
	// UseTLS wraps connections in TLS (ldaps).
	UseTLS bool
	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool
	// BaseDN is the search base for user lookups.
	BaseDN string
	// ServiceDN is the service account used for lookups and proxied
	// searches.
	ServiceDN string
	// ServicePassword is the service account password.
	ServicePassword string
	// SearchFilter is the user lookup filter template; {username} is
	// substituted with the escaped login name.
	SearchFilter string
	// DialTimeout bounds the TCP/TLS handshake.
	DialTimeout time.Duration
	// RequestTimeout bounds each directory operation.
	RequestTimeout time.Duration
	// Logger emits client diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the configuration and fills in defaults.
func (c *ClientConfig) CheckAndSetDefaults() error {
	if c.Host == "" {
		return trace.BadParameter("ClientConfig is missing Host")
	}
	if c.BaseDN == "" {
		return trace.BadParameter("ClientConfig is missing BaseDN")
	}
	if c.ServiceDN == "" {
		return trace.BadParameter("ClientConfig is missing ServiceDN")
	}
	if c.Port == 0 {
		c.Port = defaults.DirectoryPort
	}
	if c.SearchFilter == "" {
		c.SearchFilter = defaults.SearchFilter
	}
	if !strings.Contains(c.SearchFilter, "{username}") {
		return trace.BadParameter("search filter %q is missing the {username} placeholder", c.SearchFilter)
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaults.DirectoryDialTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaults.DirectoryRequestTimeout
	}
	c.Logger = cmp.Or(c.Logger, slog.With(authproxy.ComponentKey, authproxy.ComponentDirectory))
	return nil
}

// Client is a synchronous client for the primary directory. Each operation
// dials a fresh connection, so the client is safe for concurrent use.
type Client struct {
	cfg ClientConfig
}

// NewClient returns a directory client for the given profile.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{cfg: cfg}, nil
}

// ServiceDN returns the configured service account DN.
func (c *Client) ServiceDN() string {
	return c.cfg.ServiceDN
}

func (c *Client) connect() (*ldap.Conn, error) {
	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))
	scheme := "ldap"
	opts := []ldap.DialOpt{
		ldap.DialWithDialer(&net.Dialer{Timeout: c.cfg.DialTimeout}),
	}
	if c.cfg.UseTLS {
		scheme = "ldaps"
		opts = append(opts, ldap.DialWithTLSConfig(&tls.Config{
			ServerName:         c.cfg.Host,
			InsecureSkipVerify: c.cfg.InsecureSkipVerify,
		}))
	}
	conn, err := ldap.DialURL(scheme+"://"+addr, opts...)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "dialing directory %v", addr)
	}
	conn.SetTimeout(c.cfg.RequestTimeout)
	return conn, nil
}

func (c *Client) serviceBind(conn *ldap.Conn) error {
	if err := conn.Bind(c.cfg.ServiceDN, c.cfg.ServicePassword); err != nil {
		return trace.Wrap(err, "service bind as %q", c.cfg.ServiceDN)
	}
	return nil
}

// userFilter substitutes the username into the search filter template,
// escaping it per RFC 4515 so that login names cannot inject filter
// syntax.
func (c *Client) userFilter(username string) string {
	return strings.ReplaceAll(c.cfg.SearchFilter, "{username}", ldap.EscapeFilter(username))
}

// ResolveDN looks up the distinguished name for a login name using the
// service account. Exactly one match is required: zero matches return a
// not-found error, more than one is an infrastructure error.
func (c *Client) ResolveDN(ctx context.Context, username string) (string, error) {
	conn, err := c.connect()
	if err != nil {
		return "", trace.Wrap(err)
	}
	defer conn.Close()
	if err := c.serviceBind(conn); err != nil {
		return "", trace.Wrap(err)
	}
	return c.resolveDN(ctx, conn, username)
}

func (c *Client) resolveDN(ctx context.Context, conn *ldap.Conn, username string) (string, error) {
	req := ldap.NewSearchRequest(
		c.cfg.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.DerefAlways,
		0,     // no SizeLimit
		0,     // no TimeLimit
		false, // we want attribute values
		c.userFilter(username),
		[]string{"distinguishedName"},
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return "", trace.Wrap(err, "searching for user %q", username)
	}
	switch len(res.Entries) {
	case 0:
		return "", trace.NotFound("user %q not found in directory", username)
	case 1:
		return res.Entries[0].DN, nil
	default:
		c.cfg.Logger.WarnContext(ctx, "multiple directory entries matched username", "user", username, "matches", len(res.Entries))
		return "", trace.BadParameter("username %q matched %d directory entries", username, len(res.Entries))
	}
}

// BindAsUser verifies a user's password: it resolves the user's DN with
// the service account, then re-binds as that DN with the supplied
// password. The returned message is safe to surface on the wire.
func (c *Client) BindAsUser(ctx context.Context, username, password string) (BindStatus, string) {
	if password == "" {
		// An empty password would be an unauthenticated bind, which
		// directories accept without verifying anything.
		return BindStatusBadCredentials, "Password required"
	}
	conn, err := c.connect()
	if err != nil {
		c.cfg.Logger.ErrorContext(ctx, "directory unreachable", "error", err)
		return BindStatusError, "Authentication failed"
	}
	defer conn.Close()
	if err := c.serviceBind(conn); err != nil {
		c.cfg.Logger.ErrorContext(ctx, "service bind failed", "error", err)
		return BindStatusError, "Authentication failed"
	}
	dn, err := c.resolveDN(ctx, conn, username)
	if err != nil {
		if trace.IsNotFound(err) {
			c.cfg.Logger.WarnContext(ctx, "user not found in directory", "user", username)
			return BindStatusNotFound, "User not found"
		}
		c.cfg.Logger.ErrorContext(ctx, "user lookup failed", "user", username, "error", err)
		return BindStatusError, "Authentication failed"
	}
	return c.BindDN(ctx, dn, password)
}

// BindDN performs a simple bind as the given DN and classifies the result.
// It is used directly by the LDAP front end for exempt binds, where the
// caller-supplied DN is bound without a username lookup.
func (c *Client) BindDN(ctx context.Context, dn, password string) (BindStatus, string) {
	if password == "" {
		return BindStatusBadCredentials, "Password required"
	}
	conn, err := c.connect()
	if err != nil {
		c.cfg.Logger.ErrorContext(ctx, "directory unreachable", "error", err)
		return BindStatusError, "Authentication failed"
	}
	defer conn.Close()
	if err := conn.Bind(dn, password); err != nil {
		status, msg := classifyBindError(err)
		c.cfg.Logger.WarnContext(ctx, "user bind rejected", "dn", dn, "status", status)
		return status, msg
	}
	return BindStatusOK, "Authentication successful"
}

// PassthroughSearch performs a service-bound search with the supplied
// base, scope and filter, returning all matching entries with user and
// operational attributes. The LDAP front end uses this to relay directory
// queries from consumers such as vCenter.
func (c *Client) PassthroughSearch(ctx context.Context, base string, scope int, filter string, attrs []string) ([]*ldap.Entry, error) {
	conn, err := c.connect()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer conn.Close()
	if err := c.serviceBind(conn); err != nil {
		return nil, trace.Wrap(err)
	}
	req := ldap.NewSearchRequest(
		base,
		scope,
		ldap.DerefAlways,
		0,
		0,
		false,
		filter,
		attrs,
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return nil, trace.Wrap(err, "proxied search under %q", base)
	}
	return res.Entries, nil
}

// Compare performs a service-bound compare of an attribute value on the
// given entry.
func (c *Client) Compare(ctx context.Context, dn, attribute, value string) (bool, error) {
	conn, err := c.connect()
	if err != nil {
		return false, trace.Wrap(err)
	}
	defer conn.Close()
	if err := c.serviceBind(conn); err != nil {
		return false, trace.Wrap(err)
	}
	matched, err := conn.Compare(dn, attribute, value)
	if err != nil {
		return false, trace.Wrap(err, "comparing %q on %q", attribute, dn)
	}
	return matched, nil
}

// TestConnection verifies that the directory accepts the service
// credentials. Used by the configuration test command.
func (c *Client) TestConnection() error {
	conn, err := c.connect()
	if err != nil {
		return trace.Wrap(err)
	}
	defer conn.Close()
	return trace.Wrap(c.serviceBind(conn))
}

// classifyBindError maps a directory bind failure onto a bind status by
// case-insensitive substring match on the server diagnostic. Active
// Directory reports account state through these substrings on bind.
func classifyBindError(err error) (BindStatus, string) {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, strings.ToLower(ldap.LDAPResultCodeMap[ldap.LDAPResultInvalidCredentials])),
		strings.Contains(msg, "invalidcredentials"):
		return BindStatusBadCredentials, "Invalid password"
	case strings.Contains(msg, "user name is invalid"):
		return BindStatusBadCredentials, "Invalid username"
	case strings.Contains(msg, "account disabled"):
		return BindStatusDisabled, "Account disabled"
	case strings.Contains(msg, "account expired"):
		return BindStatusExpired, "Account expired"
	case strings.Contains(msg, "account locked"):
		return BindStatusLocked, "Account locked"
	default:
		return BindStatusError, "Authentication failed"
	}
}
