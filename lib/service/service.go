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

// Package service assembles the proxy from its configuration: directory
// clients, cloud clients, one engine per listener binding, the listeners
// themselves and the diagnostics endpoint, and supervises their lifecycle.
package service

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/worldposta/authproxy"
	"github.com/worldposta/authproxy/lib/authn"
	"github.com/worldposta/authproxy/lib/config"
	"github.com/worldposta/authproxy/lib/defaults"
	"github.com/worldposta/authproxy/lib/directory"
	"github.com/worldposta/authproxy/lib/metrics"
	"github.com/worldposta/authproxy/lib/srv/ldapproxy"
	"github.com/worldposta/authproxy/lib/srv/radius"
	"github.com/worldposta/authproxy/lib/wpapi"
)

// Config holds the process configuration.
type Config struct {
	// FileConfig is the parsed and validated configuration file.
	FileConfig *config.FileConfig
	// Clock is injected into every component.
	Clock clockwork.Clock
	// Logger is the process logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the configuration and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.FileConfig == nil {
		return trace.BadParameter("Config is missing FileConfig")
	}
	c.Clock = cmp.Or[clockwork.Clock](c.Clock, clockwork.NewRealClock())
	c.Logger = cmp.Or(c.Logger, slog.With(authproxy.ComponentKey, authproxy.ComponentProcess))
	return nil
}

// Process is a fully assembled proxy, ready to run.
type Process struct {
	cfg    Config
	radius []*radius.Server
	ldap   []*ldapproxy.Server
	diag   *http.Server
}

// New assembles a process from its configuration. Directory connectivity
// is probed but failures only warn: the directory may come up after us.
func New(cfg Config) (*Process, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := metrics.Register(); err != nil {
		return nil, trace.Wrap(err)
	}
	fc := cfg.FileConfig
	p := &Process{cfg: cfg}

	directories := make(map[string]*directory.Client, len(fc.Directories))
	for name, dc := range fc.Directories {
		clt, err := directory.NewClient(directory.ClientConfig{
			Host:               dc.Host,
			Port:               dc.Port,
			UseTLS:             dc.UseTLS,
			InsecureSkipVerify: dc.InsecureSkipVerify,
			BaseDN:             dc.BaseDN,
			ServiceDN:          dc.ServiceDN,
			ServicePassword:    dc.ServicePassword,
			SearchFilter:       dc.SearchFilter,
		})
		if err != nil {
			return nil, trace.Wrap(err, "ad_clients.%v", name)
		}
		if err := clt.TestConnection(); err != nil {
			cfg.Logger.WarnContext(context.Background(), "directory unreachable at startup",
				"ad_client", name, "error", err)
		}
		directories[name] = clt
	}

	for i, rc := range fc.RADIUSServers {
		engine, err := p.newEngine(directories[rc.Directory], rc.FailOpen)
		if err != nil {
			return nil, trace.Wrap(err, "radius_servers[%d]", i)
		}
		clients := make(map[string]string, len(rc.Clients))
		for _, client := range rc.Clients {
			clients[client.IP] = client.Secret
		}
		srv, err := radius.NewServer(radius.ServerConfig{
			ListenAddr:  rc.ListenAddr,
			Mode:        authn.Mode(cmp.Or(rc.Mode, string(authn.ModeAuto))),
			Clients:     clients,
			Engine:      engine,
			AuthTimeout: fc.API.PushTimeout() + defaults.AuthHandlerGrace,
			Clock:       cfg.Clock,
		})
		if err != nil {
			return nil, trace.Wrap(err, "radius_servers[%d]", i)
		}
		p.radius = append(p.radius, srv)
	}

	for i, lc := range fc.LDAPServers {
		engine, err := p.newEngine(directories[lc.Directory], lc.FailOpen)
		if err != nil {
			return nil, trace.Wrap(err, "ldap_servers[%d]", i)
		}
		lcfg := ldapproxy.ServerConfig{
			ListenAddr:      lc.ListenAddr,
			Engine:          engine,
			ExemptFirstBind: lc.ExemptFirstBind,
			ExemptOUs:       lc.ExemptOUs,
			AuthTimeout:     fc.API.PushTimeout() + defaults.AuthHandlerGrace,
			Clock:           cfg.Clock,
		}
		if dir := directories[lc.Directory]; dir != nil {
			lcfg.Directory = dir
		}
		srv, err := ldapproxy.NewServer(lcfg)
		if err != nil {
			return nil, trace.Wrap(err, "ldap_servers[%d]", i)
		}
		p.ldap = append(p.ldap, srv)
	}

	if fc.DiagAddr != "" {
		p.diag = metrics.NewDiagServer(fc.DiagAddr)
	}
	return p, nil
}

// newEngine builds one engine, with its own cloud client, for one
// listener binding. dir may be nil for pass-through primary
// authentication.
func (p *Process) newEngine(dir *directory.Client, failOpen bool) (*authn.Engine, error) {
	fc := p.cfg.FileConfig
	cloud, err := wpapi.NewClient(wpapi.ClientConfig{
		Endpoint:       fc.API.Endpoint,
		IntegrationKey: fc.API.IntegrationKey,
		SecretKey:      fc.API.SecretKey,
		PushTimeout:    fc.API.PushTimeout(),
		Clock:          p.cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ecfg := authn.EngineConfig{
		Cloud:       cloud,
		ServiceName: fc.API.ServiceName,
		FailOpen:    failOpen,
	}
	if dir != nil {
		ecfg.Directory = dir
	}
	engine, err := authn.NewEngine(ecfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return engine, nil
}

// Run serves every listener until ctx is canceled, then shuts them down
// gracefully. The systemd notify socket, when present, is told about
// readiness and shutdown.
func (p *Process) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, srv := range p.radius {
		g.Go(func() error {
			err := srv.ListenAndServe()
			if gctx.Err() != nil {
				return nil
			}
			return trace.Wrap(err)
		})
	}
	for _, srv := range p.ldap {
		g.Go(func() error {
			err := srv.ListenAndServe()
			if gctx.Err() != nil {
				return nil
			}
			return trace.Wrap(err)
		})
	}
	if p.diag != nil {
		p.cfg.Logger.InfoContext(ctx, "diagnostics endpoint listening", "addr", p.diag.Addr)
		g.Go(func() error {
			err := p.diag.ListenAndServe()
			if gctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return trace.Wrap(err)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		p.cfg.Logger.InfoContext(ctx, "shutting down")
		daemon.SdNotify(false, daemon.SdNotifyStopping)

		sctx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
		defer cancel()
		for _, srv := range p.radius {
			if err := srv.Shutdown(sctx); err != nil {
				p.cfg.Logger.WarnContext(ctx, "RADIUS shutdown", "error", err)
			}
		}
		for _, srv := range p.ldap {
			srv.Stop()
		}
		if err := metrics.Shutdown(sctx, p.diag); err != nil {
			p.cfg.Logger.WarnContext(ctx, "diagnostics shutdown", "error", err)
		}
		return nil
	})

	daemon.SdNotify(false, daemon.SdNotifyReady)
	p.cfg.Logger.InfoContext(ctx, "proxy started",
		"version", authproxy.Version,
		"radius_listeners", len(p.radius),
		"ldap_listeners", len(p.ldap))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return trace.Wrap(err)
	}
	return nil
}
