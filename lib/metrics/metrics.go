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

// Package metrics defines the proxy's Prometheus collectors and the
// diagnostics HTTP endpoint that exposes them.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Label values for the protocol dimension.
const (
	ProtocolRADIUS = "radius"
	ProtocolLDAP   = "ldap"
)

// Label values for the drop-reason dimension.
const (
	DropReasonUnknownClient = "unknown_client"
	DropReasonDuplicate     = "duplicate"
)

var (
	// Authentications counts completed authentication attempts by
	// protocol and engine verdict.
	Authentications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authproxy_authentications_total",
			Help: "Completed authentication attempts by protocol and result.",
		},
		[]string{"protocol", "result"},
	)

	// Pushes counts push notifications by final status.
	Pushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authproxy_pushes_total",
			Help: "Push notifications sent, by final status.",
		},
		[]string{"status"},
	)

	// PacketsDropped counts datagrams discarded before authentication.
	PacketsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authproxy_packets_dropped_total",
			Help: "RADIUS datagrams dropped before reaching the engine.",
		},
		[]string{"reason"},
	)
)

// Register registers the proxy collectors with the default registry.
// Repeated registration is not an error so that tests can call it freely.
func Register() error {
	for _, c := range []prometheus.Collector{Authentications, Pushes, PacketsDropped} {
		if err := prometheus.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return trace.Wrap(err)
		}
	}
	return nil
}

// NewDiagServer returns the diagnostics HTTP server serving /metrics and
// /healthz on addr. The caller starts and shuts it down.
func NewDiagServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Shutdown gracefully stops a diagnostics server started with
// NewDiagServer, tolerating one that never began serving.
func Shutdown(ctx context.Context, srv *http.Server) error {
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return trace.Wrap(err)
	}
	return nil
}
