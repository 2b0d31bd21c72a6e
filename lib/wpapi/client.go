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

// Package wpapi implements the signed HTTP client for the WorldPosta
// cloud 2FA API: TOTP verification, push issuance and push polling.
package wpapi

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/worldposta/authproxy"
	"github.com/worldposta/authproxy/lib/defaults"
)

// PushStatus is the outcome of a single push status poll.
type PushStatus string

const (
	// PushStatusPending means the user has not yet responded.
	PushStatusPending PushStatus = "pending"
	// PushStatusApproved means the user approved the request.
	PushStatusApproved PushStatus = "approved"
	// PushStatusDenied means the user explicitly denied the request.
	PushStatusDenied PushStatus = "denied"
	// PushStatusExpired means the request expired before a response.
	PushStatusExpired PushStatus = "expired"
	// PushStatusError covers transport failures, non-2xx responses and
	// unparseable or unknown statuses. It is transient: AwaitPush keeps
	// polling through it until the deadline.
	PushStatusError PushStatus = "error"
)

// PushRequest describes a push notification to be sent to a user's
// registered device.
type PushRequest struct {
	// User is the external user ID the push is addressed to.
	User string
	// ServiceName is the service label shown on the device.
	ServiceName string
	// DeviceInfo describes the client that triggered the authentication.
	DeviceInfo string
	// IPAddress is the address the authentication originated from.
	IPAddress string
}

// ClientConfig holds the cloud API client configuration.
type ClientConfig struct {
	// Endpoint is the API base URL.
	Endpoint string
	// IntegrationKey identifies this integration to the API.
	IntegrationKey string
	// SecretKey signs every request.
	SecretKey string
	// PushTimeout bounds AwaitPush from first poll to verdict.
	PushTimeout time.Duration
	// PollInterval is the delay between status polls.
	PollInterval time.Duration
	// HTTPClient is the underlying HTTP client. The default client keeps
	// a persistent connection pool per endpoint and is safe for
	// concurrent use.
	HTTPClient *http.Client
	// Clock is used for request timestamps and poll scheduling.
	Clock clockwork.Clock
	// Logger emits client diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the configuration and fills in defaults.
func (c *ClientConfig) CheckAndSetDefaults() error {
	if c.Endpoint == "" {
		c.Endpoint = defaults.APIEndpoint
	}
	c.Endpoint = strings.TrimRight(c.Endpoint, "/")
	if c.IntegrationKey == "" {
		return trace.BadParameter("ClientConfig is missing IntegrationKey")
	}
	if c.SecretKey == "" {
		return trace.BadParameter("ClientConfig is missing SecretKey")
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = defaults.PushTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PushPollInterval
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: defaults.HTTPRequestTimeout}
	}
	c.Clock = cmp.Or[clockwork.Clock](c.Clock, clockwork.NewRealClock())
	c.Logger = cmp.Or(c.Logger, slog.With(authproxy.ComponentKey, authproxy.ComponentCloud))
	return nil
}

// Client talks to the WorldPosta cloud 2FA API. Every request is signed
// afresh. Client is safe for concurrent use.
type Client struct {
	cfg    ClientConfig
	signer *Signer
}

// NewClient returns a cloud API client for the given configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	signer, err := NewSigner(cfg.IntegrationKey, cfg.SecretKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{cfg: cfg, signer: signer}, nil
}

// PushTimeout returns the configured push timeout.
func (c *Client) PushTimeout() time.Duration {
	return c.cfg.PushTimeout
}

// Close releases idle connections held by the HTTP pool.
func (c *Client) Close() {
	c.cfg.HTTPClient.CloseIdleConnections()
}

// VerifyTOTP verifies a time-based one-time password for the user.
// It returns true only on an HTTP-OK response with valid == true.
func (c *Client) VerifyTOTP(ctx context.Context, user, code string) (bool, error) {
	var out struct {
		Valid bool `json:"valid"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/totp/verify", map[string]string{
		"externalUserId": user,
		"code":           code,
	}, &out)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return out.Valid, nil
}

// SendPush issues a push notification and returns the opaque request ID
// used to poll for its outcome.
func (c *Client) SendPush(ctx context.Context, req PushRequest) (string, error) {
	var out struct {
		RequestID string `json:"requestId"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/push/send", map[string]string{
		"externalUserId": req.User,
		"serviceName":    req.ServiceName,
		"deviceInfo":     req.DeviceInfo,
		"ipAddress":      req.IPAddress,
	}, &out)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if out.RequestID == "" {
		return "", trace.BadParameter("push response carried no requestId")
	}
	c.cfg.Logger.InfoContext(ctx, "push sent", "user", req.User, "request_id", out.RequestID)
	return out.RequestID, nil
}

// PollStatus fetches the current status of an outstanding push. Transport
// failures, non-2xx responses and unknown status values all collapse to
// PushStatusError.
func (c *Client) PollStatus(ctx context.Context, requestID string) PushStatus {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/push/status/"+requestID, nil, &out); err != nil {
		c.cfg.Logger.DebugContext(ctx, "push status poll failed", "request_id", requestID, "error", err)
		return PushStatusError
	}
	switch PushStatus(strings.ToLower(out.Status)) {
	case PushStatusPending:
		return PushStatusPending
	case PushStatusApproved:
		return PushStatusApproved
	case PushStatusDenied:
		return PushStatusDenied
	case PushStatusExpired:
		return PushStatusExpired
	default:
		return PushStatusError
	}
}

// AwaitPush polls the push until it reaches a terminal status or the push
// timeout elapses, whichever comes first. Error polls are retried until
// the deadline; a deadline reached without a single successful poll
// returns PushStatusError with a connection problem, so that callers can
// apply fail-open policy. Deadline expiry otherwise returns
// PushStatusExpired.
func (c *Client) AwaitPush(ctx context.Context, requestID string) (PushStatus, error) {
	deadline := c.cfg.Clock.Now().Add(c.cfg.PushTimeout)
	polled := false
	for {
		status := c.PollStatus(ctx, requestID)
		switch status {
		case PushStatusApproved, PushStatusDenied, PushStatusExpired:
			c.cfg.Logger.InfoContext(ctx, "push resolved", "request_id", requestID, "status", status)
			return status, nil
		case PushStatusPending:
			polled = true
		}
		if !c.cfg.Clock.Now().Add(c.cfg.PollInterval).Before(deadline) {
			if !polled {
				return PushStatusError, trace.ConnectionProblem(nil, "2FA service unreachable while polling push %v", requestID)
			}
			c.cfg.Logger.WarnContext(ctx, "push timed out", "request_id", requestID)
			return PushStatusExpired, nil
		}
		select {
		case <-ctx.Done():
			return PushStatusError, trace.Wrap(ctx.Err())
		case <-c.cfg.Clock.After(c.cfg.PollInterval):
		}
	}
}

// do performs one signed API round-trip. The signature covers the exact
// body bytes that are transmitted; GET requests sign the literal "{}".
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	payload := emptyBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return trace.Wrap(err)
		}
		payload = string(raw)
	}
	headers, err := c.signer.Headers(c.cfg.Clock.Now().Unix(), payload)
	if err != nil {
		return trace.Wrap(err)
	}

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader([]byte(payload))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.Endpoint+path, reqBody)
	if err != nil {
		return trace.Wrap(err)
	}
	req.Header = headers

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return trace.ConnectionProblem(err, "%v %v", method, path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return trace.ConnectionProblem(err, "reading response to %v %v", method, path)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		diag := apiError(raw)
		if resp.StatusCode >= http.StatusInternalServerError {
			return trace.ConnectionProblem(nil, "%v %v: HTTP %v: %v", method, path, resp.StatusCode, diag)
		}
		return trace.BadParameter("%v %v: HTTP %v: %v", method, path, resp.StatusCode, diag)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return trace.Wrap(err, "decoding response to %v %v", method, path)
		}
	}
	return nil
}

// apiError extracts a diagnostic from an error response body, if the body
// is JSON-parseable.
func apiError(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return "unknown error"
}
