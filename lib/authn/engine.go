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

// Package authn implements the protocol-agnostic authentication engine
// that composes primary directory authentication with a WorldPosta
// second factor (push approval or TOTP).
package authn

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/worldposta/authproxy"
	"github.com/worldposta/authproxy/lib/defaults"
	"github.com/worldposta/authproxy/lib/directory"
	"github.com/worldposta/authproxy/lib/metrics"
	"github.com/worldposta/authproxy/lib/wpapi"
)

// Result is the engine's verdict on an authentication attempt.
type Result string

const (
	// ResultSuccess means both factors were accepted.
	ResultSuccess Result = "success"
	// ResultPrimaryFailed means the directory rejected the password.
	ResultPrimaryFailed Result = "primary_failed"
	// ResultPushFailed means the push could not be issued.
	ResultPushFailed Result = "push_failed"
	// ResultPushDenied means the user denied the push.
	ResultPushDenied Result = "push_denied"
	// ResultPushTimeout means the push was not answered in time.
	ResultPushTimeout Result = "push_timeout"
	// ResultOTPInvalid means the one-time password was rejected.
	ResultOTPInvalid Result = "otp_invalid"
	// ResultUserNotFound means the username matched no directory entry.
	ResultUserNotFound Result = "user_not_found"
	// ResultError covers malformed factors and infrastructure failures.
	ResultError Result = "error"
)

// Mode selects how the second factor is chosen when the password does not
// carry an explicit factor suffix.
type Mode string

const (
	// ModeAuto triggers a push whenever no factor suffix is present.
	ModeAuto Mode = "auto"
	// ModePush always uses the push flow, like auto.
	ModePush Mode = "push"
	// ModeConcat requires the ",push" or ",<otp>" password suffix.
	ModeConcat Mode = "concat"
	// ModeOTP requires an OTP suffix and never pushes.
	ModeOTP Mode = "otp"
)

// minOTPLength is the shortest factor suffix accepted as an OTP code.
const minOTPLength = 6

// failOpenMessage marks accepts granted under the fail-open policy so
// they can be told apart from fully verified ones in NAS logs.
const failOpenMessage = "Authentication successful (2FA service unavailable)"

// Directory verifies primary credentials. Implemented by
// directory.Client; nil configures pass-through primary authentication.
type Directory interface {
	BindAsUser(ctx context.Context, username, password string) (directory.BindStatus, string)
}

// Cloud performs the second factor against the 2FA service. Implemented
// by wpapi.Client.
type Cloud interface {
	VerifyTOTP(ctx context.Context, user, code string) (bool, error)
	SendPush(ctx context.Context, req wpapi.PushRequest) (string, error)
	AwaitPush(ctx context.Context, requestID string) (wpapi.PushStatus, error)
	Close()
}

// EngineConfig holds the engine configuration.
type EngineConfig struct {
	// Directory verifies primary credentials. When nil the engine runs
	// in pass-through mode: primary authentication succeeds
	// unconditionally because a system in front of the proxy enforces
	// it. The second factor is always enforced.
	Directory Directory
	// Cloud performs the second factor. The engine owns the client and
	// closes it on Close.
	Cloud Cloud
	// ServiceName is the service label shown on push notifications.
	ServiceName string
	// FailOpen accepts an authentication whose primary bind succeeded
	// when the 2FA service is unreachable. It never applies to denied
	// pushes or rejected codes.
	FailOpen bool
	// Logger emits engine diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the configuration and fills in defaults.
func (c *EngineConfig) CheckAndSetDefaults() error {
	if c.Cloud == nil {
		return trace.BadParameter("EngineConfig is missing Cloud")
	}
	if c.ServiceName == "" {
		c.ServiceName = defaults.ServiceName
	}
	c.Logger = cmp.Or(c.Logger, slog.With(authproxy.ComponentKey, authproxy.ComponentAuth))
	return nil
}

// Request is one authentication attempt.
type Request struct {
	// Username is the login name, without domain decoration.
	Username string
	// Password is the raw password, possibly carrying a ",push" or
	// ",<otp>" factor suffix.
	Password string
	// DeviceInfo describes the client device for the push prompt.
	DeviceInfo string
	// IPAddress is where the attempt originated.
	IPAddress string
	// Mode selects the factor when no suffix is present.
	Mode Mode
}

// Engine orchestrates primary authentication and the second factor. It is
// safe for concurrent use.
type Engine struct {
	cfg EngineConfig
}

// NewEngine returns an authentication engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{cfg: cfg}, nil
}

// Close releases the cloud client owned by the engine.
func (e *Engine) Close() {
	e.cfg.Cloud.Close()
}

// Authenticate runs the full flow: password parsing, primary bind, factor
// dispatch. The returned message is safe to surface in protocol replies;
// it never contains credentials. Primary authentication always completes
// before any cloud call, so user existence is never leaked through push
// emission.
func (e *Engine) Authenticate(ctx context.Context, req Request) (Result, string) {
	log := e.cfg.Logger.With("attempt_id", uuid.NewString(), "user", req.Username, "mode", req.Mode)
	log.InfoContext(ctx, "starting authentication")

	password, factor := parsePassword(req.Password)

	result, msg := e.authenticatePrimary(ctx, log, req.Username, password)
	if result != ResultSuccess {
		log.WarnContext(ctx, "primary authentication failed", "result", result)
		return result, msg
	}
	log.DebugContext(ctx, "primary authentication successful")

	var override string
	switch {
	case strings.EqualFold(factor, "push"):
		result, override = e.authenticatePush(ctx, log, req)
	case factor != "" && isOTPCode(factor):
		result, override = e.authenticateOTP(ctx, log, req.Username, factor)
	case factor != "":
		log.WarnContext(ctx, "unknown factor suffix")
		return ResultError, fmt.Sprintf("Unknown factor: %s", factor)
	case req.Mode == ModeOTP:
		return ResultError, "OTP code required"
	case req.Mode == ModeAuto || req.Mode == ModePush:
		result, override = e.authenticatePush(ctx, log, req)
	default:
		// Concat mode requires an explicit factor suffix.
		return ResultError, "Second factor required"
	}

	if result == ResultSuccess {
		log.InfoContext(ctx, "authentication successful")
		return ResultSuccess, cmp.Or(override, "Authentication successful")
	}
	log.WarnContext(ctx, "second factor failed", "result", result)
	return result, fmt.Sprintf("2FA failed: %s", result)
}

func (e *Engine) authenticatePrimary(ctx context.Context, log *slog.Logger, username, password string) (Result, string) {
	if e.cfg.Directory == nil {
		log.DebugContext(ctx, "no directory configured, pass-through primary authentication")
		return ResultSuccess, "Pass-through"
	}
	status, msg := e.cfg.Directory.BindAsUser(ctx, username, password)
	switch status {
	case directory.BindStatusOK:
		return ResultSuccess, msg
	case directory.BindStatusNotFound:
		return ResultUserNotFound, msg
	case directory.BindStatusError:
		return ResultError, msg
	default:
		return ResultPrimaryFailed, msg
	}
}

func (e *Engine) authenticatePush(ctx context.Context, log *slog.Logger, req Request) (Result, string) {
	requestID, err := e.cfg.Cloud.SendPush(ctx, wpapi.PushRequest{
		User:        req.Username,
		ServiceName: e.cfg.ServiceName,
		DeviceInfo:  req.DeviceInfo,
		IPAddress:   req.IPAddress,
	})
	if err != nil {
		metrics.Pushes.WithLabelValues("send_failed").Inc()
		if e.failOpen(ctx, log, err) {
			return ResultSuccess, failOpenMessage
		}
		log.WarnContext(ctx, "push could not be issued", "error", err)
		return ResultPushFailed, ""
	}

	status, err := e.cfg.Cloud.AwaitPush(ctx, requestID)
	metrics.Pushes.WithLabelValues(string(status)).Inc()
	switch status {
	case wpapi.PushStatusApproved:
		return ResultSuccess, ""
	case wpapi.PushStatusDenied:
		return ResultPushDenied, ""
	case wpapi.PushStatusExpired:
		return ResultPushTimeout, ""
	default:
		if err != nil && e.failOpen(ctx, log, err) {
			return ResultSuccess, failOpenMessage
		}
		return ResultPushTimeout, ""
	}
}

func (e *Engine) authenticateOTP(ctx context.Context, log *slog.Logger, username, code string) (Result, string) {
	valid, err := e.cfg.Cloud.VerifyTOTP(ctx, username, code)
	if err != nil {
		if e.failOpen(ctx, log, err) {
			return ResultSuccess, failOpenMessage
		}
		log.WarnContext(ctx, "OTP verification failed", "error", err)
		return ResultOTPInvalid, ""
	}
	if !valid {
		return ResultOTPInvalid, ""
	}
	return ResultSuccess, ""
}

// failOpen reports whether a cloud failure should be accepted under the
// fail-open policy. Only infrastructure faults qualify: explicit denials
// and rejected codes are never failed open.
func (e *Engine) failOpen(ctx context.Context, log *slog.Logger, err error) bool {
	if !e.cfg.FailOpen || !trace.IsConnectionProblem(err) {
		return false
	}
	log.WarnContext(ctx, "2FA service unreachable, failing open", "error", err)
	return true
}

// parsePassword splits a password on its last comma into the real
// password and a factor suffix. Passwords containing commas keep
// everything before the last comma.
func parsePassword(password string) (realPassword, factor string) {
	if i := strings.LastIndex(password, ","); i >= 0 {
		return password[:i], password[i+1:]
	}
	return password, ""
}

// isOTPCode reports whether a factor suffix looks like a one-time
// password: all digits and at least six of them.
func isOTPCode(factor string) bool {
	if len(factor) < minOTPLength {
		return false
	}
	for _, r := range factor {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
