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

// Command authproxy is the WorldPosta two-factor authentication proxy:
// it fronts RADIUS and LDAP clients, verifies primary credentials
// against Active Directory and enforces a push or TOTP second factor
// through the WorldPosta cloud.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/worldposta/authproxy"
	"github.com/worldposta/authproxy/lib/config"
	"github.com/worldposta/authproxy/lib/defaults"
	"github.com/worldposta/authproxy/lib/service"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		slog.Error("authproxy failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	app := kingpin.New("authproxy", "WorldPosta two-factor authentication proxy for RADIUS and LDAP.")
	app.Version(authproxy.Version)
	app.HelpFlag.Short('h')

	start := app.Command("start", "Start the proxy.")
	startConfig := start.Flag("config", "Path to the configuration file.").
		Short('c').Default(defaults.ConfigFilePath).String()
	debug := start.Flag("debug", "Enable verbose logging to stderr.").Short('d').Bool()

	check := app.Command("check", "Validate a configuration file and exit.")
	checkConfig := check.Flag("config", "Path to the configuration file.").
		Short('c').Default(defaults.ConfigFilePath).String()

	ver := app.Command("version", "Print the version and exit.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	switch command {
	case start.FullCommand():
		return trace.Wrap(onStart(ctx, *startConfig, *debug))
	case check.FullCommand():
		return trace.Wrap(onCheck(*checkConfig))
	case ver.FullCommand():
		fmt.Printf("authproxy v%v\n", authproxy.Version)
		return nil
	}
	return nil
}

func onStart(ctx context.Context, configPath string, debug bool) error {
	fc, err := config.ReadFromFile(configPath)
	if err != nil {
		return trace.Wrap(err)
	}
	setupLogger(fc.Log, debug)

	process, err := service.New(service.Config{FileConfig: fc})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(process.Run(ctx))
}

func onCheck(configPath string) error {
	if _, err := config.ReadFromFile(configPath); err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("%v is valid\n", configPath)
	return nil
}

func setupLogger(lc config.LogConfig, debug bool) {
	level := slog.LevelInfo
	switch lc.Severity {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
