// Command aifo-shim stands in for a toolchain binary and forwards the
// invocation to the session's execution proxy.
//
// Install it under the tool's name (cargo, npm, python3, ...) or call it as
// "aifo-shim <tool> args...".
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/everydev1618/aifo/config"
	"github.com/everydev1618/aifo/shim"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "aifo-shim: %v\n", err)
		return shim.ExitProtocol
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	// The proxy owns the tool's lifetime; the shim only stops waiting.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return shim.Run(ctx, shim.Options{
		URL:                  cfg.ProxyURL,
		Token:                cfg.ProxyToken,
		Verbose:              cfg.Verbose,
		ExitZeroOnDisconnect: cfg.ExitZeroOnDisconnect,
		Policy: shim.Policy{
			Smart:       cfg.SmartShim,
			SmartNode:   cfg.SmartNode,
			SmartPython: cfg.SmartPython,
		},
	}, os.Args, os.Stdout, os.Stderr)
}
