// Package cmd holds the shared entrypoint plumbing for service commands:
// env-backed config parsing, flag layering, and the telemetry-wrapped run
// loop every main goes through.
package cmd

import (
	"context"
	"errors"
	"flag"
	"log"
	"strings"
	"time"

	"github.com/duelground/duelground/internal/platform/config"
	"github.com/duelground/duelground/internal/platform/otel"
)

const otelShutdownTimeout = 5 * time.Second

// Service identifiers used for startup telemetry and CLI naming.
const (
	ServiceDuel        = "duel"
	ServiceHealthcheck = "healthcheck"
)

// ParseConfig loads environment defaults into cfg. Commands layer flags on
// top afterwards so flags win over the environment.
func ParseConfig[T any](cfg *T) error {
	if cfg == nil {
		return errors.New("config target is required")
	}
	return config.ParseEnv(cfg)
}

// ParseArgs parses command-line flags.
func ParseArgs(fs *flag.FlagSet, args []string) error {
	if fs == nil {
		return errors.New("flag parser is required")
	}
	if args == nil {
		args = []string{}
	}
	return fs.Parse(args)
}

// RunWithTelemetry sets up tracing for the named service, executes run, and
// flushes pending spans on the way out.
func RunWithTelemetry(ctx context.Context, service string, run func(context.Context) error) error {
	service = strings.TrimSpace(service)
	if service == "" {
		return errors.New("service name is required")
	}
	if run == nil {
		return errors.New("run function is required")
	}

	shutdown, err := otel.Setup(ctx, service)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), otelShutdownTimeout)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Printf("%s otel shutdown: %v", service, err)
		}
	}()
	return run(ctx)
}
