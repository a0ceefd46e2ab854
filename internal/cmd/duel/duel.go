// Package duel parses duel service flags and launches the service.
package duel

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	entrypoint "github.com/duelground/duelground/internal/platform/cmd"
	server "github.com/duelground/duelground/internal/services/duel/app"
	"github.com/duelground/duelground/internal/services/duel/gateway"
)

// Config holds duel command configuration.
type Config struct {
	HTTPPort int    `env:"DUELGROUND_DUEL_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"DUELGROUND_DUEL_GRPC_PORT" envDefault:"8089"`
	DBPath   string `env:"DUELGROUND_DUEL_DB_PATH" envDefault:"data/duel.db"`

	ResponseWindow    time.Duration `env:"DUELGROUND_DUEL_RESPONSE_WINDOW" envDefault:"60s"`
	SessionDuration   time.Duration `env:"DUELGROUND_DUEL_SESSION_DURATION" envDefault:"600s"`
	PresenceTTL       time.Duration `env:"DUELGROUND_DUEL_PRESENCE_TTL" envDefault:"90s"`
	AbortOnDisconnect bool          `env:"DUELGROUND_DUEL_ABORT_ON_DISCONNECT" envDefault:"false"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "The duel WebSocket gateway port")
	fs.IntVar(&cfg.GRPCPort, "grpc-port", cfg.GRPCPort, "The duel gRPC ops port")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to the duel sqlite database")
	fs.BoolVar(&cfg.AbortOnDisconnect, "abort-on-disconnect", cfg.AbortOnDisconnect, "Abort active sessions when a participant fully disconnects")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the duel coordination service.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceDuel, func(context.Context) error {
		serverCfg := server.Config{
			HTTPAddr:          fmt.Sprintf(":%d", cfg.HTTPPort),
			GRPCAddr:          fmt.Sprintf(":%d", cfg.GRPCPort),
			DBPath:            cfg.DBPath,
			ResponseWindow:    cfg.ResponseWindow,
			SessionDuration:   cfg.SessionDuration,
			PresenceTTL:       cfg.PresenceTTL,
			AbortOnDisconnect: cfg.AbortOnDisconnect,
		}
		if grants, err := gateway.LoadGrantConfigFromEnv(nil); err == nil {
			serverCfg.Grants = &grants
		} else {
			log.Printf("duel: access grants not configured: %v", err)
		}
		return server.Run(ctx, serverCfg)
	})
}
