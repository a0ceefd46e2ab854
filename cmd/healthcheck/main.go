// Package main probes the duel gRPC health endpoint for container orchestration.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	entrypoint "github.com/duelground/duelground/internal/platform/cmd"
	platformgrpc "github.com/duelground/duelground/internal/platform/grpc"
	"github.com/duelground/duelground/internal/platform/timeouts"
)

type config struct {
	GRPCPort int `env:"DUELGROUND_DUEL_GRPC_PORT" envDefault:"8089"`
}

func main() {
	var cfg config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		log.Fatalf("parse env: %v", err)
	}
	fs := flag.NewFlagSet(entrypoint.ServiceHealthcheck, flag.ExitOnError)
	fs.IntVar(&cfg.GRPCPort, "grpc-port", cfg.GRPCPort, "The duel gRPC ops port to probe")
	if err := entrypoint.ParseArgs(fs, os.Args[1:]); err != nil {
		log.Fatalf("parse flags: %v", err)
	}

	addr := fmt.Sprintf("localhost:%d", cfg.GRPCPort)
	conn, err := platformgrpc.DialWithHealth(
		context.Background(),
		nil,
		addr,
		timeouts.GRPCDial,
		nil,
		platformgrpc.DefaultClientDialOptions()...,
	)
	if err != nil {
		log.Printf("duel health probe %s: %v", addr, err)
		os.Exit(1)
	}
	_ = conn.Close()
}
