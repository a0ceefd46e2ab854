// Package timeouts defines shared timeout constants used across the service.
// Centralizing these values prevents drift between boundaries and makes the
// durations discoverable.
package timeouts

import "time"

// GRPCDial caps the wait time when dialing the gRPC ops endpoint.
const GRPCDial = 2 * time.Second

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// WSWrite caps a single outbound websocket frame write so one stuck peer
// cannot hold a notification fan-out.
const WSWrite = 5 * time.Second
