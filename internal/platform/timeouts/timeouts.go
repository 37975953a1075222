// Package timeouts defines shared timeout constants used across the
// server. Centralizing these values prevents drift between the transport,
// session, and storage layers and makes the durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// Drain limits how long a draining session may keep flushing queued
// patches before it is forced closed.
const Drain = 10 * time.Second

// WriteWait caps a single write on the client connection.
const WriteWait = 10 * time.Second

// PongWait is how long a connection may stay silent before the server
// considers it dead. Pings go out at PingPeriod so a healthy client always
// answers inside the window.
const PongWait = 60 * time.Second

// PingPeriod is the interval between keepalive pings. Must be shorter
// than PongWait.
const PingPeriod = 54 * time.Second

// Storage caps a single snapshot read or write against the backing store.
const Storage = 5 * time.Second
