package model

import "time"

// Shared defaults used by the daemon and its CLI subcommands.
const (
	DefaultGRPCAddr       = "127.0.0.1:3458"
	DefaultSessionCredit  = 256
	DefaultMaxSessions    = 1024
	DefaultMaxInflight    = 262144
	DefaultUnaryTimeout   = 5 * time.Second
	DefaultDrainGrace     = 5 * time.Second
	DefaultShutdownGrace  = 10 * time.Second
	DefaultAckDetailLimit = 10000
)
