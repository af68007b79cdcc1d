// Package rist is the top-level facade tying together the wire framer,
// crypto/compression wrappers, peer state machine, flow reorder engine,
// and sender retransmit engine into the Sender/Receiver contexts exposed
// to applications (spec §6 "External interfaces"). It mirrors the shape
// of client2.Client/connection in the teacher module: one context owns
// all of its peers, callbacks are a capability record rather than global
// state, and every long-running loop embeds internal/worker.Worker.
package rist

import "errors"

// Error kinds from spec §7, returned synchronously from the relevant API
// calls. Per-packet and per-peer errors are never returned this way; they
// are counted/logged or drive a peer state transition instead.
var (
	ErrInvalidConfig  = errors.New("rist: invalid configuration")
	ErrTimedOut       = errors.New("rist: timed out")
	ErrNotStarted     = errors.New("rist: context not started")
	ErrAlreadyStarted = errors.New("rist: context already started")
	ErrFatal          = errors.New("rist: fatal error, context aborted")
)
