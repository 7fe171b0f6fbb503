// Copyright 2024-2026 Aiku AI

package sedbot

import "errors"

// Startup and loop-level failures. These terminate the process.
var (
	ErrAuthFailed     = errors.New("login failed")
	ErrAuthExpired    = errors.New("stored access token was rejected")
	ErrSessionCorrupt = errors.New("session file is corrupt")
)

// Per-event and per-round failures. These are logged and never leave the
// handler or round that produced them.
var (
	ErrTargetUnresolvable = errors.New("no valid target message")
	ErrDeliveryFailed     = errors.New("failed to send reply")
	ErrSyncTransient      = errors.New("sync request failed")
	ErrJoinTransient      = errors.New("join attempt failed")
)
