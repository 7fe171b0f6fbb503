// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package sedbot

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
)

// Bot runs the sync loop and the event handlers for one connection.
type Bot struct {
	Config   *Config
	Client   *mautrix.Client
	Sessions *SessionStore
	Metrics  *Metrics

	log      zerolog.Logger
	password string
	prompt   PasswordPrompt

	// sleep waits between retries. Tests replace it to observe delays.
	sleep func(ctx context.Context, d time.Duration) error

	handlers sync.WaitGroup
}

// NewBot wraps an established connection. prompt may be nil; it is only used
// when device cleanup needs a password that is neither configured nor known
// from the login.
func NewBot(cfg *Config, conn *Connection, metrics *Metrics, prompt PasswordPrompt, log zerolog.Logger) *Bot {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Bot{
		Config:   cfg,
		Client:   conn.Client,
		Sessions: conn.Sessions,
		Metrics:  metrics,
		log:      log.With().Str("component", "bot").Logger(),
		password: conn.password,
		prompt:   prompt,
		sleep:    sleepContext,
	}
}

// Wait blocks until all spawned handlers have finished.
func (b *Bot) Wait() {
	b.handlers.Wait()
}

// spawn runs fn on its own goroutine so slow handlers never hold up the sync
// loop. Panics are logged and swallowed.
func (b *Bot) spawn(name string, fn func()) {
	b.handlers.Add(1)
	go func() {
		defer b.handlers.Done()
		defer func() {
			if r := recover(); r != nil {
				b.log.Error().Interface("panic", r).Str("handler", name).Msg("Handler panicked")
			}
		}()
		fn()
	}()
}

func (b *Bot) accountPassword(ctx context.Context) (string, error) {
	if b.password != "" {
		return b.password, nil
	}
	if b.Config.Password != "" {
		return b.Config.Password, nil
	}
	if b.prompt == nil {
		return "", nil
	}
	return b.prompt(ctx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
