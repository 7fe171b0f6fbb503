// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package sedbot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
)

// Run syncs until ctx is cancelled or a fatal error occurs.
//
// The first round is a catch-up: it is requested without long-polling and
// only membership changes are handled, so messages sent while the bot was
// offline are never answered. After that the command handler is enabled.
// The cursor is persisted after every processed round, so a crash replays at
// most one round.
//
// Transient request failures are retried forever with the same cursor after
// Config.SyncRetryDelay. An expired access token, a cursor that cannot be
// persisted or cancellation of ctx end the loop.
func (b *Bot) Run(ctx context.Context) error {
	syncer := mautrix.NewDefaultSyncer()
	if b.Client.StateStore != nil {
		syncer.OnEvent(b.Client.StateStoreSyncHandler)
	}
	syncer.OnEventType(event.StateMember, b.HandleMember)

	filterID, err := b.uploadFilter(ctx)
	if err != nil {
		return err
	}

	since := b.Sessions.Session().NextBatch
	b.log.Info().Bool("resuming", since != "").Msg("Catching up")
	since, err = b.nextRound(ctx, syncer, filterID, since, 0)
	if err != nil {
		return err
	}

	if b.Config.DeleteOtherDevices {
		if err = b.cleanupDevices(ctx); err != nil {
			return err
		}
	}

	syncer.OnEventType(event.EventMessage, b.HandleMessage)
	b.log.Info().Msg("Listening for commands")
	for {
		since, err = b.nextRound(ctx, syncer, filterID, since, b.Config.SyncTimeout)
		if err != nil {
			return err
		}
	}
}

// nextRound performs one sync round, retrying transient failures until one
// succeeds. It returns the persisted cursor.
func (b *Bot) nextRound(ctx context.Context, syncer *mautrix.DefaultSyncer, filterID, since string, timeout time.Duration) (string, error) {
	for {
		next, err := b.syncRound(ctx, syncer, filterID, since, timeout)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrSyncTransient) {
			return "", err
		}
		if err = b.retryableSyncError(ctx, err); err != nil {
			return "", err
		}
	}
}

func (b *Bot) syncRound(ctx context.Context, syncer *mautrix.DefaultSyncer, filterID, since string, timeout time.Duration) (string, error) {
	resp, err := b.Client.SyncRequest(ctx, int(timeout.Milliseconds()), since, filterID, false, event.PresenceOnline)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSyncTransient, err)
	}
	b.Metrics.SyncRounds.Inc()
	// A handler failure is not retried; replaying the same round would hit it
	// again.
	if err = syncer.ProcessResponse(ctx, resp, since); err != nil {
		b.log.Error().Err(err).Msg("Failed to process sync response")
	}
	if err = b.Sessions.SaveCursor(resp.NextBatch); err != nil {
		return "", err
	}
	b.Metrics.LastSync.SetToCurrentTime()
	return resp.NextBatch, nil
}

// retryableSyncError returns nil after waiting out a transient failure, or
// the error that should end the loop.
func (b *Bot) retryableSyncError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if isAuthError(err) {
		return fmt.Errorf("%w: %w", ErrAuthExpired, err)
	}
	b.Metrics.SyncFailures.Inc()
	b.log.Warn().Err(err).Dur("retry_in", b.Config.SyncRetryDelay).Msg("Sync failed, retrying")
	return b.sleep(ctx, b.Config.SyncRetryDelay)
}

func (b *Bot) uploadFilter(ctx context.Context) (string, error) {
	filter := &mautrix.Filter{
		Room: &mautrix.RoomFilter{
			State:    &mautrix.FilterPart{LazyLoadMembers: true},
			Timeline: &mautrix.FilterPart{LazyLoadMembers: true},
		},
	}
	for {
		resp, err := b.Client.CreateFilter(ctx, filter)
		if err == nil {
			return resp.FilterID, nil
		}
		if err = b.retryableSyncError(ctx, err); err != nil {
			return "", err
		}
	}
}

func (b *Bot) cleanupDevices(ctx context.Context) error {
	password, err := b.accountPassword(ctx)
	if err == nil {
		var deleted int
		deleted, err = DeleteOtherDevices(ctx, b.Client, password)
		if err == nil {
			b.log.Info().Int("deleted", deleted).Msg("Deleted other devices")
			return nil
		}
	}
	if b.Config.TolerateDeviceCleanupFailure {
		b.log.Warn().Err(err).Msg("Failed to delete other devices, continuing")
		return nil
	}
	return fmt.Errorf("failed to delete other devices: %w", err)
}
