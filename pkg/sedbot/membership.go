// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package sedbot

import (
	"context"
	"fmt"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	initialJoinDelay = 2 * time.Second
	maxJoinDelay     = time.Hour
)

// HandleMember accepts invites for the bot's own user. It is registered for
// both the catch-up round and steady state so invites received while offline
// are honored.
func (b *Bot) HandleMember(ctx context.Context, evt *event.Event) {
	if evt.StateKey == nil || id.UserID(*evt.StateKey) != b.Client.UserID {
		return
	}
	content := evt.Content.AsMember()
	if content.Membership != event.MembershipInvite {
		return
	}
	if b.Client.StateStore != nil && b.Client.StateStore.IsInRoom(ctx, evt.RoomID, b.Client.UserID) {
		return
	}
	roomID := evt.RoomID
	b.log.Info().
		Str("room_id", roomID.String()).
		Str("inviter", evt.Sender.String()).
		Msg("Invited to room")
	b.spawn("autojoin", func() {
		b.autoJoin(ctx, roomID)
	})
}

// autoJoin keeps trying to join roomID, doubling the wait after every
// failure, until it succeeds or the wait would exceed an hour. A started join
// request runs to completion, but cancelling ctx ends any pending wait.
func (b *Bot) autoJoin(ctx context.Context, roomID id.RoomID) {
	log := b.log.With().Str("room_id", roomID.String()).Logger()
	b.Metrics.PendingInvites.Inc()
	defer b.Metrics.PendingInvites.Dec()

	delay := initialJoinDelay
	for {
		_, err := b.Client.JoinRoomByID(context.WithoutCancel(ctx), roomID)
		if err == nil {
			b.Metrics.Joins.WithLabelValues(JoinJoined).Inc()
			log.Info().Msg("Joined room")
			return
		}
		if delay > maxJoinDelay {
			b.Metrics.Joins.WithLabelValues(JoinGaveUp).Inc()
			log.Error().Err(fmt.Errorf("%w: %w", ErrJoinTransient, err)).Msg("Giving up joining room")
			return
		}
		b.Metrics.Joins.WithLabelValues(JoinRetried).Inc()
		log.Warn().Err(err).Dur("retry_in", delay).Msg("Failed to join room, retrying")
		if err := b.sleep(ctx, delay); err != nil {
			log.Info().Msg("Stopped retrying join on shutdown")
			return
		}
		delay *= 2
	}
}
