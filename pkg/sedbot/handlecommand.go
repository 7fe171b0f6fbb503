// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package sedbot

import (
	"context"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-sed/pkg/sedbot/difffmt"
	"github.com/aiku/matrix-sed/pkg/sedbot/sedexpr"
)

// HandleMessage looks for a substitution command in a newly received message
// and, when one is found, answers it on a separate goroutine.
func (b *Bot) HandleMessage(ctx context.Context, evt *event.Event) {
	if evt.Mautrix.EventSource&event.SourceJoin == 0 {
		return
	}
	if evt.Sender == b.Client.UserID {
		return
	}
	content := evt.Content.AsMessage()
	if content.MsgType != event.MsgText {
		return
	}
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return
	}
	expr, ok := sedexpr.FindCommand(content.Body)
	if !ok {
		return
	}
	b.spawn("command", func() {
		b.handleCommand(context.WithoutCancel(ctx), evt, content, expr)
	})
}

func (b *Bot) handleCommand(ctx context.Context, evt *event.Event, content *event.MessageEventContent, expr string) {
	log := b.log.With().
		Str("room_id", evt.RoomID.String()).
		Str("event_id", evt.ID.String()).
		Str("sender", evt.Sender.String()).
		Stringer("relation", RelationOf(content).Kind).
		Logger()

	reply, err := b.buildCorrection(ctx, evt, content, expr)
	switch {
	case errors.Is(err, sedexpr.ErrMalformedCommand):
		b.Metrics.Commands.WithLabelValues(OutcomeMalformed).Inc()
		log.Debug().Err(err).Msg("Ignoring malformed command")
		return
	case errors.Is(err, ErrTargetUnresolvable):
		b.Metrics.Commands.WithLabelValues(OutcomeUnresolvable).Inc()
		log.Debug().Err(err).Msg("No target for command")
		return
	case err != nil:
		b.Metrics.Commands.WithLabelValues(OutcomeFailed).Inc()
		log.Warn().Err(err).Msg("Failed to apply command")
		return
	}

	if err = b.sendReply(ctx, evt.RoomID, reply); err != nil {
		b.Metrics.Commands.WithLabelValues(OutcomeFailed).Inc()
		b.Metrics.ReplyFailures.Inc()
		log.Error().Err(err).Msg("Failed to send correction")
		return
	}
	b.Metrics.Commands.WithLabelValues(OutcomeApplied).Inc()
	log.Debug().Msg("Sent correction")
}

func (b *Bot) buildCorrection(ctx context.Context, evt *event.Event, content *event.MessageEventContent, expr string) (*event.MessageEventContent, error) {
	cmd, err := sedexpr.Parse(expr)
	if err != nil {
		return nil, err
	}
	target, err := ResolveTarget(ctx, b.Client, evt, RelationOf(content))
	if err != nil {
		return nil, err
	}
	oldText := event.TrimReplyFallbackText(target.Content.AsMessage().Body)
	newText := cmd.Execute(oldText)
	return correctionContent(target, threadRootOf(content), oldText, newText), nil
}

// correctionContent builds the notice answering a command. The notice goes
// into the target's thread, or the command's thread when the target has none,
// and always replies to the target.
func correctionContent(target *event.Event, commandThread id.EventID, oldText, newText string) *event.MessageEventContent {
	content := &event.MessageEventContent{
		MsgType:       event.MsgNotice,
		Body:          newText,
		Format:        event.FormatHTML,
		FormattedBody: difffmt.Render(oldText, newText),
		Mentions:      &event.Mentions{},
	}
	thread := threadRootOf(target.Content.AsMessage())
	if thread == "" {
		thread = commandThread
	}
	if thread != "" {
		content.RelatesTo = &event.RelatesTo{
			Type:      event.RelThread,
			EventID:   thread,
			InReplyTo: &event.InReplyTo{EventID: target.ID},
		}
	} else {
		content.RelatesTo = &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: target.ID},
		}
	}
	return content
}

func (b *Bot) sendReply(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) error {
	if _, err := b.Client.SendMessageEvent(ctx, roomID, event.EventMessage, content); err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	return nil
}
