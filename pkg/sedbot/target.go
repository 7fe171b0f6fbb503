// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package sedbot

import (
	"context"
	"errors"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// contextLimit asks /context for one event on each side of the command.
const contextLimit = 2

// EventFetcher is the part of the client used to look up target messages.
type EventFetcher interface {
	GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*event.Event, error)
	Context(ctx context.Context, roomID id.RoomID, eventID id.EventID, filter *mautrix.FilterPart, limit int) (*mautrix.RespContext, error)
}

var _ EventFetcher = (*mautrix.Client)(nil)

// RelationKind tells how a command message points at another event.
type RelationKind int

const (
	RelationNone RelationKind = iota
	RelationReply
	RelationThread
)

func (k RelationKind) String() string {
	switch k {
	case RelationReply:
		return "reply"
	case RelationThread:
		return "thread"
	default:
		return "none"
	}
}

// Relation is the relation data of a command message.
type Relation struct {
	Kind RelationKind
	// Target is the event being replied to. Thread relations may leave it
	// empty.
	Target id.EventID
	// ThreadRoot is set for thread relations.
	ThreadRoot id.EventID
	// IsFallingBack is set when a thread reply's in_reply_to only exists for
	// clients without thread support.
	IsFallingBack bool
}

// RelationOf extracts the relation of a message.
func RelationOf(content *event.MessageEventContent) Relation {
	rel := content.RelatesTo
	if rel == nil {
		return Relation{}
	}
	var inReplyTo id.EventID
	if rel.InReplyTo != nil {
		inReplyTo = rel.InReplyTo.EventID
	}
	switch {
	case rel.Type == event.RelThread:
		return Relation{
			Kind:          RelationThread,
			Target:        inReplyTo,
			ThreadRoot:    rel.EventID,
			IsFallingBack: rel.IsFallingBack,
		}
	case inReplyTo != "":
		return Relation{Kind: RelationReply, Target: inReplyTo}
	default:
		return Relation{}
	}
}

// threadRootOf returns the thread a message belongs to, if any.
func threadRootOf(content *event.MessageEventContent) id.EventID {
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelThread {
		return content.RelatesTo.EventID
	}
	return ""
}

// ResolveTarget finds the message a command applies to. A reply target
// (direct or inside a thread) wins; otherwise the event right before the
// command is used. Failures wrap ErrTargetUnresolvable.
func ResolveTarget(ctx context.Context, fetcher EventFetcher, cmd *event.Event, rel Relation) (*event.Event, error) {
	var target *event.Event
	var err error
	if rel.Target != "" {
		target, err = fetcher.GetEvent(ctx, cmd.RoomID, rel.Target)
	} else {
		target, err = previousEvent(ctx, fetcher, cmd)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTargetUnresolvable, err)
	}
	if err = validateTarget(target); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTargetUnresolvable, err)
	}
	return target, nil
}

func previousEvent(ctx context.Context, fetcher EventFetcher, cmd *event.Event) (*event.Event, error) {
	resp, err := fetcher.Context(ctx, cmd.RoomID, cmd.ID, nil, contextLimit)
	if err != nil {
		return nil, err
	}
	if len(resp.EventsBefore) == 0 || resp.EventsBefore[0] == nil {
		return nil, errors.New("no event before command")
	}
	return resp.EventsBefore[0], nil
}

// validateTarget accepts live, non-edit m.room.message events with a body.
// It parses the content in place.
func validateTarget(evt *event.Event) error {
	switch {
	case evt == nil:
		return errors.New("missing event")
	case evt.StateKey != nil:
		return errors.New("target is a state event")
	case evt.Type.Type != event.EventMessage.Type:
		return fmt.Errorf("target has unsupported type %s", evt.Type.Type)
	case evt.Unsigned.RedactedBecause != nil:
		return errors.New("target was redacted")
	}
	evt.Type.Class = event.MessageEventType
	if err := evt.Content.ParseRaw(evt.Type); err != nil && !errors.Is(err, event.ErrContentAlreadyParsed) {
		return fmt.Errorf("failed to parse target content: %w", err)
	}
	content := evt.Content.AsMessage()
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return errors.New("target is an edit")
	}
	if content.Body == "" {
		return errors.New("target has no body")
	}
	return nil
}
