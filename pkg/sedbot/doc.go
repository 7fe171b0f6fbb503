// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package sedbot implements a Matrix bot that applies sed-style
// substitutions ("s/teh/the/") to earlier messages and replies with the
// corrected text, underlining what changed.
//
// # Session lifecycle
//
// [ObtainConnection] restores the session recorded in the session file or,
// when there is none, logs in with a password and records a new one. The
// session file also carries the sync cursor, so a restarted bot resumes
// where it stopped instead of replaying room history.
//
// # Sync loop
//
// [Bot.Run] performs one catch-up sync with only the invite handler
// registered, then long-polls forever. The cursor is saved after every
// round whose events were dispatched, so a crash replays at most one round.
// Failed rounds are retried with the same cursor.
//
// # Commands
//
// A message is a command when it contains "sed s/…" or is itself an
// s/…/…/ expression. The target is the replied-to message, the
// in-reply-to message of a thread reply, or otherwise the message right
// before the command. Malformed commands and unresolvable targets produce
// no reply at all.
//
// # Sub-packages
//
//   - sedexpr finds and compiles substitution commands.
//   - difffmt renders word diffs as Matrix HTML.
package sedbot
