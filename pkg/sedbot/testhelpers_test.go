// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package sedbot

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	testUserID   = id.UserID("@sed:test")
	testUsername = "sed"
	testPassword = "hunter2"
	testToken    = "syt_valid"
	testDeviceID = id.DeviceID("SEDDEVICE")
	testRoomID   = id.RoomID("!room:test")
	alice        = id.UserID("@alice:test")
	bob          = id.UserID("@bob:test")
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Query  string
	Body   string
}

// fakeHS is a test helper that wraps an httptest.Server simulating the parts
// of the Matrix client-server API the bot uses. It records calls and serves
// canned responses.
type fakeHS struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// Events maps event IDs to raw events for /rooms/{id}/event/{id}.
	Events map[id.EventID]string
	// Before maps an event ID to the raw event preceding it, for /context.
	Before map[id.EventID]string
	// Syncs is the queue of raw /sync responses. Once it is empty the next
	// sync request calls OnDrained and blocks until the client gives up.
	Syncs     []string
	OnDrained func()
	// FailSyncs makes that many sync requests fail before Syncs is used.
	FailSyncs int
	// RejectToken makes every authenticated request fail with
	// M_UNKNOWN_TOKEN.
	RejectToken bool
	// JoinFailures makes that many join attempts fail.
	JoinFailures int
	// FailSend rejects outgoing messages.
	FailSend bool
	// Devices lists the account's devices.
	Devices []id.DeviceID
	// UIAStages overrides the single-stage flows offered by delete_devices.
	UIAStages []string
}

func newFakeHS() *fakeHS {
	f := &fakeHS{
		Events:  make(map[id.EventID]string),
		Before:  make(map[id.EventID]string),
		Devices: []id.DeviceID{testDeviceID},
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeHS) Close() {
	f.Server.Close()
}

func (f *fakeHS) record(r *http.Request, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: body})
}

func (f *fakeHS) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// CallsTo returns the recorded calls whose path contains fragment.
func (f *fakeHS) CallsTo(fragment string) []endpointCall {
	var out []endpointCall
	for _, c := range f.Calls() {
		if strings.Contains(c.Path, fragment) {
			out = append(out, c)
		}
	}
	return out
}

// Sent returns the decoded bodies of messages sent to rooms.
func (f *fakeHS) Sent() []map[string]any {
	var out []map[string]any
	for _, c := range f.Calls() {
		if c.Method == http.MethodPut && strings.Contains(c.Path, "/send/m.room.message/") {
			var content map[string]any
			_ = json.Unmarshal([]byte(c.Body), &content)
			out = append(out, content)
		}
	}
	return out
}

// SyncSince returns the since parameter of every sync request.
func (f *fakeHS) SyncSince() []string {
	var out []string
	for _, c := range f.CallsTo("/sync") {
		q, _ := parseQuery(c.Query)
		out = append(out, q["since"])
	}
	return out
}

func parseQuery(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, kv := range strings.Split(raw, "&") {
		if kv == "" {
			continue
		}
		k, v, _ := strings.Cut(kv, "=")
		out[k] = v
	}
	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"errcode": code, "error": msg})
}

func (f *fakeHS) authorized(r *http.Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.RejectToken && r.Header.Get("Authorization") == "Bearer "+testToken
}

func (f *fakeHS) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.record(r, string(body))

	path := strings.TrimPrefix(r.URL.Path, "/_matrix/client/v3")

	if path == "/login" && r.Method == http.MethodPost {
		f.handleLogin(w, body)
		return
	}
	if !f.authorized(r) {
		writeErr(w, http.StatusUnauthorized, "M_UNKNOWN_TOKEN", "Unknown access token")
		return
	}

	switch {
	case r.Method == http.MethodGet && path == "/account/whoami":
		writeJSON(w, http.StatusOK, map[string]string{"user_id": testUserID.String(), "device_id": testDeviceID.String()})

	case r.Method == http.MethodPost && strings.HasPrefix(path, "/user/") && strings.HasSuffix(path, "/filter"):
		writeJSON(w, http.StatusOK, map[string]string{"filter_id": "1"})

	case r.Method == http.MethodGet && path == "/sync":
		f.handleSync(w, r)

	case r.Method == http.MethodPost && isJoin(path):
		f.mu.Lock()
		fail := f.JoinFailures > 0
		if fail {
			f.JoinFailures--
		}
		f.mu.Unlock()
		if fail {
			writeErr(w, http.StatusForbidden, "M_FORBIDDEN", "not allowed yet")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"room_id": joinedRoom(path)})

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/rooms/"):
		f.handleRoomGet(w, path)

	case r.Method == http.MethodPut && strings.HasPrefix(path, "/rooms/") && strings.Contains(path, "/send/"):
		f.mu.Lock()
		fail := f.FailSend
		f.mu.Unlock()
		if fail {
			writeErr(w, http.StatusForbidden, "M_FORBIDDEN", "cannot send")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"event_id": "$reply"})

	case r.Method == http.MethodGet && path == "/devices":
		f.mu.Lock()
		devices := make([]map[string]string, 0, len(f.Devices))
		for _, d := range f.Devices {
			devices = append(devices, map[string]string{"device_id": d.String()})
		}
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"devices": devices})

	case r.Method == http.MethodPost && path == "/delete_devices":
		f.handleDeleteDevices(w, body)

	default:
		writeErr(w, http.StatusNotFound, "M_UNRECOGNIZED", "unrecognized request")
	}
}

func isJoin(path string) bool {
	return strings.HasPrefix(path, "/join/") ||
		(strings.HasPrefix(path, "/rooms/") && strings.HasSuffix(path, "/join"))
}

func joinedRoom(path string) string {
	if rest, ok := strings.CutPrefix(path, "/join/"); ok {
		return rest
	}
	return strings.TrimSuffix(strings.TrimPrefix(path, "/rooms/"), "/join")
}

func (f *fakeHS) handleLogin(w http.ResponseWriter, body []byte) {
	var req struct {
		Identifier struct {
			User string `json:"user"`
		} `json:"identifier"`
		Password string `json:"password"`
	}
	_ = json.Unmarshal(body, &req)
	if req.Identifier.User != testUsername || req.Password != testPassword {
		writeErr(w, http.StatusForbidden, "M_FORBIDDEN", "Invalid username or password")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"user_id":      testUserID.String(),
		"access_token": testToken,
		"device_id":    testDeviceID.String(),
	})
}

func (f *fakeHS) handleSync(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	if f.FailSyncs > 0 {
		f.FailSyncs--
		f.mu.Unlock()
		writeErr(w, http.StatusBadRequest, "M_UNKNOWN", "try again")
		return
	}
	if len(f.Syncs) == 0 {
		onDrained := f.OnDrained
		f.mu.Unlock()
		if onDrained != nil {
			onDrained()
		}
		<-r.Context().Done()
		return
	}
	resp := f.Syncs[0]
	f.Syncs = f.Syncs[1:]
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, resp)
}

func (f *fakeHS) handleRoomGet(w http.ResponseWriter, path string) {
	// /rooms/{roomID}/{event|context}/{eventID}
	parts := strings.SplitN(strings.TrimPrefix(path, "/rooms/"), "/", 3)
	if len(parts) != 3 {
		writeErr(w, http.StatusNotFound, "M_UNRECOGNIZED", "unrecognized request")
		return
	}
	eventID := id.EventID(parts[2])
	f.mu.Lock()
	defer f.mu.Unlock()
	switch parts[1] {
	case "event":
		raw, ok := f.Events[eventID]
		if !ok {
			writeErr(w, http.StatusNotFound, "M_NOT_FOUND", "Event not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, raw)
	case "context":
		before := []json.RawMessage{}
		if raw, ok := f.Before[eventID]; ok {
			before = append(before, json.RawMessage(raw))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"events_before": before,
			"events_after":  []json.RawMessage{},
			"state":         []json.RawMessage{},
			"start":         "s",
			"end":           "e",
		})
	default:
		writeErr(w, http.StatusNotFound, "M_UNRECOGNIZED", "unrecognized request")
	}
}

func (f *fakeHS) handleDeleteDevices(w http.ResponseWriter, body []byte) {
	var req struct {
		Devices []id.DeviceID `json:"devices"`
		Auth    *struct {
			Type     string `json:"type"`
			Session  string `json:"session"`
			Password string `json:"password"`
		} `json:"auth"`
	}
	_ = json.Unmarshal(body, &req)
	if req.Auth == nil || req.Auth.Session != "uia-session" || req.Auth.Type != "m.login.password" {
		stages := f.UIAStages
		if stages == nil {
			stages = []string{"m.login.password"}
		}
		flows := make([]map[string]any, 0, len(stages))
		for _, stage := range stages {
			flows = append(flows, map[string]any{"stages": []string{stage}})
		}
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"session": "uia-session",
			"flows":   flows,
			"params":  map[string]any{},
		})
		return
	}
	if req.Auth.Password != testPassword {
		writeErr(w, http.StatusForbidden, "M_FORBIDDEN", "Invalid password")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	remaining := f.Devices[:0]
	for _, d := range f.Devices {
		deleted := false
		for _, del := range req.Devices {
			if d == del {
				deleted = true
			}
		}
		if !deleted {
			remaining = append(remaining, d)
		}
	}
	f.Devices = remaining
	writeJSON(w, http.StatusOK, map[string]any{})
}

// sleepRecorder replaces Bot.sleep and records requested delays.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func (s *sleepRecorder) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]time.Duration, len(s.delays))
	copy(cp, s.delays)
	return cp
}

func testConfig(t *testing.T, fake *fakeHS) *Config {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Homeserver = fake.Server.URL
	cfg.Username = testUsername
	cfg.SessionFile = filepath.Join(dir, "session.json")
	cfg.DataDir = filepath.Join(dir, "data")
	return cfg
}

// newTestBot returns a bot logged in to fake without a local store.
func newTestBot(t *testing.T, fake *fakeHS) (*Bot, *sleepRecorder) {
	t.Helper()
	cfg := testConfig(t, fake)
	cli, err := newClient(fake.Server.URL, testUserID, testToken, zerolog.Nop())
	if err != nil {
		t.Fatalf("newClient: %v", err)
	}
	cli.DeviceID = testDeviceID
	sessions := NewSessionStore(cfg.SessionFile, &Session{
		Homeserver:  fake.Server.URL,
		UserID:      testUserID,
		DeviceID:    testDeviceID,
		AccessToken: testToken,
		StorePath:   filepath.Join(cfg.DataDir, "store"),
	})
	bot := NewBot(cfg, &Connection{Client: cli, Sessions: sessions}, NewMetrics(), nil, zerolog.Nop())
	rec := &sleepRecorder{}
	bot.sleep = rec.sleep
	return bot, rec
}

// rawMessage returns the JSON of an m.room.message event.
func rawMessage(eventID id.EventID, sender id.UserID, content map[string]any) string {
	data, _ := json.Marshal(map[string]any{
		"type":             "m.room.message",
		"event_id":         eventID,
		"sender":           sender,
		"room_id":          testRoomID,
		"origin_server_ts": 1700000000000,
		"content":          content,
	})
	return string(data)
}

func textContent(body string) map[string]any {
	return map[string]any{"msgtype": "m.text", "body": body}
}

// liveMessage builds a parsed m.room.message event as delivered by the
// syncer for a joined room timeline.
func liveMessage(eventID id.EventID, sender id.UserID, content *event.MessageEventContent) *event.Event {
	evt := &event.Event{
		Type:      event.EventMessage,
		ID:        eventID,
		Sender:    sender,
		RoomID:    testRoomID,
		Timestamp: 1700000000000,
		Content:   event.Content{Parsed: content},
	}
	evt.Mautrix.EventSource = event.SourceJoin | event.SourceTimeline
	return evt
}

// syncResponse builds a raw /sync body with timeline events for testRoomID
// and invite state for the given rooms.
func syncResponse(nextBatch string, timeline []string, invites ...id.RoomID) string {
	rooms := map[string]any{}
	if len(timeline) > 0 {
		events := make([]json.RawMessage, len(timeline))
		for i, raw := range timeline {
			events[i] = json.RawMessage(raw)
		}
		rooms["join"] = map[id.RoomID]any{
			testRoomID: map[string]any{"timeline": map[string]any{"events": events}},
		}
	}
	if len(invites) > 0 {
		invite := map[id.RoomID]any{}
		for _, roomID := range invites {
			invite[roomID] = map[string]any{
				"invite_state": map[string]any{"events": []map[string]any{{
					"type":      "m.room.member",
					"state_key": testUserID,
					"sender":    alice,
					"content":   map[string]any{"membership": "invite"},
				}}},
			}
		}
		rooms["invite"] = invite
	}
	data, _ := json.Marshal(map[string]any{"next_batch": nextBatch, "rooms": rooms})
	return string(data)
}
