// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package sedbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// passwordAuthData answers an m.login.password interactive auth stage.
type passwordAuthData struct {
	mautrix.BaseAuthData
	Identifier mautrix.UserIdentifier `json:"identifier"`
	Password   string                 `json:"password"`
}

// DeleteOtherDevices removes every device of the logged-in account except
// the current one. The homeserver's interactive auth challenge is answered
// with the account password. It returns the number of devices removed.
func DeleteOtherDevices(ctx context.Context, cli *mautrix.Client, password string) (int, error) {
	resp, err := cli.GetDevicesInfo(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list devices: %w", err)
	}
	var others []id.DeviceID
	for _, dev := range resp.Devices {
		if dev.DeviceID != cli.DeviceID {
			others = append(others, dev.DeviceID)
		}
	}
	if len(others) == 0 {
		return 0, nil
	}

	// mautrix's DeleteDevices sends DELETE, the endpoint only takes POST.
	url := cli.BuildClientURL("v3", "delete_devices")
	req := &mautrix.ReqDeleteDevices{Devices: others}
	body, err := cli.MakeRequest(ctx, http.MethodPost, url, req, nil)
	if err == nil {
		return len(others), nil
	}
	challenge, ok := parseUIAChallenge(body, err)
	if !ok {
		return 0, fmt.Errorf("failed to delete devices: %w", err)
	}
	if !challenge.HasSingleStageFlow(mautrix.AuthTypePassword) {
		return 0, errors.New("failed to delete devices: homeserver does not offer password auth")
	}
	if password == "" {
		return 0, errors.New("failed to delete devices: no password available")
	}

	req.Auth = &passwordAuthData{
		BaseAuthData: mautrix.BaseAuthData{
			Type:    mautrix.AuthTypePassword,
			Session: challenge.Session,
		},
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: cli.UserID.String(),
		},
		Password: password,
	}
	if _, err = cli.MakeRequest(ctx, http.MethodPost, url, req, nil); err != nil {
		return 0, fmt.Errorf("failed to delete devices: %w", err)
	}
	return len(others), nil
}

// parseUIAChallenge decodes the interactive auth challenge that comes with a
// 401 response. MakeRequest returns the error body alongside the error.
func parseUIAChallenge(body []byte, err error) (*mautrix.RespUserInteractive, bool) {
	if httpStatus(err) != http.StatusUnauthorized || len(body) == 0 {
		return nil, false
	}
	var challenge mautrix.RespUserInteractive
	if json.Unmarshal(body, &challenge) != nil || challenge.Session == "" {
		return nil, false
	}
	return &challenge, true
}
