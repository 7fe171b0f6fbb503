// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package sedbot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mau.fi/util/random"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

const storePassphraseLength = 32

// PasswordPrompt asks the operator for the bot password.
type PasswordPrompt func(ctx context.Context) (string, error)

// Connection is an authenticated client together with its local store and
// session record.
type Connection struct {
	Client   *mautrix.Client
	Store    *LocalStore
	Sessions *SessionStore
	// Restored is true when the session came from the session file rather
	// than a fresh login.
	Restored bool

	// password is the one that worked for a fresh login, kept for the
	// device cleanup step.
	password string
}

// Close releases the local store.
func (c *Connection) Close() error {
	return c.Store.Close()
}

// ObtainConnection restores the session stored at cfg.SessionFile or, when
// there is none, logs in and records a new one.
func ObtainConnection(ctx context.Context, cfg *Config, prompt PasswordPrompt, log zerolog.Logger) (*Connection, error) {
	sess, err := LoadSession(cfg.SessionFile)
	switch {
	case err == nil:
		return restoreConnection(ctx, cfg, sess, log)
	case errors.Is(err, os.ErrNotExist):
		return loginConnection(ctx, cfg, prompt, log)
	default:
		return nil, err
	}
}

func restoreConnection(ctx context.Context, cfg *Config, sess *Session, log zerolog.Logger) (*Connection, error) {
	log.Info().
		Str("user_id", sess.UserID.String()).
		Str("homeserver", sess.Homeserver).
		Bool("has_cursor", sess.NextBatch != "").
		Msg("Restoring session")

	cli, err := newClient(sess.Homeserver, sess.UserID, sess.AccessToken, log)
	if err != nil {
		return nil, err
	}
	cli.DeviceID = sess.DeviceID

	store, err := OpenStore(ctx, sess.StorePath, sess.StorePassphrase, log)
	if errors.Is(err, errStorePassphrase) {
		return nil, fmt.Errorf("%w: %w", ErrSessionCorrupt, err)
	} else if err != nil {
		return nil, err
	}
	cli.StateStore = store.StateStore

	whoami, err := cli.Whoami(ctx)
	if err != nil {
		store.Close()
		if isAuthError(err) {
			return nil, fmt.Errorf("%w: %w", ErrAuthExpired, err)
		}
		return nil, fmt.Errorf("failed to verify session: %w", err)
	}
	if whoami.UserID != sess.UserID {
		store.Close()
		return nil, fmt.Errorf("%w: token belongs to %s, not %s", ErrAuthExpired, whoami.UserID, sess.UserID)
	}
	if cli.DeviceID == "" {
		cli.DeviceID = whoami.DeviceID
	}

	log.Info().Str("device_id", cli.DeviceID.String()).Msg("Session restored")
	return &Connection{
		Client:   cli,
		Store:    store,
		Sessions: NewSessionStore(cfg.SessionFile, sess),
		Restored: true,
	}, nil
}

func loginConnection(ctx context.Context, cfg *Config, prompt PasswordPrompt, log zerolog.Logger) (*Connection, error) {
	passphrase := random.String(storePassphraseLength)
	storePath := filepath.Join(cfg.DataDir, uuid.NewString())

	cli, err := newClient(cfg.Homeserver, "", "", log)
	if err != nil {
		return nil, err
	}

	log.Info().Str("homeserver", cfg.Homeserver).Str("username", cfg.Username).Msg("No session found, logging in")
	var password string
	for {
		configured := cfg.Password != ""
		if configured {
			password = cfg.Password
		} else {
			if prompt == nil {
				return nil, fmt.Errorf("%w: no password configured", ErrAuthFailed)
			}
			password, err = prompt(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to read password: %w", err)
			}
		}

		_, err = cli.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: cfg.Username,
			},
			Password:                 password,
			InitialDeviceDisplayName: cfg.DeviceName,
			StoreCredentials:         true,
		})
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if configured {
			return nil, fmt.Errorf("%w: %w", ErrAuthFailed, err)
		}
		log.Error().Err(err).Msg("Login failed, asking for the password again")
	}
	log.Info().
		Str("user_id", cli.UserID.String()).
		Str("device_id", cli.DeviceID.String()).
		Msg("Logged in")

	store, err := OpenStore(ctx, storePath, passphrase, log)
	if err != nil {
		return nil, err
	}
	cli.StateStore = store.StateStore

	sess := &Session{
		Homeserver:      cfg.Homeserver,
		UserID:          cli.UserID,
		DeviceID:        cli.DeviceID,
		AccessToken:     cli.AccessToken,
		StorePath:       storePath,
		StorePassphrase: passphrase,
	}
	sessions := NewSessionStore(cfg.SessionFile, sess)
	if err := sessions.Save(sess); err != nil {
		store.Close()
		return nil, err
	}
	return &Connection{
		Client:   cli,
		Store:    store,
		Sessions: sessions,
		password: password,
	}, nil
}

func newClient(homeserver string, userID id.UserID, accessToken string, log zerolog.Logger) (*mautrix.Client, error) {
	cli, err := mautrix.NewClient(homeserver, userID, accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	clientLog := log.With().Str("component", "mautrix").Logger()
	// Request bodies are logged at trace level and include credentials.
	if clientLog.GetLevel() < zerolog.DebugLevel {
		clientLog = clientLog.Level(zerolog.DebugLevel)
	}
	cli.Log = clientLog
	return cli, nil
}

// isAuthError reports whether err means the access token is no longer valid.
func isAuthError(err error) bool {
	if errors.Is(err, mautrix.MUnknownToken) || errors.Is(err, mautrix.MMissingToken) {
		return true
	}
	return httpStatus(err) == http.StatusUnauthorized
}

// httpStatus extracts the response status from a mautrix request error, or
// returns 0.
func httpStatus(err error) int {
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil {
		return httpErr.Response.StatusCode
	}
	var httpErrPtr *mautrix.HTTPError
	if errors.As(err, &httpErrPtr) && httpErrPtr.Response != nil {
		return httpErrPtr.Response.StatusCode
	}
	return 0
}
