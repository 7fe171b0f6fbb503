// Copyright 2024-2026 Aiku AI

package sedbot

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/sqlstatestore"

	_ "modernc.org/sqlite"
)

const stateDBName = "state.db"

var errStorePassphrase = errors.New("store passphrase does not match")

// LocalStore is the on-disk room state store used by the Matrix client.
type LocalStore struct {
	Path       string
	DB         *dbutil.Database
	StateStore *sqlstatestore.SQLStateStore
}

// OpenStore opens (or creates) the store in directory path. The passphrase
// is bound to the store on first open and checked on every later open, so a
// session record can never be paired with another session's store.
func OpenStore(ctx context.Context, path, passphrase string, log zerolog.Logger) (*LocalStore, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	dsn := "file:" + filepath.Join(path, stateDBName) +
		"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	rawDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}
	rawDB.SetMaxOpenConns(1)

	db, err := dbutil.NewWithDB(rawDB, "sqlite3")
	if err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("failed to wrap store database: %w", err)
	}
	if err := bindPassphrase(ctx, db, passphrase); err != nil {
		db.Close()
		return nil, err
	}

	stateStore := sqlstatestore.NewSQLStateStore(db, dbutil.ZeroLogger(log), false)
	if err := stateStore.Upgrade(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to upgrade state store: %w", err)
	}
	log.Debug().Str("path", path).Msg("Opened local store")
	return &LocalStore{Path: path, DB: db, StateStore: stateStore}, nil
}

// Close closes the underlying database.
func (ls *LocalStore) Close() error {
	if ls == nil || ls.DB == nil {
		return nil
	}
	return ls.DB.Close()
}

func bindPassphrase(ctx context.Context, db *dbutil.Database, passphrase string) error {
	_, err := db.Exec(ctx, `CREATE TABLE IF NOT EXISTS matrix_sed_store (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to prepare store metadata: %w", err)
	}

	want := passphraseDigest(passphrase)
	var got string
	err = db.QueryRow(ctx, `SELECT value FROM matrix_sed_store WHERE key='passphrase'`).Scan(&got)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = db.Exec(ctx, `INSERT INTO matrix_sed_store (key, value) VALUES ('passphrase', $1)`, want)
		if err != nil {
			return fmt.Errorf("failed to store passphrase digest: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to read store metadata: %w", err)
	case subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1:
		return errStorePassphrase
	}
	return nil
}

func passphraseDigest(passphrase string) string {
	sum := sha256.Sum256([]byte("matrix-sed store\x00" + passphrase))
	return hex.EncodeToString(sum[:])
}
