package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"emperror.dev/errors"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/usagipub/federation"
)

const schema = `
CREATE TABLE IF NOT EXISTS actors (
	id                 TEXT PRIMARY KEY,
	uri                TEXT UNIQUE,
	host               TEXT NOT NULL DEFAULT '',
	username           TEXT NOT NULL,
	display_name       TEXT NOT NULL DEFAULT '',
	summary            TEXT NOT NULL DEFAULT '',
	fields             TEXT NOT NULL DEFAULT '[]',
	inbox              TEXT NOT NULL DEFAULT '',
	shared_inbox       TEXT NOT NULL DEFAULT '',
	followers_uri      TEXT NOT NULL DEFAULT '',
	following_uri      TEXT NOT NULL DEFAULT '',
	featured_uri       TEXT NOT NULL DEFAULT '',
	public_key_id      TEXT NOT NULL DEFAULT '',
	public_key_pem     TEXT NOT NULL DEFAULT '',
	private_key_pem    TEXT NOT NULL DEFAULT '',
	avatar_url         TEXT NOT NULL DEFAULT '',
	banner_url         TEXT NOT NULL DEFAULT '',
	manually_approves  INTEGER NOT NULL DEFAULT 0,
	collections_hidden INTEGER NOT NULL DEFAULT 0,
	suspended          INTEGER NOT NULL DEFAULT 0,
	deleted            INTEGER NOT NULL DEFAULT 0,
	moved_to_uri       TEXT NOT NULL DEFAULT '',
	also_known_as      TEXT NOT NULL DEFAULT '[]',
	last_fetched_at    TIMESTAMP,
	last_migrated_at   TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_actors_username ON actors (username);
CREATE INDEX IF NOT EXISTS idx_actors_key_id ON actors (public_key_id);

CREATE TABLE IF NOT EXISTS posts (
	id                 TEXT PRIMARY KEY,
	uri                TEXT UNIQUE,
	author_id          TEXT NOT NULL,
	reply_to_id        TEXT NOT NULL DEFAULT '',
	quote_id           TEXT NOT NULL DEFAULT '',
	boost_of_id        TEXT NOT NULL DEFAULT '',
	visibility         INTEGER NOT NULL DEFAULT 0,
	recipients         TEXT NOT NULL DEFAULT '[]',
	content            TEXT NOT NULL DEFAULT '',
	content_type       TEXT NOT NULL DEFAULT '',
	summary            TEXT NOT NULL DEFAULT '',
	sensitive          INTEGER NOT NULL DEFAULT 0,
	attachments        TEXT NOT NULL DEFAULT '[]',
	mentions           TEXT NOT NULL DEFAULT '[]',
	hashtags           TEXT NOT NULL DEFAULT '[]',
	emojis             TEXT NOT NULL DEFAULT '[]',
	poll               TEXT,
	quote_unavailable  INTEGER NOT NULL DEFAULT 0,
	attachments_failed INTEGER NOT NULL DEFAULT 0,
	deleted            INTEGER NOT NULL DEFAULT 0,
	created_at         TIMESTAMP,
	updated_at         TIMESTAMP
);

CREATE TABLE IF NOT EXISTS poll_votes (
	post_id  TEXT NOT NULL,
	voter_id TEXT NOT NULL,
	choice   INTEGER NOT NULL,
	PRIMARY KEY (post_id, voter_id, choice)
);

CREATE TABLE IF NOT EXISTS follows (
	follower_id TEXT NOT NULL,
	followed_id TEXT NOT NULL,
	uri         TEXT NOT NULL DEFAULT '',
	status      INTEGER NOT NULL,
	PRIMARY KEY (follower_id, followed_id)
);
CREATE INDEX IF NOT EXISTS idx_follows_followed ON follows (followed_id);

CREATE TABLE IF NOT EXISTS blocks (
	actor_id  TEXT NOT NULL,
	target_id TEXT NOT NULL,
	PRIMARY KEY (actor_id, target_id)
);

CREATE TABLE IF NOT EXISTS reactions (
	actor_id TEXT NOT NULL,
	post_id  TEXT NOT NULL,
	emoji    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (actor_id, post_id)
);

CREATE TABLE IF NOT EXISTS reports (
	id              TEXT PRIMARY KEY,
	reporter_id     TEXT NOT NULL,
	target_actor_id TEXT NOT NULL DEFAULT '',
	post_ids        TEXT NOT NULL DEFAULT '[]',
	comment         TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMP
);

CREATE TABLE IF NOT EXISTS instances (
	host          TEXT PRIMARY KEY,
	software      TEXT NOT NULL DEFAULT '',
	first_seen_at TIMESTAMP
);
`

type SQLite struct {
	cli *sql.DB
}

func NewSQLite(cfg *federation.Config) (*SQLite, error) {
	cli, err := sql.Open("sqlite3", cfg.DatabasePath+"?_fk=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", errors.WithStack(err))
	}

	if _, err := cli.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("failed creating schema resources: %w", errors.WithStack(err))
	}

	return &SQLite{cli: cli}, nil
}

func (d *SQLite) Close() error {
	return d.cli.Close()
}

// inTx runs fn in a transaction, rolling back on error.
func (d *SQLite) inTx(c context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.cli.BeginTx(c, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", errors.WithStack(err))
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tx: %w", errors.WithStack(err))
	}
	return nil
}

// isConstraintErr - whether an error is a uniqueness violation.
func isConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

// nullable - empty strings are stored as NULL so UNIQUE columns ignore them.
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal column: %w", errors.WithStack(err))
	}
	return string(b), nil
}

func unmarshalJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("failed to unmarshal column: %w", errors.WithStack(err))
	}
	return nil
}
