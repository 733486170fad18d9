package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"emperror.dev/errors"
	"github.com/usagipub/federation"
)

// actor

type ActorDB struct {
	*SQLite
}

func NewActorDB(db *SQLite) federation.ActorStore {
	return &ActorDB{SQLite: db}
}

const actorColumns = `id, uri, host, username, display_name, summary, fields,
	inbox, shared_inbox, followers_uri, following_uri, featured_uri,
	public_key_id, public_key_pem, private_key_pem, avatar_url, banner_url,
	manually_approves, collections_hidden, suspended, deleted,
	moved_to_uri, also_known_as, last_fetched_at, last_migrated_at`

func (d *ActorDB) Save(c context.Context, actor *federation.Actor) error {
	fields, err := marshalJSON(actor.Fields)
	if err != nil {
		return err
	}
	aka, err := marshalJSON(actor.AlsoKnownAs)
	if err != nil {
		return err
	}

	_, err = d.cli.ExecContext(c, `INSERT INTO actors (`+actorColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		actor.ID, nullable(actor.URI), actor.Host, actor.Username,
		actor.DisplayName, actor.Summary, fields,
		actor.Inbox, actor.SharedInbox, actor.FollowersURI, actor.FollowingURI, actor.FeaturedURI,
		actor.PublicKeyID, actor.PublicKeyPem, actor.PrivateKeyPem,
		actor.AvatarURL, actor.BannerURL,
		actor.ManuallyApproves, actor.CollectionsHidden, actor.Suspended, actor.Deleted,
		actor.MovedToURI, aka, actor.LastFetchedAt, actor.LastMigratedAt)
	if err != nil {
		if isConstraintErr(err) {
			return federation.ErrConflict
		}
		return fmt.Errorf("failed to create actor: %w", errors.WithStack(err))
	}
	return nil
}

func (d *ActorDB) Update(c context.Context, actor *federation.Actor) error {
	fields, err := marshalJSON(actor.Fields)
	if err != nil {
		return err
	}
	aka, err := marshalJSON(actor.AlsoKnownAs)
	if err != nil {
		return err
	}

	_, err = d.cli.ExecContext(c, `UPDATE actors SET
		uri = ?, host = ?, username = ?, display_name = ?, summary = ?, fields = ?,
		inbox = ?, shared_inbox = ?, followers_uri = ?, following_uri = ?, featured_uri = ?,
		public_key_id = ?, public_key_pem = ?, avatar_url = ?, banner_url = ?,
		manually_approves = ?, collections_hidden = ?, suspended = ?, deleted = ?,
		moved_to_uri = ?, also_known_as = ?, last_fetched_at = ?
		WHERE id = ?`,
		nullable(actor.URI), actor.Host, actor.Username, actor.DisplayName, actor.Summary, fields,
		actor.Inbox, actor.SharedInbox, actor.FollowersURI, actor.FollowingURI, actor.FeaturedURI,
		actor.PublicKeyID, actor.PublicKeyPem, actor.AvatarURL, actor.BannerURL,
		actor.ManuallyApproves, actor.CollectionsHidden, actor.Suspended, actor.Deleted,
		actor.MovedToURI, aka, actor.LastFetchedAt,
		actor.ID)
	if err != nil {
		return fmt.Errorf("failed to update actor: %w", errors.WithStack(err))
	}
	return nil
}

func (d *ActorDB) Find(c context.Context, id string) (*federation.Actor, error) {
	return d.findBy(c, "id = ?", id)
}

func (d *ActorDB) FindByURI(c context.Context, uri string) (*federation.Actor, error) {
	return d.findBy(c, "uri = ?", uri)
}

func (d *ActorDB) FindByUsername(c context.Context, username string) (*federation.Actor, error) {
	return d.findBy(c, "username = ? AND host = ''", username)
}

func (d *ActorDB) FindByKeyID(c context.Context, keyID string) (*federation.Actor, error) {
	return d.findBy(c, "public_key_id = ?", keyID)
}

func (d *ActorDB) findBy(c context.Context, where string, arg any) (*federation.Actor, error) {
	row := d.cli.QueryRowContext(c, `SELECT `+actorColumns+` FROM actors WHERE `+where, arg)
	return scanActor(row)
}

// RecordMigration re-checks the cooldown under the transaction and stamps
// the migration timestamp. Without this re-check two concurrent updates
// could both start a follower transfer.
func (d *ActorDB) RecordMigration(c context.Context, id string, target string, cooldown time.Duration) (bool, error) {
	recorded := false
	err := d.inTx(c, func(tx *sql.Tx) error {
		var last sql.NullTime
		err := tx.QueryRowContext(c, `SELECT last_migrated_at FROM actors WHERE id = ?`, id).Scan(&last)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return federation.ErrNotFound
			}
			return fmt.Errorf("failed to get actor: %w", errors.WithStack(err))
		}
		if last.Valid && time.Since(last.Time) < cooldown {
			return nil
		}

		_, err = tx.ExecContext(c, `UPDATE actors SET last_migrated_at = ?, moved_to_uri = ? WHERE id = ?`,
			time.Now(), target, id)
		if err != nil {
			return fmt.Errorf("failed to stamp migration: %w", errors.WithStack(err))
		}
		recorded = true
		return nil
	})
	return recorded, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActor(row rowScanner) (*federation.Actor, error) {
	var actor federation.Actor
	var uri sql.NullString
	var fields, aka string
	var fetchedAt, migratedAt sql.NullTime

	err := row.Scan(&actor.ID, &uri, &actor.Host, &actor.Username,
		&actor.DisplayName, &actor.Summary, &fields,
		&actor.Inbox, &actor.SharedInbox, &actor.FollowersURI, &actor.FollowingURI, &actor.FeaturedURI,
		&actor.PublicKeyID, &actor.PublicKeyPem, &actor.PrivateKeyPem,
		&actor.AvatarURL, &actor.BannerURL,
		&actor.ManuallyApproves, &actor.CollectionsHidden, &actor.Suspended, &actor.Deleted,
		&actor.MovedToURI, &aka, &fetchedAt, &migratedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, federation.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get actor: %w", errors.WithStack(err))
	}

	actor.URI = uri.String
	if err := unmarshalJSON(fields, &actor.Fields); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(aka, &actor.AlsoKnownAs); err != nil {
		return nil, err
	}
	if fetchedAt.Valid {
		actor.LastFetchedAt = fetchedAt.Time
	}
	if migratedAt.Valid {
		actor.LastMigratedAt = migratedAt.Time
	}
	return &actor, nil
}
