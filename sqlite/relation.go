package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"emperror.dev/errors"
	"github.com/usagipub/federation"
	"github.com/usagipub/federation/lib/array"
)

// follow

type FollowDB struct {
	*SQLite
}

func NewFollowDB(db *SQLite) federation.FollowStore {
	return &FollowDB{SQLite: db}
}

func (d *FollowDB) Follow(c context.Context, followerID string, followedID string, uri string, status federation.FollowStatus) error {
	_, err := d.cli.ExecContext(c, `INSERT INTO follows (follower_id, followed_id, uri, status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (follower_id, followed_id) DO UPDATE SET uri = excluded.uri, status = excluded.status`,
		followerID, followedID, uri, status.Value())
	if err != nil {
		return fmt.Errorf("failed to create follow: %w", errors.WithStack(err))
	}
	return nil
}

func (d *FollowDB) UpdateStatus(c context.Context, followerID string, followedID string, status federation.FollowStatus) error {
	_, err := d.cli.ExecContext(c, `UPDATE follows SET status = ? WHERE follower_id = ? AND followed_id = ?`,
		status.Value(), followerID, followedID)
	if err != nil {
		return fmt.Errorf("failed to update follow: %w", errors.WithStack(err))
	}
	return nil
}

func (d *FollowDB) Unfollow(c context.Context, followerID string, followedID string) error {
	_, err := d.cli.ExecContext(c, `DELETE FROM follows WHERE follower_id = ? AND followed_id = ?`,
		followerID, followedID)
	if err != nil {
		return fmt.Errorf("failed to delete follow: %w", errors.WithStack(err))
	}
	return nil
}

func (d *FollowDB) FindFollowStatus(c context.Context, followerID string, followedID string) (federation.FollowStatus, error) {
	var status int
	err := d.cli.QueryRowContext(c, `SELECT status FROM follows WHERE follower_id = ? AND followed_id = ?`,
		followerID, followedID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return federation.FollowStatusUnfollowing, nil
		}
		return federation.FollowStatusUnknown, fmt.Errorf("failed to get follow: %w", errors.WithStack(err))
	}
	return federation.FindFollowStatus(status), nil
}

func (d *FollowDB) ListFollowers(c context.Context, actorID string) ([]string, error) {
	rows, err := d.cli.QueryContext(c, `SELECT follower_id FROM follows WHERE followed_id = ? AND status = ?`,
		actorID, federation.FollowStatusFollowing.Value())
	if err != nil {
		return nil, fmt.Errorf("failed to get follows: %w", errors.WithStack(err))
	}
	defer rows.Close()

	var followers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan follow: %w", errors.WithStack(err))
		}
		followers = append(followers, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get follows: %w", errors.WithStack(err))
	}
	return array.Uniq(followers), nil
}

// TransferFollowers re-points follow edges at the migration target.
// Followers that already follow the target keep their existing edge.
func (d *FollowDB) TransferFollowers(c context.Context, fromID string, toID string) error {
	return d.inTx(c, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(c, `UPDATE OR IGNORE follows SET followed_id = ? WHERE followed_id = ?`,
			toID, fromID)
		if err != nil {
			return fmt.Errorf("failed to transfer follows: %w", errors.WithStack(err))
		}
		// leftovers are duplicates of edges the target already had
		_, err = tx.ExecContext(c, `DELETE FROM follows WHERE followed_id = ?`, fromID)
		if err != nil {
			return fmt.Errorf("failed to clean up follows: %w", errors.WithStack(err))
		}
		return nil
	})
}

// block

type BlockDB struct {
	*SQLite
}

func NewBlockDB(db *SQLite) federation.BlockStore {
	return &BlockDB{SQLite: db}
}

func (d *BlockDB) Block(c context.Context, actorID string, targetID string) error {
	_, err := d.cli.ExecContext(c, `INSERT INTO blocks (actor_id, target_id) VALUES (?, ?)
		ON CONFLICT (actor_id, target_id) DO NOTHING`,
		actorID, targetID)
	if err != nil {
		return fmt.Errorf("failed to create block: %w", errors.WithStack(err))
	}
	return nil
}

func (d *BlockDB) Unblock(c context.Context, actorID string, targetID string) error {
	_, err := d.cli.ExecContext(c, `DELETE FROM blocks WHERE actor_id = ? AND target_id = ?`,
		actorID, targetID)
	if err != nil {
		return fmt.Errorf("failed to delete block: %w", errors.WithStack(err))
	}
	return nil
}

func (d *BlockDB) IsBlocked(c context.Context, actorID string, targetID string) (bool, error) {
	var count int
	err := d.cli.QueryRowContext(c, `SELECT COUNT(*) FROM blocks WHERE actor_id = ? AND target_id = ?`,
		actorID, targetID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to get block: %w", errors.WithStack(err))
	}
	return count > 0, nil
}

// reaction

type ReactionDB struct {
	*SQLite
}

func NewReactionDB(db *SQLite) federation.ReactionStore {
	return &ReactionDB{SQLite: db}
}

func (d *ReactionDB) React(c context.Context, actorID string, postID string, emoji string) error {
	_, err := d.cli.ExecContext(c, `INSERT INTO reactions (actor_id, post_id, emoji) VALUES (?, ?, ?)`,
		actorID, postID, emoji)
	if err != nil {
		if isConstraintErr(err) {
			return federation.Permanentf(federation.CodeAlreadyReacted, "actor %s already reacted to %s", actorID, postID)
		}
		return fmt.Errorf("failed to create reaction: %w", errors.WithStack(err))
	}
	return nil
}

func (d *ReactionDB) Unreact(c context.Context, actorID string, postID string) error {
	_, err := d.cli.ExecContext(c, `DELETE FROM reactions WHERE actor_id = ? AND post_id = ?`,
		actorID, postID)
	if err != nil {
		return fmt.Errorf("failed to delete reaction: %w", errors.WithStack(err))
	}
	return nil
}

// report

type ReportDB struct {
	*SQLite
}

func NewReportDB(db *SQLite) federation.ReportStore {
	return &ReportDB{SQLite: db}
}

func (d *ReportDB) Save(c context.Context, report *federation.Report) error {
	postIDs, err := marshalJSON(report.PostIDs)
	if err != nil {
		return err
	}

	_, err = d.cli.ExecContext(c, `INSERT INTO reports (id, reporter_id, target_actor_id, post_ids, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		report.ID, report.ReporterID, report.TargetActorID, postIDs, report.Comment, report.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", errors.WithStack(err))
	}
	return nil
}

// instance

type InstanceDB struct {
	*SQLite
}

func NewInstanceDB(db *SQLite) federation.InstanceStore {
	return &InstanceDB{SQLite: db}
}

func (d *InstanceDB) Register(c context.Context, host string, software string) error {
	_, err := d.cli.ExecContext(c, `INSERT INTO instances (host, software, first_seen_at) VALUES (?, ?, ?)
		ON CONFLICT (host) DO UPDATE SET software = CASE WHEN excluded.software != '' THEN excluded.software ELSE software END`,
		host, software, time.Now())
	if err != nil {
		return fmt.Errorf("failed to register instance: %w", errors.WithStack(err))
	}
	return nil
}
