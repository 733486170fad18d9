package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"emperror.dev/errors"
	"github.com/usagipub/federation"
)

// post

type PostDB struct {
	*SQLite
}

func NewPostDB(db *SQLite) federation.PostStore {
	return &PostDB{SQLite: db}
}

const postColumns = `id, uri, author_id, reply_to_id, quote_id, boost_of_id,
	visibility, recipients, content, content_type, summary, sensitive,
	attachments, mentions, hashtags, emojis, poll,
	quote_unavailable, attachments_failed, deleted, created_at, updated_at`

func (d *PostDB) Save(c context.Context, post *federation.Post) error {
	cols, err := postJSONColumns(post)
	if err != nil {
		return err
	}

	_, err = d.cli.ExecContext(c, `INSERT INTO posts (`+postColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		post.ID, nullable(post.URI), post.AuthorID, post.ReplyToID, post.QuoteID, post.BoostOfID,
		post.Visibility.Value(), cols.recipients, post.Content, post.ContentType, post.Summary, post.Sensitive,
		cols.attachments, cols.mentions, cols.hashtags, cols.emojis, cols.poll,
		post.QuoteUnavailable, post.AttachmentsFailed, post.Deleted, post.CreatedAt, post.UpdatedAt)
	if err != nil {
		if isConstraintErr(err) {
			return federation.ErrConflict
		}
		return fmt.Errorf("failed to create post: %w", errors.WithStack(err))
	}
	return nil
}

func (d *PostDB) Update(c context.Context, post *federation.Post) error {
	cols, err := postJSONColumns(post)
	if err != nil {
		return err
	}

	_, err = d.cli.ExecContext(c, `UPDATE posts SET
		reply_to_id = ?, quote_id = ?, visibility = ?, recipients = ?,
		content = ?, content_type = ?, summary = ?, sensitive = ?,
		attachments = ?, mentions = ?, hashtags = ?, emojis = ?, poll = ?,
		quote_unavailable = ?, attachments_failed = ?, updated_at = ?
		WHERE id = ?`,
		post.ReplyToID, post.QuoteID, post.Visibility.Value(), cols.recipients,
		post.Content, post.ContentType, post.Summary, post.Sensitive,
		cols.attachments, cols.mentions, cols.hashtags, cols.emojis, cols.poll,
		post.QuoteUnavailable, post.AttachmentsFailed, post.UpdatedAt,
		post.ID)
	if err != nil {
		return fmt.Errorf("failed to update post: %w", errors.WithStack(err))
	}
	return nil
}

func (d *PostDB) Find(c context.Context, id string) (*federation.Post, error) {
	return d.findBy(c, "id = ?", id)
}

func (d *PostDB) FindByURI(c context.Context, uri string) (*federation.Post, error) {
	return d.findBy(c, "uri = ?", uri)
}

func (d *PostDB) FindByURIWithDeleted(c context.Context, uri string) (*federation.Post, error) {
	row := d.cli.QueryRowContext(c, `SELECT `+postColumns+` FROM posts WHERE uri = ?`, uri)
	return scanPost(row)
}

func (d *PostDB) findBy(c context.Context, where string, arg any) (*federation.Post, error) {
	row := d.cli.QueryRowContext(c, `SELECT `+postColumns+` FROM posts WHERE `+where+` AND deleted = 0`, arg)
	return scanPost(row)
}

// Tombstone keeps the row so the URI stays claimed but strips the content.
func (d *PostDB) Tombstone(c context.Context, id string) error {
	_, err := d.cli.ExecContext(c, `UPDATE posts SET
		deleted = 1, content = '', summary = '', attachments = '[]',
		mentions = '[]', hashtags = '[]', emojis = '[]', poll = NULL
		WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to tombstone post: %w", errors.WithStack(err))
	}
	return nil
}

// RecordVote enforces one ballot per voter for single-choice polls and
// bumps the option counter, all in one transaction.
func (d *PostDB) RecordVote(c context.Context, postID string, voterID string, choice int) error {
	return d.inTx(c, func(tx *sql.Tx) error {
		var pollJSON sql.NullString
		err := tx.QueryRowContext(c, `SELECT poll FROM posts WHERE id = ?`, postID).Scan(&pollJSON)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return federation.ErrNotFound
			}
			return fmt.Errorf("failed to get poll: %w", errors.WithStack(err))
		}
		if !pollJSON.Valid {
			return federation.Permanentf(federation.CodeMalformed, "post %s has no poll", postID)
		}

		var poll federation.Poll
		if err := unmarshalJSON(pollJSON.String, &poll); err != nil {
			return err
		}
		if choice < 0 || choice >= len(poll.Options) {
			return federation.Permanentf(federation.CodeMalformed, "vote choice %d out of range", choice)
		}

		if !poll.Multiple {
			var count int
			err := tx.QueryRowContext(c, `SELECT COUNT(*) FROM poll_votes WHERE post_id = ? AND voter_id = ?`,
				postID, voterID).Scan(&count)
			if err != nil {
				return fmt.Errorf("failed to count votes: %w", errors.WithStack(err))
			}
			if count > 0 {
				return federation.Permanentf(federation.CodeAlreadyVoted, "voter %s already voted on %s", voterID, postID)
			}
		}

		_, err = tx.ExecContext(c, `INSERT INTO poll_votes (post_id, voter_id, choice) VALUES (?, ?, ?)`,
			postID, voterID, choice)
		if err != nil {
			if isConstraintErr(err) {
				return federation.Permanentf(federation.CodeAlreadyVoted, "voter %s already voted on %s", voterID, postID)
			}
			return fmt.Errorf("failed to record vote: %w", errors.WithStack(err))
		}

		poll.Options[choice].Votes++
		updated, err := marshalJSON(&poll)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(c, `UPDATE posts SET poll = ? WHERE id = ?`, updated, postID); err != nil {
			return fmt.Errorf("failed to update poll: %w", errors.WithStack(err))
		}
		return nil
	})
}

type postJSON struct {
	recipients  string
	attachments string
	mentions    string
	hashtags    string
	emojis      string
	poll        sql.NullString
}

func postJSONColumns(post *federation.Post) (*postJSON, error) {
	var cols postJSON
	var err error

	if cols.recipients, err = marshalJSON(post.Recipients); err != nil {
		return nil, err
	}
	if cols.attachments, err = marshalJSON(post.Attachments); err != nil {
		return nil, err
	}
	if cols.mentions, err = marshalJSON(post.Mentions); err != nil {
		return nil, err
	}
	if cols.hashtags, err = marshalJSON(post.Hashtags); err != nil {
		return nil, err
	}
	if cols.emojis, err = marshalJSON(post.Emojis); err != nil {
		return nil, err
	}
	if post.Poll != nil {
		poll, err := marshalJSON(post.Poll)
		if err != nil {
			return nil, err
		}
		cols.poll = sql.NullString{String: poll, Valid: true}
	}
	return &cols, nil
}

func scanPost(row rowScanner) (*federation.Post, error) {
	var post federation.Post
	var uri, pollJSON sql.NullString
	var visibility int
	var recipients, attachments, mentions, hashtags, emojis string
	var createdAt, updatedAt sql.NullTime

	err := row.Scan(&post.ID, &uri, &post.AuthorID, &post.ReplyToID, &post.QuoteID, &post.BoostOfID,
		&visibility, &recipients, &post.Content, &post.ContentType, &post.Summary, &post.Sensitive,
		&attachments, &mentions, &hashtags, &emojis, &pollJSON,
		&post.QuoteUnavailable, &post.AttachmentsFailed, &post.Deleted, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, federation.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get post: %w", errors.WithStack(err))
	}

	post.URI = uri.String
	post.Visibility = federation.FindVisibility(visibility)
	if err := unmarshalJSON(recipients, &post.Recipients); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(attachments, &post.Attachments); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(mentions, &post.Mentions); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(hashtags, &post.Hashtags); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(emojis, &post.Emojis); err != nil {
		return nil, err
	}
	if pollJSON.Valid {
		var poll federation.Poll
		if err := unmarshalJSON(pollJSON.String, &poll); err != nil {
			return nil, err
		}
		post.Poll = &poll
	}
	if createdAt.Valid {
		post.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		post.UpdatedAt = updatedAt.Time
	}
	return &post, nil
}
