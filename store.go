package federation

import (
	"context"
	"time"
)

type ActorStore interface {
	Find(c context.Context, id string) (*Actor, error)
	FindByURI(c context.Context, uri string) (*Actor, error)
	FindByUsername(c context.Context, username string) (*Actor, error)
	FindByKeyID(c context.Context, keyID string) (*Actor, error)
	// Save inserts a new actor; ErrConflict when the URI already exists.
	Save(c context.Context, actor *Actor) error
	Update(c context.Context, actor *Actor) error
	// RecordMigration re-checks the cooldown and stamps the migration
	// timestamp in one transaction. Reports whether the migration was
	// recorded (false when still inside the cooldown window).
	RecordMigration(c context.Context, id string, target string, cooldown time.Duration) (bool, error)
}

type PostStore interface {
	Find(c context.Context, id string) (*Post, error)
	FindByURI(c context.Context, uri string) (*Post, error)
	// FindByURIWithDeleted also returns tombstoned rows, so a redelivered
	// create can converge on the tombstone instead of failing.
	FindByURIWithDeleted(c context.Context, uri string) (*Post, error)
	// Save inserts a new post and its poll atomically; ErrConflict when the
	// URI already exists.
	Save(c context.Context, post *Post) error
	Update(c context.Context, post *Post) error
	Tombstone(c context.Context, id string) error
	// RecordVote checks for a duplicate vote and increments the option
	// count in one transaction.
	RecordVote(c context.Context, postID string, voterID string, choice int) error
}

type FollowStore interface {
	// Follow upserts a follow edge with the given status.
	Follow(c context.Context, followerID string, followedID string, uri string, status FollowStatus) error
	UpdateStatus(c context.Context, followerID string, followedID string, status FollowStatus) error
	Unfollow(c context.Context, followerID string, followedID string) error
	FindFollowStatus(c context.Context, followerID string, followedID string) (FollowStatus, error)
	ListFollowers(c context.Context, actorID string) ([]string, error)
	// TransferFollowers re-points follow edges from one actor to another in
	// one transaction, used by account migration.
	TransferFollowers(c context.Context, fromID string, toID string) error
}

type BlockStore interface {
	Block(c context.Context, actorID string, targetID string) error
	Unblock(c context.Context, actorID string, targetID string) error
	IsBlocked(c context.Context, actorID string, targetID string) (bool, error)
}

type ReactionStore interface {
	// React records a reaction edge; ErrorCode CodeAlreadyReacted when the
	// edge already exists.
	React(c context.Context, actorID string, postID string, emoji string) error
	Unreact(c context.Context, actorID string, postID string) error
}

type ReportStore interface {
	Save(c context.Context, report *Report) error
}

type InstanceStore interface {
	// Register records the remote server instance a host belongs to.
	Register(c context.Context, host string, software string) error
}
