package federation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/usagipub/federation/internal"
)

// Dispatcher routes an authenticated inbound activity to its handler.
// Every handler is idempotent: redelivering the same activity converges
// on the same state.
type Dispatcher struct {
	cfg         *Config
	log         *zerolog.Logger
	resolver    *ObjectResolver
	actors      ActorStore
	posts       PostStore
	follows     FollowStore
	blocks      BlockStore
	reactions   ReactionStore
	reports     ReportStore
	remote      *RemoteServer
	urlResolver *URLResolver
	instance    *InstanceActor
	cache       *EntityCache
	keys        *KeyCache
}

func NewDispatcher(
	cfg *Config,
	log *zerolog.Logger,
	resolver *ObjectResolver,
	actorReg *ActorRegistry,
	postReg *PostRegistry,
	actors ActorStore,
	posts PostStore,
	follows FollowStore,
	blocks BlockStore,
	reactions ReactionStore,
	reports ReportStore,
	remote *RemoteServer,
	urlResolver *URLResolver,
	instance *InstanceActor,
	cache *EntityCache,
	keys *KeyCache,
) *Dispatcher {
	resolver.Bind(actorReg, postReg)

	return &Dispatcher{
		cfg:         cfg,
		log:         log,
		resolver:    resolver,
		actors:      actors,
		posts:       posts,
		follows:     follows,
		blocks:      blocks,
		reactions:   reactions,
		reports:     reports,
		remote:      remote,
		urlResolver: urlResolver,
		instance:    instance,
		cache:       cache,
		keys:        keys,
	}
}

// Dispatch processes one activity delivered by the authenticated sender.
// The result string reports what happened; a "skip: ..." result means the
// activity was deliberately not applied. Errors are only returned when the
// outcome is unknown and the delivery is worth keeping.
func (d *Dispatcher) Dispatch(c context.Context, sender *Actor, obj *internal.JSONObject, depth int) (string, error) {
	d.refreshSenderAsync(sender)
	return d.dispatch(c, sender.Host, obj, depth)
}

func (d *Dispatcher) dispatch(c context.Context, trustedHost string, obj *internal.JSONObject, depth int) (string, error) {
	if obj.IsCollection() {
		return d.dispatchCollection(c, trustedHost, obj, depth)
	}
	if !obj.IsActivity() {
		return skip("unsupported activity type %q", obj.Type), nil
	}
	if obj.Actor.IsZero() {
		return skip("activity %s has no actor", obj.ID), nil
	}

	actorHost, err := uriHost(obj.Actor.ID)
	if err != nil {
		return skip("activity actor is not a valid reference"), nil
	}
	if d.cfg.IsBlockedHost(actorHost) {
		return skip("actor host %s is blocked", actorHost), nil
	}
	// the signing server may only speak for its own actors
	if trustedHost != "" && actorHost != trustedHost {
		return skip("actor %s is outside sender authority %s", obj.Actor.ID, trustedHost), nil
	}
	// an activity id must live on its actor's host; anything persisted
	// under that id (a boost, a follow uri) would otherwise squat a
	// foreign URI
	if obj.ID != "" {
		if err := checkSameAuthority(actorHost, obj.ID); err != nil {
			return skip("activity %s is outside actor authority %s", obj.ID, actorHost), nil
		}
	}

	switch obj.Type {
	case "Create":
		return d.handleCreate(c, trustedHost, obj, depth)
	case "Update":
		return d.handleUpdate(c, trustedHost, obj, depth)
	case "Delete":
		return d.handleDelete(c, obj)
	case "Follow":
		return d.handleFollow(c, trustedHost, obj)
	case "Accept":
		return d.handleAcceptReject(c, trustedHost, obj, FollowStatusFollowing)
	case "Reject":
		return d.handleAcceptReject(c, trustedHost, obj, FollowStatusUnknown)
	case "Undo":
		return d.handleUndo(c, trustedHost, obj)
	case "Announce":
		return d.handleAnnounce(c, trustedHost, obj, depth)
	case "Like", "Dislike", "EmojiReact":
		return d.handleReaction(c, trustedHost, obj)
	case "Block":
		return d.handleBlock(c, trustedHost, obj)
	case "Flag":
		return d.handleFlag(c, trustedHost, obj)
	case "Move":
		return d.handleMove(c, obj)
	default:
		return skip("unsupported activity type %q", obj.Type), nil
	}
}

// dispatchCollection unwraps a delivered collection and dispatches each
// item. Items that fail with a domain error are skipped individually; an
// unexpected error aborts so the delivery can be retried.
func (d *Dispatcher) dispatchCollection(c context.Context, trustedHost string, obj *internal.JSONObject, depth int) (string, error) {
	items := obj.CollectionItems()
	results := make([]string, 0, len(items))

	for _, raw := range items {
		item, err := internal.DecodeObject(raw)
		if err != nil {
			results = append(results, skip("undecodable collection item"))
			continue
		}
		result, err := d.dispatch(c, trustedHost, item, ChildDepth(d.budget(depth)))
		if err != nil {
			var fErr *Error
			if errors.As(err, &fErr) && !fErr.Retryable {
				results = append(results, skip("item %s: %v", item.ID, err))
				continue
			}
			return "", err
		}
		results = append(results, result)
	}

	if len(results) == 0 {
		return skip("empty collection"), nil
	}
	return strings.Join(results, "\n"), nil
}

func (d *Dispatcher) handleCreate(c context.Context, trustedHost string, act *internal.JSONObject, depth int) (string, error) {
	if act.Object.IsZero() || act.Object.ID == "" {
		return skip("create %s has no object", act.ID), nil
	}

	post, err := d.resolver.ResolvePost(c, act.Object.ID, ResolveOpts{
		SentFrom: trustedHost,
		Hint:     act.Object.Inline,
		Depth:    d.budget(depth),
	})
	if err != nil {
		return d.domainSkip("create", act, err)
	}
	return fmt.Sprintf("ok: created %s", post.URI), nil
}

// handleUpdate refreshes a known actor or post. An Update for a post we
// never saw is treated as a Create so that missed deliveries self-heal.
func (d *Dispatcher) handleUpdate(c context.Context, trustedHost string, act *internal.JSONObject, depth int) (string, error) {
	ref := act.Object
	if ref.IsZero() || ref.ID == "" {
		return skip("update %s has no object", act.ID), nil
	}

	if ref.Inline != nil && ref.Inline.IsActor() {
		actor, err := d.resolver.ResolveActor(c, ref.ID, ResolveOpts{
			SentFrom: trustedHost,
			Hint:     ref.Inline,
			Refresh:  true,
		})
		if err != nil {
			return d.domainSkip("update", act, err)
		}
		return fmt.Sprintf("ok: updated actor %s", actor.URI), nil
	}

	opts := ResolveOpts{
		SentFrom: trustedHost,
		Hint:     ref.Inline,
		Depth:    d.budget(depth),
	}
	if _, err := d.posts.FindByURI(c, ref.ID); err == nil {
		opts.Refresh = true
	} else if !errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("failed to find post: %w", err)
	}

	post, err := d.resolver.ResolvePost(c, ref.ID, opts)
	if err != nil {
		return d.domainSkip("update", act, err)
	}
	if opts.Refresh {
		return fmt.Sprintf("ok: updated %s", post.URI), nil
	}
	return fmt.Sprintf("ok: created %s", post.URI), nil
}

// handleDelete tombstones a post or flags an actor deleted. Deleting
// something we never stored is a successful no-op.
func (d *Dispatcher) handleDelete(c context.Context, act *internal.JSONObject) (string, error) {
	ref := act.Object
	if ref.IsZero() || ref.ID == "" {
		return skip("delete %s has no object", act.ID), nil
	}

	if post, err := d.posts.FindByURI(c, ref.ID); err == nil {
		// only the author may delete a post
		author, err := d.actors.Find(c, post.AuthorID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("failed to find author: %w", err)
		}
		if author == nil || author.URI != act.Actor.ID {
			return skip("delete of %s by non-author", ref.ID), nil
		}
		if err := d.posts.Tombstone(c, post.ID); err != nil {
			return "", fmt.Errorf("failed to tombstone post: %w", err)
		}
		d.cache.InvalidatePost(post.URI)
		return fmt.Sprintf("ok: deleted %s", post.URI), nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("failed to find post: %w", err)
	}

	if actor, err := d.actors.FindByURI(c, ref.ID); err == nil {
		// only the actor may delete itself
		if actor.URI != act.Actor.ID {
			return skip("delete of %s by non-owner", ref.ID), nil
		}
		actor.Deleted = true
		if err := d.actors.Update(c, actor); err != nil {
			return "", fmt.Errorf("failed to mark actor deleted: %w", err)
		}
		d.cache.InvalidateActor(actor.URI)
		if actor.PublicKeyID != "" {
			d.keys.Invalidate(actor.PublicKeyID)
		}
		return fmt.Sprintf("ok: deleted actor %s", actor.URI), nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("failed to find actor: %w", err)
	}

	return skip("delete target %s is not known", ref.ID), nil
}

func (d *Dispatcher) handleFollow(c context.Context, trustedHost string, act *internal.JSONObject) (string, error) {
	if act.Object.IsZero() {
		return skip("follow %s has no object", act.ID), nil
	}

	target, err := d.resolver.ResolveActor(c, act.Object.ID, ResolveOpts{})
	if err != nil {
		return d.domainSkip("follow", act, err)
	}
	if !target.IsLocal() {
		return skip("follow target %s is not local", act.Object.ID), nil
	}

	follower, err := d.resolver.ResolveActor(c, act.Actor.ID, ResolveOpts{SentFrom: trustedHost, Hint: act.Actor.Inline})
	if err != nil {
		return d.domainSkip("follow", act, err)
	}

	if blocked, err := d.blocks.IsBlocked(c, target.ID, follower.ID); err != nil {
		return "", fmt.Errorf("failed to check block: %w", err)
	} else if blocked {
		return skip("follower %s is blocked by %s", follower.URI, target.Username), nil
	}

	status := FollowStatusFollowing
	if target.ManuallyApproves {
		status = FollowStatusPending
	}
	if err := d.follows.Follow(c, follower.ID, target.ID, act.ID, status); err != nil {
		return "", fmt.Errorf("failed to record follow: %w", err)
	}

	if status == FollowStatusPending {
		return fmt.Sprintf("ok: follow from %s pending approval", follower.URI), nil
	}

	accept := &internal.JSONObject{
		Context: internal.ActivityStreamsContext,
		ID:      d.urlResolver.resolveActorURL(target.ID) + "#accepts/" + generateID(),
		Type:    "Accept",
		Actor:   internal.JSONRef{ID: d.urlResolver.resolveActorURL(target.ID)},
		Object:  internal.JSONRef{Inline: act},
	}
	if err := d.remote.PostInbox(c, target, follower.Inbox, accept); err != nil {
		// the edge is recorded; redelivery will re-send the accept
		return "", fmt.Errorf("failed to deliver accept: %w", err)
	}
	return fmt.Sprintf("ok: follow from %s accepted", follower.URI), nil
}

// handleAcceptReject settles a follow request this server sent earlier.
// The embedded follow names a local follower and the sender as target.
func (d *Dispatcher) handleAcceptReject(c context.Context, trustedHost string, act *internal.JSONObject, status FollowStatus) (string, error) {
	follow := act.Object.Resolve()
	if follow.Type != "Follow" && follow.Type != "" {
		return skip("%s of unsupported type %q", strings.ToLower(act.Type), follow.Type), nil
	}
	if follow.Actor.IsZero() || follow.Object.IsZero() {
		return skip("%s has no embedded follow", strings.ToLower(act.Type)), nil
	}

	// only the followed actor may settle the request
	if err := checkSameAuthority(trustedHost, follow.Object.ID); err != nil {
		return skip("%s settles a follow of a foreign actor", strings.ToLower(act.Type)), nil
	}

	follower, err := d.resolver.ResolveActor(c, follow.Actor.ID, ResolveOpts{})
	if err != nil {
		return d.domainSkip("settle follow", act, err)
	}
	if !follower.IsLocal() {
		return skip("embedded follower %s is not local", follow.Actor.ID), nil
	}
	followed, err := d.resolver.ResolveActor(c, follow.Object.ID, ResolveOpts{})
	if err != nil {
		return d.domainSkip("settle follow", act, err)
	}

	if status == FollowStatusFollowing {
		if err := d.follows.UpdateStatus(c, follower.ID, followed.ID, FollowStatusFollowing); err != nil {
			return "", fmt.Errorf("failed to update follow status: %w", err)
		}
		return fmt.Sprintf("ok: follow of %s accepted", followed.URI), nil
	}

	if err := d.follows.Unfollow(c, follower.ID, followed.ID); err != nil {
		return "", fmt.Errorf("failed to remove follow: %w", err)
	}
	return fmt.Sprintf("ok: follow of %s rejected", followed.URI), nil
}

// handleUndo reverts an earlier activity by the same actor. Undoing
// something already gone is a successful no-op.
func (d *Dispatcher) handleUndo(c context.Context, trustedHost string, act *internal.JSONObject) (string, error) {
	inner := act.Object.Resolve()
	if !inner.Actor.IsZero() && inner.Actor.ID != act.Actor.ID {
		return skip("undo of another actor's activity"), nil
	}

	sender, err := d.resolver.ResolveActor(c, act.Actor.ID, ResolveOpts{SentFrom: trustedHost, Hint: act.Actor.Inline})
	if err != nil {
		return d.domainSkip("undo", act, err)
	}

	switch inner.Type {
	case "Follow":
		target, err := d.resolver.ResolveActor(c, inner.Object.ID, ResolveOpts{})
		if err != nil {
			return d.domainSkip("undo follow", act, err)
		}
		if err := d.follows.Unfollow(c, sender.ID, target.ID); err != nil {
			return "", fmt.Errorf("failed to remove follow: %w", err)
		}
		return fmt.Sprintf("ok: unfollowed %s", target.URI), nil

	case "Accept":
		follow := inner.Object.Resolve()
		follower, err := d.resolver.ResolveActor(c, follow.Actor.ID, ResolveOpts{})
		if err != nil {
			return d.domainSkip("undo accept", act, err)
		}
		if err := d.follows.UpdateStatus(c, follower.ID, sender.ID, FollowStatusPending); err != nil {
			return "", fmt.Errorf("failed to update follow status: %w", err)
		}
		return fmt.Sprintf("ok: follow of %s back to pending", sender.URI), nil

	case "Block":
		target, err := d.resolver.ResolveActor(c, inner.Object.ID, ResolveOpts{})
		if err != nil {
			return d.domainSkip("undo block", act, err)
		}
		if err := d.blocks.Unblock(c, sender.ID, target.ID); err != nil {
			return "", fmt.Errorf("failed to remove block: %w", err)
		}
		return fmt.Sprintf("ok: unblocked %s", target.URI), nil

	case "Like", "Dislike", "EmojiReact":
		post, err := d.posts.FindByURI(c, inner.Object.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return skip("reaction target %s is not known", inner.Object.ID), nil
			}
			return "", fmt.Errorf("failed to find post: %w", err)
		}
		if err := d.reactions.Unreact(c, sender.ID, post.ID); err != nil {
			return "", fmt.Errorf("failed to remove reaction: %w", err)
		}
		return fmt.Sprintf("ok: unreacted to %s", post.URI), nil

	case "Announce":
		boost, err := d.posts.FindByURI(c, inner.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return skip("boost %s is not known", inner.ID), nil
			}
			return "", fmt.Errorf("failed to find boost: %w", err)
		}
		if err := d.posts.Tombstone(c, boost.ID); err != nil {
			return "", fmt.Errorf("failed to remove boost: %w", err)
		}
		d.cache.InvalidatePost(boost.URI)
		return fmt.Sprintf("ok: unboosted %s", boost.URI), nil

	default:
		return skip("undo of unsupported type %q", inner.Type), nil
	}
}

// handleAnnounce records a boost, or re-dispatches a relayed activity.
// Relayed activities are validated independently: nothing inline from the
// announcing server is trusted, so the origin is fetched directly.
func (d *Dispatcher) handleAnnounce(c context.Context, trustedHost string, act *internal.JSONObject, depth int) (string, error) {
	if act.Object.IsZero() || act.Object.ID == "" {
		return skip("announce %s has no object", act.ID), nil
	}

	inner := act.Object.Resolve()
	if inner.IsActivity() {
		return d.dispatch(c, "", inner, ChildDepth(d.budget(depth)))
	}

	booster, err := d.resolver.ResolveActor(c, act.Actor.ID, ResolveOpts{SentFrom: trustedHost, Hint: act.Actor.Inline})
	if err != nil {
		return d.domainSkip("announce", act, err)
	}

	target, err := d.resolver.ResolvePost(c, act.Object.ID, ResolveOpts{
		SentFrom: trustedHost,
		Hint:     act.Object.Inline,
		Depth:    d.budget(depth),
	})
	if err != nil {
		return d.domainSkip("announce", act, err)
	}

	visibility := VisibilityHome
	for _, uri := range act.To {
		if internal.IsPublicCollection(uri) {
			visibility = VisibilityPublic
		}
	}

	// a pure boost carries a reference and no content of its own
	boost := &Post{
		ID:         generateID(),
		URI:        act.ID,
		AuthorID:   booster.ID,
		BoostOfID:  target.ID,
		Visibility: visibility,
		CreatedAt:  parseTime(act.Published),
	}
	if err := d.posts.Save(c, boost); err != nil {
		if errors.Is(err, ErrConflict) {
			return skip("already boosted %s", target.URI), nil
		}
		return "", fmt.Errorf("failed to save boost: %w", err)
	}
	return fmt.Sprintf("ok: boosted %s", target.URI), nil
}

func (d *Dispatcher) handleReaction(c context.Context, trustedHost string, act *internal.JSONObject) (string, error) {
	if act.Object.IsZero() || act.Object.ID == "" {
		return skip("%s has no object", strings.ToLower(act.Type)), nil
	}

	post, err := d.posts.FindByURI(c, act.Object.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// reactions never pull in posts we do not already hold
			return skip("reaction target %s is not known", act.Object.ID), nil
		}
		return "", fmt.Errorf("failed to find post: %w", err)
	}

	sender, err := d.resolver.ResolveActor(c, act.Actor.ID, ResolveOpts{SentFrom: trustedHost, Hint: act.Actor.Inline})
	if err != nil {
		return d.domainSkip("reaction", act, err)
	}

	emoji := reactionEmoji(act)
	if err := d.reactions.React(c, sender.ID, post.ID, emoji); err != nil {
		if ErrorCode(err) == CodeAlreadyReacted {
			return skip("already reacted to %s", post.URI), nil
		}
		return "", fmt.Errorf("failed to record reaction: %w", err)
	}
	return fmt.Sprintf("ok: reacted %s to %s", emoji, post.URI), nil
}

func (d *Dispatcher) handleBlock(c context.Context, trustedHost string, act *internal.JSONObject) (string, error) {
	target, err := d.resolver.ResolveActor(c, act.Object.ID, ResolveOpts{})
	if err != nil {
		return d.domainSkip("block", act, err)
	}
	if !target.IsLocal() {
		return skip("block target %s is not local", act.Object.ID), nil
	}

	sender, err := d.resolver.ResolveActor(c, act.Actor.ID, ResolveOpts{SentFrom: trustedHost, Hint: act.Actor.Inline})
	if err != nil {
		return d.domainSkip("block", act, err)
	}

	if err := d.blocks.Block(c, sender.ID, target.ID); err != nil {
		return "", fmt.Errorf("failed to record block: %w", err)
	}
	// a block severs the follow in both directions
	if err := d.follows.Unfollow(c, target.ID, sender.ID); err != nil {
		d.log.Warn().Str("actor", target.ID).Err(err).Msg("failed to sever follow on block")
	}
	if err := d.follows.Unfollow(c, sender.ID, target.ID); err != nil {
		d.log.Warn().Str("actor", sender.ID).Err(err).Msg("failed to sever follow on block")
	}
	return fmt.Sprintf("ok: blocked by %s", sender.URI), nil
}

// handleFlag records an abuse report. The report is attributed to the
// instance actor so the remote reporter stays anonymous to moderators.
func (d *Dispatcher) handleFlag(c context.Context, trustedHost string, act *internal.JSONObject) (string, error) {
	if act.Object.IsZero() {
		return skip("flag %s has no object", act.ID), nil
	}

	report := &Report{
		ID:         generateID(),
		ReporterID: d.instance.Actor.ID,
		Comment:    act.Content,
		CreatedAt:  time.Now(),
	}
	if report.Comment == "" {
		report.Comment = act.Summary
	}

	if post, err := d.posts.FindByURI(c, act.Object.ID); err == nil {
		report.TargetActorID = post.AuthorID
		report.PostIDs = []string{post.ID}
	} else if actor, err := d.actors.FindByURI(c, act.Object.ID); err == nil {
		report.TargetActorID = actor.ID
	} else if id, ok := d.urlResolver.parseLocalActorURI(act.Object.ID); ok {
		report.TargetActorID = id
	} else {
		return skip("flag target %s is not known", act.Object.ID), nil
	}

	if err := d.reports.Save(c, report); err != nil {
		return "", fmt.Errorf("failed to save report: %w", err)
	}
	return "ok: report recorded", nil
}

// handleMove refetches the moving actor; the migration itself is detected
// and processed by the actor update path.
func (d *Dispatcher) handleMove(c context.Context, act *internal.JSONObject) (string, error) {
	actor, err := d.resolver.ResolveActor(c, act.Actor.ID, ResolveOpts{Refresh: true})
	if err != nil {
		return d.domainSkip("move", act, err)
	}
	if actor.MovedToURI == "" {
		return skip("move actor %s does not declare a target", actor.URI), nil
	}
	return fmt.Sprintf("ok: %s moved to %s", actor.URI, actor.MovedToURI), nil
}

// refreshSenderAsync refetches a stale sender profile out of band so that
// delivery latency never pays for a profile refresh.
func (d *Dispatcher) refreshSenderAsync(sender *Actor) {
	if sender.IsLocal() || time.Since(sender.LastFetchedAt) < d.cfg.ActorRefreshInterval {
		return
	}
	go func() {
		c, cancel := context.WithTimeout(context.Background(), d.cfg.FetchTimeout)
		defer cancel()
		if _, err := d.resolver.ResolveActor(c, sender.URI, ResolveOpts{Refresh: true}); err != nil {
			d.log.Debug().Str("actor", sender.URI).Err(err).Msg("background sender refresh failed")
		}
	}()
}

// domainSkip converts a permanent domain error into a skip result so the
// queue does not retry it; everything else propagates.
func (d *Dispatcher) domainSkip(op string, act *internal.JSONObject, err error) (string, error) {
	var fErr *Error
	if errors.As(err, &fErr) && !fErr.Retryable {
		return skip("%s %s: %v", op, act.ID, err), nil
	}
	return "", err
}

func (d *Dispatcher) budget(depth int) int {
	if depth == 0 {
		return d.cfg.MaxResolveDepth
	}
	return depth
}

func skip(format string, args ...any) string {
	return "skip: " + fmt.Sprintf(format, args...)
}

func reactionEmoji(act *internal.JSONObject) string {
	if act.Content != "" {
		return act.Content
	}
	switch act.Type {
	case "Dislike":
		return "👎"
	default:
		return "👍"
	}
}
