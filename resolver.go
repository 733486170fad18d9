package federation

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"github.com/usagipub/federation/internal"
)

// ResolveOpts tunes a single resolution.
type ResolveOpts struct {
	// SentFrom is the host authority that delivered the reference. When it
	// matches the target URI's authority, Hint may be used without a fetch.
	SentFrom string
	// Hint is an already-validated inline object from the delivering host.
	Hint *internal.JSONObject
	// Depth is the remaining resolution budget. Zero means top-level
	// (use the configured default); negative means exhausted.
	Depth int
	// Refresh forces a refetch even when the entity is already known.
	Refresh bool
}

// ChildDepth - the budget to pass to a nested resolution.
func ChildDepth(depth int) int {
	depth--
	if depth <= 0 {
		return -1
	}
	return depth
}

// Registries are reached through these interfaces; the concrete values are
// bound once at startup to break the resolver/registry dependency cycle.
type actorRegistry interface {
	CreateActor(c context.Context, obj *internal.JSONObject) (*Actor, error)
	UpdateActor(c context.Context, existing *Actor, obj *internal.JSONObject) (*Actor, error)
}

type postRegistry interface {
	CreatePost(c context.Context, obj *internal.JSONObject, depth int) (*Post, error)
	UpdatePost(c context.Context, existing *Post, obj *internal.JSONObject, depth int) (*Post, error)
}

// ObjectResolver fetches and validates remote actors and posts by URI. It
// owns the already-known shortcut, the per-URI lock, the sender-authority
// trust optimization and the recursion budget.
type ObjectResolver struct {
	cfg         *Config
	log         *zerolog.Logger
	locks       *LockManager
	remote      *RemoteServer
	cache       *EntityCache
	actors      ActorStore
	posts       PostStore
	urlResolver *URLResolver
	instance    *InstanceActor

	actorReg actorRegistry
	postReg  postRegistry
}

func NewObjectResolver(
	cfg *Config,
	log *zerolog.Logger,
	locks *LockManager,
	remote *RemoteServer,
	cache *EntityCache,
	actors ActorStore,
	posts PostStore,
	urlResolver *URLResolver,
	instance *InstanceActor,
) *ObjectResolver {
	return &ObjectResolver{
		cfg:         cfg,
		log:         log,
		locks:       locks,
		remote:      remote,
		cache:       cache,
		actors:      actors,
		posts:       posts,
		urlResolver: urlResolver,
		instance:    instance,
	}
}

// Bind wires the registries in after construction; must be called exactly
// once at startup before any resolution.
func (r *ObjectResolver) Bind(actorReg actorRegistry, postReg postRegistry) {
	r.actorReg = actorReg
	r.postReg = postReg
}

// ResolveActor returns the local representation of the actor at ref,
// creating or updating it from the remote document when needed.
func (r *ObjectResolver) ResolveActor(c context.Context, ref string, opts ResolveOpts) (*Actor, error) {
	host, err := uriHost(ref)
	if err != nil {
		return nil, err
	}

	if r.urlResolver.isLocalURI(ref) {
		return r.resolveLocalActor(c, ref)
	}

	if r.cfg.IsBlockedHost(host) {
		return nil, Permanentf(CodeBlockedHost, "host %s is blocked", host)
	}

	if !opts.Refresh {
		if actor, ok := r.cache.GetActor(ref); ok {
			return actor, nil
		}
		actor, err := r.actors.FindByURI(c, ref)
		if err == nil {
			r.cache.PutActor(actor)
			return actor, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("failed to find actor: %w", err)
		}
	}

	c, err = markResolving(c, ref)
	if err != nil {
		return nil, err
	}

	release, err := r.locks.Acquire(c, ref)
	if err != nil {
		return nil, WrapRetryable(CodeFetchFailed, "failed to acquire lock", err)
	}
	defer release()

	// another resolution may have won the race while we waited
	existing, err := r.actors.FindByURI(c, ref)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to find actor: %w", err)
	}
	if existing != nil && !opts.Refresh {
		r.cache.PutActor(existing)
		return existing, nil
	}

	obj, err := r.fetchObject(c, ref, opts)
	if err != nil {
		return nil, err
	}

	if !obj.IsActor() {
		return nil, Permanentf(CodeMalformed, "object %s is not an actor: %s", ref, obj.Type)
	}
	if err := checkSameAuthority(host, obj.ID); err != nil {
		return nil, err
	}

	var actor *Actor
	if existing != nil {
		actor, err = r.actorReg.UpdateActor(c, existing, obj)
	} else {
		actor, err = r.actorReg.CreateActor(c, obj)
		if errors.Is(err, ErrConflict) {
			// concurrent creation of the same URI; resolution is idempotent
			actor, err = r.actors.FindByURI(c, obj.ID)
		}
	}
	if err != nil {
		return nil, err
	}

	r.cache.PutActor(actor)
	return actor, nil
}

// ResolvePost returns the local representation of the post at ref,
// creating or updating it from the remote document when needed.
func (r *ObjectResolver) ResolvePost(c context.Context, ref string, opts ResolveOpts) (*Post, error) {
	host, err := uriHost(ref)
	if err != nil {
		return nil, err
	}

	if r.urlResolver.isLocalURI(ref) {
		return r.resolveLocalPost(c, ref)
	}

	if r.cfg.IsBlockedHost(host) {
		return nil, Permanentf(CodeBlockedHost, "host %s is blocked", host)
	}

	if !opts.Refresh {
		if post, ok := r.cache.GetPost(ref); ok {
			return post, nil
		}
		post, err := r.posts.FindByURIWithDeleted(c, ref)
		if err == nil {
			if post.Deleted {
				// the tombstone is the final state for this URI
				return post, nil
			}
			r.cache.PutPost(post)
			return post, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("failed to find post: %w", err)
		}
	}

	c, err = markResolving(c, ref)
	if err != nil {
		return nil, err
	}

	release, err := r.locks.Acquire(c, ref)
	if err != nil {
		return nil, WrapRetryable(CodeFetchFailed, "failed to acquire lock", err)
	}
	defer release()

	existing, err := r.posts.FindByURIWithDeleted(c, ref)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to find post: %w", err)
	}
	if existing != nil {
		// a redelivered create or update never resurrects a tombstone
		if existing.Deleted {
			return existing, nil
		}
		if !opts.Refresh {
			r.cache.PutPost(existing)
			return existing, nil
		}
	}

	obj, err := r.fetchObject(c, ref, opts)
	if err != nil {
		return nil, err
	}

	if !obj.IsPost() {
		return nil, Permanentf(CodeMalformed, "object %s is not a post: %s", ref, obj.Type)
	}
	if err := checkSameAuthority(host, obj.ID); err != nil {
		return nil, err
	}

	depth := opts.Depth
	if depth == 0 {
		depth = r.cfg.MaxResolveDepth
	}

	var post *Post
	if existing != nil {
		post, err = r.postReg.UpdatePost(c, existing, obj, depth)
	} else {
		post, err = r.postReg.CreatePost(c, obj, depth)
		if errors.Is(err, ErrConflict) {
			// the concurrent writer may have been a delete
			post, err = r.posts.FindByURIWithDeleted(c, obj.ID)
		}
	}
	if err != nil {
		return nil, err
	}

	if !post.Deleted {
		r.cache.PutPost(post)
	}
	return post, nil
}

// ResolveActorByHandle resolves a user@host handle through webfinger.
func (r *ObjectResolver) ResolveActorByHandle(c context.Context, username string, host string, opts ResolveOpts) (*Actor, error) {
	if host == "" || host == r.cfg.Host {
		actor, err := r.actors.FindByUsername(c, username)
		if err != nil {
			return nil, fmt.Errorf("failed to find local actor: %w", err)
		}
		return actor, nil
	}

	if r.cfg.IsBlockedHost(host) {
		return nil, Permanentf(CodeBlockedHost, "host %s is blocked", host)
	}

	resource := fmt.Sprintf("acct:%s@%s", username, host)
	webfinger, err := r.remote.GetWebfinger(c, host, resource)
	if err != nil {
		return nil, fmt.Errorf("failed to get webfinger: %w", err)
	}

	actorID := findActorIDFromWebfinger(webfinger)
	if actorID == "" {
		return nil, Permanentf(CodeMalformed, "no actor link in webfinger for %s", resource)
	}

	return r.ResolveActor(c, actorID, opts)
}

func (r *ObjectResolver) resolveLocalActor(c context.Context, ref string) (*Actor, error) {
	id, ok := r.urlResolver.parseLocalActorURI(ref)
	if !ok {
		// a dangling local reference is permanent, never refetched remotely
		return nil, WrapPermanent(CodeNotFound, "unknown local actor reference", nil)
	}
	actor, err := r.actors.Find(c, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, WrapPermanent(CodeNotFound, "unknown local actor", nil)
		}
		return nil, fmt.Errorf("failed to find actor: %w", err)
	}
	return actor, nil
}

func (r *ObjectResolver) resolveLocalPost(c context.Context, ref string) (*Post, error) {
	id, ok := r.urlResolver.parseLocalPostURI(ref)
	if !ok {
		return nil, WrapPermanent(CodeNotFound, "unknown local post reference", nil)
	}
	post, err := r.posts.Find(c, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, WrapPermanent(CodeNotFound, "unknown local post", nil)
		}
		return nil, fmt.Errorf("failed to find post: %w", err)
	}
	return post, nil
}

// fetchObject returns the canonical representation of ref. When the
// delivering host is authoritative for ref, the inline hint is trusted
// directly: instances may assert facts about resources within their own
// authority, never about resources hosted elsewhere.
func (r *ObjectResolver) fetchObject(c context.Context, ref string, opts ResolveOpts) (*internal.JSONObject, error) {
	if opts.Hint != nil && opts.Hint.ID == ref && opts.SentFrom != "" {
		if host, err := uriHost(ref); err == nil && host == opts.SentFrom {
			return opts.Hint, nil
		}
	}

	if opts.Depth < 0 {
		return nil, Permanentf(CodeRecursionLimit, "resolution chain for %s exceeded depth limit", ref)
	}

	r.log.Debug().Str("uri", ref).Int("depth", opts.Depth).Msg("fetching remote object")
	return r.remote.GetObject(c, r.instance.Actor, ref)
}

// findActorIDFromWebfinger - Webfinger から actor の URI を取得する
// 見つからない場合は空文字を返す
func findActorIDFromWebfinger(webfinger *internal.JSONWebfinger) string {
	for _, link := range webfinger.Links {
		if link.Rel == "self" && link.Type == "application/activity+json" {
			return link.Href
		}
	}
	return ""
}

// Nested resolutions carry the set of URIs already being resolved up the
// call chain. Re-entering one of them (a reply cycle, a migration loop)
// would deadlock on its own per-URI lock, so it fails instead.
type resolvingKey struct{}

func markResolving(c context.Context, ref string) (context.Context, error) {
	visited, _ := c.Value(resolvingKey{}).(map[string]struct{})
	if _, ok := visited[ref]; ok {
		return nil, Permanentf(CodeRecursionLimit, "reference cycle through %s", ref)
	}
	next := make(map[string]struct{}, len(visited)+1)
	for uri := range visited {
		next[uri] = struct{}{}
	}
	next[ref] = struct{}{}
	return context.WithValue(c, resolvingKey{}, next), nil
}

func uriHost(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return "", Permanentf(CodeMalformed, "invalid object reference: %s", ref)
	}
	return strings.ToLower(u.Host), nil
}

// checkSameAuthority - the fetched identifier must belong to the host it
// was fetched from.
func checkSameAuthority(host string, id string) error {
	idHost, err := uriHost(id)
	if err != nil {
		return err
	}
	if idHost != host {
		return Permanentf(CodeAuthorityMismatch, "object id %s is not under authority %s", id, host)
	}
	return nil
}
