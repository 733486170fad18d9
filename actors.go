package federation

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/rs/zerolog"
	"github.com/usagipub/federation/internal"
	"github.com/usagipub/federation/lib/array"
	"github.com/usagipub/federation/lib/crypt"
)

const systemActorUsername = "system"

// InstanceActor is the local actor that signs resolution fetches and
// fronts anonymized abuse reports.
type InstanceActor struct {
	Actor *Actor
}

func NewInstanceActor(cfg *Config, log *zerolog.Logger, actors ActorStore, urlResolver *URLResolver) (*InstanceActor, error) {
	c := context.Background()

	actor, err := actors.FindByUsername(c, systemActorUsername)
	if err == nil {
		return &InstanceActor{Actor: actor}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to find instance actor: %w", err)
	}

	privateKey, err := crypt.GeneratePrivateKeyPEM()
	if err != nil {
		return nil, fmt.Errorf("failed to generate instance key: %w", err)
	}
	publicKey, err := crypt.GeneratePublicKeyPEM(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to generate instance public key: %w", err)
	}

	id := generateID()
	actor = &Actor{
		ID:            id,
		Username:      systemActorUsername,
		Inbox:         urlResolver.resolveInboxURL(id),
		PublicKeyID:   urlResolver.resolveMainKeyURL(id),
		PublicKeyPem:  publicKey,
		PrivateKeyPem: privateKey,
	}

	if err := actors.Save(c, actor); err != nil {
		if errors.Is(err, ErrConflict) {
			actor, err = actors.FindByUsername(c, systemActorUsername)
			if err != nil {
				return nil, fmt.Errorf("failed to find instance actor: %w", err)
			}
			return &InstanceActor{Actor: actor}, nil
		}
		return nil, fmt.Errorf("failed to save instance actor: %w", err)
	}

	log.Info().Str("id", id).Msg("created instance actor")
	return &InstanceActor{Actor: actor}, nil
}

// ActorRegistry creates and updates local representations of remote
// actors.
type ActorRegistry struct {
	cfg       *Config
	log       *zerolog.Logger
	actors    ActorStore
	follows   FollowStore
	instances InstanceStore
	remote    *RemoteServer
	keys      *KeyCache
	cache     *EntityCache
	resolver  *ObjectResolver
}

func NewActorRegistry(
	cfg *Config,
	log *zerolog.Logger,
	actors ActorStore,
	follows FollowStore,
	instances InstanceStore,
	remote *RemoteServer,
	keys *KeyCache,
	cache *EntityCache,
	resolver *ObjectResolver,
) *ActorRegistry {
	return &ActorRegistry{
		cfg:       cfg,
		log:       log,
		actors:    actors,
		follows:   follows,
		instances: instances,
		remote:    remote,
		keys:      keys,
		cache:     cache,
		resolver:  resolver,
	}
}

func (g *ActorRegistry) CreateActor(c context.Context, obj *internal.JSONObject) (*Actor, error) {
	actor, err := g.buildActor(c, obj)
	if err != nil {
		return nil, err
	}

	if err := g.instances.Register(c, actor.Host, ""); err != nil {
		g.log.Warn().Str("host", actor.Host).Err(err).Msg("failed to register instance")
	}

	if err := g.actors.Save(c, actor); err != nil {
		return nil, err
	}

	if actor.PublicKeyID != "" {
		g.keys.Put(actor.PublicKeyID, actor.URI, actor.PublicKeyPem)
	}
	return actor, nil
}

func (g *ActorRegistry) UpdateActor(c context.Context, existing *Actor, obj *internal.JSONObject) (*Actor, error) {
	updated, err := g.buildActor(c, obj)
	if err != nil {
		return nil, err
	}

	updated.ID = existing.ID
	updated.LastMigratedAt = existing.LastMigratedAt
	updated.Suspended = existing.Suspended || updated.Suspended

	if updated.MovedToURI != "" && updated.MovedToURI != existing.MovedToURI {
		recorded, err := g.actors.RecordMigration(c, existing.ID, updated.MovedToURI, g.cfg.MigrationCooldown)
		if err != nil {
			return nil, fmt.Errorf("failed to record migration: %w", err)
		}
		if recorded {
			if err := g.processMigration(c, existing, updated.MovedToURI); err != nil {
				// the migration stamp is already committed; follower
				// transfer failure must not fail the profile update
				g.log.Warn().Str("actor", existing.URI).Str("target", updated.MovedToURI).Err(err).Msg("migration post-processing failed")
			}
		}
	}

	if err := g.actors.Update(c, updated); err != nil {
		return nil, fmt.Errorf("failed to update actor: %w", err)
	}

	if updated.PublicKeyID != "" {
		g.keys.Put(updated.PublicKeyID, updated.URI, updated.PublicKeyPem)
	}
	g.cache.InvalidateActor(updated.URI)
	return updated, nil
}

// buildActor validates a fetched actor document and maps it into the
// local representation. Any URI-valued field outside the actor's own
// authority is rejected as spoofing.
func (g *ActorRegistry) buildActor(c context.Context, obj *internal.JSONObject) (*Actor, error) {
	if !obj.IsActor() {
		return nil, Permanentf(CodeMalformed, "not a recognized actor type: %s", obj.Type)
	}
	if obj.PreferredUsername == "" {
		return nil, Permanentf(CodeMalformed, "actor %s has no preferredUsername", obj.ID)
	}
	host, err := uriHost(obj.ID)
	if err != nil {
		return nil, err
	}
	if obj.Inbox == "" {
		return nil, Permanentf(CodeMalformed, "actor %s has no inbox", obj.ID)
	}

	sharedInbox := ""
	if obj.Endpoints != nil {
		sharedInbox = obj.Endpoints.SharedInbox
	}

	ownedURIs := []string{obj.Inbox, sharedInbox, obj.Followers, obj.Following, obj.Featured}
	if obj.PublicKey != nil {
		ownedURIs = append(ownedURIs, obj.PublicKey.ID)
	}
	for _, uri := range ownedURIs {
		if uri == "" {
			continue
		}
		if err := checkSameAuthority(host, uri); err != nil {
			return nil, err
		}
	}
	if obj.PublicKey != nil && obj.PublicKey.Owner != "" && obj.PublicKey.Owner != obj.ID {
		return nil, Permanentf(CodeAuthorityMismatch, "public key owner %s does not match actor %s", obj.PublicKey.Owner, obj.ID)
	}

	actor := &Actor{
		ID:               generateID(),
		URI:              obj.ID,
		Host:             host,
		Username:         obj.PreferredUsername,
		DisplayName:      obj.Name,
		Summary:          obj.Summary,
		Inbox:            obj.Inbox,
		SharedInbox:      sharedInbox,
		FollowersURI:     obj.Followers,
		FollowingURI:     obj.Following,
		FeaturedURI:      obj.Featured,
		ManuallyApproves: obj.ManuallyApprovesFollowers,
		Suspended:        obj.Suspended,
		MovedToURI:       obj.MovedTo,
		AlsoKnownAs:      obj.AlsoKnownAs,
		LastFetchedAt:    time.Now(),
	}

	if obj.PublicKey != nil {
		actor.PublicKeyID = obj.PublicKey.ID
		actor.PublicKeyPem = obj.PublicKey.PublicKeyPem
	}

	// avatar/banner failures are non-fatal
	actor.AvatarURL = imageURL(g.log, obj.Icon, obj.ID, "avatar")
	actor.BannerURL = imageURL(g.log, obj.Image, obj.ID, "banner")

	actor.Fields = g.buildProfileFields(c, obj)

	return actor, nil
}

var linkPattern = regexp.MustCompile(`https?://[^\s"'<>]+`)

func (g *ActorRegistry) buildProfileFields(c context.Context, obj *internal.JSONObject) []ProfileField {
	fields := make([]ProfileField, 0, len(obj.Attachment))
	for _, att := range obj.Attachment {
		if att.Type != "PropertyValue" || att.Name == "" {
			continue
		}
		field := ProfileField{Name: att.Name, Value: att.Value}
		if link := linkPattern.FindString(att.Value); link != "" {
			verified, err := g.remote.VerifyLink(c, link, obj.ID)
			if err != nil {
				g.log.Debug().Str("actor", obj.ID).Str("link", link).Err(err).Msg("link verification failed")
			}
			field.Verified = verified
		}
		fields = append(fields, field)
	}
	return fields
}

// processMigration walks the migration chain and moves followers to the
// final target. The chain is bounded by an explicit visited list and a
// hard hop cap so cyclic migrations cannot loop.
func (g *ActorRegistry) processMigration(c context.Context, actor *Actor, targetURI string) error {
	visited := []string{actor.URI}
	target := targetURI
	var targetActor *Actor

	for hop := 0; ; hop++ {
		if hop >= g.cfg.MigrationHopLimit {
			return Permanentf(CodeRecursionLimit, "migration chain from %s exceeds hop limit", actor.URI)
		}
		if array.Contains(visited, target) {
			return Permanentf(CodeMalformed, "cyclic migration chain at %s", target)
		}
		visited = append(visited, target)

		resolved, err := g.resolver.ResolveActor(c, target, ResolveOpts{})
		if err != nil {
			return fmt.Errorf("failed to resolve migration target: %w", err)
		}
		if resolved.MovedToURI == "" || resolved.MovedToURI == resolved.URI {
			targetActor = resolved
			break
		}
		target = resolved.MovedToURI
	}

	if !array.Contains(targetActor.AlsoKnownAs, actor.URI) {
		return Permanentf(CodeAuthorityMismatch, "migration target %s does not acknowledge %s", targetActor.URI, actor.URI)
	}

	if err := g.follows.TransferFollowers(c, actor.ID, targetActor.ID); err != nil {
		return fmt.Errorf("failed to transfer followers: %w", err)
	}

	g.log.Info().Str("from", actor.URI).Str("to", targetActor.URI).Msg("migrated followers")
	return nil
}

func imageURL(log *zerolog.Logger, img *internal.JSONImage, actorID string, kind string) string {
	if img == nil || img.URL == "" {
		return ""
	}
	if _, err := url.Parse(img.URL); err != nil {
		log.Debug().Str("actor", actorID).Str("kind", kind).Err(err).Msg("ignoring invalid image url")
		return ""
	}
	return img.URL
}
