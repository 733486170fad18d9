package federation

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/usagipub/federation/internal"
	"github.com/usagipub/federation/lib/array"
)

// Audience - a post's local visibility classification plus the explicit
// recipient list (actor IDs, used only for direct posts).
type Audience struct {
	Visibility Visibility
	Recipients []string
}

// AudienceService maps an activity's to/cc addressing into a local
// visibility classification.
type AudienceService struct {
	log      *zerolog.Logger
	resolver *ObjectResolver
}

func NewAudienceService(log *zerolog.Logger, resolver *ObjectResolver) *AudienceService {
	return &AudienceService{
		log:      log,
		resolver: resolver,
	}
}

// ParseAudience classifies the recipient fields of a post by the given
// author. anonymous marks objects fetched without credentials: such an
// object cannot legitimately be private, so an empty audience upgrades to
// public.
func (s *AudienceService) ParseAudience(c context.Context, author *Actor, to []string, cc []string, anonymous bool) (*Audience, error) {
	for _, uri := range to {
		if internal.IsPublicCollection(uri) {
			return &Audience{Visibility: VisibilityPublic}, nil
		}
	}

	for _, uri := range cc {
		if internal.IsPublicCollection(uri) {
			return &Audience{Visibility: VisibilityHome}, nil
		}
	}

	if author.FollowersURI != "" && array.Contains(to, author.FollowersURI) {
		return &Audience{Visibility: VisibilityFollowers}, nil
	}

	// best-effort recipient resolution; unresolvable entries are dropped
	var recipients []string
	for _, uri := range array.Uniq(append(append([]string{}, to...), cc...)) {
		if uri == author.FollowersURI {
			continue
		}
		actor, err := s.resolver.ResolveActor(c, uri, ResolveOpts{})
		if err != nil {
			s.log.Debug().Str("uri", uri).Err(err).Msg("dropping unresolvable recipient")
			continue
		}
		recipients = append(recipients, actor.ID)
	}

	if anonymous && len(recipients) == 0 {
		// retrievable without credentials, so it cannot be private
		return &Audience{Visibility: VisibilityPublic}, nil
	}

	return &Audience{Visibility: VisibilityDirect, Recipients: recipients}, nil
}

// BuildAudience renders a visibility classification back into to/cc
// addressing, the inverse of ParseAudience. recipientURIs are the actor
// URIs of the explicit recipients of a direct post.
func BuildAudience(visibility Visibility, followersURI string, recipientURIs []string) (to []string, cc []string) {
	switch visibility {
	case VisibilityPublic:
		return []string{internal.PublicCollection}, []string{followersURI}
	case VisibilityHome:
		return []string{followersURI}, []string{internal.PublicCollection}
	case VisibilityFollowers:
		return []string{followersURI}, nil
	default:
		return recipientURIs, nil
	}
}
