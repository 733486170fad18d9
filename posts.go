package federation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/usagipub/federation/internal"
	"github.com/usagipub/federation/lib/array"
	"golang.org/x/sync/errgroup"
)

// PostRegistry creates and updates local representations of remote posts.
type PostRegistry struct {
	cfg      *Config
	log      *zerolog.Logger
	posts    PostStore
	resolver *ObjectResolver
	audience *AudienceService
	remote   *RemoteServer
}

func NewPostRegistry(
	cfg *Config,
	log *zerolog.Logger,
	posts PostStore,
	resolver *ObjectResolver,
	audience *AudienceService,
	remote *RemoteServer,
) *PostRegistry {
	return &PostRegistry{
		cfg:      cfg,
		log:      log,
		posts:    posts,
		resolver: resolver,
		audience: audience,
		remote:   remote,
	}
}

func (g *PostRegistry) CreatePost(c context.Context, obj *internal.JSONObject, depth int) (*Post, error) {
	author, err := g.validateAttribution(c, obj, depth)
	if err != nil {
		return nil, err
	}

	// a reply carrying only an option name is a vote on an existing poll
	if vote, voted, err := g.tryRecordVote(c, obj, author); voted || err != nil {
		return vote, err
	}

	post, err := g.buildPost(c, obj, author, depth)
	if err != nil {
		return nil, err
	}

	if err := g.posts.Save(c, post); err != nil {
		return nil, err
	}
	return post, nil
}

func (g *PostRegistry) UpdatePost(c context.Context, existing *Post, obj *internal.JSONObject, depth int) (*Post, error) {
	author, err := g.validateAttribution(c, obj, depth)
	if err != nil {
		return nil, err
	}
	// an update must not change who wrote the post
	if author.ID != existing.AuthorID {
		return nil, Permanentf(CodeAuthorityMismatch, "update of %s changes attribution", obj.ID)
	}

	post, err := g.buildPost(c, obj, author, depth)
	if err != nil {
		return nil, err
	}

	post.ID = existing.ID
	post.CreatedAt = existing.CreatedAt
	post.UpdatedAt = time.Now()

	if err := g.posts.Update(c, post); err != nil {
		return nil, fmt.Errorf("failed to update post: %w", err)
	}
	return post, nil
}

// validateAttribution checks the post document's identity invariants and
// resolves its author, creating the actor if unknown.
func (g *PostRegistry) validateAttribution(c context.Context, obj *internal.JSONObject, depth int) (*Actor, error) {
	if !obj.IsPost() {
		return nil, Permanentf(CodeMalformed, "not a recognized post type: %s", obj.Type)
	}
	host, err := uriHost(obj.ID)
	if err != nil {
		return nil, err
	}
	if obj.AttributedTo.IsZero() {
		return nil, Permanentf(CodeMalformed, "post %s has no attribution", obj.ID)
	}
	// the author must live on the same authority as the post
	if err := checkSameAuthority(host, obj.AttributedTo.ID); err != nil {
		return nil, err
	}
	if obj.LocalOnly {
		return nil, Permanentf(CodeLocalOnly, "post %s is local-only on its origin server", obj.ID)
	}

	author, err := g.resolver.ResolveActor(c, obj.AttributedTo.ID, ResolveOpts{
		SentFrom: host,
		Hint:     obj.AttributedTo.Inline,
		Depth:    ChildDepth(depth),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve author: %w", err)
	}
	return author, nil
}

func (g *PostRegistry) buildPost(c context.Context, obj *internal.JSONObject, author *Actor, depth int) (*Post, error) {
	host, _ := uriHost(obj.ID)

	content, contentType := obj.Content, "text/html"
	if obj.Source != nil && obj.Source.Content != "" {
		// structured source markup beats rendered HTML
		content = obj.Source.Content
		contentType = obj.Source.MediaType
		if contentType == "" {
			contentType = "text/markdown"
		}
	}

	// nothing derived from remote content is persisted past this check
	if err := g.checkContentPolicy(content, obj.Summary, obj.Name); err != nil {
		return nil, err
	}

	post := &Post{
		ID:          generateID(),
		URI:         obj.ID,
		AuthorID:    author.ID,
		Content:     content,
		ContentType: contentType,
		Summary:     obj.Summary,
		Sensitive:   obj.Sensitive,
		CreatedAt:   parseTime(obj.Published),
	}

	if !obj.InReplyTo.IsZero() {
		target, err := g.resolver.ResolvePost(c, obj.InReplyTo.ID, ResolveOpts{
			SentFrom: host,
			Hint:     obj.InReplyTo.Inline,
			Depth:    ChildDepth(depth),
		})
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// the thread is incomplete but may fill in later
				return nil, WrapRetryable(CodeFetchFailed, "reply target not yet available", err)
			}
			return nil, fmt.Errorf("failed to resolve reply target: %w", err)
		}
		post.ReplyToID = target.ID
	}

	if quoteRef := obj.QuoteRef(); quoteRef != "" {
		quoted, err := g.resolver.ResolvePost(c, quoteRef, ResolveOpts{
			SentFrom: host,
			Depth:    ChildDepth(depth),
		})
		if err != nil {
			// quotes degrade instead of failing the whole post
			g.log.Debug().Str("post", obj.ID).Str("quote", quoteRef).Err(err).Msg("quote unavailable")
			post.QuoteUnavailable = true
		} else {
			post.QuoteID = quoted.ID
		}
	}

	audience, err := g.audience.ParseAudience(c, author, obj.To, obj.Cc, false)
	if err != nil {
		return nil, fmt.Errorf("failed to parse audience: %w", err)
	}
	post.Visibility = audience.Visibility
	post.Recipients = audience.Recipients

	if err := g.extractTags(c, obj, post, depth); err != nil {
		return nil, err
	}

	if err := g.resolveAttachments(c, obj, post); err != nil {
		return nil, err
	}

	if options, multiple := obj.PollOptions(); len(options) > 0 {
		post.Poll = &Poll{
			Multiple:  multiple,
			ExpiresAt: parseTime(obj.EndTime),
			Options: array.Map(options, func(o internal.JSONPollOption) PollOption {
				votes := 0
				if o.Replies != nil {
					votes = o.Replies.TotalItems
				}
				return PollOption{Name: o.Name, Votes: votes}
			}),
		}
	}

	return post, nil
}

// extractTags pulls mentions, hashtags and custom emoji out of the tag
// list. Mention resolution is best-effort; unresolvable mentions are
// dropped.
func (g *PostRegistry) extractTags(c context.Context, obj *internal.JSONObject, post *Post, depth int) error {
	mentionCount := 0
	for _, tag := range obj.Tag {
		switch tag.Type {
		case "Mention":
			mentionCount++
			if mentionCount > g.cfg.MaxMentions {
				return Permanentf(CodeTooManyMentions, "post %s mentions more than %d actors", obj.ID, g.cfg.MaxMentions)
			}
			mentioned, err := g.resolveMention(c, tag, depth)
			if err != nil {
				g.log.Debug().Str("post", obj.ID).Str("mention", tag.Href).Err(err).Msg("dropping unresolvable mention")
				continue
			}
			post.Mentions = append(post.Mentions, mentioned.ID)
		case "Hashtag":
			name := strings.ToLower(strings.TrimPrefix(tag.Name, "#"))
			if name != "" {
				post.Hashtags = append(post.Hashtags, name)
			}
		case "Emoji":
			if tag.Icon == nil || tag.Icon.URL == "" {
				continue
			}
			post.Emojis = append(post.Emojis, CustomEmoji{
				Name: strings.Trim(tag.Name, ":"),
				URL:  tag.Icon.URL,
			})
		}
	}
	post.Hashtags = array.Uniq(post.Hashtags)
	post.Mentions = array.Uniq(post.Mentions)
	return nil
}

func (g *PostRegistry) resolveMention(c context.Context, tag internal.JSONTag, depth int) (*Actor, error) {
	if tag.Href != "" {
		return g.resolver.ResolveActor(c, tag.Href, ResolveOpts{Depth: ChildDepth(depth)})
	}
	// some implementations send only the @user@host handle
	handle := strings.TrimPrefix(tag.Name, "@")
	username, host, found := strings.Cut(handle, "@")
	if !found || username == "" {
		return nil, Permanentf(CodeMalformed, "mention has no href and no handle")
	}
	return g.resolver.ResolveActorByHandle(c, username, host, ResolveOpts{Depth: ChildDepth(depth)})
}

// resolveAttachments probes attachments with bounded concurrency so one
// slow file cannot block the rest. Permanent failures drop the attachment
// and flag the post; transient failures propagate as retryable.
func (g *PostRegistry) resolveAttachments(c context.Context, obj *internal.JSONObject, post *Post) error {
	docs := array.Filter(obj.Attachment, func(d internal.JSONDocument) bool {
		return d.URL != ""
	})
	if len(docs) == 0 {
		return nil
	}

	var mu sync.Mutex
	resolved := make([]*Attachment, len(docs))

	eg, egc := errgroup.WithContext(c)
	eg.SetLimit(g.cfg.AttachmentConcurrency)
	for i, doc := range docs {
		i, doc := i, doc
		eg.Go(func() error {
			mediaType, err := g.remote.ProbeAttachment(egc, doc.URL)
			if err != nil {
				if IsRetryable(err) {
					return err
				}
				g.log.Debug().Str("post", obj.ID).Str("url", doc.URL).Err(err).Msg("dropping failed attachment")
				mu.Lock()
				post.AttachmentsFailed = true
				mu.Unlock()
				return nil
			}
			if mediaType == "" {
				mediaType = doc.MediaType
			}
			mu.Lock()
			resolved[i] = &Attachment{
				URL:       doc.URL,
				MediaType: mediaType,
				Name:      doc.Name,
				Sensitive: doc.Sensitive,
			}
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("failed to resolve attachments: %w", err)
	}

	for _, att := range resolved {
		if att != nil {
			post.Attachments = append(post.Attachments, *att)
		}
	}
	return nil
}

// tryRecordVote handles the poll-vote special case: a Note whose name is
// one of a known poll's options and whose reply target is that poll.
func (g *PostRegistry) tryRecordVote(c context.Context, obj *internal.JSONObject, author *Actor) (*Post, bool, error) {
	if obj.Name == "" || obj.Content != "" || obj.InReplyTo.IsZero() {
		return nil, false, nil
	}

	target, err := g.posts.FindByURI(c, obj.InReplyTo.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// reply target is not a known poll; treat as a regular post
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to find vote target: %w", err)
	}
	if target.Poll == nil {
		return nil, false, nil
	}

	choice := -1
	for i, option := range target.Poll.Options {
		if option.Name == obj.Name {
			choice = i
			break
		}
	}
	if choice == -1 {
		return nil, false, nil
	}

	if target.Poll.Expired(time.Now()) {
		return nil, true, Permanentf(CodePollExpired, "poll %s is closed", target.URI)
	}

	if err := g.posts.RecordVote(c, target.ID, author.ID, choice); err != nil {
		if errors.Is(err, &Error{Code: CodeAlreadyVoted}) {
			return target, true, nil
		}
		return nil, true, fmt.Errorf("failed to record vote: %w", err)
	}
	return target, true, nil
}

func (g *PostRegistry) checkContentPolicy(parts ...string) error {
	for _, word := range g.cfg.ProhibitedWords {
		if word == "" {
			continue
		}
		for _, part := range parts {
			if strings.Contains(strings.ToLower(part), strings.ToLower(word)) {
				return Permanentf(CodeContentPolicy, "content matches prohibited word")
			}
		}
	}
	return nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Now()
	}
	return t
}
