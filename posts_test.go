package federation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/usagipub/federation/internal"
)

func seedRemoteActor(t *testing.T, env *testEnv, base string, username string) *Actor {
	t.Helper()
	actor := &Actor{
		ID:            generateID(),
		URI:           base + "/u/" + username,
		Host:          env.remoteHost,
		Username:      username,
		Inbox:         base + "/u/" + username + "/inbox",
		LastFetchedAt: time.Now(),
	}
	if err := env.actors.Save(context.Background(), actor); err != nil {
		t.Fatalf("failed to seed actor: %v", err)
	}
	return actor
}

func TestCreatePostQuoteDegrades(t *testing.T) {
	remote := newFakeRemote()
	env := newTestEnv(t, remote)
	base := env.remoteURL
	seedRemoteActor(t, env, base, "alice")

	// the quoted post does not exist; the post must land without it
	hint := &internal.JSONObject{
		ID:           base + "/p/1",
		Type:         "Note",
		AttributedTo: internal.JSONRef{ID: base + "/u/alice"},
		Content:      "look at this",
		QuoteURL:     base + "/p/gone",
		To:           internal.JSONRecipients{internal.PublicCollection},
	}

	post, err := env.resolver.ResolvePost(context.Background(), hint.ID, ResolveOpts{
		SentFrom: env.remoteHost,
		Hint:     hint,
	})
	if err != nil {
		t.Fatalf("ResolvePost() error = %v", err)
	}
	if !post.QuoteUnavailable {
		t.Error("QuoteUnavailable = false, want true")
	}
	if post.QuoteID != "" {
		t.Errorf("QuoteID = %q, want empty", post.QuoteID)
	}
}

func TestCreatePostContentPolicy(t *testing.T) {
	env := newTestEnv(t, newFakeRemote())
	env.cfg.ProhibitedWords = []string{"forbidden"}
	base := env.remoteURL
	seedRemoteActor(t, env, base, "alice")

	hint := &internal.JSONObject{
		ID:           base + "/p/1",
		Type:         "Note",
		AttributedTo: internal.JSONRef{ID: base + "/u/alice"},
		Content:      "this is FORBIDDEN content",
		To:           internal.JSONRecipients{internal.PublicCollection},
	}

	_, err := env.resolver.ResolvePost(context.Background(), hint.ID, ResolveOpts{
		SentFrom: env.remoteHost,
		Hint:     hint,
	})
	if ErrorCode(err) != CodeContentPolicy {
		t.Fatalf("ResolvePost() error = %v, want code %s", err, CodeContentPolicy)
	}
}

func TestCreatePostLocalOnly(t *testing.T) {
	env := newTestEnv(t, newFakeRemote())
	base := env.remoteURL
	seedRemoteActor(t, env, base, "alice")

	hint := &internal.JSONObject{
		ID:           base + "/p/1",
		Type:         "Note",
		AttributedTo: internal.JSONRef{ID: base + "/u/alice"},
		Content:      "should have stayed home",
		LocalOnly:    true,
		To:           internal.JSONRecipients{internal.PublicCollection},
	}

	_, err := env.resolver.ResolvePost(context.Background(), hint.ID, ResolveOpts{
		SentFrom: env.remoteHost,
		Hint:     hint,
	})
	if ErrorCode(err) != CodeLocalOnly {
		t.Fatalf("ResolvePost() error = %v, want code %s", err, CodeLocalOnly)
	}
}

func TestCreatePostMentionCap(t *testing.T) {
	env := newTestEnv(t, newFakeRemote())
	base := env.remoteURL
	seedRemoteActor(t, env, base, "alice")

	tags := make([]internal.JSONTag, env.cfg.MaxMentions+1)
	for i := range tags {
		tags[i] = internal.JSONTag{Type: "Mention", Href: fmt.Sprintf("%s/u/target%d", base, i)}
	}

	hint := &internal.JSONObject{
		ID:           base + "/p/1",
		Type:         "Note",
		AttributedTo: internal.JSONRef{ID: base + "/u/alice"},
		Content:      "hello everyone",
		Tag:          tags,
		To:           internal.JSONRecipients{internal.PublicCollection},
	}

	_, err := env.resolver.ResolvePost(context.Background(), hint.ID, ResolveOpts{
		SentFrom: env.remoteHost,
		Hint:     hint,
	})
	if ErrorCode(err) != CodeTooManyMentions {
		t.Fatalf("ResolvePost() error = %v, want code %s", err, CodeTooManyMentions)
	}
}

func TestCreatePostHashtagsAndEmoji(t *testing.T) {
	env := newTestEnv(t, newFakeRemote())
	base := env.remoteURL
	seedRemoteActor(t, env, base, "alice")

	hint := &internal.JSONObject{
		ID:           base + "/p/1",
		Type:         "Note",
		AttributedTo: internal.JSONRef{ID: base + "/u/alice"},
		Content:      "tagged",
		Tag: []internal.JSONTag{
			{Type: "Hashtag", Name: "#Golang"},
			{Type: "Hashtag", Name: "#golang"},
			{Type: "Emoji", Name: ":blob:", Icon: &internal.JSONImage{URL: base + "/e/blob.png"}},
		},
		To: internal.JSONRecipients{internal.PublicCollection},
	}

	post, err := env.resolver.ResolvePost(context.Background(), hint.ID, ResolveOpts{
		SentFrom: env.remoteHost,
		Hint:     hint,
	})
	if err != nil {
		t.Fatalf("ResolvePost() error = %v", err)
	}
	if len(post.Hashtags) != 1 || post.Hashtags[0] != "golang" {
		t.Errorf("Hashtags = %v, want [golang]", post.Hashtags)
	}
	if len(post.Emojis) != 1 || post.Emojis[0].Name != "blob" {
		t.Errorf("Emojis = %v, want one named blob", post.Emojis)
	}
}

func TestUpdatePostKeepsAttribution(t *testing.T) {
	remote := newFakeRemote()
	env := newTestEnv(t, remote)
	base := env.remoteURL
	seedRemoteActor(t, env, base, "alice")
	seedRemoteActor(t, env, base, "bob")

	hint := &internal.JSONObject{
		ID:           base + "/p/1",
		Type:         "Note",
		AttributedTo: internal.JSONRef{ID: base + "/u/alice"},
		Content:      "original",
		To:           internal.JSONRecipients{internal.PublicCollection},
	}
	if _, err := env.resolver.ResolvePost(context.Background(), hint.ID, ResolveOpts{
		SentFrom: env.remoteHost,
		Hint:     hint,
	}); err != nil {
		t.Fatalf("ResolvePost() error = %v", err)
	}

	// update claims a different author on the same host
	forged := &internal.JSONObject{
		ID:           base + "/p/1",
		Type:         "Note",
		AttributedTo: internal.JSONRef{ID: base + "/u/bob"},
		Content:      "stolen",
		To:           internal.JSONRecipients{internal.PublicCollection},
	}

	_, err := env.resolver.ResolvePost(context.Background(), forged.ID, ResolveOpts{
		SentFrom: env.remoteHost,
		Hint:     forged,
		Refresh:  true,
	})
	if ErrorCode(err) != CodeAuthorityMismatch {
		t.Fatalf("ResolvePost() error = %v, want code %s", err, CodeAuthorityMismatch)
	}
}

func TestPollVote(t *testing.T) {
	env := newTestEnv(t, newFakeRemote())
	base := env.remoteURL
	alice := seedRemoteActor(t, env, base, "alice")
	bob := seedRemoteActor(t, env, base, "bob")

	poll := &Post{
		ID:       generateID(),
		URI:      base + "/p/poll",
		AuthorID: alice.ID,
		Poll: &Poll{
			ExpiresAt: time.Now().Add(time.Hour),
			Options:   []PollOption{{Name: "yes"}, {Name: "no"}},
		},
		Visibility: VisibilityPublic,
		CreatedAt:  time.Now(),
	}
	if err := env.posts.Save(context.Background(), poll); err != nil {
		t.Fatalf("failed to seed poll: %v", err)
	}

	vote := &internal.JSONObject{
		ID:           base + "/p/vote1",
		Type:         "Note",
		AttributedTo: internal.JSONRef{ID: bob.URI},
		Name:         "yes",
		InReplyTo:    internal.JSONRef{ID: poll.URI},
	}

	got, err := env.resolver.ResolvePost(context.Background(), vote.ID, ResolveOpts{
		SentFrom: env.remoteHost,
		Hint:     vote,
	})
	if err != nil {
		t.Fatalf("ResolvePost() error = %v", err)
	}
	if got.ID != poll.ID {
		t.Fatalf("vote resolved to %s, want the poll %s", got.ID, poll.ID)
	}

	stored, err := env.posts.Find(context.Background(), poll.ID)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if stored.Poll.Options[0].Votes != 1 {
		t.Errorf("Votes = %d, want 1", stored.Poll.Options[0].Votes)
	}
}

func TestPollVoteExpired(t *testing.T) {
	env := newTestEnv(t, newFakeRemote())
	base := env.remoteURL
	alice := seedRemoteActor(t, env, base, "alice")
	bob := seedRemoteActor(t, env, base, "bob")

	poll := &Post{
		ID:       generateID(),
		URI:      base + "/p/poll",
		AuthorID: alice.ID,
		Poll: &Poll{
			ExpiresAt: time.Now().Add(-time.Hour),
			Options:   []PollOption{{Name: "yes"}},
		},
		Visibility: VisibilityPublic,
		CreatedAt:  time.Now(),
	}
	if err := env.posts.Save(context.Background(), poll); err != nil {
		t.Fatalf("failed to seed poll: %v", err)
	}

	vote := &internal.JSONObject{
		ID:           base + "/p/vote1",
		Type:         "Note",
		AttributedTo: internal.JSONRef{ID: bob.URI},
		Name:         "yes",
		InReplyTo:    internal.JSONRef{ID: poll.URI},
	}

	_, err := env.resolver.ResolvePost(context.Background(), vote.ID, ResolveOpts{
		SentFrom: env.remoteHost,
		Hint:     vote,
	})
	if ErrorCode(err) != CodePollExpired {
		t.Fatalf("ResolvePost() error = %v, want code %s", err, CodePollExpired)
	}
}
