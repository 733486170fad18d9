package federation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/usagipub/federation/lib/crypt"
)

// one shared keypair; key generation dominates test time otherwise
var (
	testKeyOnce sync.Once
	testKeyErr  error
	testKeyPair *testKey
)

type testKey struct {
	private string
	public  string
}

func generateTestKey() (*testKey, error) {
	testKeyOnce.Do(func() {
		private, err := crypt.GeneratePrivateKeyPEM()
		if err != nil {
			testKeyErr = err
			return
		}
		public, err := crypt.GeneratePublicKeyPEM(private)
		if err != nil {
			testKeyErr = err
			return
		}
		testKeyPair = &testKey{private: private, public: public}
	})
	return testKeyPair, testKeyErr
}

// in-memory stores

type memActors struct {
	mu   sync.Mutex
	byID map[string]*Actor
}

func newMemActors() *memActors {
	return &memActors{byID: map[string]*Actor{}}
}

func (m *memActors) Find(c context.Context, id string) (*Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if actor, ok := m.byID[id]; ok {
		cp := *actor
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *memActors) FindByURI(c context.Context, uri string) (*Actor, error) {
	return m.findBy(func(a *Actor) bool { return a.URI == uri && uri != "" })
}

func (m *memActors) FindByUsername(c context.Context, username string) (*Actor, error) {
	return m.findBy(func(a *Actor) bool { return a.Username == username && a.IsLocal() })
}

func (m *memActors) FindByKeyID(c context.Context, keyID string) (*Actor, error) {
	return m.findBy(func(a *Actor) bool { return a.PublicKeyID == keyID && keyID != "" })
}

func (m *memActors) findBy(match func(*Actor) bool) (*Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, actor := range m.byID {
		if match(actor) {
			cp := *actor
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memActors) Save(c context.Context, actor *Actor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.byID {
		if actor.URI != "" && existing.URI == actor.URI {
			return ErrConflict
		}
		if actor.IsLocal() && existing.IsLocal() && existing.Username == actor.Username {
			return ErrConflict
		}
	}
	cp := *actor
	m.byID[actor.ID] = &cp
	return nil
}

func (m *memActors) Update(c context.Context, actor *Actor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *actor
	m.byID[actor.ID] = &cp
	return nil
}

func (m *memActors) RecordMigration(c context.Context, id string, target string, cooldown time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	actor, ok := m.byID[id]
	if !ok {
		return false, ErrNotFound
	}
	if !actor.LastMigratedAt.IsZero() && time.Since(actor.LastMigratedAt) < cooldown {
		return false, nil
	}
	actor.LastMigratedAt = time.Now()
	actor.MovedToURI = target
	return true, nil
}

type memPosts struct {
	mu   sync.Mutex
	byID map[string]*Post
}

func newMemPosts() *memPosts {
	return &memPosts{byID: map[string]*Post{}}
}

func (m *memPosts) Find(c context.Context, id string) (*Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if post, ok := m.byID[id]; ok && !post.Deleted {
		cp := *post
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *memPosts) FindByURI(c context.Context, uri string) (*Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, post := range m.byID {
		if post.URI == uri && uri != "" && !post.Deleted {
			cp := *post
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memPosts) FindByURIWithDeleted(c context.Context, uri string) (*Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, post := range m.byID {
		if post.URI == uri && uri != "" {
			cp := *post
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memPosts) Save(c context.Context, post *Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.byID {
		if post.URI != "" && existing.URI == post.URI {
			return ErrConflict
		}
	}
	cp := *post
	m.byID[post.ID] = &cp
	return nil
}

func (m *memPosts) Update(c context.Context, post *Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *post
	m.byID[post.ID] = &cp
	return nil
}

func (m *memPosts) Tombstone(c context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if post, ok := m.byID[id]; ok {
		post.Deleted = true
		post.Content = ""
	}
	return nil
}

func (m *memPosts) RecordVote(c context.Context, postID string, voterID string, choice int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	post, ok := m.byID[postID]
	if !ok || post.Poll == nil {
		return ErrNotFound
	}
	if choice < 0 || choice >= len(post.Poll.Options) {
		return Permanentf(CodeMalformed, "vote choice out of range")
	}
	post.Poll.Options[choice].Votes++
	return nil
}

type followEdge struct {
	uri    string
	status FollowStatus
}

type memFollows struct {
	mu    sync.Mutex
	edges map[[2]string]*followEdge
}

func newMemFollows() *memFollows {
	return &memFollows{edges: map[[2]string]*followEdge{}}
}

func (m *memFollows) Follow(c context.Context, followerID, followedID, uri string, status FollowStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edges[[2]string{followerID, followedID}] = &followEdge{uri: uri, status: status}
	return nil
}

func (m *memFollows) UpdateStatus(c context.Context, followerID, followedID string, status FollowStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if edge, ok := m.edges[[2]string{followerID, followedID}]; ok {
		edge.status = status
	}
	return nil
}

func (m *memFollows) Unfollow(c context.Context, followerID, followedID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.edges, [2]string{followerID, followedID})
	return nil
}

func (m *memFollows) FindFollowStatus(c context.Context, followerID, followedID string) (FollowStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if edge, ok := m.edges[[2]string{followerID, followedID}]; ok {
		return edge.status, nil
	}
	return FollowStatusUnfollowing, nil
}

func (m *memFollows) ListFollowers(c context.Context, actorID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var followers []string
	for key, edge := range m.edges {
		if key[1] == actorID && edge.status == FollowStatusFollowing {
			followers = append(followers, key[0])
		}
	}
	return followers, nil
}

func (m *memFollows) TransferFollowers(c context.Context, fromID, toID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, edge := range m.edges {
		if key[1] == fromID {
			delete(m.edges, key)
			m.edges[[2]string{key[0], toID}] = edge
		}
	}
	return nil
}

type memBlocks struct {
	mu    sync.Mutex
	pairs map[[2]string]bool
}

func newMemBlocks() *memBlocks {
	return &memBlocks{pairs: map[[2]string]bool{}}
}

func (m *memBlocks) Block(c context.Context, actorID, targetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairs[[2]string{actorID, targetID}] = true
	return nil
}

func (m *memBlocks) Unblock(c context.Context, actorID, targetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pairs, [2]string{actorID, targetID})
	return nil
}

func (m *memBlocks) IsBlocked(c context.Context, actorID, targetID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pairs[[2]string{actorID, targetID}], nil
}

type memReactions struct {
	mu    sync.Mutex
	pairs map[[2]string]string
}

func newMemReactions() *memReactions {
	return &memReactions{pairs: map[[2]string]string{}}
}

func (m *memReactions) React(c context.Context, actorID, postID, emoji string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]string{actorID, postID}
	if _, ok := m.pairs[key]; ok {
		return Permanentf(CodeAlreadyReacted, "already reacted")
	}
	m.pairs[key] = emoji
	return nil
}

func (m *memReactions) Unreact(c context.Context, actorID, postID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pairs, [2]string{actorID, postID})
	return nil
}

type memReports struct {
	mu      sync.Mutex
	reports []*Report
}

func newMemReports() *memReports {
	return &memReports{}
}

func (m *memReports) Save(c context.Context, report *Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, report)
	return nil
}

type memInstances struct {
	mu    sync.Mutex
	hosts map[string]string
}

func newMemInstances() *memInstances {
	return &memInstances{hosts: map[string]string{}}
}

func (m *memInstances) Register(c context.Context, host, software string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hosts[host] = software
	return nil
}

// test environment

type testEnv struct {
	cfg        *Config
	actors     *memActors
	posts      *memPosts
	follows    *memFollows
	blocks     *memBlocks
	reactions  *memReactions
	reports    *memReports
	resolver   *ObjectResolver
	dispatcher *Dispatcher
	verifier   *SignatureVerifier
	handler    *Handler
	queue      *InboxQueue
	instance   *InstanceActor
	remoteURL  string
	remoteHost string
}

func testConfig() *Config {
	return &Config{
		SoftwareName:          "usagipub",
		Host:                  "example.test",
		Port:                  8080,
		MaxResolveDepth:       12,
		FetchTimeout:          5 * time.Second,
		ActorRefreshInterval:  24 * time.Hour,
		MigrationCooldown:     14 * 24 * time.Hour,
		MigrationHopLimit:     10,
		AttachmentConcurrency: 2,
		MaxMentions:           5,
		KeyCacheSize:          64,
		KeyCacheTTL:           time.Minute,
		EntityCacheSize:       64,
		EntityCacheTTL:        time.Minute,
		QueueWorkers:          1,
		QueueMaxAttempts:      1,
		AllowUnsignedFetch:    true,
	}
}

// newTestEnv wires the full pipeline against an httptest remote. remote may
// be nil when the test never fetches.
func newTestEnv(t *testing.T, remote http.Handler) *testEnv {
	t.Helper()

	log := zerolog.Nop()
	cfg := testConfig()

	env := &testEnv{
		cfg:       cfg,
		actors:    newMemActors(),
		posts:     newMemPosts(),
		follows:   newMemFollows(),
		blocks:    newMemBlocks(),
		reactions: newMemReactions(),
		reports:   newMemReports(),
	}

	if remote != nil {
		srv := httptest.NewServer(remote)
		t.Cleanup(srv.Close)
		env.remoteURL = srv.URL
		u, err := url.Parse(srv.URL)
		if err != nil {
			t.Fatalf("failed to parse test server url: %v", err)
		}
		env.remoteHost = u.Host
	}

	urlResolver := NewURLResolver(cfg)
	remoteServer := NewRemoteServer(cfg, urlResolver)
	locks := NewLockManager()
	keys := NewKeyCache(cfg)
	cache := NewEntityCache(cfg)
	instances := newMemInstances()

	instance, err := NewInstanceActor(cfg, &log, env.actors, urlResolver)
	if err != nil {
		t.Fatalf("failed to create instance actor: %v", err)
	}
	env.instance = instance

	resolver := NewObjectResolver(cfg, &log, locks, remoteServer, cache, env.actors, env.posts, urlResolver, instance)
	audience := NewAudienceService(&log, resolver)
	actorReg := NewActorRegistry(cfg, &log, env.actors, env.follows, instances, remoteServer, keys, cache, resolver)
	postReg := NewPostRegistry(cfg, &log, env.posts, resolver, audience, remoteServer)

	env.resolver = resolver
	env.dispatcher = NewDispatcher(cfg, &log, resolver, actorReg, postReg,
		env.actors, env.posts, env.follows, env.blocks, env.reactions, env.reports,
		remoteServer, urlResolver, instance, cache, keys)
	env.verifier = NewSignatureVerifier(cfg, &log, keys, env.actors, resolver)
	env.queue = NewInboxQueue(cfg, &log, env.dispatcher)
	env.handler = NewHandler(cfg, &log, urlResolver, env.verifier, env.queue, env.actors, env.follows)

	return env
}

// addLocalActor registers a local actor with a fresh keypair.
func (env *testEnv) addLocalActor(t *testing.T, username string) *Actor {
	t.Helper()

	urlResolver := NewURLResolver(env.cfg)
	id := generateID()
	actor := &Actor{
		ID:       id,
		Username: username,
		Inbox:    urlResolver.resolveInboxURL(id),
	}

	privateKey, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	actor.PrivateKeyPem = privateKey.private
	actor.PublicKeyPem = privateKey.public
	actor.PublicKeyID = urlResolver.resolveMainKeyURL(id)

	if err := env.actors.Save(context.Background(), actor); err != nil {
		t.Fatalf("failed to save actor: %v", err)
	}
	return actor
}
