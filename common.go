package federation

import (
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"github.com/oklog/ulid/v2"
)

type Config struct {
	SoftwareName       string `envconfig:"SOFTWARE_NAME" default:"usagipub"`
	Host               string `envconfig:"HOST" default:"localhost:8080"`
	Port               int    `envconfig:"PORT" default:"8080"`
	Https              bool   `envconfig:"HTTPS" default:"false"`
	DatabasePath       string `envconfig:"DATABASE_PATH" default:"./federation.db"`
	FederationDisabled bool   `envconfig:"FEDERATION_DISABLED" default:"false"`

	BlockedHosts       []string `envconfig:"BLOCKED_HOSTS"`
	AllowUnsignedFetch bool     `envconfig:"ALLOW_UNSIGNED_FETCH" default:"true"`
	ProhibitedWords    []string `envconfig:"PROHIBITED_WORDS"`

	MaxResolveDepth       int           `envconfig:"MAX_RESOLVE_DEPTH" default:"12"`
	FetchTimeout          time.Duration `envconfig:"FETCH_TIMEOUT" default:"20s"`
	ActorRefreshInterval  time.Duration `envconfig:"ACTOR_REFRESH_INTERVAL" default:"24h"`
	MigrationCooldown     time.Duration `envconfig:"MIGRATION_COOLDOWN" default:"336h"`
	MigrationHopLimit     int           `envconfig:"MIGRATION_HOP_LIMIT" default:"10"`
	AttachmentConcurrency int           `envconfig:"ATTACHMENT_CONCURRENCY" default:"4"`
	MaxMentions           int           `envconfig:"MAX_MENTIONS" default:"50"`

	KeyCacheSize    int           `envconfig:"KEY_CACHE_SIZE" default:"4096"`
	KeyCacheTTL     time.Duration `envconfig:"KEY_CACHE_TTL" default:"12h"`
	EntityCacheSize int           `envconfig:"ENTITY_CACHE_SIZE" default:"8192"`
	EntityCacheTTL  time.Duration `envconfig:"ENTITY_CACHE_TTL" default:"10m"`

	QueueWorkers     int `envconfig:"QUEUE_WORKERS" default:"4"`
	QueueMaxAttempts int `envconfig:"QUEUE_MAX_ATTEMPTS" default:"8"`
}

func ParseConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("federation", &cfg); err != nil {
		return nil, Permanentf(CodeMalformed, "cannot parse config: %v", err)
	}
	return &cfg, nil
}

// IsBlockedHost - whether a host is administratively blocked. A blocked
// entry also covers its subdomains.
func (c *Config) IsBlockedHost(host string) bool {
	host = strings.ToLower(host)
	for _, blocked := range c.BlockedHosts {
		blocked = strings.ToLower(blocked)
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return true
		}
	}
	return false
}

// generateID - IDの生成
func generateID() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")
}

func GenerateSortableID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	id := ulid.MustNew(ulid.Timestamp(t), entropy)
	return id.String()
}

// Visibility - who may see a post.
type Visibility int

const (
	VisibilityUnknown   Visibility = -1
	VisibilityPublic    Visibility = 0
	VisibilityHome      Visibility = 1 // unlisted
	VisibilityFollowers Visibility = 2
	VisibilityDirect    Visibility = 3
)

func (v Visibility) Value() int {
	return int(v)
}

func FindVisibility(v int) Visibility {
	switch v {
	case VisibilityPublic.Value():
		return VisibilityPublic
	case VisibilityHome.Value():
		return VisibilityHome
	case VisibilityFollowers.Value():
		return VisibilityFollowers
	case VisibilityDirect.Value():
		return VisibilityDirect
	default:
		return VisibilityUnknown
	}
}

type FollowStatus int

const (
	FollowStatusUnknown     FollowStatus = -1
	FollowStatusFollowing   FollowStatus = 0
	FollowStatusPending     FollowStatus = 1
	FollowStatusUnfollowing FollowStatus = 2
)

func (s FollowStatus) Value() int {
	return int(s)
}

func FindFollowStatus(v int) FollowStatus {
	switch v {
	case FollowStatusFollowing.Value():
		return FollowStatusFollowing
	case FollowStatusPending.Value():
		return FollowStatusPending
	case FollowStatusUnfollowing.Value():
		return FollowStatusUnfollowing
	default:
		return FollowStatusUnknown
	}
}

type ProfileField struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Verified bool   `json:"verified,omitempty"`
}

// Actor - a federated account, local or remote. Host is empty iff the
// actor is authoritative on this server; URI is empty for local actors.
type Actor struct {
	ID       string
	URI      string
	Host     string
	Username string

	DisplayName string
	Summary     string
	Fields      []ProfileField

	Inbox        string
	SharedInbox  string
	FollowersURI string
	FollowingURI string
	FeaturedURI  string

	PublicKeyID  string
	PublicKeyPem string
	// PrivateKeyPem is set for local actors only.
	PrivateKeyPem string

	AvatarURL string
	BannerURL string

	ManuallyApproves  bool
	CollectionsHidden bool
	Suspended         bool
	Deleted           bool

	MovedToURI  string
	AlsoKnownAs []string

	LastFetchedAt  time.Time
	LastMigratedAt time.Time
}

func (a *Actor) IsLocal() bool {
	return a.Host == ""
}

type Attachment struct {
	URL       string `json:"url"`
	MediaType string `json:"mediaType,omitempty"`
	Name      string `json:"name,omitempty"`
	Sensitive bool   `json:"sensitive,omitempty"`
}

type PollOption struct {
	Name  string `json:"name"`
	Votes int    `json:"votes"`
}

type Poll struct {
	Multiple  bool         `json:"multiple"`
	ExpiresAt time.Time    `json:"expiresAt"`
	Options   []PollOption `json:"options"`
}

// Expired - whether the poll no longer accepts votes.
func (p *Poll) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

type CustomEmoji struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Post - a note or status. URI is empty for local posts and unique when
// set. A post with BoostOfID set and no content is a pure boost.
type Post struct {
	ID       string
	URI      string
	AuthorID string

	ReplyToID string
	QuoteID   string
	BoostOfID string

	Visibility Visibility
	// Recipients is the explicit recipient list, used only for direct posts.
	Recipients []string

	Content     string
	ContentType string
	Summary     string
	Sensitive   bool

	Attachments []Attachment
	Mentions    []string
	Hashtags    []string
	Emojis      []CustomEmoji
	Poll        *Poll

	// Degradation markers for partially-available remote resources.
	QuoteUnavailable  bool
	AttachmentsFailed bool

	Deleted   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Report - an abuse report recorded from a Flag activity, anonymized as
// coming from the instance actor.
type Report struct {
	ID            string
	ReporterID    string
	TargetActorID string
	PostIDs       []string
	Comment       string
	CreatedAt     time.Time
}
