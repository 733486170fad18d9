package internal

import (
	"bytes"
	"encoding/json"
)

// PublicCollection - the well-known ActivityStreams public audience.
const PublicCollection = "https://www.w3.org/ns/activitystreams#Public"

// IsPublicCollection - some implementations abbreviate the public
// collection URI.
func IsPublicCollection(uri string) bool {
	return uri == PublicCollection || uri == "as:Public" || uri == "Public"
}

type JSONPublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type JSONImage struct {
	Type      string `json:"type,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url,omitempty"`
	Sensitive bool   `json:"sensitive,omitempty"`
}

type JSONEndpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// JSONDocument - an attachment. For actors this doubles as a
// PropertyValue profile field (Name/Value pair).
type JSONDocument struct {
	Type      string `json:"type,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url,omitempty"`
	Name      string `json:"name,omitempty"`
	Value     string `json:"value,omitempty"`
	Sensitive bool   `json:"sensitive,omitempty"`
}

// JSONTag - a tag entry: Mention, Hashtag or Emoji, discriminated by Type.
type JSONTag struct {
	Type string     `json:"type,omitempty"`
	Name string     `json:"name,omitempty"`
	Href string     `json:"href,omitempty"`
	Icon *JSONImage `json:"icon,omitempty"`
}

type JSONPollReplies struct {
	TotalItems int `json:"totalItems"`
}

type JSONPollOption struct {
	Type    string           `json:"type,omitempty"`
	Name    string           `json:"name"`
	Replies *JSONPollReplies `json:"replies,omitempty"`
}

type JSONSource struct {
	Content   string `json:"content"`
	MediaType string `json:"mediaType,omitempty"`
}

// JSONObject is the duck-typed ActivityStreams union: actors, posts,
// activities and collections all deserialize into it and are told apart by
// Type. Unknown fields are ignored by encoding/json.
type JSONObject struct {
	Context json.RawMessage `json:"@context,omitempty"`
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type,omitempty"`

	// shared
	Name      string  `json:"name,omitempty"`
	Summary   string  `json:"summary,omitempty"`
	Published string  `json:"published,omitempty"`
	Updated   string  `json:"updated,omitempty"`
	URL       JSONRef `json:"url,omitempty"`

	// actor
	PreferredUsername         string         `json:"preferredUsername,omitempty"`
	Inbox                     string         `json:"inbox,omitempty"`
	Outbox                    string         `json:"outbox,omitempty"`
	Endpoints                 *JSONEndpoints `json:"endpoints,omitempty"`
	Followers                 string         `json:"followers,omitempty"`
	Following                 string         `json:"following,omitempty"`
	Featured                  string         `json:"featured,omitempty"`
	PublicKey                 *JSONPublicKey `json:"publicKey,omitempty"`
	ManuallyApprovesFollowers bool           `json:"manuallyApprovesFollowers,omitempty"`
	Discoverable              bool           `json:"discoverable,omitempty"`
	Suspended                 bool           `json:"suspended,omitempty"`
	MovedTo                   string         `json:"movedTo,omitempty"`
	AlsoKnownAs               []string       `json:"alsoKnownAs,omitempty"`
	Icon                      *JSONImage     `json:"icon,omitempty"`
	Image                     *JSONImage     `json:"image,omitempty"`

	// post
	AttributedTo JSONRef         `json:"attributedTo,omitempty"`
	To           JSONRecipients  `json:"to,omitempty"`
	Cc           JSONRecipients  `json:"cc,omitempty"`
	InReplyTo    JSONRef         `json:"inReplyTo,omitempty"`
	Content      string          `json:"content,omitempty"`
	Source       *JSONSource     `json:"source,omitempty"`
	Sensitive    bool            `json:"sensitive,omitempty"`
	Attachment   []JSONDocument  `json:"attachment,omitempty"`
	Tag          []JSONTag       `json:"tag,omitempty"`
	QuoteURL     string          `json:"quoteUrl,omitempty"`
	MisskeyQuote string          `json:"_misskey_quote,omitempty"`
	LocalOnly    bool            `json:"localOnly,omitempty"`
	OneOf        []JSONPollOption `json:"oneOf,omitempty"`
	AnyOf        []JSONPollOption `json:"anyOf,omitempty"`
	EndTime      string          `json:"endTime,omitempty"`
	Closed       json.RawMessage `json:"closed,omitempty"`

	// activity
	Actor  JSONRef `json:"actor,omitempty"`
	Object JSONRef `json:"object,omitempty"`
	Target JSONRef `json:"target,omitempty"`

	// collection
	TotalItems   int               `json:"totalItems,omitempty"`
	Items        []json.RawMessage `json:"items,omitempty"`
	OrderedItems []json.RawMessage `json:"orderedItems,omitempty"`
}

var actorTypes = map[string]bool{
	"Person":       true,
	"Service":      true,
	"Group":        true,
	"Organization": true,
	"Application":  true,
}

var postTypes = map[string]bool{
	"Note":     true,
	"Question": true,
	"Article":  true,
	"Page":     true,
}

var activityTypes = map[string]bool{
	"Create":     true,
	"Update":     true,
	"Delete":     true,
	"Follow":     true,
	"Accept":     true,
	"Reject":     true,
	"Undo":       true,
	"Announce":   true,
	"Like":       true,
	"Dislike":    true,
	"EmojiReact": true,
	"Block":      true,
	"Flag":       true,
	"Move":       true,
}

var collectionTypes = map[string]bool{
	"Collection":            true,
	"OrderedCollection":     true,
	"CollectionPage":        true,
	"OrderedCollectionPage": true,
}

func (o *JSONObject) IsActor() bool      { return actorTypes[o.Type] }
func (o *JSONObject) IsPost() bool       { return postTypes[o.Type] }
func (o *JSONObject) IsActivity() bool   { return activityTypes[o.Type] }
func (o *JSONObject) IsCollection() bool { return collectionTypes[o.Type] }
func (o *JSONObject) IsTombstone() bool  { return o.Type == "Tombstone" }

// QuoteRef - the quoted post URI in either of the two wire spellings.
func (o *JSONObject) QuoteRef() string {
	if o.QuoteURL != "" {
		return o.QuoteURL
	}
	return o.MisskeyQuote
}

// PollOptions - poll choices and whether multiple choices are allowed.
func (o *JSONObject) PollOptions() ([]JSONPollOption, bool) {
	if len(o.AnyOf) > 0 {
		return o.AnyOf, true
	}
	return o.OneOf, false
}

// CollectionItems - items of either collection flavor.
func (o *JSONObject) CollectionItems() []json.RawMessage {
	if len(o.OrderedItems) > 0 {
		return o.OrderedItems
	}
	return o.Items
}

// JSONRef is a reference that appears on the wire either as a bare URI
// string or as an inline object.
type JSONRef struct {
	ID     string
	Inline *JSONObject
}

func (r *JSONRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		return json.Unmarshal(b, &r.ID)
	}
	if b[0] == '[' {
		// some implementations wrap single references in an array
		var list []json.RawMessage
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			return nil
		}
		return r.UnmarshalJSON(list[0])
	}
	var obj JSONObject
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	r.Inline = &obj
	r.ID = obj.ID
	return nil
}

func (r JSONRef) MarshalJSON() ([]byte, error) {
	if r.Inline != nil {
		return json.Marshal(r.Inline)
	}
	if r.ID == "" {
		return []byte("null"), nil
	}
	return json.Marshal(r.ID)
}

func (r *JSONRef) IsZero() bool {
	return r.ID == "" && r.Inline == nil
}

// Resolve - the referenced object, synthesizing an ID-only object for bare
// URI references.
func (r *JSONRef) Resolve() *JSONObject {
	if r.Inline != nil {
		return r.Inline
	}
	return &JSONObject{ID: r.ID}
}

// JSONRecipients is a to/cc list. Entries arrive as a single string, a
// list of strings, or inline objects; only the URIs are retained.
type JSONRecipients []string

func (r *JSONRecipients) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = JSONRecipients{s}
		return nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	out := make(JSONRecipients, 0, len(list))
	for _, item := range list {
		var ref JSONRef
		if err := json.Unmarshal(item, &ref); err != nil {
			return err
		}
		if ref.ID != "" {
			out = append(out, ref.ID)
		}
	}
	*r = out
	return nil
}

// DecodeObject - parse a raw JSON-LD document.
func DecodeObject(b []byte) (*JSONObject, error) {
	var obj JSONObject
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil, err
	}
	return &obj, nil
}
