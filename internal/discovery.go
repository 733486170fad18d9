package internal

import (
	"encoding/json"
	"encoding/xml"
)

type JSONWebfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

type JSONWebfinger struct {
	Subject string              `json:"subject"`
	Aliases []string            `json:"aliases,omitempty"`
	Links   []JSONWebfingerLink `json:"links"`
}

type JSONNodeInfoLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

type JSONNodeInfo struct {
	Links []JSONNodeInfoLink `json:"links"`
}

type JSONNodeInfo2Dot1Software struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type JSONNodeInfo2Dot1Services struct {
	Inbound  []string `json:"inbound"`
	Outbound []string `json:"outbound"`
}

type JSONNodeInfo2Dot1Usage struct {
	Users struct {
		Total int `json:"total"`
	} `json:"users"`
}

type JSONNodeInfo2Dot1Metadata struct{}

type JSONNodeInfo2Dot1 struct {
	Version           string                    `json:"version"`
	Software          JSONNodeInfo2Dot1Software `json:"software"`
	Protocols         []string                  `json:"protocols"`
	Services          JSONNodeInfo2Dot1Services `json:"services"`
	OpenRegistrations bool                      `json:"openRegistrations"`
	Usage             JSONNodeInfo2Dot1Usage    `json:"usage"`
	Metadata          JSONNodeInfo2Dot1Metadata `json:"metadata"`
}

type XMLHostMetaLink struct {
	Rel      string `xml:"rel,attr"`
	Type     string `xml:"type,attr"`
	Template string `xml:"template,attr"`
}

type XMLHostMeta struct {
	XMLName xml.Name          `xml:"XRD"`
	Xmlns   string            `xml:"xmlns,attr"`
	Links   []XMLHostMetaLink `xml:"Link"`
}

// JSONActor - an outbound actor document.
type JSONActor struct {
	Context           json.RawMessage `json:"@context"`
	ID                string          `json:"id"`
	Type              string          `json:"type"`
	PreferredUsername string          `json:"preferredUsername"`
	Name              string          `json:"name,omitempty"`
	Summary           string          `json:"summary,omitempty"`
	URL               string          `json:"url,omitempty"`
	Discoverable      bool            `json:"discoverable"`
	Inbox             string          `json:"inbox"`
	Outbox            string          `json:"outbox,omitempty"`
	Followers         string          `json:"followers,omitempty"`
	Following         string          `json:"following,omitempty"`
	Endpoints         *JSONEndpoints  `json:"endpoints,omitempty"`
	PublicKey         JSONPublicKey   `json:"publicKey"`
}

// JSONMainKey - the actor document trimmed to what a key fetch needs.
type JSONMainKey struct {
	Context           json.RawMessage `json:"@context"`
	ID                string          `json:"id"`
	Type              string          `json:"type"`
	PreferredUsername string          `json:"preferredUsername"`
	PublicKey         JSONPublicKey   `json:"publicKey"`
}

// ActivityStreamsContext - the default outbound @context.
var ActivityStreamsContext = json.RawMessage(`["https://www.w3.org/ns/activitystreams","https://w3id.org/security/v1"]`)
