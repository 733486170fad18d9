package federation

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/usagipub/federation/internal"
)

func postInboxRequest(t *testing.T, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "http://example.test/inbox", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/activity+json")
	return req
}

func TestInboxRejectsUnsigned(t *testing.T) {
	env := newTestEnv(t, newFakeRemote())

	body := []byte(`{"id":"https://remote.test/a/1","type":"Create"}`)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, postInboxRequest(t, body))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestInboxRejectsDigestMismatch(t *testing.T) {
	env := newTestEnv(t, newFakeRemote())

	body := []byte(`{"id":"https://remote.test/a/1","type":"Create"}`)
	sum := sha256.Sum256([]byte("different body"))

	req := postInboxRequest(t, body)
	req.Header.Set("Digest", "SHA-256="+base64.StdEncoding.EncodeToString(sum[:]))

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestInboxFederationDisabled(t *testing.T) {
	env := newTestEnv(t, newFakeRemote())
	env.cfg.FederationDisabled = true

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, postInboxRequest(t, []byte(`{}`)))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestInboxAcceptsSignedDelivery(t *testing.T) {
	env := newTestEnv(t, newFakeRemote())
	alice := seedSigningActor(t, env, env.remoteURL, "alice")

	activity := map[string]any{
		"id":     env.remoteURL + "/a/1",
		"type":   "Create",
		"actor":  alice.URI,
		"object": map[string]any{"id": env.remoteURL + "/p/1", "type": "Note"},
	}
	body, _ := json.Marshal(activity)

	req := postInboxRequest(t, body)
	signTestRequest(t, alice, req, body)

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	if got := len(env.queue.jobs); got != 1 {
		t.Errorf("queued jobs = %d, want 1", got)
	}
}

func TestInboxShedsLoadWhenQueueFull(t *testing.T) {
	env := newTestEnv(t, newFakeRemote())
	alice := seedSigningActor(t, env, env.remoteURL, "alice")

	// fill the queue without starting workers
	for {
		if err := env.queue.Enqueue(context.Background(), &InboxJob{}); err != nil {
			break
		}
	}

	body, _ := json.Marshal(map[string]any{
		"id":    env.remoteURL + "/a/1",
		"type":  "Create",
		"actor": alice.URI,
	})
	req := postInboxRequest(t, body)
	signTestRequest(t, alice, req, body)

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestWebfinger(t *testing.T) {
	env := newTestEnv(t, nil)
	carol := env.addLocalActor(t, "carol")

	target := "http://example.test/.well-known/webfinger?resource=" +
		url.QueryEscape("acct:carol@example.test")
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var jrd internal.JSONWebfinger
	if err := json.Unmarshal(rec.Body.Bytes(), &jrd); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	wantHref := "http://example.test/u/" + carol.ID
	found := false
	for _, link := range jrd.Links {
		if link.Rel == "self" && link.Href == wantHref {
			found = true
		}
	}
	if !found {
		t.Errorf("no self link to %s in %+v", wantHref, jrd.Links)
	}
}

func TestWebfingerUnknownUser(t *testing.T) {
	env := newTestEnv(t, nil)

	target := "http://example.test/.well-known/webfinger?resource=" +
		url.QueryEscape("acct:nobody@example.test")
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestActorDocument(t *testing.T) {
	env := newTestEnv(t, nil)
	carol := env.addLocalActor(t, "carol")

	req := httptest.NewRequest(http.MethodGet, "http://example.test/u/"+carol.ID, nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var doc internal.JSONActor
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if doc.Type != "Person" {
		t.Errorf("type = %q, want Person", doc.Type)
	}
	if doc.PreferredUsername != "carol" {
		t.Errorf("preferredUsername = %q, want carol", doc.PreferredUsername)
	}
	if doc.PublicKey.PublicKeyPem != carol.PublicKeyPem {
		t.Error("public key does not match the stored actor")
	}
	if doc.Endpoints == nil || doc.Endpoints.SharedInbox != "http://example.test/inbox" {
		t.Errorf("sharedInbox endpoint missing or wrong: %+v", doc.Endpoints)
	}
}

// With signed fetch enforced, an unsigned request still gets the actor's
// key material but nothing else.
func TestActorDocumentRedactedWhenUnsigned(t *testing.T) {
	env := newTestEnv(t, nil)
	env.cfg.AllowUnsignedFetch = false
	carol := env.addLocalActor(t, "carol")

	req := httptest.NewRequest(http.MethodGet, "http://example.test/u/"+carol.ID, nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if strings.Contains(rec.Body.String(), `"inbox"`) {
		t.Error("redacted document still carries the inbox")
	}
	var doc internal.JSONMainKey
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if doc.PublicKey.PublicKeyPem != carol.PublicKeyPem {
		t.Error("redacted document lost the public key")
	}
}

func TestFollowersCollectionUnsigned(t *testing.T) {
	env := newTestEnv(t, nil)
	env.cfg.AllowUnsignedFetch = false
	carol := env.addLocalActor(t, "carol")

	req := httptest.NewRequest(http.MethodGet,
		"http://example.test/u/"+carol.ID+"/followers", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestFollowersCollectionHidesCounts(t *testing.T) {
	env := newTestEnv(t, nil)
	carol := env.addLocalActor(t, "carol")
	carol.CollectionsHidden = true
	if err := env.actors.Update(context.Background(), carol); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := env.follows.Follow(context.Background(), "someone", carol.ID, "", FollowStatusFollowing); err != nil {
		t.Fatalf("Follow() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet,
		"http://example.test/u/"+carol.ID+"/followers", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var col internal.JSONObject
	if err := json.Unmarshal(rec.Body.Bytes(), &col); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if col.TotalItems != 0 {
		t.Errorf("totalItems = %d, want 0 for hidden collections", col.TotalItems)
	}
}

func TestNodeInfo(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "http://example.test/.well-known/nodeinfo", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "/nodeinfo/2.1") {
		t.Error("discovery document does not point at /nodeinfo/2.1")
	}

	req = httptest.NewRequest(http.MethodGet, "http://example.test/nodeinfo/2.1", nil)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"activitypub"`) {
		t.Error("nodeinfo does not list the activitypub protocol")
	}
}

func TestCheckDigest(t *testing.T) {
	body := []byte("hello")
	sum := sha256.Sum256(body)
	good := "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])

	if !checkDigest("", body) {
		t.Error("missing digest header must pass")
	}
	if !checkDigest("SHA-512=whatever", body) {
		t.Error("unsupported algorithm must pass")
	}
	if !checkDigest(good, body) {
		t.Error("matching digest rejected")
	}
	if checkDigest(good, []byte("tampered")) {
		t.Error("mismatching digest accepted")
	}
}

func TestParseLocalURIs(t *testing.T) {
	u := NewURLResolver(testConfig())

	if id, ok := u.parseLocalActorURI("http://example.test/u/abc"); !ok || id != "abc" {
		t.Errorf("parseLocalActorURI = %q, %v", id, ok)
	}
	if _, ok := u.parseLocalActorURI("http://example.test/u/abc/inbox"); ok {
		t.Error("nested path accepted as actor URI")
	}
	if _, ok := u.parseLocalActorURI("https://other.example/u/abc"); ok {
		t.Error("foreign URI accepted as local")
	}
	if id, ok := u.parseLocalPostURI("http://example.test/p/123"); !ok || id != "123" {
		t.Errorf("parseLocalPostURI = %q, %v", id, ok)
	}
}
