package federation

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/go-fed/httpsig"
	"github.com/usagipub/federation/lib/crypt"
)

func seedSigningActor(t *testing.T, env *testEnv, base string, username string) *Actor {
	t.Helper()

	key, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	actor := seedRemoteActor(t, env, base, username)
	actor.PublicKeyID = actor.URI + "#main-key"
	actor.PublicKeyPem = key.public
	actor.PrivateKeyPem = key.private
	if err := env.actors.Update(context.Background(), actor); err != nil {
		t.Fatalf("failed to update actor: %v", err)
	}
	return actor
}

func signTestRequest(t *testing.T, actor *Actor, req *http.Request, body []byte) {
	t.Helper()

	req.Header.Set("Date", time.Now().UTC().Format("Mon, 02 Jan 2006 15:04:05")+" GMT")
	req.Host = req.URL.Host
	req.Header.Set("Host", req.Host)

	headersToSign := []string{httpsig.RequestTarget, "host", "date"}
	if body != nil {
		headersToSign = append(headersToSign, "digest")
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256}, httpsig.DigestSha256,
		headersToSign, httpsig.Signature, 30)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	privateKey, err := crypt.ConvertPrivateKey(actor.PrivateKeyPem)
	if err != nil {
		t.Fatalf("failed to parse key: %v", err)
	}
	if err := signer.SignRequest(privateKey, actor.PublicKeyID, req, body); err != nil {
		t.Fatalf("failed to sign request: %v", err)
	}
}

func TestVerifyRequest(t *testing.T) {
	env := newTestEnv(t, newFakeRemote())
	alice := seedSigningActor(t, env, env.remoteURL, "alice")

	req, _ := http.NewRequest(http.MethodPost, "http://example.test/inbox", nil)
	signTestRequest(t, alice, req, nil)

	sender, err := env.verifier.VerifyRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("VerifyRequest() error = %v", err)
	}
	if sender.ID != alice.ID {
		t.Errorf("sender = %q, want %q", sender.ID, alice.ID)
	}
}

func TestVerifyRequestTampered(t *testing.T) {
	remote := newFakeRemote()
	env := newTestEnv(t, remote)
	alice := seedSigningActor(t, env, env.remoteURL, "alice")

	// the refetch after the first failure must find the same key
	doc := remoteActorDoc(env.remoteURL, "alice")
	doc["publicKey"] = map[string]any{
		"id":           alice.PublicKeyID,
		"owner":        alice.URI,
		"publicKeyPem": alice.PublicKeyPem,
	}
	remote.set("/u/alice", doc)

	req, _ := http.NewRequest(http.MethodPost, "http://example.test/inbox", nil)
	signTestRequest(t, alice, req, nil)
	req.Header.Set("Date", time.Now().Add(time.Hour).UTC().Format("Mon, 02 Jan 2006 15:04:05")+" GMT")

	_, err := env.verifier.VerifyRequest(context.Background(), req)
	if ErrorCode(err) != CodeBadSignature {
		t.Fatalf("VerifyRequest() error = %v, want code %s", err, CodeBadSignature)
	}
}

func TestVerifyRequestUnsigned(t *testing.T) {
	env := newTestEnv(t, newFakeRemote())

	req, _ := http.NewRequest(http.MethodPost, "http://example.test/inbox", nil)

	_, err := env.verifier.VerifyRequest(context.Background(), req)
	if ErrorCode(err) != CodeBadSignature {
		t.Fatalf("VerifyRequest() error = %v, want code %s", err, CodeBadSignature)
	}
}

// Some implementations sign the path without the query string; the
// verifier must accept that spelling.
func TestVerifyRequestQueryStringFallback(t *testing.T) {
	env := newTestEnv(t, newFakeRemote())
	alice := seedSigningActor(t, env, env.remoteURL, "alice")

	// signature computed over the bare path
	signedReq, _ := http.NewRequest(http.MethodPost, "http://example.test/inbox", nil)
	signTestRequest(t, alice, signedReq, nil)

	// delivered with a query string attached
	req, _ := http.NewRequest(http.MethodPost, "http://example.test/inbox?cached=1", nil)
	req.Host = req.URL.Host
	req.Header = signedReq.Header.Clone()

	sender, err := env.verifier.VerifyRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("VerifyRequest() error = %v", err)
	}
	if sender.ID != alice.ID {
		t.Errorf("sender = %q, want %q", sender.ID, alice.ID)
	}
}

// A signature captured for a delivery to another server must not verify
// when replayed here.
func TestVerifyRequestForeignDestination(t *testing.T) {
	env := newTestEnv(t, newFakeRemote())
	alice := seedSigningActor(t, env, env.remoteURL, "alice")

	req, _ := http.NewRequest(http.MethodPost, "http://other.example/inbox", nil)
	signTestRequest(t, alice, req, nil)

	_, err := env.verifier.VerifyRequest(context.Background(), req)
	if ErrorCode(err) != CodeBadSignature {
		t.Fatalf("VerifyRequest() error = %v, want code %s", err, CodeBadSignature)
	}
}

func TestVerifyRequestSuspendedActor(t *testing.T) {
	env := newTestEnv(t, newFakeRemote())
	alice := seedSigningActor(t, env, env.remoteURL, "alice")
	alice.Suspended = true
	if err := env.actors.Update(context.Background(), alice); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	req, _ := http.NewRequest(http.MethodPost, "http://example.test/inbox", nil)
	signTestRequest(t, alice, req, nil)

	_, err := env.verifier.VerifyRequest(context.Background(), req)
	if ErrorCode(err) != CodeSuspended {
		t.Fatalf("VerifyRequest() error = %v, want code %s", err, CodeSuspended)
	}
}

func TestVerifyRequestBlockedHost(t *testing.T) {
	env := newTestEnv(t, newFakeRemote())
	alice := seedSigningActor(t, env, env.remoteURL, "alice")
	env.cfg.BlockedHosts = []string{env.remoteHost}

	req, _ := http.NewRequest(http.MethodPost, "http://example.test/inbox", nil)
	signTestRequest(t, alice, req, nil)

	_, err := env.verifier.VerifyRequest(context.Background(), req)
	if ErrorCode(err) != CodeBlockedHost {
		t.Fatalf("VerifyRequest() error = %v, want code %s", err, CodeBlockedHost)
	}
}

// A key unknown locally is fetched from the owner's document.
func TestVerifyRequestFetchesKey(t *testing.T) {
	remote := newFakeRemote()
	env := newTestEnv(t, remote)
	base := env.remoteURL

	key, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	doc := remoteActorDoc(base, "alice")
	doc["publicKey"] = map[string]any{
		"id":           base + "/u/alice#main-key",
		"owner":        base + "/u/alice",
		"publicKeyPem": key.public,
	}
	remote.set("/u/alice", doc)

	signer := &Actor{
		PublicKeyID:   base + "/u/alice#main-key",
		PrivateKeyPem: key.private,
	}
	req, _ := http.NewRequest(http.MethodPost, "http://example.test/inbox", nil)
	signTestRequest(t, signer, req, nil)

	sender, err := env.verifier.VerifyRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("VerifyRequest() error = %v", err)
	}
	if sender.URI != base+"/u/alice" {
		t.Errorf("sender URI = %q, want %q", sender.URI, base+"/u/alice")
	}
}

// A known but outdated key triggers exactly one refetch before rejecting.
func TestVerifyRequestStaleKeyRefetch(t *testing.T) {
	remote := newFakeRemote()
	env := newTestEnv(t, remote)
	base := env.remoteURL

	key, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	alice := seedRemoteActor(t, env, base, "alice")
	alice.PublicKeyID = base + "/u/alice#main-key"
	alice.PublicKeyPem = "-----BEGIN PUBLIC KEY-----\nb3V0ZGF0ZWQ=\n-----END PUBLIC KEY-----"
	if err := env.actors.Update(context.Background(), alice); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	doc := remoteActorDoc(base, "alice")
	doc["publicKey"] = map[string]any{
		"id":           alice.PublicKeyID,
		"owner":        alice.URI,
		"publicKeyPem": key.public,
	}
	remote.set("/u/alice", doc)

	signer := &Actor{PublicKeyID: alice.PublicKeyID, PrivateKeyPem: key.private}
	req, _ := http.NewRequest(http.MethodPost, "http://example.test/inbox", nil)
	signTestRequest(t, signer, req, nil)

	sender, err := env.verifier.VerifyRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("VerifyRequest() error = %v", err)
	}
	if sender.URI != alice.URI {
		t.Errorf("sender URI = %q, want %q", sender.URI, alice.URI)
	}
	if remote.fetches.Load() == 0 {
		t.Error("stale key was not refetched")
	}
}
