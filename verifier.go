package federation

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-fed/httpsig"
	"github.com/rs/zerolog"
	"github.com/usagipub/federation/lib/crypt"
)

// SignatureVerifier authenticates inbound requests by their HTTP
// signature and resolves the signing actor.
type SignatureVerifier struct {
	cfg      *Config
	log      *zerolog.Logger
	keys     *KeyCache
	actors   ActorStore
	resolver *ObjectResolver
}

func NewSignatureVerifier(cfg *Config, log *zerolog.Logger, keys *KeyCache, actors ActorStore, resolver *ObjectResolver) *SignatureVerifier {
	return &SignatureVerifier{
		cfg:      cfg,
		log:      log,
		keys:     keys,
		actors:   actors,
		resolver: resolver,
	}
}

// VerifyRequest authenticates a request and returns the signing actor.
// On verification failure against a known key the key is refetched once,
// so a legitimate key rotation does not bounce deliveries.
func (v *SignatureVerifier) VerifyRequest(c context.Context, r *http.Request) (*Actor, error) {
	verifier, err := httpsig.NewVerifier(r)
	if err != nil {
		return nil, WrapPermanent(CodeBadSignature, "missing or malformed signature", err)
	}

	// the signed host binds the signature to its destination; a request
	// captured for another server must not verify here
	if !strings.EqualFold(r.Host, v.cfg.Host) {
		return nil, Permanentf(CodeBadSignature, "request addressed to %q, not this server", r.Host)
	}

	keyID := verifier.KeyId()
	host, err := uriHost(keyID)
	if err != nil {
		return nil, Permanentf(CodeBadSignature, "invalid key id %q", keyID)
	}
	if v.cfg.IsBlockedHost(host) {
		return nil, Permanentf(CodeBlockedHost, "host %s is blocked", host)
	}

	actor, pem, err := v.lookupKey(c, keyID)
	if err != nil {
		return nil, err
	}

	if err := v.verifySignature(c, r, pem); err != nil {
		// the cached key may be stale after a rotation; refetch once
		actor, pem, err = v.refetchKey(c, keyID)
		if err != nil {
			return nil, err
		}
		if err := v.verifySignature(c, r, pem); err != nil {
			return nil, WrapPermanent(CodeBadSignature, "signature does not verify", err)
		}
	}

	if actor.Suspended {
		return nil, Permanentf(CodeSuspended, "actor %s is suspended", actor.URI)
	}
	if actor.Deleted {
		return nil, Permanentf(CodeSuspended, "actor %s is deleted", actor.URI)
	}
	return actor, nil
}

// AuthorizeFetch gates GET endpoints. With unsigned fetch allowed an
// unsigned request passes with a nil actor; otherwise a valid signature
// is required.
func (v *SignatureVerifier) AuthorizeFetch(c context.Context, r *http.Request) (*Actor, error) {
	if r.Header.Get("Signature") == "" && r.Header.Get("Authorization") == "" {
		if v.cfg.AllowUnsignedFetch {
			return nil, nil
		}
		return nil, Permanentf(CodeUnauthorized, "signed fetch required")
	}
	return v.VerifyRequest(c, r)
}

// lookupKey finds the public key for keyID: key cache, then known actors,
// then a fetch of the owner document.
func (v *SignatureVerifier) lookupKey(c context.Context, keyID string) (*Actor, string, error) {
	if cached, ok := v.keys.Get(keyID); ok {
		actor, err := v.ownerByURI(c, cached.OwnerURI)
		if err != nil {
			return nil, "", err
		}
		return actor, cached.PublicKeyPem, nil
	}

	actor, err := v.actors.FindByKeyID(c, keyID)
	if err == nil {
		v.keys.Put(keyID, actor.URI, actor.PublicKeyPem)
		return actor, actor.PublicKeyPem, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, "", fmt.Errorf("failed to find key owner: %w", err)
	}

	return v.fetchKey(c, keyID, false)
}

func (v *SignatureVerifier) refetchKey(c context.Context, keyID string) (*Actor, string, error) {
	v.keys.Invalidate(keyID)
	return v.fetchKey(c, keyID, true)
}

func (v *SignatureVerifier) fetchKey(c context.Context, keyID string, refresh bool) (*Actor, string, error) {
	ownerURI, _, _ := strings.Cut(keyID, "#")

	actor, err := v.resolver.ResolveActor(c, ownerURI, ResolveOpts{Refresh: refresh})
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve key owner: %w", err)
	}
	// the owner document must actually claim this key
	if actor.PublicKeyID != keyID {
		return nil, "", Permanentf(CodeBadSignature, "actor %s does not own key %s", actor.URI, keyID)
	}
	v.keys.Put(keyID, actor.URI, actor.PublicKeyPem)
	return actor, actor.PublicKeyPem, nil
}

func (v *SignatureVerifier) ownerByURI(c context.Context, ownerURI string) (*Actor, error) {
	actor, err := v.resolver.ResolveActor(c, ownerURI, ResolveOpts{})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve key owner: %w", err)
	}
	return actor, nil
}

// verifySignature checks the signature against the request as received
// and, failing that, against the path without its query string. Some
// implementations sign the bare path.
func (v *SignatureVerifier) verifySignature(c context.Context, r *http.Request, pem string) error {
	publicKey, err := crypt.ConvertPublicKey(pem)
	if err != nil {
		return WrapPermanent(CodeBadSignature, "unusable public key", err)
	}

	if err := verifyOnce(r, publicKey); err == nil {
		return nil
	}

	if r.URL.RawQuery == "" {
		return Permanentf(CodeBadSignature, "signature mismatch")
	}
	stripped := r.Clone(c)
	stripped.URL.RawQuery = ""
	if err := verifyOnce(stripped, publicKey); err != nil {
		return Permanentf(CodeBadSignature, "signature mismatch")
	}
	return nil
}

func verifyOnce(r *http.Request, publicKey crypto.PublicKey) error {
	// a fresh verifier per attempt; verifiers are single-shot
	verifier, err := httpsig.NewVerifier(r)
	if err != nil {
		return err
	}
	for _, algo := range []httpsig.Algorithm{httpsig.RSA_SHA256, httpsig.RSA_SHA512} {
		if err = verifier.Verify(publicKey, algo); err == nil {
			return nil
		}
	}
	return err
}
