package federation

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ironstar-io/chizerolog"
	"github.com/rs/zerolog"
	"github.com/usagipub/federation/internal"
)

const InternalServerError = "internal server error"

// maxBodySize bounds an inbox delivery body.
const maxBodySize = 1 << 20

// Server

type Server struct {
	handler *Handler
	queue   *InboxQueue
	port    int
}

func NewServer(cfg *Config, handler *Handler, queue *InboxQueue) (*Server, error) {
	return &Server{
		handler: handler,
		queue:   queue,
		port:    cfg.Port,
	}, nil
}

func (s *Server) Start() error {
	s.queue.Start(context.Background())
	defer s.queue.Shutdown()

	addr := fmt.Sprintf(":%d", s.port)
	return http.ListenAndServe(addr, s.handler)
}

// handler

type Handler struct {
	cfg         *Config
	log         *zerolog.Logger
	urlResolver *URLResolver
	verifier    *SignatureVerifier
	queue       Queue
	actors      ActorStore
	follows     FollowStore
	router      chi.Router
}

func NewHandler(
	cfg *Config,
	log *zerolog.Logger,
	urlResolver *URLResolver,
	verifier *SignatureVerifier,
	queue Queue,
	actors ActorStore,
	follows FollowStore,
) *Handler {
	h := &Handler{
		cfg:         cfg,
		log:         log,
		urlResolver: urlResolver,
		verifier:    verifier,
		queue:       queue,
		actors:      actors,
		follows:     follows,
	}

	tracer := serverIOTracer{enable: false, log: log}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer, tracer.middleware, chizerolog.LoggerMiddleware(log))
	router.Get("/.well-known/host-meta", h.handleWellKnownHostMetaGet)
	router.Get("/.well-known/nodeinfo", h.handleWellKnownNodeInfoGet)
	router.Get("/nodeinfo/2.1", h.handleNodeInfo2Dot1Get)
	router.Get("/.well-known/webfinger", h.handleWellKnownWebfingerGet)
	router.Get("/u/{accountID}", h.handleUGet)
	router.Get("/u/{accountID}/main-key", h.handleUserMainKeyGet)
	router.Get("/u/{accountID}/followers", h.handleUserFollowersGet)
	router.Get("/u/{accountID}/following", h.handleUserFollowingGet)
	router.Post("/u/{accountID}/inbox", h.handleUserInboxPost)
	router.Post("/inbox", h.handleSharedInboxPost)

	h.router = router

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// GET /.well-known/host-meta
func (h *Handler) handleWellKnownHostMetaGet(w http.ResponseWriter, r *http.Request) {
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")

	w.Header().Set("Content-Type", "application/xrd+xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(xml.Header))
	enc.Encode(internal.XMLHostMeta{
		XMLName: xml.Name{
			Local: "XRD",
		},
		Xmlns: "http://docs.oasis-open.org/ns/xri/xrd-1.0",
		Links: []internal.XMLHostMetaLink{
			{
				Rel:  "lrdd",
				Type: "application/xrd+xml",
				Template: fmt.Sprintf("%s/.well-known/webfinger?resource={uri}",
					h.urlResolver.myURLPrefix()),
			},
		},
	})
}

// GET /.well-known/nodeinfo
func (h *Handler) handleWellKnownNodeInfoGet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(internal.JSONNodeInfo{
		Links: []internal.JSONNodeInfoLink{
			{
				Rel:  "http://nodeinfo.diaspora.software/ns/schema/2.1",
				Href: fmt.Sprintf("%s/nodeinfo/2.1", h.urlResolver.myURLPrefix()),
			},
		},
	})
}

// GET /nodeinfo/2.1
func (h *Handler) handleNodeInfo2Dot1Get(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(internal.JSONNodeInfo2Dot1{
		Version: "2.1",
		Software: internal.JSONNodeInfo2Dot1Software{
			Name:    h.cfg.SoftwareName,
			Version: "0.0.1",
		},
		Protocols: []string{
			"activitypub",
		},
		Services: internal.JSONNodeInfo2Dot1Services{
			Inbound:  []string{},
			Outbound: []string{},
		},
		OpenRegistrations: false,
		Usage:             internal.JSONNodeInfo2Dot1Usage{},
		Metadata:          internal.JSONNodeInfo2Dot1Metadata{},
	})
}

// GET /.well-known/webfinger
func (h *Handler) handleWellKnownWebfingerGet(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")

	addr, err := parseAcctScheme(resource)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if addr.host != "" && addr.host != h.cfg.Host {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	actor, err := h.actors.FindByUsername(r.Context(), addr.preferredUsername)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		h.catchError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/jrd+json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(internal.JSONWebfinger{
		Subject: resource,
		Links: []internal.JSONWebfingerLink{
			{
				Rel:  "self",
				Type: "application/activity+json",
				Href: h.urlResolver.resolveActorURL(actor.ID),
			},
		},
	})
}

// GET /u/{accountID}
//
// The actor document is an essential resource: it stays retrievable even
// when signed fetch is enforced, but unsigned requests get it trimmed to
// what key verification needs.
func (h *Handler) handleUGet(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.findLocalActor(w, r)
	if !ok {
		return
	}

	if _, err := h.verifier.AuthorizeFetch(r.Context(), r); err != nil {
		// unauthorized fetchers still get the key material
		h.writeMainKey(w, actor)
		return
	}

	w.Header().Set("Content-Type", "application/activity+json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(h.buildActorDocument(actor))
}

// GET /u/{accountID}/main-key
func (h *Handler) handleUserMainKeyGet(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.findLocalActor(w, r)
	if !ok {
		return
	}
	h.writeMainKey(w, actor)
}

// GET /u/{accountID}/followers
func (h *Handler) handleUserFollowersGet(w http.ResponseWriter, r *http.Request) {
	h.handleFollowCollection(w, r, "followers")
}

// GET /u/{accountID}/following
func (h *Handler) handleUserFollowingGet(w http.ResponseWriter, r *http.Request) {
	h.handleFollowCollection(w, r, "following")
}

func (h *Handler) handleFollowCollection(w http.ResponseWriter, r *http.Request, kind string) {
	actor, ok := h.findLocalActor(w, r)
	if !ok {
		return
	}

	if _, err := h.verifier.AuthorizeFetch(r.Context(), r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	total := 0
	if !actor.CollectionsHidden {
		followers, err := h.follows.ListFollowers(r.Context(), actor.ID)
		if err != nil {
			h.catchError(w, err)
			return
		}
		total = len(followers)
	}

	w.Header().Set("Content-Type", "application/activity+json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(internal.JSONObject{
		Context:    internal.ActivityStreamsContext,
		ID:         fmt.Sprintf("%s/%s", h.urlResolver.resolveActorURL(actor.ID), kind),
		Type:       "OrderedCollection",
		TotalItems: total,
	})
}

// POST /u/{accountID}/inbox
func (h *Handler) handleUserInboxPost(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.findLocalActor(w, r); !ok {
		return
	}
	h.receiveInbox(w, r)
}

// POST /inbox
func (h *Handler) handleSharedInboxPost(w http.ResponseWriter, r *http.Request) {
	h.receiveInbox(w, r)
}

// receiveInbox authenticates a delivery and hands it to the queue. The
// remote gets 202 as soon as the delivery is accepted; processing happens
// asynchronously.
func (h *Handler) receiveInbox(w http.ResponseWriter, r *http.Request) {
	c := r.Context()

	if h.cfg.FederationDisabled {
		http.Error(w, "federation is disabled", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if !checkDigest(r.Header.Get("Digest"), body) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sender, err := h.verifier.VerifyRequest(c, r)
	if err != nil {
		// no detail for the remote; the reason is in the log
		h.log.Debug().Err(err).Str("path", r.URL.Path).Msg("inbox delivery rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	obj, err := internal.DecodeObject(body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	job := &InboxJob{
		Sender:   sender,
		Activity: obj,
		Received: time.Now(),
	}
	if err := h.queue.Enqueue(c, job); err != nil {
		http.Error(w, "try again later", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) findLocalActor(w http.ResponseWriter, r *http.Request) (*Actor, bool) {
	accountID := chi.URLParam(r, "accountID")
	if accountID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return nil, false
	}

	actor, err := h.actors.Find(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return nil, false
		}
		h.catchError(w, err)
		return nil, false
	}
	if !actor.IsLocal() || actor.Deleted {
		http.Error(w, "not found", http.StatusNotFound)
		return nil, false
	}
	return actor, true
}

func (h *Handler) buildActorDocument(actor *Actor) *internal.JSONActor {
	actorURL := h.urlResolver.resolveActorURL(actor.ID)
	return &internal.JSONActor{
		Context:           internal.ActivityStreamsContext,
		ID:                actorURL,
		Type:              "Person",
		PreferredUsername: actor.Username,
		Name:              actor.DisplayName,
		Summary:           actor.Summary,
		Discoverable:      true,
		Inbox:             h.urlResolver.resolveInboxURL(actor.ID),
		Followers:         fmt.Sprintf("%s/followers", actorURL),
		Following:         fmt.Sprintf("%s/following", actorURL),
		Endpoints: &internal.JSONEndpoints{
			SharedInbox: h.urlResolver.resolveSharedInboxURL(),
		},
		PublicKey: internal.JSONPublicKey{
			ID:           h.urlResolver.resolveMainKeyURL(actor.ID),
			Owner:        actorURL,
			PublicKeyPem: actor.PublicKeyPem,
		},
	}
}

func (h *Handler) writeMainKey(w http.ResponseWriter, actor *Actor) {
	actorURL := h.urlResolver.resolveActorURL(actor.ID)

	w.Header().Set("Content-Type", "application/activity+json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(internal.JSONMainKey{
		Context:           internal.ActivityStreamsContext,
		ID:                actorURL,
		Type:              "Person",
		PreferredUsername: actor.Username,
		PublicKey: internal.JSONPublicKey{
			ID:           h.urlResolver.resolveMainKeyURL(actor.ID),
			Owner:        actorURL,
			PublicKeyPem: actor.PublicKeyPem,
		},
	})
}

func (h *Handler) catchError(w http.ResponseWriter, err error) {
	h.log.Error().Err(err).Send()
	http.Error(w, InternalServerError, http.StatusInternalServerError)
}

// checkDigest validates the Digest header against the body when present.
func checkDigest(header string, body []byte) bool {
	if header == "" {
		return true
	}
	algo, value, found := strings.Cut(header, "=")
	if !found || !strings.EqualFold(algo, "SHA-256") {
		// unsupported digest algorithms are not an auth failure
		return true
	}
	sum := sha256.Sum256(body)
	return base64.StdEncoding.EncodeToString(sum[:]) == value
}

// urlResolver

func NewURLResolver(cfg *Config) *URLResolver {
	return &URLResolver{
		host:  cfg.Host,
		https: cfg.Https,
	}
}

type URLResolver struct {
	host  string
	https bool
}

func (u *URLResolver) myURLPrefix() string {
	scheme := "http"
	if u.https {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, u.host)
}

func (u *URLResolver) resolveActorURL(accountID string) string {
	return fmt.Sprintf("%s/u/%s", u.myURLPrefix(), accountID)
}

func (u *URLResolver) resolveMainKeyURL(accountID string) string {
	return fmt.Sprintf("%s/u/%s/main-key", u.myURLPrefix(), accountID)
}

func (u *URLResolver) resolveInboxURL(accountID string) string {
	return fmt.Sprintf("%s/u/%s/inbox", u.myURLPrefix(), accountID)
}

func (u *URLResolver) resolveSharedInboxURL() string {
	return fmt.Sprintf("%s/inbox", u.myURLPrefix())
}

func (u *URLResolver) resolvePostURL(postID string) string {
	return fmt.Sprintf("%s/p/%s", u.myURLPrefix(), postID)
}

// isLocalURI - whether a URI is under this server's authority.
func (u *URLResolver) isLocalURI(uri string) bool {
	return strings.HasPrefix(uri, u.myURLPrefix()+"/")
}

// parseLocalActorURI - the account ID of a local actor URI, if it is one.
func (u *URLResolver) parseLocalActorURI(uri string) (string, bool) {
	return u.parseLocalPath(uri, "/u/")
}

// parseLocalPostURI - the post ID of a local post URI, if it is one.
func (u *URLResolver) parseLocalPostURI(uri string) (string, bool) {
	return u.parseLocalPath(uri, "/p/")
}

func (u *URLResolver) parseLocalPath(uri string, prefix string) (string, bool) {
	full := u.myURLPrefix() + prefix
	if !strings.HasPrefix(uri, full) {
		return "", false
	}
	id := strings.TrimPrefix(uri, full)
	if id == "" || strings.ContainsAny(id, "/#?") {
		return "", false
	}
	return id, true
}

// acct

type userAddr struct {
	preferredUsername string
	host              string
}

func parseAcctScheme(str string) (*userAddr, error) {
	prefix := "acct:"
	if !strings.HasPrefix(str, prefix) {
		return nil, fmt.Errorf("invalid acct: %s", str)
	}

	acctStr := strings.TrimPrefix(str, prefix)
	return parseUserAddr(acctStr)
}

func parseUserAddr(str string) (*userAddr, error) {
	acctStr := strings.TrimSuffix(str, "@")

	atIndex := strings.Index(acctStr, "@")
	if atIndex == -1 {
		return &userAddr{
			preferredUsername: acctStr,
		}, nil
	}

	return &userAddr{
		preferredUsername: acctStr[:atIndex],
		host:              acctStr[atIndex+1:],
	}, nil
}

type serverIOTracer struct {
	enable bool
	log    *zerolog.Logger
}

func (s *serverIOTracer) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.enable {
			body, _ := io.ReadAll(r.Body)
			r.Body.Close()
			br := bytes.NewReader(body)
			r.Body = io.NopCloser(br)

			header, _ := json.Marshal(r.Header)
			s.log.Trace().
				Str("path", r.URL.String()).
				RawJSON("header", header).
				Str("body", string(body)).
				Send()
		}

		next.ServeHTTP(w, r)
	})
}
