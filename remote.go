package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-fed/httpsig"
	"github.com/usagipub/federation/internal"
	"github.com/usagipub/federation/lib/crypt"
)

// RemoteServer performs all outbound federation HTTP: signed object
// fetches, webfinger discovery and inbox delivery. Every request carries a
// bounded timeout; exceeding it surfaces as a retryable error.
type RemoteServer struct {
	softwareName string
	cli          *http.Client
	urlResolver  *URLResolver
	timeout      time.Duration
}

func NewRemoteServer(cfg *Config, urlResolver *URLResolver) *RemoteServer {
	cli := &http.Client{}

	return &RemoteServer{
		softwareName: cfg.SoftwareName,
		cli:          cli,
		urlResolver:  urlResolver,
		timeout:      cfg.FetchTimeout,
	}
}

// GetObject fetches the canonical representation of a remote object with a
// signed GET.
func (s *RemoteServer) GetObject(c context.Context, signer *Actor, uri string) (*internal.JSONObject, error) {
	c, cancel := context.WithTimeout(c, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(c, http.MethodGet, uri, nil)
	if err != nil {
		return nil, Permanentf(CodeMalformed, "failed to create request: %v", err)
	}

	req.Header.Set("Accept", "application/activity+json")

	res, err := s.doSigned(signer, req, nil)
	if err != nil {
		return nil, WrapRetryable(CodeFetchFailed, "failed to get object", err)
	}

	defer drain(res)

	if res.StatusCode != http.StatusOK {
		return nil, statusToError("get object", res.StatusCode)
	}

	var obj internal.JSONObject
	if err := json.NewDecoder(res.Body).Decode(&obj); err != nil {
		return nil, Permanentf(CodeMalformed, "failed to decode object: %v", err)
	}

	return &obj, nil
}

func (s *RemoteServer) GetWebfinger(c context.Context, host string, resource string) (*internal.JSONWebfinger, error) {
	c, cancel := context.WithTimeout(c, s.timeout)
	defer cancel()

	uri := url.URL{
		Scheme: "https",
		Host:   host,
		Path:   ".well-known/webfinger",
		RawQuery: url.Values{
			"resource": []string{resource},
		}.Encode(),
	}

	req, err := http.NewRequestWithContext(c, http.MethodGet, uri.String(), nil)
	if err != nil {
		return nil, Permanentf(CodeMalformed, "failed to create request: %v", err)
	}
	req.Header.Set("User-Agent", s.softwareName)

	res, err := s.cli.Do(req)
	if err != nil {
		return nil, WrapRetryable(CodeFetchFailed, "failed to get webfinger", err)
	}

	defer drain(res)

	if res.StatusCode != http.StatusOK {
		return nil, statusToError("get webfinger", res.StatusCode)
	}

	var webfinger internal.JSONWebfinger
	if err := json.NewDecoder(res.Body).Decode(&webfinger); err != nil {
		return nil, Permanentf(CodeMalformed, "failed to decode webfinger: %v", err)
	}

	return &webfinger, nil
}

// PostInbox delivers an activity to a remote inbox, signed by the given
// local actor.
func (s *RemoteServer) PostInbox(c context.Context, signer *Actor, inboxURL string, bodyJSON any) error {
	c, cancel := context.WithTimeout(c, s.timeout)
	defer cancel()

	body, err := json.Marshal(bodyJSON)
	if err != nil {
		return Permanentf(CodeMalformed, "failed to marshal body: %v", err)
	}

	req, err := http.NewRequestWithContext(c, http.MethodPost, inboxURL, bytes.NewReader(body))
	if err != nil {
		return Permanentf(CodeMalformed, "failed to create request: %v", err)
	}

	req.Header.Set("Content-Type", "application/activity+json")

	res, err := s.doSigned(signer, req, body)
	if err != nil {
		return WrapRetryable(CodeFetchFailed, "failed to post inbox", err)
	}

	defer drain(res)

	if res.StatusCode >= http.StatusMultipleChoices {
		return statusToError("post inbox", res.StatusCode)
	}

	return nil
}

// ProbeAttachment checks a remote attachment is reachable and reports its
// media type. Media bytes are handled by the media subsystem, not here.
func (s *RemoteServer) ProbeAttachment(c context.Context, uri string) (string, error) {
	c, cancel := context.WithTimeout(c, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(c, http.MethodHead, uri, nil)
	if err != nil {
		return "", Permanentf(CodeMalformed, "failed to create request: %v", err)
	}
	req.Header.Set("User-Agent", s.softwareName)

	res, err := s.cli.Do(req)
	if err != nil {
		return "", WrapRetryable(CodeFetchFailed, "failed to probe attachment", err)
	}

	defer drain(res)

	if res.StatusCode != http.StatusOK {
		return "", statusToError("probe attachment", res.StatusCode)
	}

	return res.Header.Get("Content-Type"), nil
}

// VerifyLink fetches a profile-claimed page and checks it links back to
// the actor. Best-effort; callers treat failures as unverified, not fatal.
func (s *RemoteServer) VerifyLink(c context.Context, pageURL string, actorURI string) (bool, error) {
	c, cancel := context.WithTimeout(c, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(c, http.MethodGet, pageURL, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", s.softwareName)

	res, err := s.cli.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to get page: %w", err)
	}

	defer drain(res)

	if res.StatusCode != http.StatusOK {
		return false, nil
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return false, fmt.Errorf("failed to read page: %w", err)
	}

	return strings.Contains(string(body), actorURI), nil
}

// doSigned signs a request with the local actor's key per the signed-fetch
// contract: (request-target), host, date, plus digest for bodies.
func (s *RemoteServer) doSigned(signer *Actor, req *http.Request, body []byte) (*http.Response, error) {
	now := time.Now()
	// HTTP Date ヘッダーはGMT表記
	req.Header.Set("Date", now.UTC().Format("Mon, 02 Jan 2006 15:04:05")+" GMT")
	req.Header.Set("Host", req.Host)
	req.Header.Set("User-Agent", s.softwareName)

	prefs := []httpsig.Algorithm{httpsig.RSA_SHA256, httpsig.RSA_SHA512}
	digestAlgorithm := httpsig.DigestSha256
	headersToSign := []string{httpsig.RequestTarget, "host", "date"}
	if body != nil {
		headersToSign = append(headersToSign, "digest")
	}

	sg, _, err := httpsig.NewSigner(prefs, digestAlgorithm, headersToSign, httpsig.Signature, 30)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	privateKey, err := crypt.ConvertPrivateKey(signer.PrivateKeyPem)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	keyID := signer.PublicKeyID
	if keyID == "" {
		keyID = s.urlResolver.resolveMainKeyURL(signer.ID)
	}
	if err := sg.SignRequest(privateKey, keyID, req, body); err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	return s.cli.Do(req)
}

func drain(res *http.Response) {
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
}

// statusToError maps a remote status code into the error taxonomy: 404/410
// mean the object is gone for good, other 4xx mean the request was
// rejected, 5xx are worth retrying.
func statusToError(op string, code int) error {
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		return WrapPermanent(CodeNotFound, op, fmt.Errorf("status code %d", code))
	case code >= 400 && code < 500:
		return WrapPermanent(CodeFetchRejected, op, fmt.Errorf("status code %d", code))
	default:
		return WrapRetryable(CodeFetchFailed, op, fmt.Errorf("status code %d", code))
	}
}
