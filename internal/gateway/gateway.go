// Package gateway wraps every outbound API call with a deadline, the session credentials and
// a uniform error classification.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
	"golang.org/x/net/publicsuffix"
)

const DefaultDeadline = 4000 * time.Millisecond

const (
	defaultConnectTimeout = 5 * time.Second
	defaultTLSTimeout     = 5 * time.Second
)

const RequestIDHeader = "X-Request-Id"

type Config struct {
	BaseURL string
	// Token is sent as a Bearer credential when set.
	Token    string
	Deadline time.Duration
	// Transport overrides the default dialer-limited transport (tests).
	Transport http.RoundTripper
}

// Request describes a single call. Body is JSON encoded unless it is already []byte.
type Request struct {
	Method      string
	Path        string
	Body        any
	ContentType string
	Deadline    time.Duration
	// Messages overrides the user facing message per HTTP status.
	Messages map[int]string
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// JSON decodes the response body into v.
func (r *Response) JSON(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

type Gateway struct {
	ctx    context.Context
	cancel context.CancelFunc

	base     *url.URL
	token    string
	deadline time.Duration
	client   *http.Client
}

func New(ctx context.Context, cfg Config) (*Gateway, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("server url must be absolute: %q", cfg.BaseURL)
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}

	transport := cfg.Transport
	if transport == nil {
		dialer := &net.Dialer{
			Timeout: defaultConnectTimeout,
		}
		transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: defaultTLSTimeout,
		}
	}

	deadline := cfg.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	return &Gateway{
		ctx:      cancelCtx,
		cancel:   cancel,
		base:     base,
		token:    strings.TrimSpace(cfg.Token),
		deadline: deadline,
		// No client timeout: the per-call deadline only stops the caller's wait.
		client: &http.Client{
			Transport: transport,
			Jar:       jar,
		},
	}, nil
}

// Close aborts requests that are still running after their deadline expired.
func (g *Gateway) Close() {
	g.cancel()
}

func (g *Gateway) BaseURL() string { return g.base.String() }

// URL resolves an API path against the server base url.
func (g *Gateway) URL(path string) string {
	return g.base.String() + "/" + strings.TrimLeft(path, "/")
}

// StreamClient shares the transport and cookie jar for long lived push streams.
func (g *Gateway) StreamClient() *http.Client {
	return &http.Client{
		Transport: g.client.Transport,
		Jar:       g.client.Jar,
	}
}

// AuthHeaders returns the headers every request carries besides cookies.
func (g *Gateway) AuthHeaders() map[string]string {
	h := map[string]string{}
	if g.token != "" {
		h["Authorization"] = "Bearer " + g.token
	}
	return h
}

type result struct {
	resp *Response
	err  error
}

// Send performs req and waits at most its deadline for the outcome.
//
// When the deadline fires first the call keeps running on the gateway's own context and its
// late result is discarded. Callers filter duplicates by request id, so this leak is bounded by
// the deadline and harmless for the idempotent PUT/DELETE endpoints.
func (g *Gateway) Send(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := g.newRequest(req)
	if err != nil {
		return nil, err
	}
	rid := httpReq.Header.Get(RequestIDHeader)

	deadline := req.Deadline
	if deadline <= 0 {
		deadline = g.deadline
	}

	done := make(chan result, 1)
	started := time.Now()
	go func() {
		resp, err := g.do(httpReq)
		done <- result{resp: resp, err: err}
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			glog.V(1).Infof("%s %s %s: transport error after %s: %v", rid, req.Method, req.Path, time.Since(started), r.err)
			return nil, &Error{Kind: KindUnknown, Message: message(req, KindUnknown, 0), Err: r.err}
		}
		glog.V(1).Infof("%s %s %s: %d in %s", rid, req.Method, req.Path, r.resp.Status, time.Since(started))
		if r.resp.Status < 200 || r.resp.Status > 299 {
			kind := classify(r.resp.Status)
			return r.resp, &Error{
				Kind:    kind,
				Status:  r.resp.Status,
				Message: message(req, kind, r.resp.Status),
				Err:     bodyError(r.resp.Body),
			}
		}
		return r.resp, nil
	case <-timer.C:
		glog.V(1).Infof("%s %s %s: deadline %s reached", rid, req.Method, req.Path, deadline)
		return nil, &Error{Kind: KindTimeout, Message: message(req, KindTimeout, 0), Err: context.DeadlineExceeded}
	case <-ctx.Done():
		return nil, &Error{Kind: KindTimeout, Message: message(req, KindTimeout, 0), Err: ctx.Err()}
	}
}

func (g *Gateway) newRequest(req Request) (*http.Request, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	contentType := req.ContentType
	switch b := req.Body.(type) {
	case nil:
	case []byte:
		body = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s body: %w", method, req.Path, err)
		}
		body = bytes.NewReader(raw)
		if contentType == "" {
			contentType = "application/json"
		}
	}

	httpReq, err := http.NewRequestWithContext(g.ctx, method, g.URL(req.Path), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range g.AuthHeaders() {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set(RequestIDHeader, ulid.Make().String())
	return httpReq, nil
}

func (g *Gateway) do(req *http.Request) (*Response, error) {
	r, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	return &Response{Status: r.StatusCode, Header: r.Header, Body: raw}, nil
}

func message(req Request, kind Kind, status int) string {
	if msg, ok := req.Messages[status]; ok && status != 0 {
		return msg
	}
	return defaultMessage(kind, status)
}

// bodyError keeps a short server supplied reason, if any, for logs.
func bodyError(body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return nil
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return fmt.Errorf("%s", msg)
}
