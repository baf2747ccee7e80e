// Package origin talks to the upstream server on behalf of the cache.
package origin

import (
	"context"
	"errors"
	"hash/crc32"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cachegen/internal/faults"
	"cachegen/internal/store"
)

// hop-by-hop headers never cross the proxy
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Fetcher performs a GET against the origin for the request URI of r.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (store.Entry, error)
}

type Client struct {
	base string
	http *http.Client
}

var _ Fetcher = (*Client)(nil)

// New returns a client for base (scheme://host[:port], no trailing slash).
// A nil hc gets a 30s timeout client.
func New(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: strings.TrimRight(base, "/"), http: hc}
}

func (c *Client) Base() string { return c.base }

// URL resolves a request URI ("/path?query") against the origin. Absolute
// URLs are returned unchanged.
func (c *Client) URL(uri string) string {
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		return uri
	}
	if !strings.HasPrefix(uri, "/") {
		uri = "/" + uri
	}
	return c.base + uri
}

// Fetch re-issues r as a GET against the origin, carrying r's headers.
func (c *Client) Fetch(ctx context.Context, r *http.Request) (store.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(r.URL.RequestURI()), nil)
	if err != nil {
		return store.Entry{}, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")
	return c.do(req)
}

// Get fetches uri. With fresh set, every intermediate cache is told to
// revalidate; the version descriptor and precache seeding use it.
func (c *Client) Get(ctx context.Context, uri string, fresh bool) (store.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(uri), nil)
	if err != nil {
		return store.Entry{}, err
	}
	req.Header.Set("Accept-Encoding", "identity")
	if fresh {
		req.Header.Set("Cache-Control", "no-cache, no-store")
		req.Header.Set("Pragma", "no-cache")
	}
	return c.do(req)
}

// Forward replays r unmodified: same method, body and headers. Absolute-form
// requests for another host go to that host, everything else to the origin.
func (c *Client) Forward(ctx context.Context, r *http.Request) (store.Entry, error) {
	target := c.URL(r.URL.RequestURI())
	if r.URL.IsAbs() {
		target = r.URL.String()
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		return store.Entry{}, err
	}
	req.ContentLength = r.ContentLength
	copyHeaders(req.Header, r.Header)
	return c.do(req)
}

func (c *Client) do(req *http.Request) (store.Entry, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return store.Entry{}, classify(err, req.URL.String())
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return store.Entry{}, classify(err, req.URL.String())
	}

	ent := store.Entry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	ent.Header.Del("Content-Length")
	for _, h := range hopHeaders {
		ent.Header.Del(h)
	}
	return ent, nil
}

func classify(err error, url string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return faults.Timeout("GET " + url)
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return faults.Timeout("GET " + url)
	}
	return faults.Network(err, url)
}

// Cacheable reports whether a fetched response may be written to a generation
// at runtime: a 2xx the origin did not mark no-store.
func Cacheable(ent store.Entry) bool {
	if !ent.OK() {
		return false
	}
	cc := strings.ToLower(ent.Header.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store")
}

// Write copies ent to w. Headers already set on w are kept.
func Write(w http.ResponseWriter, ent store.Entry) {
	for k, vs := range ent.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(ent.Body)))
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
