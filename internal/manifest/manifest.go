// Package manifest fetches the deployment manifest (the assets to precache and
// the version they belong to) and the always-fresh version descriptor.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"cachegen/internal/faults"
	"cachegen/internal/origin"
)

// Asset is one precached resource. A non-empty Revision pins it: the cached
// copy is authoritative for the whole generation.
type Asset struct {
	Path     string
	Revision string
}

func (a Asset) Pinned() bool { return a.Revision != "" }

// Manifest is the document the build publishes for one deployment.
type Manifest struct {
	Version     string            `json:"version"`
	Build       []string          `json:"build"`
	Files       []string          `json:"files"`
	Prerendered []string          `json:"prerendered"`
	Revisions   map[string]string `json:"revisions,omitempty"`
}

// Assets returns build, files and prerendered pages in that order without
// duplicates. Build outputs are pinned to the version, static files only
// when listed in Revisions, pre-rendered pages never.
func (m Manifest) Assets() []Asset {
	revs := make(map[string]string, len(m.Revisions))
	for p, rev := range m.Revisions {
		if p = normalizePath(p); p != "" {
			revs[p] = rev
		}
	}
	seen := map[string]struct{}{}
	out := make([]Asset, 0, len(m.Build)+len(m.Files)+len(m.Prerendered))
	add := func(p, rev string) {
		p = normalizePath(p)
		if p == "" {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, Asset{Path: p, Revision: rev})
	}
	for _, p := range m.Build {
		rev := revs[normalizePath(p)]
		if rev == "" {
			rev = m.Version
		}
		add(p, rev)
	}
	for _, p := range m.Files {
		add(p, revs[normalizePath(p)])
	}
	for _, p := range m.Prerendered {
		add(p, "")
	}
	return out
}

func (m Manifest) Validate() error {
	if strings.TrimSpace(m.Version) == "" {
		return faults.Invalid("manifest has no version")
	}
	return nil
}

// PathMatcher selects a namespace of request paths.
type PathMatcher interface {
	Match(path string) bool
}

// Provider supplies the manifest of the current deployment.
type Provider interface {
	Manifest(ctx context.Context) (Manifest, error)
}

// VersionSource reports the latest published version. Implementations must
// never answer from a cache.
type VersionSource interface {
	LatestVersion(ctx context.Context) (string, error)
}

type versionDoc struct {
	Version string `json:"version"`
}

// HTTPProvider reads both documents from the origin.
type HTTPProvider struct {
	client       *origin.Client
	manifestPath string
	versionPath  string
	sitemaps     []string
	log          *zap.Logger
}

var (
	_ Provider      = (*HTTPProvider)(nil)
	_ VersionSource = (*HTTPProvider)(nil)
)

type HTTPOptions struct {
	ManifestPath string
	VersionPath  string
	// Sitemaps are crawled on every Manifest call; their pages are added to
	// the pre-rendered set.
	Sitemaps []string
	Logger   *zap.Logger
}

func NewHTTPProvider(client *origin.Client, opts HTTPOptions) *HTTPProvider {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPProvider{
		client:       client,
		manifestPath: opts.ManifestPath,
		versionPath:  opts.VersionPath,
		sitemaps:     opts.Sitemaps,
		log:          log.Named("manifest"),
	}
}

func (p *HTTPProvider) Manifest(ctx context.Context) (Manifest, error) {
	var m Manifest
	if err := p.getJSON(ctx, p.manifestPath, &m); err != nil {
		return Manifest{}, fmt.Errorf("manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	if len(p.sitemaps) > 0 {
		pages, err := p.discoverPages(ctx)
		if err != nil {
			return Manifest{}, fmt.Errorf("manifest sitemaps: %w", err)
		}
		m.Prerendered = append(m.Prerendered, pages...)
	}
	return m, nil
}

// LatestVersion fetches the version descriptor with a cache-busting query so
// no intermediate cache can answer it.
func (p *HTTPProvider) LatestVersion(ctx context.Context) (string, error) {
	var doc versionDoc
	if err := p.getJSON(ctx, cacheBust(p.versionPath), &doc); err != nil {
		return "", fmt.Errorf("version: %w", err)
	}
	if doc.Version == "" {
		return "", faults.Invalid("version descriptor has no version")
	}
	return doc.Version, nil
}

func (p *HTTPProvider) getJSON(ctx context.Context, uri string, v any) error {
	ent, err := p.client.Get(ctx, uri, true)
	if err != nil {
		return err
	}
	if !ent.OK() {
		return faults.NotFound("GET %s: unexpected status %d", uri, ent.Status)
	}
	if err := json.Unmarshal(ent.Body, v); err != nil {
		return faults.Invalid("GET %s: %v", uri, err)
	}
	return nil
}

func cacheBust(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	q := u.Query()
	q.Set("_cb", strconv.FormatInt(time.Now().UnixNano(), 10))
	u.RawQuery = q.Encode()
	return u.String()
}

// RedisVersions reads the latest version from a key the deploy pipeline
// writes.
type RedisVersions struct {
	rdb redis.UniversalClient
	key string
}

var _ VersionSource = (*RedisVersions)(nil)

func NewRedisVersions(rdb redis.UniversalClient, key string) *RedisVersions {
	return &RedisVersions{rdb: rdb, key: key}
}

func (r *RedisVersions) LatestVersion(ctx context.Context) (string, error) {
	v, err := r.rdb.Get(ctx, r.key).Result()
	if err == redis.Nil {
		return "", faults.NotFound("version key %q is not set", r.key)
	}
	if err != nil {
		return "", faults.Network(err, "redis://"+r.key)
	}
	return strings.TrimSpace(v), nil
}

func (r *RedisVersions) Close() error { return r.rdb.Close() }
