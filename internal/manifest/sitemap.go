package manifest

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// discoverPages walks the configured sitemaps, following nested sitemap
// indexes once each, and returns the same-origin page paths in document order.
func (p *HTTPProvider) discoverPages(ctx context.Context) ([]string, error) {
	seenSitemaps := map[string]struct{}{}
	seenPages := map[string]struct{}{}
	queue := make([]string, 0, len(p.sitemaps))
	for _, sm := range p.sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, sm)
		}
	}

	var pages []string
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return pages, err
		}

		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := p.fetchSitemap(ctx, smURL)
		if err != nil {
			return pages, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested = strings.TrimSpace(nested); nested != "" {
				queue = append(queue, nested)
			}
		}

		ignored := 0
		for _, loc := range doc.URLs {
			path := p.pathFromLoc(loc)
			if path == "" {
				ignored++
				continue
			}
			if _, ok := seenPages[path]; ok {
				continue
			}
			seenPages[path] = struct{}{}
			pages = append(pages, path)
		}
		p.log.Debug("sitemap read",
			zap.String("sitemap", smURL),
			zap.Int("urls", len(doc.URLs)),
			zap.Int("ignored", ignored),
		)
	}
	return pages, nil
}

func (p *HTTPProvider) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	ent, err := p.client.Get(ctx, sitemapURL, false)
	if err != nil {
		return sitemapDoc{}, err
	}
	if !ent.OK() {
		b := ent.Body
		if len(b) > 2048 {
			b = b[:2048]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", ent.Status, strings.TrimSpace(string(b)))
	}

	body := ent.Body
	// .gz sitemaps may arrive already decoded when the server also set
	// Content-Encoding, so trust the magic bytes over the suffix.
	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			defer gz.Close()
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	return doc, nil
}

// pathFromLoc turns a <loc> into a request path. Absolute locations on another
// host are dropped: they can never be served by this cache.
func (p *HTTPProvider) pathFromLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		base, err := url.Parse(p.client.Base())
		if err == nil && base.Host != "" && !strings.EqualFold(u.Host, base.Host) {
			return ""
		}
		if u.Path == "" {
			return "/"
		}
		return normalizePath(u.Path)
	}
	return normalizePath(loc)
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
