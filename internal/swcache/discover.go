package swcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"
	"time"
)

// Sitemap reconciliation: URLs listed in the configured sitemaps are pulled
// into the dynamic store on a timer, so navigation has something to fall
// back to for pages nobody has visited yet.

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

func (e *Engine) discoverLoop() {
	initDelay := e.cfg.Discover.initialDelayDur
	period := e.cfg.Discover.everyDur

	if initDelay > 0 {
		select {
		case <-e.stopCh:
			return
		case <-time.After(initDelay):
		}
	}

	runOnce := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if e.lifecycle.State() != StateActive {
			return
		}
		urls, err := e.discoverURLs(ctx)
		if err != nil {
			log.Printf("swcache: discover: %v", err)
		}
		if len(urls) == 0 {
			return
		}
		stored, failed := e.cacheURLs(ctx, urls)
		log.Printf("swcache: discover: urls=%d stored=%d failed=%d", len(urls), stored, failed)
	}

	runOnce()
	if period <= 0 {
		return
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-t.C:
			runOnce()
		}
	}
}

// discoverURLs walks the configured sitemaps, following sitemap indexes, and
// returns the same-origin page URLs they list. On error the URLs found so far
// are returned with it.
func (e *Engine) discoverURLs(ctx context.Context) ([]string, error) {
	seenSitemaps := map[string]struct{}{}
	seenURLs := map[string]struct{}{}
	var out []string

	queue := make([]string, 0, len(e.cfg.Discover.Sitemaps))
	for _, sm := range e.cfg.Discover.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, e.cfg.ResolveURL(sm))
		}
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := e.fetchSitemap(ctx, smURL)
		if err != nil {
			return out, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, e.cfg.ResolveURL(nested))
			}
		}
		for _, loc := range doc.URLs {
			abs, ok := e.sameOrigin(loc)
			if !ok {
				continue
			}
			if _, dup := seenURLs[abs]; dup {
				continue
			}
			seenURLs[abs] = struct{}{}
			out = append(out, abs)
		}
	}
	return out, nil
}

func (e *Engine) sameOrigin(loc string) (string, bool) {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return "", false
	}
	abs := e.cfg.ResolveURL(loc)
	u, err := url.Parse(abs)
	if err != nil {
		return "", false
	}
	origin, err := url.Parse(e.cfg.Server.Origin)
	if err != nil || u.Host != origin.Host {
		return "", false
	}
	return abs, true
}

func (e *Engine) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := NewRequest(sitemapURL)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := fetchLive(ctx, e.fetcher, req, e.cfg.Fetch.timeoutDur)
	if err != nil {
		return sitemapDoc{}, err
	}
	if !resp.OK() {
		b := resp.Body
		if len(b) > 2048 {
			b = b[:2048]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	body := resp.Body
	// Servers may serve a .gz sitemap with or without Content-Encoding, so go
	// by the suffix or the gzip magic bytes.
	if strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}
