package swcache

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/singleflight"
)

// FallbackStep is one link of a tier's fallback chain. Steps run in order
// until one produces a response.
type FallbackStep int

const (
	// StepFreshCache serves the tier's store entry only while it is within TTL.
	StepFreshCache FallbackStep = iota
	// StepCache serves the tier's store entry regardless of age.
	StepCache
	// StepNetwork fetches live. Any completed fetch ends the chain; 2xx
	// responses are written to the tier's store first.
	StepNetwork
	// StepStaleCache serves the tier's store entry tagged as stale.
	StepStaleCache
	// StepAltStore serves the dynamic store's entry for the same request.
	StepAltStore
	// StepRootCache serves the dynamic store's entry for the app root.
	StepRootCache
	StepOfflineError
	StepOfflinePage
	StepGatewayError
)

func (s FallbackStep) String() string {
	switch s {
	case StepFreshCache:
		return "fresh-cache"
	case StepCache:
		return "cache"
	case StepNetwork:
		return "network"
	case StepStaleCache:
		return "stale-cache"
	case StepAltStore:
		return "dynamic-cache"
	case StepRootCache:
		return "root-cache"
	case StepOfflineError:
		return "offline-error"
	case StepOfflinePage:
		return "offline-page"
	case StepGatewayError:
		return "gateway-error"
	}
	return "unknown"
}

// TierPolicy is the immutable caching policy of one tier.
type TierPolicy struct {
	Tier Tier
	// Cached tiers read and write Store; others never touch any store.
	Cached bool
	Store  StoreKind
	TTL    time.Duration
	// MaxEntries bounds Store; the oldest entries go first. Zero is unbounded.
	MaxEntries int
	Fallback   []FallbackStep
	// Coalesce shares one live fetch between concurrent resolutions of a key.
	Coalesce bool
	// OfflineError is the JSON body of StepOfflineError.
	OfflineError map[string]string
}

func tierPolicies(cfg *Config) (cached map[Tier]TierPolicy, liveApi TierPolicy) {
	cached = map[Tier]TierPolicy{
		TierStaticAsset: {
			Tier:       TierStaticAsset,
			Cached:     true,
			Store:      StoreStatic,
			MaxEntries: cfg.Cache.StaticMaxEntries,
			Fallback:   []FallbackStep{StepCache, StepNetwork, StepAltStore, StepGatewayError},
		},
		TierApi: {
			Tier:     TierApi,
			Cached:   true,
			Store:    StoreApi,
			TTL:      cfg.Cache.apiTTLDur,
			Fallback: []FallbackStep{StepFreshCache, StepNetwork, StepStaleCache, StepOfflineError},
			Coalesce: true,
			OfflineError: map[string]string{
				"error":   "Service unavailable",
				"message": "API is offline and no cached data available",
			},
		},
		TierNavigation: {
			Tier:       TierNavigation,
			Cached:     true,
			Store:      StoreDynamic,
			MaxEntries: cfg.Cache.DynamicMaxEntries,
			Fallback:   []FallbackStep{StepNetwork, StepCache, StepRootCache, StepOfflinePage},
		},
		TierOther: {
			Tier:     TierOther,
			Fallback: []FallbackStep{StepNetwork, StepGatewayError},
		},
		TierBypass: {
			Tier:     TierBypass,
			Fallback: []FallbackStep{StepNetwork, StepGatewayError},
		},
	}
	liveApi = TierPolicy{
		Tier:         TierApi,
		Fallback:     []FallbackStep{StepNetwork, StepOfflineError},
		OfflineError: map[string]string{"error": "Offline"},
	}
	return cached, liveApi
}

// Strategy resolves a request for one tier. Resolve makes a single attempt
// and always returns a usable response.
type Strategy interface {
	Resolve(ctx context.Context, req *Request) *Response
}

type strategyDeps struct {
	stores       *CacheStoreSet
	fetcher      Fetcher
	now          func() time.Time
	timeout      time.Duration
	maxEntrySize int64
	root         string
	appName      string
	sf           *singleflight.Group
	log          *rateLimitedLogger
}

type policyStrategy struct {
	policy TierPolicy
	deps   *strategyDeps
}

func newPolicyStrategy(p TierPolicy, deps *strategyDeps) *policyStrategy {
	return &policyStrategy{policy: p, deps: deps}
}

// apiStrategy routes allow-listed API requests to the cached policy and
// everything else to a live-only one.
type apiStrategy struct {
	cacheable []pathPattern
	cached    Strategy
	live      Strategy
}

func (s *apiStrategy) Resolve(ctx context.Context, req *Request) *Response {
	if matchAny(s.cacheable, req.URL.Path) {
		return s.cached.Resolve(ctx, req)
	}
	return s.live.Resolve(ctx, req)
}

func newStrategies(cfg *Config, deps *strategyDeps) map[Tier]Strategy {
	policies, liveApi := tierPolicies(cfg)
	out := make(map[Tier]Strategy, len(policies))
	for t, p := range policies {
		out[t] = newPolicyStrategy(p, deps)
	}
	out[TierApi] = &apiStrategy{
		cacheable: cfg.Cache.cacheableApi,
		cached:    out[TierApi],
		live:      newPolicyStrategy(liveApi, deps),
	}
	return out
}

type lookupKey struct {
	store StoreKind
	key   string
}

type lookupResult struct {
	ent StoredEntry
	ok  bool
}

// resolution memoizes store reads within one Resolve call.
type resolution struct {
	seen map[lookupKey]lookupResult
}

func (s *policyStrategy) lookup(r *resolution, kind StoreKind, key string) (StoredEntry, bool) {
	lk := lookupKey{store: kind, key: key}
	if res, ok := r.seen[lk]; ok {
		return res.ent, res.ok
	}
	st := s.deps.stores.Store(kind)
	ent, ok, err := st.Get(key)
	if err != nil {
		s.deps.log.Printf("read:"+st.Name(), "swcache: read %s from %s: %v (treated as miss)", key, st.Name(), storeUnavailable(err, st.Name()))
		ent, ok = StoredEntry{}, false
	}
	r.seen[lk] = lookupResult{ent: ent, ok: ok}
	return ent, ok
}

func (s *policyStrategy) Resolve(ctx context.Context, req *Request) *Response {
	key := req.Descriptor().Key()
	run := &resolution{seen: map[lookupKey]lookupResult{}}
	fetchFailed := false

	for _, step := range s.policy.Fallback {
		switch step {
		case StepFreshCache:
			if ent, ok := s.lookup(run, s.policy.Store, key); ok && s.fresh(ent) {
				return ent.response(SourceCache)
			}
		case StepCache:
			if ent, ok := s.lookup(run, s.policy.Store, key); ok {
				if fetchFailed {
					return ent.response(SourceFallback)
				}
				return ent.response(SourceCache)
			}
		case StepNetwork:
			resp, err := s.network(ctx, req, key)
			if err == nil {
				return resp
			}
			fetchFailed = true
			s.deps.log.Printf("net:"+req.URL.Host, "swcache: %s %s: %v", s.policy.Tier, req.URL, err)
		case StepStaleCache:
			if ent, ok := s.lookup(run, s.policy.Store, key); ok {
				return ent.response(SourceStale)
			}
		case StepAltStore:
			if ent, ok := s.lookup(run, StoreDynamic, key); ok {
				return ent.response(SourceFallback)
			}
		case StepRootCache:
			rootKey, ok := s.rootKey(req)
			if !ok {
				continue
			}
			if ent, ok := s.lookup(run, StoreDynamic, rootKey); ok {
				return ent.response(SourceFallback)
			}
		case StepOfflineError:
			return offlineErrorResponse(s.policy.OfflineError)
		case StepOfflinePage:
			return offlinePageResponse(s.deps.appName)
		case StepGatewayError:
			return gatewayErrorResponse()
		}
	}
	return gatewayErrorResponse()
}

func (s *policyStrategy) fresh(ent StoredEntry) bool {
	return s.deps.now().Sub(ent.CachedAt) < s.policy.TTL
}

// network fetches detached from the caller's cancellation: a consumer that
// goes away does not abort the fetch or the store write, it just never reads
// the result.
func (s *policyStrategy) network(ctx context.Context, req *Request, key string) (*Response, error) {
	ctx = context.WithoutCancel(ctx)
	if !s.policy.Coalesce || s.deps.sf == nil {
		return s.fetchAndStore(ctx, req, key)
	}
	v, err, shared := s.deps.sf.Do(s.deps.stores.Store(s.policy.Store).Name()+"\x00"+key, func() (any, error) {
		return s.fetchAndStore(ctx, req, key)
	})
	if err != nil {
		return nil, err
	}
	resp := v.(*Response)
	if shared {
		cp := *resp
		cp.Header = cloneHeader(resp.Header)
		resp = &cp
	}
	return resp, nil
}

func (s *policyStrategy) fetchAndStore(ctx context.Context, req *Request, key string) (*Response, error) {
	resp, err := fetchLive(ctx, s.deps.fetcher, req, s.deps.timeout)
	if err != nil {
		return nil, err
	}
	if s.policy.Cached && resp.OK() {
		now := s.deps.now()
		if s.store(s.policy.Store, req.Descriptor(), entryFromResponse(resp, now), s.policy.MaxEntries) {
			resp.CachedAt = now
		}
	}
	return resp, nil
}

// store writes ent and trims the store. Failures are logged and swallowed;
// the return value reports whether the entry was persisted.
func (s *policyStrategy) store(kind StoreKind, d RequestDescriptor, ent StoredEntry, maxEntries int) bool {
	return writeEntry(s.deps, s.deps.stores.Store(kind), d, ent, maxEntries)
}

func writeEntry(deps *strategyDeps, st Store, d RequestDescriptor, ent StoredEntry, maxEntries int) bool {
	if !d.Cacheable() {
		deps.log.Printf("method:"+d.Method, "swcache: %v", notCacheable(d))
		return false
	}
	if deps.maxEntrySize > 0 && int64(len(ent.Body)) > deps.maxEntrySize {
		deps.log.Printf("size:"+st.Name(), "swcache: %s too large for %s (%s), not stored",
			d.URL, st.Name(), formatBytes(uint64(len(ent.Body))))
		return false
	}
	if err := st.Put(d.Key(), ent); err != nil {
		deps.log.Printf("write:"+st.Name(), "swcache: write %s to %s: %v", d.URL, st.Name(), storeUnavailable(err, st.Name()))
		return false
	}
	if n, err := trimStore(st, maxEntries); err != nil {
		deps.log.Printf("trim:"+st.Name(), "swcache: trim %s: %v", st.Name(), storeUnavailable(err, st.Name()))
	} else if n > 0 {
		deps.log.Printf("trim:"+st.Name(), "swcache: trimmed %d entries from %s", n, st.Name())
	}
	return true
}

func (s *policyStrategy) rootKey(req *Request) (string, bool) {
	if req.URL == nil || req.URL.Host == "" {
		return "", false
	}
	u := url.URL{Scheme: req.URL.Scheme, Host: req.URL.Host, Path: s.deps.root}
	return RequestDescriptor{Method: http.MethodGet, URL: u.String()}.Key(), true
}

func offlineErrorResponse(body map[string]string) *Response {
	b, _ := json.Marshal(body)
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: h,
		Body:   b,
		Source: SourceOffline,
	}
}

func gatewayErrorResponse() *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return &Response{
		Status: http.StatusBadGateway,
		Header: h,
		Body:   []byte("bad gateway\n"),
		Source: SourceError,
	}
}

const offlinePageTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>%[1]s - Offline</title>
</head>
<body>
<main>
<h1>Offline</h1>
<p>%[1]s is currently not reachable. Please check your network connection.</p>
<p>Some features may be unavailable while offline.</p>
<button onclick="window.location.reload()">Try again</button>
</main>
</body>
</html>
`

func offlinePageResponse(appName string) *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/html; charset=utf-8")
	return &Response{
		Status: http.StatusOK,
		Header: h,
		Body:   []byte(fmt.Sprintf(offlinePageTemplate, html.EscapeString(appName))),
		Source: SourceOffline,
	}
}
