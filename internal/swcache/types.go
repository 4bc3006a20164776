package swcache

import (
	"net/http"
	"net/url"
	"time"
)

// Tier is the request category that selects a caching strategy.
type Tier int

const (
	TierBypass Tier = iota
	TierApi
	TierStaticAsset
	TierNavigation
	TierOther
)

func (t Tier) String() string {
	switch t {
	case TierBypass:
		return "bypass"
	case TierApi:
		return "api"
	case TierStaticAsset:
		return "static-asset"
	case TierNavigation:
		return "navigation"
	case TierOther:
		return "other"
	}
	return "unknown"
}

// StoreKind addresses one store of a generation.
type StoreKind int

const (
	StoreStatic StoreKind = iota
	StoreDynamic
	StoreApi
)

var storeKinds = []StoreKind{StoreStatic, StoreDynamic, StoreApi}

func (k StoreKind) String() string {
	switch k {
	case StoreStatic:
		return "static"
	case StoreDynamic:
		return "dynamic"
	case StoreApi:
		return "api"
	}
	return "unknown"
}

// Source tells where a Response came from. It is echoed to clients in the
// X-Swcache header.
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceStale    Source = "stale"
	SourceFallback Source = "fallback"
	SourceOffline  Source = "offline"
	SourceError    Source = "error"
	SourceBypass   Source = "bypass"
)

// Request is an intercepted outgoing request.
type Request struct {
	Method string
	URL    *url.URL
	// Destination mirrors Sec-Fetch-Dest: "style", "script", "image", "font", "document", ...
	Destination string
	// Mode mirrors Sec-Fetch-Mode: "navigate", "cors", "no-cors", ...
	Mode   string
	Header http.Header
	// Body is forwarded on bypassed writes; cached tiers never have one.
	Body []byte
}

// NewRequest builds a GET request for rawURL.
func NewRequest(rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return &Request{Method: http.MethodGet, URL: u, Header: make(http.Header)}, nil
}

func (r *Request) Descriptor() RequestDescriptor {
	return RequestDescriptor{Method: r.Method, URL: r.URL.String()}
}

// RequestDescriptor is the store lookup key of a request.
type RequestDescriptor struct {
	Method string
	URL    string
}

func (d RequestDescriptor) Key() string {
	return d.Method + " " + d.URL
}

// Cacheable reports whether responses for d may be written to a store.
func (d RequestDescriptor) Cacheable() bool {
	return d.Method == http.MethodGet
}

// Response is what the engine hands back for a request. It is never nil.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Source   Source
	CachedAt time.Time
}

func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// StoredEntry is the value type of every store.
type StoredEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	CachedAt time.Time
}

func entryFromResponse(resp *Response, now time.Time) StoredEntry {
	return StoredEntry{
		Status:   resp.Status,
		Header:   cloneHeader(resp.Header),
		Body:     resp.Body,
		CachedAt: now,
	}
}

func (e StoredEntry) response(src Source) *Response {
	return &Response{
		Status:   e.Status,
		Header:   cloneHeader(e.Header),
		Body:     e.Body,
		Source:   src,
		CachedAt: e.CachedAt,
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
