package swcache

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"

	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"
)

// ControlMessage is a command from a consumer. The set of messages is closed:
// SkipWaiting, CacheURLs, ClearAll and GetStatus.
type ControlMessage interface {
	isControlMessage()
}

type SkipWaiting struct{}

type CacheURLs struct {
	URLs []string
}

type ClearAll struct{}

type GetStatus struct{}

func (SkipWaiting) isControlMessage() {}
func (CacheURLs) isControlMessage()   {}
func (ClearAll) isControlMessage()    {}
func (GetStatus) isControlMessage()   {}

// StatusReply maps every known store name to its entry count. It is sent
// only to the consumer that asked.
type StatusReply struct {
	Stores map[string]int `json:"data"`
}

// wireMessage is the JSON shape consumers post:
// {"type": "CACHE_URLS", "data": {"urls": ["/a", "/b"]}}.
type wireMessage struct {
	Type string `json:"type"`
	Data struct {
		URLs []string `json:"urls"`
	} `json:"data"`
}

func DecodeControlMessage(b []byte) (ControlMessage, error) {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "decode control message")
	}
	switch w.Type {
	case "SKIP_WAITING":
		return SkipWaiting{}, nil
	case "CACHE_URLS":
		return CacheURLs{URLs: w.Data.URLs}, nil
	case "CLEAR_CACHE":
		return ClearAll{}, nil
	case "GET_CACHE_STATUS":
		return GetStatus{}, nil
	}
	return nil, errors.Newf(errors.CodeInvalidInput, "unknown control message type %q", w.Type)
}

// HandleMessage runs one control message. Only GetStatus produces a reply;
// it goes back to the caller and is never broadcast.
func (e *Engine) HandleMessage(ctx context.Context, from ConsumerID, msg ControlMessage) (*StatusReply, error) {
	switch m := msg.(type) {
	case SkipWaiting:
		log.Printf("swcache: control: skip waiting (from %s)", from)
		return nil, e.lifecycle.SkipWaiting(ctx)
	case CacheURLs:
		stored, failed := e.cacheURLs(ctx, m.URLs)
		log.Printf("swcache: control: cache urls stored=%d failed=%d (from %s)", stored, failed, from)
		return nil, nil
	case ClearAll:
		log.Printf("swcache: control: clearing all caches (from %s)", from)
		return nil, e.clearAll()
	case GetStatus:
		return e.status()
	}
	return nil, errors.Newf(errors.CodeInvalidInput, "unsupported control message %T", msg)
}

// cacheURLs fetches every URL into the dynamic store. A failing URL is
// logged and counted; it never aborts the rest of the batch.
func (e *Engine) cacheURLs(ctx context.Context, urls []string) (stored, failed int) {
	var okN, failN atomic.Int64
	st := e.stores.Store(StoreDynamic)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, raw := range urls {
		abs := e.cfg.ResolveURL(raw)
		if abs == "" {
			continue
		}
		g.Go(func() error {
			req, err := NewRequest(abs)
			if err != nil {
				log.Printf("swcache: cache urls: %q: %v", raw, err)
				failN.Add(1)
				return nil
			}
			resp, err := fetchLive(gctx, e.fetcher, req, e.cfg.Fetch.timeoutDur)
			if err != nil {
				log.Printf("swcache: cache urls: %s: %v", abs, err)
				failN.Add(1)
				return nil
			}
			if !resp.OK() {
				log.Printf("swcache: cache urls: %s: status %d", abs, resp.Status)
				failN.Add(1)
				return nil
			}
			if !writeEntry(e.deps, st, req.Descriptor(), entryFromResponse(resp, e.now()), e.cfg.Cache.DynamicMaxEntries) {
				failN.Add(1)
				return nil
			}
			okN.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(okN.Load()), int(failN.Load())
}

// clearAll drops every store the backend knows, current generation or not.
func (e *Engine) clearAll() error {
	names, err := e.backend.Names()
	if err != nil {
		return storeUnavailable(err, "*")
	}
	var firstErr error
	for _, name := range names {
		if err := e.backend.Drop(name); err != nil {
			log.Printf("swcache: clear %s: %v", name, err)
			if firstErr == nil {
				firstErr = storeUnavailable(err, name)
			}
		}
	}
	return firstErr
}

func (e *Engine) status() (*StatusReply, error) {
	names, err := e.backend.Names()
	if err != nil {
		return nil, storeUnavailable(err, "*")
	}
	out := make(map[string]int, len(names))
	for _, name := range names {
		n, err := e.backend.Store(name).Count()
		if err != nil {
			return nil, storeUnavailable(err, name)
		}
		out[name] = n
	}
	return &StatusReply{Stores: out}, nil
}
