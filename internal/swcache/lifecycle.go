package swcache

import (
	"context"
	"log"
	"slices"
	"sync"

	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"
)

type State int

const (
	StateInstalling State = iota
	StateInstalled
	StateActivating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	}
	return "unknown"
}

// Lifecycle owns install (pre-warm), activation (old generation cleanup and
// consumer claim) and skip-waiting.
type Lifecycle struct {
	e *Engine

	// opMu serializes Install and Activate; mu guards the fields below.
	opMu        sync.Mutex
	mu          sync.Mutex
	state       State
	skipWaiting bool
}

func newLifecycle(e *Engine) *Lifecycle {
	return &Lifecycle{e: e, state: StateInstalling, skipWaiting: e.cfg.skipWaiting()}
}

func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lifecycle) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Install pre-warms the static store with every configured asset. It is all
// or nothing: if any asset fails nothing is written, the state stays
// Installing and Install may be called again. With skip-waiting set, a
// successful install activates right away.
func (l *Lifecycle) Install(ctx context.Context) error {
	l.opMu.Lock()
	if l.State() != StateInstalling {
		l.opMu.Unlock()
		return nil
	}
	err := l.install(ctx)
	l.opMu.Unlock()
	if err != nil {
		log.Printf("swcache: install: %v", err)
		return err
	}

	l.mu.Lock()
	skip := l.skipWaiting
	l.mu.Unlock()
	if skip {
		return l.Activate(ctx)
	}
	return nil
}

type prewarmed struct {
	req  *Request
	resp *Response
}

func (l *Lifecycle) install(ctx context.Context) error {
	e := l.e
	assets := e.cfg.Cache.Precache
	log.Printf("swcache: install: generation %s, pre-warming %d assets", e.cfg.Cache.Generation, len(assets))

	got := make([]prewarmed, len(assets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(6)
	for i, raw := range assets {
		g.Go(func() error {
			abs := e.cfg.ResolveURL(raw)
			req, err := NewRequest(abs)
			if err != nil {
				return errors.Wrapf(err, CodePrewarmFailed, "pre-warm %q", raw)
			}
			resp, err := fetchLive(gctx, e.fetcher, req, e.cfg.Fetch.timeoutDur)
			if err != nil {
				return errors.Wrapf(err, CodePrewarmFailed, "pre-warm %s", abs)
			}
			if !resp.OK() {
				return errors.Newf(CodePrewarmFailed, "pre-warm %s: status %d", abs, resp.Status)
			}
			got[i] = prewarmed{req: req, resp: resp}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	existed, err := e.backend.Names()
	if err != nil {
		return errors.Wrap(storeUnavailable(err, "*"), CodePrewarmFailed, "list stores")
	}
	if err := e.stores.createAll(); err != nil {
		l.rollback(existed, nil)
		return errors.Wrap(err, CodePrewarmFailed, "create stores")
	}
	st := e.stores.Store(StoreStatic)
	now := e.now()
	written := make([]string, 0, len(got))
	for _, p := range got {
		key := p.req.Descriptor().Key()
		if err := st.Put(key, entryFromResponse(p.resp, now)); err != nil {
			l.rollback(existed, written)
			return errors.Wrapf(storeUnavailable(err, st.Name()), CodePrewarmFailed, "store %s", p.req.URL)
		}
		written = append(written, key)
	}

	l.setState(StateInstalled)
	log.Printf("swcache: install: all %d assets cached", len(got))
	return nil
}

// rollback undoes a partial install: it removes the pre-warm entries written
// so far and drops the current stores that did not exist before the install.
func (l *Lifecycle) rollback(existed, written []string) {
	e := l.e
	st := e.stores.Store(StoreStatic)
	for _, key := range written {
		if err := st.Delete(key); err != nil {
			log.Printf("swcache: install: rollback %s: %v", key, err)
		}
	}
	for _, name := range e.stores.Names() {
		if slices.Contains(existed, name) {
			continue
		}
		if err := e.backend.Drop(name); err != nil {
			log.Printf("swcache: install: rollback drop %s: %v", name, err)
		}
	}
}

// Activate deletes every store outside the current generation and claims
// all consumers. A failed deletion is logged and skipped. Activating an
// active instance repeats the cleanup and stays active throughout.
func (l *Lifecycle) Activate(ctx context.Context) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	switch l.State() {
	case StateInstalling:
		return errors.New(CodeLifecycle, "activate: not installed")
	case StateActive:
		// Already serving from the current generation; only repeat cleanup.
		if n := l.deleteOrphans(); n > 0 {
			log.Printf("swcache: activate: deleted %d old stores", n)
		}
		l.e.hub.Claim()
		return nil
	}
	l.setState(StateActivating)
	log.Printf("swcache: activate: generation %s", l.e.cfg.Cache.Generation)

	deleted := l.deleteOrphans()
	l.setState(StateActive)
	claimed := l.e.hub.Claim()
	log.Printf("swcache: activate: active, deleted %d old stores, claimed %d consumers", deleted, claimed)
	return nil
}

func (l *Lifecycle) deleteOrphans() int {
	names, err := l.e.backend.Names()
	if err != nil {
		log.Printf("swcache: activate: list stores: %v", storeUnavailable(err, "*"))
		return 0
	}
	n := 0
	for _, name := range names {
		if l.e.stores.IsCurrent(name) {
			continue
		}
		if err := l.e.backend.Drop(name); err != nil {
			log.Printf("swcache: activate: delete old store %s: %v", name, err)
			continue
		}
		log.Printf("swcache: activate: deleted old store %s", name)
		n++
	}
	return n
}

// SkipWaiting asks for activation as soon as possible: right away when
// installed, or as soon as install completes.
func (l *Lifecycle) SkipWaiting(ctx context.Context) error {
	l.mu.Lock()
	l.skipWaiting = true
	state := l.state
	l.mu.Unlock()
	if state == StateInstalled {
		return l.Activate(ctx)
	}
	return nil
}
