package swcache

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Engine intercepts requests and resolves them through the tier strategies.
// It owns the current store generation, the lifecycle and the consumer hub.
type Engine struct {
	cfg Config

	classifier *Classifier
	strategies map[Tier]Strategy
	backend    Backend
	stores     *CacheStoreSet
	fetcher    Fetcher
	lifecycle  *Lifecycle
	hub        *Hub
	prober     *prober
	stats      *statsCollector
	deps       *strategyDeps
	now        func() time.Time

	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

type Option func(*Engine)

// WithFetcher replaces the default HTTP fetcher.
func WithFetcher(f Fetcher) Option {
	return func(e *Engine) { e.fetcher = f }
}

// WithBackend replaces the backend chosen by storage.backend. The engine
// closes it on Close.
func WithBackend(b Backend) Option {
	return func(e *Engine) { e.backend = b }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an engine in state Installing. cfg must have been compiled
// (LoadConfig or Config.Compile).
func New(cfg Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:    cfg,
		hub:    NewHub(16),
		stats:  newStatsCollector(),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if e.fetcher == nil {
		e.fetcher = NewHTTPFetcher()
	}
	if e.backend == nil {
		switch cfg.Storage.Backend {
		case "memory":
			e.backend = newMemoryBackend()
		default:
			b, err := newLeveldbBackend(cfg.Storage.Path)
			if err != nil {
				return nil, err
			}
			e.backend = b
		}
	}

	e.stores = newCacheStoreSet(e.backend, &e.cfg)
	e.classifier = NewClassifier(&e.cfg)
	e.deps = &strategyDeps{
		stores:       e.stores,
		fetcher:      e.fetcher,
		now:          e.now,
		timeout:      cfg.Fetch.timeoutDur,
		maxEntrySize: int64(cfg.Cache.MaxEntrySize),
		root:         cfg.App.Root,
		appName:      cfg.App.Name,
		sf:           new(singleflight.Group),
		log:          newRateLimitedLogger(time.Minute),
	}
	e.strategies = newStrategies(&e.cfg, e.deps)
	e.lifecycle = newLifecycle(e)
	e.prober = &prober{e: e}
	return e, nil
}

// Start launches the background loops: reachability probe, sitemap
// reconciliation and the stats log line. They run until Close.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		if every := e.cfg.Probe.everyDur; every > 0 {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.prober.loop(every)
			}()
		}
		if len(e.cfg.Discover.Sitemaps) > 0 {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.discoverLoop()
			}()
		}
		if every := e.cfg.Logging.statsEveryDur; every > 0 {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.statsLoop(every)
			}()
		}
	})
}

func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.stopCh)
		e.wg.Wait()
		err = e.backend.Close()
	})
	return err
}

// Handle is the interception point. It never fails: every path ends in a
// live, cached or synthesized response. Until the engine is active requests
// go straight to the network.
func (e *Engine) Handle(ctx context.Context, req *Request) *Response {
	tier := e.classifier.Classify(req)
	if e.lifecycle.State() != StateActive {
		tier = TierBypass
	}
	resp := e.strategies[tier].Resolve(ctx, req)
	if tier == TierBypass && resp.Source == SourceNetwork {
		resp.Source = SourceBypass
	}
	e.stats.Observe(resp)
	return resp
}

func (e *Engine) Install(ctx context.Context) error {
	return e.lifecycle.Install(ctx)
}

func (e *Engine) Activate(ctx context.Context) error {
	return e.lifecycle.Activate(ctx)
}

// InstallAndActivate installs the current generation and hands control to it.
// A host process has no earlier generation serving its consumers, so once
// installed there is nothing to wait for and activation follows even without
// skip-waiting.
func (e *Engine) InstallAndActivate(ctx context.Context) error {
	if err := e.Install(ctx); err != nil {
		return err
	}
	if e.State() == StateInstalled {
		return e.Activate(ctx)
	}
	return nil
}

func (e *Engine) State() State {
	return e.lifecycle.State()
}

// Subscribe registers a consumer for broadcasts and unicast replies.
func (e *Engine) Subscribe() *Subscription {
	sub := e.hub.Register()
	log.Printf("swcache: consumer %s registered", sub.ID)
	return sub
}

func (e *Engine) Unsubscribe(id ConsumerID) {
	e.hub.Unregister(id)
}

// Controlled reports whether the engine has claimed consumer id.
func (e *Engine) Controlled(id ConsumerID) bool {
	return e.hub.Controlled(id)
}

// Stores returns the current store generation.
func (e *Engine) Stores() *CacheStoreSet {
	return e.stores
}
