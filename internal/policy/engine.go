// Package policy decides how an intercepted request is satisfied and runs
// that decision against the request's generation and the origin.
package policy

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"cachegen/internal/faults"
	"cachegen/internal/logging"
	"cachegen/internal/origin"
	"cachegen/internal/store"
)

// Cache is the generation a request was bound to when it arrived.
type Cache interface {
	Match(key string) (store.Entry, bool)
	// Put writes into the bound generation only.
	Put(key string, ent store.Entry) error
	// Revision returns the manifest revision of a precached path.
	Revision(path string) (string, bool)
}

// Outcome labels how a response was produced.
type Outcome string

const (
	OutcomeHit      Outcome = "hit"      // served from cache
	OutcomeMiss     Outcome = "miss"     // fetched and written through
	OutcomeNetwork  Outcome = "network"  // fetched, not cached
	OutcomeFallback Outcome = "fallback" // network failed, cache answered
)

type Result struct {
	Entry    store.Entry
	Strategy Strategy
	Outcome  Outcome
}

type Options struct {
	Fetcher    origin.Fetcher
	Classifier Classifier
	// NetworkTimeout bounds the network leg of network-first. Default 5s.
	NetworkTimeout time.Duration
	// RefreshConcurrency bounds background refreshes; extra ones are dropped.
	RefreshConcurrency int
	Logger             *zap.Logger
}

type Engine struct {
	fetch    origin.Fetcher
	classify Classifier
	timeout  time.Duration

	bgSem chan struct{}

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	log   *zap.Logger
	noisy *logging.Sometimes
}

func New(opts Options) *Engine {
	if opts.NetworkTimeout <= 0 {
		opts.NetworkTimeout = 5 * time.Second
	}
	if opts.RefreshConcurrency <= 0 {
		opts.RefreshConcurrency = 32
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("policy")
	return &Engine{
		fetch:    opts.Fetcher,
		classify: opts.Classifier,
		timeout:  opts.NetworkTimeout,
		bgSem:    make(chan struct{}, opts.RefreshConcurrency),
		log:      log,
		noisy:    logging.NewSometimes(log, time.Minute),
	}
}

// Classify exposes the strategy the engine would use for r.
func (e *Engine) Classify(r *http.Request, c Cache) Strategy { return e.classify.Classify(r, c) }

// Serve classifies r and executes the chosen strategy. An error means nothing
// could be served; it is always a network or timeout fault.
func (e *Engine) Serve(ctx context.Context, r *http.Request, c Cache) (Result, error) {
	return e.Execute(ctx, e.Classify(r, c), r, c)
}

func (e *Engine) Execute(ctx context.Context, s Strategy, r *http.Request, c Cache) (Result, error) {
	key := Key(r)
	var (
		res Result
		err error
	)
	switch s {
	case CacheFirst:
		res, err = e.cacheFirst(ctx, r, key, c)
	case NetworkFirst:
		res, err = e.networkFirst(ctx, r, key, c, true)
	case StaleWhileRevalidate:
		res, err = e.staleWhileRevalidate(ctx, r, key, c)
	default:
		s = NetworkOnly
		res, err = e.networkOnly(ctx, r)
	}
	res.Strategy = s
	return res, err
}

func (e *Engine) cacheFirst(ctx context.Context, r *http.Request, key string, c Cache) (Result, error) {
	if ent, ok := c.Match(key); ok {
		return Result{Entry: ent, Outcome: OutcomeHit}, nil
	}
	ent, err := e.fetch.Fetch(ctx, r)
	if err != nil {
		return Result{}, err
	}
	if e.writeThrough(c, key, ent) {
		return Result{Entry: ent, Outcome: OutcomeMiss}, nil
	}
	return Result{Entry: ent, Outcome: OutcomeNetwork}, nil
}

type fetched struct {
	ent    store.Entry
	cached bool
	err    error
}

// networkFirst races the origin against the timeout. The fetch runs detached
// from the caller: when the timer wins, the fetch still finishes and still
// writes through, but its result is discarded.
func (e *Engine) networkFirst(ctx context.Context, r *http.Request, key string, c Cache, cacheFallback bool) (Result, error) {
	ch := make(chan fetched, 1)
	fctx := context.WithoutCancel(ctx)
	req := r.Clone(fctx)
	run := func() {
		ent, err := e.fetch.Fetch(fctx, req)
		cached := err == nil && e.writeThrough(c, key, ent)
		ch <- fetched{ent: ent, cached: cached, err: err}
	}
	if !e.spawn(run) {
		run()
	}

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	var cause error
	select {
	case f := <-ch:
		if f.err == nil {
			out := OutcomeNetwork
			if f.cached {
				out = OutcomeMiss
			}
			return Result{Entry: f.ent, Outcome: out}, nil
		}
		cause = f.err
	case <-timer.C:
		cause = faults.Timeout("network-first " + key)
	case <-ctx.Done():
		cause = faults.Timeout("network-first " + key)
	}

	if cacheFallback {
		if ent, ok := c.Match(key); ok {
			e.log.Debug("network failed, serving cached copy", zap.String("key", key), zap.Error(cause))
			return Result{Entry: ent, Outcome: OutcomeFallback}, nil
		}
	}
	return Result{}, cause
}

func (e *Engine) staleWhileRevalidate(ctx context.Context, r *http.Request, key string, c Cache) (Result, error) {
	if ent, ok := c.Match(key); ok {
		e.refreshAsync(r, key, c)
		return Result{Entry: ent, Outcome: OutcomeHit}, nil
	}
	return e.networkFirst(ctx, r, key, c, false)
}

func (e *Engine) networkOnly(ctx context.Context, r *http.Request) (Result, error) {
	ent, err := e.fetch.Fetch(ctx, r)
	if err != nil {
		return Result{}, err
	}
	return Result{Entry: ent, Outcome: OutcomeNetwork}, nil
}

// refreshAsync updates key in the background. Failures are logged only and a
// saturated refresh pool drops the refresh.
func (e *Engine) refreshAsync(r *http.Request, key string, c Cache) {
	select {
	case e.bgSem <- struct{}{}:
	default:
		e.noisy.Info("refresh pool saturated, skipping", zap.String("key", key))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	req := r.Clone(ctx)
	ok := e.spawn(func() {
		defer func() { <-e.bgSem }()
		defer cancel()
		e.refreshOnce(ctx, req, key, c)
	})
	if !ok {
		<-e.bgSem
		cancel()
	}
}

func (e *Engine) refreshOnce(ctx context.Context, r *http.Request, key string, c Cache) {
	ent, err := e.fetch.Fetch(ctx, r)
	if err != nil {
		e.log.Debug("background refresh failed", zap.String("key", key), zap.Error(err))
		return
	}
	if !origin.Cacheable(ent) {
		return
	}
	if cur, ok := c.Match(key); ok && cur.Hash32 == ent.Hash32 && cur.Status == ent.Status {
		return
	}
	e.writeThrough(c, key, ent)
}

// writeThrough caches ent when it is cacheable. Storage failures are logged
// and reported as "not cached"; they never fail the request.
func (e *Engine) writeThrough(c Cache, key string, ent store.Entry) bool {
	if !origin.Cacheable(ent) {
		return false
	}
	if err := c.Put(key, ent); err != nil {
		if faults.IsStorageFull(err) {
			e.noisy.Warn("cache store full, serving uncached", zap.String("key", key), zap.Error(err))
		} else {
			e.log.Debug("cache write skipped", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	return true
}

func (e *Engine) spawn(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}

// Wait blocks until every detached fetch and refresh started so far is done.
func (e *Engine) Wait() { e.wg.Wait() }

// Close stops accepting background work and waits for the running work.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
}
