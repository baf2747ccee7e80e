// Package lifecycle owns cache generations from install to garbage
// collection: installing -> waiting -> active -> discarded.
//
// Exactly one generation is active. At most one waits; a newer install
// discards the older waiting one. Superseded generations are deleted once
// their in-flight requests are done or the handover grace elapsed.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cachegen/internal/config"
	"cachegen/internal/faults"
	"cachegen/internal/manifest"
	"cachegen/internal/schedule"
	"cachegen/internal/store"
)

type State string

const (
	Installing State = "installing"
	Waiting    State = "waiting"
	Active     State = "active"
	Discarded  State = "discarded"
)

// GenerationID names the generation of a deployment version.
func GenerationID(version string) string { return "cachegen-" + version }

// Seeder fetches assets during install. Precache reads must bypass any
// intermediate HTTP cache.
type Seeder interface {
	Get(ctx context.Context, uri string, fresh bool) (store.Entry, error)
}

type generation struct {
	id      string
	version string
	state   State
	handle  store.Handle
	members map[string]string
	created time.Time

	// refs counts open bindings. Add only happens while the generation is
	// active or waiting.
	refs sync.WaitGroup
	// done is closed when an install settles.
	done chan struct{}
	err  error
}

// retirement is a superseded generation waiting for its bindings before it
// is deleted from the store.
type retirement struct {
	gen      *generation
	cut      chan struct{}
	cutOnce  sync.Once
	finished chan struct{}
}

// cutShort deletes the generation without waiting for its bindings.
func (r *retirement) cutShort() { r.cutOnce.Do(func() { close(r.cut) }) }

type Options struct {
	Store     *store.Store
	Seeder    Seeder
	Manifests manifest.Provider
	// Versions, when set, is asked first so an unchanged deployment costs
	// no manifest fetch.
	Versions manifest.VersionSource
	// Fresh matches paths that must stay network-only. They are precached
	// but never pinned, whatever the manifest says.
	Fresh manifest.PathMatcher
	// Activation is config.ActivationDeferred (default) or config.ActivationImmediate.
	Activation         string
	HandoverGrace      time.Duration
	InstallConcurrency int
	// CheckEvery is the manifest poll period. <= 0 checks once at Start.
	CheckEvery time.Duration
	Logger     *zap.Logger
}

type Controller struct {
	store     *store.Store
	seeder    Seeder
	manifests manifest.Provider
	versions  manifest.VersionSource
	fresh     manifest.PathMatcher
	immediate bool
	grace     time.Duration
	parallel  int

	mu       sync.Mutex
	gens     map[string]*generation
	retiring map[string]*retirement
	active   string
	waiting  string
	clients  map[string]*client

	events  broadcaster
	inbox   chan envelope
	checkMu sync.Mutex
	poller  *schedule.Poller

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	log *zap.Logger
}

// New restores the controller from the store: the newest sealed generation
// becomes active and everything else is deleted.
func New(opts Options) (*Controller, error) {
	if opts.HandoverGrace <= 0 {
		opts.HandoverGrace = 10 * time.Second
	}
	if opts.InstallConcurrency <= 0 {
		opts.InstallConcurrency = 8
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := &Controller{
		store:     opts.Store,
		seeder:    opts.Seeder,
		manifests: opts.Manifests,
		versions:  opts.Versions,
		fresh:     opts.Fresh,
		immediate: opts.Activation == config.ActivationImmediate,
		grace:     opts.HandoverGrace,
		parallel:  opts.InstallConcurrency,
		gens:      map[string]*generation{},
		retiring:  map[string]*retirement{},
		clients:   map[string]*client{},
		inbox:     make(chan envelope, 16),
		stop:      make(chan struct{}),
		log:       log.Named("lifecycle"),
	}
	c.poller = schedule.NewPoller(0, opts.CheckEvery, func(ctx context.Context) {
		if err := c.CheckForUpdate(ctx); err != nil {
			c.log.Warn("update check failed", zap.Error(err))
		}
	})
	if err := c.restore(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Controller) restore() error {
	ids := c.store.ListGenerations()
	var newest store.Meta
	for _, id := range ids {
		if m, ok := c.store.Meta(id); ok && m.Sealed {
			newest = m
		}
	}
	for _, id := range ids {
		if id == newest.ID {
			continue
		}
		if err := c.store.DeleteGeneration(id); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
	}
	if newest.ID == "" {
		return nil
	}
	h, err := c.store.OpenGeneration(newest.ID, newest.Version)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	g := &generation{
		id:      newest.ID,
		version: newest.Version,
		state:   Active,
		handle:  h,
		members: newest.Members,
		created: newest.CreatedAt,
		done:    closedChan(),
	}
	c.gens[g.id] = g
	c.active = g.id
	c.log.Info("restored active generation", zap.String("generation", g.id), zap.Int("assets", len(g.members)))
	return nil
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Start serves the control mailbox and polls the manifest until ctx is done
// or Close is called.
func (c *Controller) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
	if c.manifests != nil {
		c.poller.Start(ctx)
	}
}

// Close stops polling and the mailbox and waits for background work,
// including pending garbage collection.
func (c *Controller) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.poller.Stop()
	c.wg.Wait()
	c.events.closeAll()
}

// Subscribe returns a channel of lifecycle events and its cancel func.
func (c *Controller) Subscribe(buffer int) (<-chan Event, func()) {
	return c.events.subscribe(buffer)
}

// spawn runs fn in the background unless the controller is stopping.
func (c *Controller) spawn(fn func(ctx context.Context)) {
	select {
	case <-c.stop:
		return
	default:
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-c.stop:
				cancel()
			case <-ctx.Done():
			}
		}()
		fn(ctx)
	}()
}

// CheckForUpdate fetches the manifest and installs its version if unknown.
// A check already in flight makes this call a no-op.
func (c *Controller) CheckForUpdate(ctx context.Context) error {
	if c.manifests == nil {
		return nil
	}
	if !c.checkMu.TryLock() {
		return nil
	}
	defer c.checkMu.Unlock()

	if c.versions != nil {
		v, err := c.versions.LatestVersion(ctx)
		switch {
		case err != nil:
			c.log.Debug("version source unavailable, reading manifest", zap.Error(err))
		case c.known(GenerationID(v)):
			return nil
		}
	}

	m, err := c.manifests.Manifest(ctx)
	if err != nil {
		return err
	}
	if c.known(GenerationID(m.Version)) {
		return nil
	}
	c.log.Info("new version published", zap.String("version", m.Version))
	return c.OnInstall(ctx, m)
}

func (c *Controller) known(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.gens[id]
	return ok
}

// OnInstall seeds a generation for m. Installing a version that is already
// installing, waiting or active changes nothing; a concurrent call waits for
// the running install. A version still being retired from an earlier
// handover is deleted first and then seeded from scratch. Seeding is
// all-or-nothing: on any failure the generation is deleted and the active
// one keeps serving.
func (c *Controller) OnInstall(ctx context.Context, m manifest.Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	id := GenerationID(m.Version)

	c.mu.Lock()
	for {
		if g, ok := c.gens[id]; ok {
			c.mu.Unlock()
			select {
			case <-g.done:
				return g.err
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		r, ok := c.retiring[id]
		if !ok {
			break
		}
		c.mu.Unlock()
		r.cutShort()
		select {
		case <-r.finished:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
	}
	g := &generation{id: id, version: m.Version, state: Installing, created: time.Now().UTC(), done: make(chan struct{})}
	c.gens[id] = g
	c.mu.Unlock()

	c.events.publish(Event{Type: EventInstalling, Generation: id, Version: m.Version})
	assets := m.Assets()
	c.log.Info("installing generation", zap.String("generation", id), zap.Int("assets", len(assets)))

	err := c.seed(ctx, g, assets)
	if err != nil {
		err = faults.Install(err, id)
		c.mu.Lock()
		g.state = Discarded
		g.err = err
		delete(c.gens, id)
		c.mu.Unlock()
		close(g.done)
		if derr := c.store.DeleteGeneration(id); derr != nil {
			c.log.Error("failed to remove partial generation", zap.String("generation", id), zap.Error(derr))
		}
		c.log.Warn("install failed", zap.String("generation", id), zap.Error(err))
		c.events.publish(Event{Type: EventInstallFailed, Generation: id, Version: m.Version, Error: err.Error()})
		return err
	}

	c.mu.Lock()
	g.state = Waiting
	var superseded []*retirement
	if prev := c.gens[c.waiting]; prev != nil && prev != g {
		superseded = append(superseded, c.discardLocked(prev))
	}
	c.waiting = id
	activate := c.immediate || c.active == ""
	c.mu.Unlock()
	close(g.done)

	c.events.publish(Event{Type: EventWaiting, Generation: id, Version: m.Version})
	c.log.Info("generation waiting", zap.String("generation", id))
	c.retire(superseded)

	if activate {
		if err := c.OnActivate(); err != nil && !faults.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (c *Controller) seed(ctx context.Context, g *generation, assets []manifest.Asset) error {
	h, err := c.store.OpenGeneration(g.id, g.version)
	if err != nil {
		return err
	}
	g.handle = h

	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(c.parallel)
	members := make(map[string]string, len(assets))
	for _, a := range assets {
		if c.fresh != nil && c.fresh.Match(a.Path) {
			a.Revision = ""
		}
		members[a.Path] = a.Revision
		eg.Go(func() error {
			ent, err := c.seeder.Get(ectx, a.Path, true)
			if err != nil {
				return err
			}
			if !ent.OK() {
				return fmt.Errorf("%s: origin answered %d", a.Path, ent.Status)
			}
			return c.store.Put(h, a.Path, ent)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	if err := c.store.Seal(h, members); err != nil {
		return err
	}
	g.members = members
	return nil
}

// OnActivate promotes the waiting generation, claims every client for it and
// schedules deletion of every other generation that is not installing.
// Generations still retiring from an earlier handover are deleted before it
// returns, so only the one just superseded outlives the activation. It fails
// with NOT_FOUND when nothing is waiting.
func (c *Controller) OnActivate() error {
	c.mu.Lock()
	g := c.gens[c.waiting]
	if g == nil {
		c.mu.Unlock()
		return faults.NotFound("no waiting generation")
	}
	g.state = Active
	c.active = g.id
	c.waiting = ""
	earlier := make([]*retirement, 0, len(c.retiring))
	for _, r := range c.retiring {
		earlier = append(earlier, r)
	}
	var superseded []*retirement
	for id, other := range c.gens {
		if id == g.id || other.state == Installing {
			continue
		}
		superseded = append(superseded, c.discardLocked(other))
	}
	c.mu.Unlock()

	for _, r := range earlier {
		r.cutShort()
		<-r.finished
	}

	c.log.Info("generation activated", zap.String("generation", g.id), zap.String("version", g.version))
	c.events.publish(Event{Type: EventActivated, Generation: g.id, Version: g.version})
	c.ClaimControlOfAllClients()
	c.retire(superseded)
	return nil
}

// discardLocked stops tracking g as live and registers its retirement.
// c.mu must be held.
func (c *Controller) discardLocked(g *generation) *retirement {
	g.state = Discarded
	delete(c.gens, g.id)
	r := &retirement{gen: g, cut: make(chan struct{}), finished: make(chan struct{})}
	c.retiring[g.id] = r
	return r
}

// retire deletes each generation once its bindings are released, the
// handover grace elapsed or the retirement is cut short, whichever comes
// first.
func (c *Controller) retire(rs []*retirement) {
	for _, r := range rs {
		g := r.gen
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer func() {
				c.mu.Lock()
				if c.retiring[g.id] == r {
					delete(c.retiring, g.id)
				}
				c.mu.Unlock()
				close(r.finished)
			}()
			drained := make(chan struct{})
			go func() {
				g.refs.Wait()
				close(drained)
			}()
			t := time.NewTimer(c.grace)
			defer t.Stop()
			select {
			case <-drained:
			case <-t.C:
				c.log.Warn("handover grace elapsed with requests in flight", zap.String("generation", g.id))
			case <-r.cut:
			case <-c.stop:
			}
			c.mu.Lock()
			_, reinstalled := c.gens[g.id]
			c.mu.Unlock()
			if reinstalled {
				return
			}
			if err := c.store.DeleteGeneration(g.id); err != nil {
				c.log.Error("garbage collection failed", zap.String("generation", g.id), zap.Error(err))
				return
			}
			c.events.publish(Event{Type: EventDiscarded, Generation: g.id, Version: g.version})
		}()
	}
}

// Version is the version of the active generation, "" before the first
// activation.
func (c *Controller) Version() string {
	return c.reply(false).Version
}

// GenerationInfo describes one tracked generation.
type GenerationInfo struct {
	ID        string    `json:"id"`
	Version   string    `json:"version"`
	State     State     `json:"state"`
	Assets    int       `json:"assets"`
	CreatedAt time.Time `json:"createdAt"`
}

type Status struct {
	Active     *GenerationInfo  `json:"active,omitempty"`
	Waiting    *GenerationInfo  `json:"waiting,omitempty"`
	Installing []GenerationInfo `json:"installing,omitempty"`
	// Stored lists every generation still in the store, retiring ones included.
	Stored  []string `json:"stored"`
	Clients int      `json:"clients"`
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	var st Status
	for _, g := range c.gens {
		info := GenerationInfo{ID: g.id, Version: g.version, State: g.state, Assets: len(g.members), CreatedAt: g.created}
		switch g.state {
		case Active:
			st.Active = &info
		case Waiting:
			st.Waiting = &info
		case Installing:
			st.Installing = append(st.Installing, info)
		}
	}
	st.Clients = len(c.clients)
	c.mu.Unlock()
	st.Stored = c.store.ListGenerations()
	return st
}
