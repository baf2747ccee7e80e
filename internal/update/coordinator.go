// Package update is the foreground side of a deployment handover: it detects
// new versions, tracks the session state the UI renders and drives the
// activation of a waiting generation.
package update

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"cachegen/internal/faults"
	"cachegen/internal/lifecycle"
	"cachegen/internal/manifest"
	"cachegen/internal/schedule"
)

type Options struct {
	Platform   Platform
	Background Background
	// Versions answers the always-fresh version descriptor.
	Versions manifest.VersionSource
	// PollDelay is the wait before the first check. Default 5s.
	PollDelay time.Duration
	// PollEvery is the check period. Default 15m.
	PollEvery time.Duration
	// HandoverTimeout bounds the wait for a controller change. Default 3s.
	HandoverTimeout time.Duration
	Logger          *zap.Logger
}

// Coordinator owns State. Every mutation is a named action and every action
// publishes a snapshot to the observers.
type Coordinator struct {
	platform   Platform
	background Background
	versions   manifest.VersionSource
	timeout    time.Duration

	mu          sync.Mutex
	state       State
	prompt      InstallPrompt
	initialized bool
	applying    bool
	// applied is the version the user already activated; it never raises
	// UpdateAvailable again.
	applied string
	cancels []func()

	checkMu sync.Mutex
	poller  *schedule.Poller
	obs     observers
	wg      sync.WaitGroup

	log *zap.Logger
}

func New(opts Options) *Coordinator {
	if opts.PollDelay <= 0 {
		opts.PollDelay = 5 * time.Second
	}
	if opts.PollEvery <= 0 {
		opts.PollEvery = 15 * time.Minute
	}
	if opts.HandoverTimeout <= 0 {
		opts.HandoverTimeout = 3 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := &Coordinator{
		platform:   opts.Platform,
		background: opts.Background,
		versions:   opts.Versions,
		timeout:    opts.HandoverTimeout,
		log:        log.Named("update"),
	}
	c.poller = schedule.NewPoller(opts.PollDelay, opts.PollEvery, func(ctx context.Context) {
		_ = c.CheckForUpdates(ctx)
	})
	return c
}

// State returns a snapshot.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe calls fn with a snapshot after every action until the returned
// func is called.
func (c *Coordinator) Subscribe(fn func(State)) func() { return c.obs.add(fn) }

// act runs one named mutation and publishes the result.
func (c *Coordinator) act(name string, fn func(s *State)) State {
	c.mu.Lock()
	before := c.state
	fn(&c.state)
	after := c.state
	c.mu.Unlock()
	if after != before {
		c.log.Debug("state changed", zap.String("action", name), zap.Any("state", after))
	}
	c.obs.notify(after)
	return after
}

// Initialize registers the platform and background listeners, reads the
// current version and starts polling. Calling it again does nothing.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.initialized = true
	c.mu.Unlock()

	if c.platform != nil {
		cancel := c.platform.Watch(Handlers{
			Online:        c.setOnline,
			InstallPrompt: c.offerInstall,
			Installed:     c.markInstalled,
		})
		c.addCancel(cancel)
		online, standalone := c.platform.Online(), c.platform.Standalone()
		c.act("initialize", func(s *State) {
			s.Offline = !online
			s.Installed = s.Installed || standalone
		})
	}

	current := c.currentVersion(ctx)
	c.act("version", func(s *State) {
		s.CurrentVersion = current
		s.LatestVersion = current
	})

	if c.background != nil {
		if st, err := c.background.Status(ctx); err != nil {
			c.log.Warn("background status unavailable", zap.Error(err))
		} else if st.Waiting != nil && current != "" {
			c.updateWaiting(st.Waiting.Version)
		}
		if events, cancel, err := c.background.Events(context.WithoutCancel(ctx)); err != nil {
			c.log.Warn("background events unavailable", zap.Error(err))
		} else {
			c.addCancel(cancel)
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.watchBackground(events)
			}()
		}
	}

	c.StartPolling(context.WithoutCancel(ctx))
	return nil
}

func (c *Coordinator) addCancel(fn func()) {
	c.mu.Lock()
	c.cancels = append(c.cancels, fn)
	c.mu.Unlock()
}

// currentVersion is the version of the generation in control. The version
// descriptor only stands in when no background answers, since it reports
// what is published rather than what is served.
func (c *Coordinator) currentVersion(ctx context.Context) string {
	if c.background != nil {
		rep, err := c.background.Post(ctx, lifecycle.Message{Type: lifecycle.MsgGetVersion})
		if err == nil && rep.Version != "" {
			return rep.Version
		}
		if err != nil {
			c.log.Warn("background version unavailable", zap.Error(err))
		}
	}
	if c.versions != nil {
		v, err := c.versions.LatestVersion(ctx)
		if err == nil {
			return v
		}
		c.log.Warn("version descriptor unavailable", zap.Error(err))
	}
	return ""
}

func (c *Coordinator) watchBackground(events <-chan lifecycle.Event) {
	for ev := range events {
		if ev.Type == lifecycle.EventWaiting {
			c.updateWaiting(ev.Version)
		}
	}
}

// updateWaiting flags an update once a newer generation waits behind the
// one in control.
func (c *Coordinator) updateWaiting(version string) {
	c.act("update-waiting", func(s *State) {
		if c.applying || version == c.applied || s.CurrentVersion == "" {
			return
		}
		s.UpdateAvailable = true
	})
}

func (c *Coordinator) setOnline(online bool) {
	c.act("connectivity", func(s *State) { s.Offline = !online })
}

func (c *Coordinator) offerInstall(p InstallPrompt) {
	c.act("install-prompt", func(s *State) {
		c.prompt = p
		s.Installable = p != nil
	})
}

func (c *Coordinator) markInstalled() {
	c.act("installed", func(s *State) {
		c.prompt = nil
		s.Installable = false
		s.Installed = true
	})
}

// CheckForUpdates compares the current version with the latest published
// one. A failed check leaves the state untouched. A check already running
// makes this call a no-op.
func (c *Coordinator) CheckForUpdates(ctx context.Context) error {
	if c.versions == nil {
		return nil
	}
	if !c.checkMu.TryLock() {
		return nil
	}
	defer c.checkMu.Unlock()

	latest, err := c.versions.LatestVersion(ctx)
	if err != nil {
		c.log.Warn("update check failed", zap.Error(err))
		return err
	}
	st := c.act("update-check", func(s *State) {
		s.LatestVersion = latest
		if c.applying || latest == c.applied {
			return
		}
		if s.CurrentVersion != "" && latest != s.CurrentVersion {
			s.UpdateAvailable = true
		}
	})
	c.log.Debug("version check", zap.String("current", st.CurrentVersion), zap.String("latest", latest), zap.Bool("updateAvailable", st.UpdateAvailable))

	if c.background != nil && st.UpdateAvailable {
		// let the background install the new generation now
		if _, err := c.background.Post(ctx, lifecycle.Message{Type: lifecycle.MsgCheckForUpdate}); err != nil {
			c.log.Warn("background update check failed", zap.Error(err))
		}
	}
	return nil
}

// RequestInstall shows the pending install prompt. It returns false without
// side effects when no prompt is available.
func (c *Coordinator) RequestInstall(ctx context.Context) (bool, error) {
	c.mu.Lock()
	p, ok := c.prompt, c.state.Installable
	c.mu.Unlock()
	if p == nil || !ok {
		return false, nil
	}
	accepted, err := p.Prompt(ctx)
	if err != nil {
		return false, err
	}
	if accepted {
		c.act("install", func(s *State) {
			c.prompt = nil
			s.Installable = false
		})
	}
	return accepted, nil
}

// ApplyUpdate activates the waiting generation and reloads once control has
// moved, or after HandoverTimeout. Without a waiting generation it reloads
// right away.
func (c *Coordinator) ApplyUpdate(ctx context.Context) error {
	c.mu.Lock()
	if c.applying {
		c.mu.Unlock()
		return nil
	}
	c.applying = true
	c.applied = c.state.LatestVersion
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.applying = false
		c.mu.Unlock()
	}()

	c.act("apply-update", func(s *State) { s.UpdateAvailable = false })

	if c.background == nil {
		return c.reload(ctx)
	}
	st, err := c.background.Status(ctx)
	if err != nil || st.Waiting == nil {
		c.log.Info("no waiting generation, reloading", zap.Error(err))
		return c.reload(ctx)
	}
	target := *st.Waiting
	c.mu.Lock()
	c.applied = target.Version
	c.mu.Unlock()

	// subscribe before signalling so the controller change cannot be missed
	events, cancel, err := c.background.Events(ctx)
	if err != nil {
		c.log.Warn("cannot observe handover", zap.Error(err))
		events, cancel = nil, func() {}
	}
	defer cancel()

	if _, err := c.background.Post(ctx, lifecycle.Message{Type: lifecycle.MsgSkipWaiting}); err != nil {
		c.log.Warn("activation request failed, reloading", zap.Error(err))
		return c.reload(ctx)
	}

	if err := c.awaitHandover(ctx, events, target.ID); err != nil {
		c.log.Warn("handover not confirmed, reloading", zap.Error(err))
	}
	return c.reload(ctx)
}

func (c *Coordinator) awaitHandover(ctx context.Context, events <-chan lifecycle.Event, id string) error {
	t := time.NewTimer(c.timeout)
	defer t.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Generation != id {
				continue
			}
			if ev.Type == lifecycle.EventControllerChange || ev.Type == lifecycle.EventActivated {
				return nil
			}
		case <-t.C:
			return faults.HandoverTimeout(c.timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// reload restarts the foreground and re-reads the version now in control.
func (c *Coordinator) reload(ctx context.Context) error {
	if c.platform != nil {
		if err := c.platform.Reload(ctx); err != nil {
			return err
		}
	}
	if c.background == nil {
		return nil
	}
	rep, err := c.background.Post(ctx, lifecycle.Message{Type: lifecycle.MsgGetVersion})
	if err != nil {
		c.log.Warn("version after reload unavailable", zap.Error(err))
		return nil
	}
	if rep.Version != "" {
		c.act("reload", func(s *State) { s.CurrentVersion = rep.Version })
	}
	return nil
}

// StartPolling schedules CheckForUpdates. It returns false if polling runs.
func (c *Coordinator) StartPolling(ctx context.Context) bool {
	ok := c.poller.Start(ctx)
	if ok {
		c.log.Info("version polling started")
	}
	return ok
}

func (c *Coordinator) StopPolling() { c.poller.Stop() }

// Close stops polling and every listener registered by Initialize.
func (c *Coordinator) Close() {
	c.StopPolling()
	c.mu.Lock()
	cancels := c.cancels
	c.cancels = nil
	c.mu.Unlock()
	for _, fn := range cancels {
		fn()
	}
	c.wg.Wait()
}
