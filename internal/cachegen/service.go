// Package cachegen wires the cache together: the request interceptor in front
// of the origin, the lifecycle controller behind it and the control API.
package cachegen

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"cachegen/internal/config"
	"cachegen/internal/lifecycle"
	"cachegen/internal/manifest"
	"cachegen/internal/origin"
	"cachegen/internal/policy"
	"cachegen/internal/store"
)

type Service struct {
	cfg Config

	store  *store.Store
	origin *origin.Client
	redis  *manifest.RedisVersions
	ctl    *lifecycle.Controller
	engine *policy.Engine

	originURL *url.URL
	stats     *respStats

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	log *zap.Logger
}

// Config is the loaded configuration plus process level knobs tests override.
type Config struct {
	config.Config
	// HTTPClient talks to the origin. Nil means a 30s timeout client.
	HTTPClient *http.Client
}

func NewService(cfg Config, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	originURL, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Storage.Path, store.Options{
		RAMBytes:  cfg.Storage.RAMBytes,
		DiskBytes: cfg.Storage.DiskBytes,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}

	oc := origin.New(cfg.Server.Origin, cfg.HTTPClient)
	provider := manifest.NewHTTPProvider(oc, manifest.HTTPOptions{
		ManifestPath: cfg.Manifest.Path,
		VersionPath:  cfg.Manifest.VersionPath,
		Sitemaps:     cfg.Manifest.Sitemaps,
		Logger:       log,
	})

	s := &Service{
		cfg:       cfg,
		store:     st,
		origin:    oc,
		originURL: originURL,
		stats:     newRespStats(),
		stopCh:    make(chan struct{}),
		log:       log.Named("cachegen"),
	}

	var versions manifest.VersionSource
	if cfg.Manifest.Redis.Addr != "" {
		s.redis = manifest.NewRedisVersions(redis.NewClient(&redis.Options{Addr: cfg.Manifest.Redis.Addr}), cfg.Manifest.Redis.Key)
		versions = s.redis
	}

	s.ctl, err = lifecycle.New(lifecycle.Options{
		Store:              st,
		Seeder:             oc,
		Manifests:          provider,
		Versions:           versions,
		Fresh:              cfg.Policy.FreshMatch,
		Activation:         cfg.Lifecycle.Activation,
		HandoverGrace:      cfg.Lifecycle.HandoverGraceDur,
		InstallConcurrency: cfg.Lifecycle.InstallConcurrency,
		CheckEvery:         cfg.Lifecycle.CheckEveryDur,
		Logger:             log,
	})
	if err != nil {
		s.closeClients()
		_ = st.Close()
		return nil, err
	}

	def, err := policy.ParseStrategy(cfg.Policy.Default)
	if err != nil {
		s.closeClients()
		_ = st.Close()
		return nil, err
	}
	classifier := policy.Classifier{Fresh: cfg.Policy.FreshMatch, Default: def}
	if !cfg.Policy.DynamicMatch.Empty() {
		classifier.Dynamic = cfg.Policy.DynamicMatch
	}
	s.engine = policy.New(policy.Options{
		Fetcher:            oc,
		Classifier:         classifier,
		NetworkTimeout:     cfg.Policy.NetworkTimeoutDur,
		RefreshConcurrency: cfg.Policy.RefreshConcurrency,
		Logger:             log,
	})
	return s, nil
}

// Start launches the lifecycle controller and the stats loop.
func (s *Service) Start(ctx context.Context) {
	s.ctl.Start(ctx)
	if every := s.cfg.Logging.LogStatsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
}

// Close stops background work and closes the store. Call it after the HTTP
// server has drained.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.engine.Close()
		s.ctl.Close()
		s.closeClients()
		if err := s.store.Close(); err != nil {
			s.log.Warn("closing store", zap.Error(err))
		}
	})
}

func (s *Service) closeClients() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
}

// Controller exposes the lifecycle controller to in-process foregrounds.
func (s *Service) Controller() *lifecycle.Controller { return s.ctl }

// Handler routes the control API under the control prefix and intercepts
// everything else.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Route(s.cfg.Server.ControlPrefix, s.controlRoutes)
	r.Handle("/*", http.HandlerFunc(s.intercept))
	return r
}
