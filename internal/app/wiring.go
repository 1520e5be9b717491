package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/grafana/pyroscope-go"
	lgcfg "gitlab.com/nevasik7/alerting/config"
	"gitlab.com/nevasik7/alerting/logger"

	api "streamlease/internal/api/http"
	"streamlease/internal/config"
	"streamlease/internal/domain"
	"streamlease/internal/ledger"
	"streamlease/internal/lookup"
	lookupredis "streamlease/internal/lookup/redis"
	"streamlease/internal/manager"
	"streamlease/internal/metrics"
	"streamlease/internal/payment"
	"streamlease/internal/pubsub"
	"streamlease/internal/pubsub/nats"
	"streamlease/internal/security"
	"streamlease/internal/session"
	"streamlease/internal/signer"
	"streamlease/internal/store"
	"streamlease/internal/stores/clickhouse"
	"streamlease/internal/stores/redis"
	"streamlease/internal/watchlist"
)

// streamPlan is one configured stream waiting to be opened. Pair values are
// kept raw; they resolve through the coordinator once the socket is up and a
// lease token exists for the lookup calls.
type streamPlan struct {
	sess  *session.Session
	desc  domain.StreamDescriptor
	pairs []string
}

type Container struct {
	lg  logger.Logger
	cfg *config.Config

	app *App

	// infra
	redis    *redis.Client
	ch       *clickhouse.Conn
	chWriter *clickhouse.Writer
	nc       *nats.Client
	memCache *lookup.MemoryCache

	// core
	authority *payment.Authority
	coord     *watchlist.Coordinator
	mgr       *manager.Manager
	plans     []streamPlan

	// servers
	httpSrv *api.Server

	// metrics
	profiler *pyroscope.Profiler
}

// Construct image app
func Build(ctx context.Context, cfg *config.Config) (*Container, func()) {
	lg := logger.New(lgcfg.LoggerCfg{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	lg.Info("Successfully initialize logger")

	profiler, err := metrics.InitPProf(&cfg.Metrics.Pyroscope)
	if err != nil {
		lg.Panicf("Pyroscope initialize failed: %v", err)
	}
	if profiler != nil {
		lg.Infof("Successfully initialize Pyroscope to %s as %s", cfg.Metrics.Pyroscope.ServerAddress, cfg.Metrics.Pyroscope.AppName)
	}

	if len(cfg.Streams) == 0 {
		lg.Panicf("No streams configured, nothing to watch")
	}

	// Payment signer
	sg, err := signer.LoadEd25519(cfg.Payment.KeyPath)
	if err != nil {
		lg.Panicf("Failed to initialize payment signer: %v", err)
	}
	lg.Infof("Successfully initialize payment signer, key=%s", cfg.Payment.KeyPath)

	authority := payment.NewAuthority(lg, cfg.Upstream, sg)
	lg.Info("Successfully initialize payment authority")

	// Event store, spend ledger, token hub
	st := store.New(lg, cfg.Store)
	led := ledger.New(lg, cfg.Ledger)
	hub := manager.NewTokenHub()

	// Lookup cache
	var (
		rdb      *redis.Client
		memCache *lookup.MemoryCache
		cache    lookup.Cache
	)
	switch cfg.Lookup.Cache.Backend {
	case "redis":
		rdb, err = redis.New(ctx, cfg.Lookup.Cache.Redis)
		if err != nil {
			lg.Panicf("Failed to initialize redis client: %v", err)
		}
		lg.Infof("Successfully initialize redis client, addr=%s", cfg.Lookup.Cache.Redis.Addr)

		redisCache, cErr := lookupredis.NewCache(lg, &cfg.Lookup.Cache, rdb)
		if cErr != nil {
			lg.Panicf("Failed to initialize redis lookup cache: %v", cErr)
		}
		cache = redisCache
		lg.Info("Successfully initialize redis lookup cache")
	case "", "memory":
		ttl := cfg.Lookup.Cache.TTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		memCache = lookup.NewMemoryCache(lg, ttl, ttl)
		cache = memCache
		lg.Infof("Successfully initialize memory lookup cache, ttl=%s", ttl)
	default:
		lg.Panicf("Unknown lookup cache backend %q", cfg.Lookup.Cache.Backend)
	}

	// Lookup client rides on the freshest lease token via the hub
	lookupCfg := cfg.Lookup
	if lookupCfg.BaseURL == "" {
		lookupCfg.BaseURL = cfg.Upstream.BaseURL
	}
	lkp := lookup.NewClient(lg, lookupCfg, hub, cache)
	lg.Infof("Successfully initialize lookup client, url=%s", lookupCfg.BaseURL)

	// Watchlist coordinator
	coord := watchlist.NewCoordinator(lg, cfg.Labels.Mints, lkp)
	lg.Infof("Successfully initialize watchlist coordinator, labels=%d", len(cfg.Labels.Mints))

	// NATS Broadcaster
	var (
		natsCl      *nats.Client
		broadcaster pubsub.Broadcaster
	)
	if cfg.PubSub.NATS.URL != "" {
		natsCl, err = nats.New(lg, &cfg.PubSub.NATS)
		if err != nil {
			lg.Panicf("Failed to initialize nats client: %v", err)
		}
		broadcaster = natsCl
		lg.Infof("Successfully initialize nats client, url=%s", cfg.PubSub.NATS.URL)
	}

	// ClickHouse archive
	var (
		chConn   *clickhouse.Conn
		chWriter *clickhouse.Writer
		archive  manager.EventArchive
	)
	if cfg.Archive.ClickHouse.DSN != "" {
		chConn, err = clickhouse.New(ctx, &cfg.Archive.ClickHouse)
		if err != nil {
			lg.Panicf("Failed to initialize clickhouse client: %v", err)
		}
		url := strings.Split(cfg.Archive.ClickHouse.DSN, "?")
		lg.Infof("Successfully initialize clickhouse client, url=%s", url[0])

		chWriter = clickhouse.NewWriter(lg, cfg.Archive.ClickHouse, chConn.Native)
		archive = chWriter
		lg.Info("Successfully initialize clickhouse writer")
	}

	// Stream manager
	mgr := manager.New(lg, st, led, hub, broadcaster, archive)
	lg.Info("Successfully initialize stream manager")

	// Stream sessions
	plans := make([]streamPlan, 0, len(cfg.Streams))
	for _, sc := range cfg.Streams {
		kind, kErr := domain.ParseStreamKind(sc.Kind)
		if kErr != nil {
			lg.Panicf("Stream config invalid: %v", kErr)
		}
		mode, mErr := domain.ParseRenewalMode(sc.Renewal)
		if mErr != nil {
			lg.Panicf("Stream config invalid: %v", mErr)
		}
		desc := domain.StreamDescriptor{Kind: kind, Protocol: sc.Protocol, Renewal: mode}

		ids, pairs := watchlist.SplitInputs(sc.Watch)
		pairValues := make([]string, 0, len(pairs))
		for _, p := range pairs {
			pairValues = append(pairValues, p.Base+"/"+p.Quote)
		}

		mints := make([]string, 0, len(sc.Mints))
		for _, m := range sc.Mints {
			mints = append(mints, coord.ResolveMint(m))
		}

		sess, sErr := session.New(lg, authority, session.Config{
			Descriptor:       desc,
			RenewAhead:       sc.RenewAhead,
			EventBuffer:      sc.EventBuffer,
			Accounts:         ids,
			Mints:            mints,
			Options:          sc.Options,
			HandshakeTimeout: cfg.Upstream.HandshakeTimeout,
		})
		if sErr != nil {
			lg.Panicf("Failed to initialize session %s: %v", sc.Kind, sErr)
		}

		coord.Register(kind, sess)
		plans = append(plans, streamPlan{sess: sess, desc: desc, pairs: pairValues})
	}
	lg.Infof("Successfully initialize %d stream sessions", len(plans))

	// JWT verifier for the stats API
	var verifier *security.RS256Verifier
	if cfg.Security.JWT.Enabled {
		if verifier, err = security.NewRS256Verifier(&cfg.Security.JWT); err != nil {
			lg.Errorf("Failed to initialize JWT verifier: %v", err) // API stays open rather than dead
			verifier = nil
		} else {
			lg.Info("Successfully initialize JWT-Verifier")
		}
	}

	// HTTP Server
	httpSrv, err := api.NewServer(api.Deps{
		Log:   lg,
		Cfg:   &cfg.API.HTTP,
		Views: mgr,
		JWT:   verifier,
		Redis: rdb,
	})
	if err != nil {
		lg.Panicf("Failed to initialize HTTP server: %v", err)
	}
	lg.Info("Successfully initialize HTTP server")

	c := &Container{
		lg:        lg,
		cfg:       cfg,
		app:       NewApp(lg, httpSrv),
		redis:     rdb,
		ch:        chConn,
		chWriter:  chWriter,
		nc:        natsCl,
		memCache:  memCache,
		authority: authority,
		coord:     coord,
		mgr:       mgr,
		plans:     plans,
		httpSrv:   httpSrv,
		profiler:  profiler,
	}

	cleanupF := func() {
		ctxClean, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if c.profiler != nil {
			if err := c.profiler.Stop(); err != nil {
				lg.Errorf("Failed to stop profiler: %v", err)
			}
		}

		if err := c.httpSrv.Shutdown(ctxClean); err != nil {
			lg.Errorf("Failed to shutdown by cleanupF HTTP server: %v", err)
		}

		if c.memCache != nil {
			c.memCache.Close()
		}

		if c.nc != nil {
			if err := c.nc.Close(); err != nil {
				lg.Errorf("Failed to close by cleanupF nats client: %v", err)
			}
		}

		if c.chWriter != nil {
			if err := c.chWriter.Close(ctxClean); err != nil {
				lg.Errorf("Failed to close by cleanupF clickhouse writer: %v", err)
			}
		}

		if c.ch != nil {
			if err := c.ch.Close(); err != nil {
				lg.Errorf("Failed to close by cleanupF clickhouse client: %v", err)
			}
		}

		if c.redis != nil {
			if err := c.redis.Close(); err != nil {
				lg.Errorf("Failed to close by cleanupF redis client: %v", err)
			}
		}

		lg.Info("Successfully cleaned up dependency")
	}

	lg.Info("Successfully initialize Wiring")
	return c, cleanupF
}

// Start brings the HTTP surface up first so health answers during stream
// bring-up, then opens every configured stream in its own goroutine.
func (c *Container) Start() error {
	if err := c.app.Start(); err != nil {
		return err
	}

	for _, p := range c.plans {
		go c.openStream(p)
	}
	return nil
}

func (c *Container) openStream(p streamPlan) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if amount, asset := c.authority.PreviewCharge(ctx, p.desc); amount != nil {
		c.lg.Infof("Stream %s will cost %s %s (base units) per slice", p.desc.Kind, amount.String(), asset)
	}

	if err := p.sess.Connect(ctx); err != nil {
		c.lg.Errorf("Stream %s failed to connect, no automatic retry: %v", p.desc.Kind, err)
		return
	}

	if err := c.mgr.Attach(p.sess); err != nil {
		c.lg.Errorf("Stream %s attach failed: %v", p.desc.Kind, err)
		return
	}

	if len(p.pairs) > 0 {
		if err := c.coord.AddWatch(ctx, p.desc.Kind, p.pairs); err != nil {
			c.lg.Warnf("Stream %s pair watch push failed: %v", p.desc.Kind, err)
		}
	}

	c.lg.Infof("Stream %s is open", p.desc.Kind)
}

func (c *Container) Stop() error {
	timeout := c.cfg.App.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := c.app.Shutdown(ctx); err != nil {
		return fmt.Errorf("app shutdown is failed, error=%w", err)
	}

	// sessions first so their event channels close, then the manager drains
	for _, p := range c.plans {
		if err := p.sess.Close(); err != nil {
			c.lg.Errorf("Stream %s close failed: %v", p.desc.Kind, err)
		}
	}
	c.mgr.Stop()

	return nil
}
