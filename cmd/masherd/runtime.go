package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cordum/masher/core/buildsys"
	"github.com/cordum/masher/core/catalog"
	"github.com/cordum/masher/core/infra/bus"
	"github.com/cordum/masher/core/infra/config"
	"github.com/cordum/masher/core/infra/locks"
	"github.com/cordum/masher/core/infra/logging"
	"github.com/cordum/masher/core/infra/metrics"
	"github.com/cordum/masher/core/infra/redisutil"
	"github.com/cordum/masher/core/infra/tlsutil"
	"github.com/cordum/masher/core/infra/tracing"
	"github.com/cordum/masher/core/masher"
	"github.com/cordum/masher/core/masher/pushstate"
	"github.com/cordum/masher/core/metadata"
	"github.com/cordum/masher/core/notify"
	"github.com/cordum/masher/core/repo"
)

// runtime holds every connection a command needs.
type runtime struct {
	env     *config.Config
	cfg     *config.MasherConfig
	redis   redis.UniversalClient
	catalog *catalog.RedisCatalog
	koji    buildsys.KojiOptions
	bus     *bus.NatsBus
	hub     *notify.Hub
	metrics metrics.PushMetrics
	tracing tracing.Shutdown
}

func loadConfig() (*config.Config, *config.MasherConfig, error) {
	env := config.Load()
	path := env.MasherConfigPath
	if configPath != "" {
		path = configPath
	}
	cfg, err := config.LoadMasher(path)
	if err != nil {
		return nil, nil, err
	}
	return env, cfg, nil
}

// openRuntime connects Redis and Koji, and NATS when withBus is set.
func openRuntime(withBus bool) (*runtime, error) {
	env, cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	rt := &runtime{env: env, cfg: cfg, hub: notify.NewHub(0), metrics: metrics.NewProm("masher")}

	rt.tracing, err = tracing.Setup(cfg.Tracing.Enabled, "masherd", nil)
	if err != nil {
		return nil, err
	}
	rt.redis, err = redisutil.NewClient(env.RedisURL)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	rt.catalog = catalog.NewRedisCatalog(rt.redis)
	rt.koji = buildsys.KojiOptions{
		HubURL:       cfg.Koji.HubURL,
		TLS:          tlsutil.Files{CA: cfg.Koji.CA, Cert: cfg.Koji.Cert, Key: cfg.Koji.Key},
		PollInterval: cfg.TagPollInterval(),
		WaitTimeout:  cfg.TagWaitTimeout(),
	}
	// Fail fast on a bad hub URL or certificate; workers open their own.
	check, err := buildsys.NewKojiClient(rt.koji)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("koji: %w", err)
	}
	_ = check.Close()
	if withBus {
		rt.bus, err = bus.NewNatsBus(env.NatsURL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("nats: %w", err)
		}
	}
	return rt, nil
}

func (rt *runtime) services() masher.Services {
	runner := repo.ExecRunner{}
	cfg := rt.cfg
	svc := masher.Services{
		Catalog:  rt.catalog,
		OpenTags: rt.openTags,
		States:   pushstate.NewStore(cfg.StateDir),
		Composer: &repo.Composer{
			Runner:   runner,
			Command:  cfg.MashCommand,
			Config:   cfg.MashConf,
			StageDir: cfg.StageDir,
			Timeout:  cfg.ComposeTimeout(),
		},
		Injector: &metadata.UpdateInfoInjector{
			Runner:      runner,
			Modifyrepo:  cfg.ModifyrepoCommand,
			PkgtagsPath: cfg.PkgtagsPath,
			CacheDir:    cfg.CacheDir,
		},
		Sanity:  &repo.SanityChecker{Arches: cfg.ArchClasses()},
		Stager:  &repo.Stager{Dir: cfg.StageDir},
		Metrics: rt.metrics,
	}
	if cfg.CompsURL != "" {
		svc.Comps = &repo.CompsSyncer{
			Runner:  runner,
			Dir:     cfg.CompsDir,
			URL:     cfg.CompsURL,
			Schemes: cfg.CompsSchemes,
			Lock:    locks.NewRedisLocker(rt.redis, lockOwner(), 10*time.Minute),
		}
	}
	notifiers := notify.Multi{notify.LogNotifier{}, rt.hub}
	if rt.bus != nil {
		notifiers = append(notifiers, &notify.BusNotifier{Bus: rt.bus, Base: cfg.TopicBase()})
	}
	svc.Notifier = notifiers
	return svc
}

// openTags gives each worker its own hub connection; xmlrpc serialises calls
// per client.
func (rt *runtime) openTags() (masher.TagSession, error) {
	return buildsys.NewKojiClient(rt.koji)
}

func lockOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "masherd"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

func (rt *runtime) coordinator() *masher.Coordinator {
	return masher.NewCoordinator(rt.cfg, rt.services())
}

func (rt *runtime) Close() {
	if rt.bus != nil {
		rt.bus.Close()
	}
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	if rt.tracing != nil {
		if err := rt.tracing(context.Background()); err != nil {
			logging.Warn("masherd", "tracing shutdown", "error", err)
		}
	}
}
