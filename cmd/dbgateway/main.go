// Command dbgateway runs the MySQL-wire-protocol reverse proxy: it
// terminates client connections, leases pooled backend connections per
// session, and exposes an admin API for health/readiness/metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dbgateway/dbgateway/internal/activity"
	"github.com/dbgateway/dbgateway/internal/api"
	"github.com/dbgateway/dbgateway/internal/auth"
	"github.com/dbgateway/dbgateway/internal/backend"
	"github.com/dbgateway/dbgateway/internal/config"
	"github.com/dbgateway/dbgateway/internal/controlplane"
	"github.com/dbgateway/dbgateway/internal/metrics"
	"github.com/dbgateway/dbgateway/internal/pool"
	"github.com/dbgateway/dbgateway/internal/router"
	"github.com/dbgateway/dbgateway/internal/session"
	"github.com/dbgateway/dbgateway/internal/tenant"
	"github.com/dbgateway/dbgateway/internal/topology"
)

func main() {
	configPath := flag.String("config", "configs/dbgateway.yaml", "path to configuration file")
	devLogging := flag.Bool("dev", false, "use human-readable text logging instead of JSON")
	flag.Parse()

	setupLogging(*devLogging)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading config", "err", err)
		os.Exit(1)
	}
	slog.Info("config loaded", "path", *configPath, "tenants", len(cfg.Tenants))

	m := metrics.New()
	pm := pool.NewManager(cfg.Defaults)
	pm.SetOnPoolExhausted(func(endpoint string) { m.PoolExhausted(endpoint) })
	pm.SetOnRecycle(func(endpoint, outcome string) { m.RecycleOutcome(endpoint, outcome) })
	pm.StartStatsLoop(5*time.Second, func(s pool.Stats) {
		m.UpdatePoolStats(s.Endpoint, s.Cluster, s.Active, s.Idle, s.Total, s.Waiting)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, credResolver, cpResolver := buildRouter(ctx, cfg, pm, m)

	authenticator := auth.New(cfg.Listen.TLSEnabled())
	window := activity.NewWindow()

	engine := &session.Engine{
		Router:      r,
		Pools:       pm,
		Auth:        authenticator,
		Credentials: credResolver,
		Policy:      router.PolicyRandom,
		Activity:    window,
		Metrics:     m,
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Listen.MySQLPort))
	if err != nil {
		slog.Error("listening for MySQL clients", "port", cfg.Listen.MySQLPort, "err", err)
		os.Exit(1)
	}
	go acceptLoop(ctx, listener, engine)
	slog.Info("mysql listener up", "port", cfg.Listen.MySQLPort)

	var reporter *activity.Reporter
	if cfg.ControlPlane.MembershipURL != "" {
		reporter = activity.NewReporter(window)
		reporter.SetOnFreeze(func(records int) { m.ActivityWindowFrozen(records) })
		reportAddr := fmt.Sprintf(":%d", cfg.Listen.MySQLPort+1)
		go func() {
			if err := reporter.Serve(reportAddr); err != nil {
				slog.Warn("activity reporter stopped", "err", err)
			}
		}()
	}

	apiServer, err := api.NewServer(staticTenantsOrNil(cfg), pm, m, cfg.Listen.APIKey)
	if err != nil {
		slog.Error("building admin api server", "err", err)
		os.Exit(1)
	}
	if cpResolver != nil {
		apiServer.SetReadyFunc(func() bool {
			probeCtx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
			defer cancel()
			return cpResolver.Ready(probeCtx) == nil
		})
	}
	apiAddr := fmt.Sprintf("%s:%d", cfg.Listen.APIBind, cfg.Listen.APIPort)
	if err := apiServer.Start(apiAddr); err != nil {
		slog.Error("starting admin api", "err", err)
		os.Exit(1)
	}

	var watcher *config.Watcher
	if st, ok := r.(*router.Static); ok {
		watcher, err = config.NewWatcher(*configPath, func(newCfg *config.Config) {
			slog.Info("reloading config")
			st.Reload(newCfg)
			pm.UpdateDefaults(newCfg.Defaults)
		})
		if err != nil {
			slog.Warn("config hot-reload unavailable", "err", err)
		}
	}

	slog.Info("dbgateway ready", "mysql_port", cfg.Listen.MySQLPort, "api_addr", apiAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig.String())

	cancel()
	listener.Close()
	if watcher != nil {
		watcher.Stop()
	}
	if reporter != nil {
		reporter.Stop()
	}
	apiServer.Stop()
	pm.Close()
	slog.Info("dbgateway stopped")
}

func setupLogging(dev bool) {
	var handler slog.Handler
	if dev || os.Getenv("LOG_FORMAT") == "text" {
		handler = slog.NewTextHandler(os.Stdout, nil)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, nil)
	}
	slog.SetDefault(slog.New(handler))
}

// buildRouter selects Static or Dynamic routing based on whether a control
// plane is configured, returning the router, the CredentialResolver the
// session engine should use for it, and (dynamic mode only) the resolver
// driving its replica pool.
func buildRouter(ctx context.Context, cfg *config.Config, pm *pool.Manager, m *metrics.Collector) (router.Router, session.CredentialResolver, *controlplane.Resolver) {
	if cfg.ControlPlane.MembershipURL == "" {
		return buildStaticRouter(cfg, pm)
	}
	return buildDynamicRouter(ctx, cfg, pm, m)
}

func buildStaticRouter(cfg *config.Config, pm *pool.Manager) (router.Router, session.CredentialResolver, *controlplane.Resolver) {
	r := router.NewStatic(cfg)

	credsByKey := make(map[tenant.Key]pool.Credentials, len(cfg.Tenants))
	credsByAddr := make(map[string]pool.Credentials, len(cfg.Tenants))
	for _, tc := range cfg.Tenants {
		key := tenant.Key{Region: tc.Region, AZ: tc.AZ, Namespace: tc.Namespace, Cluster: tc.Cluster}
		creds := pool.Credentials{Username: tc.Username, Password: tc.Password, DBName: tc.DBName}
		credsByKey[key] = creds
		credsByAddr[fmt.Sprintf("%s:%d", tc.Host, tc.Port)] = creds
	}

	r.StatusChangeNotify(func(ep backend.Endpoint) {
		switch ep.Status {
		case backend.Available:
			pm.GetOrCreate(ep, credsByAddr[ep.Addr])
		case backend.Unavailable:
			pm.Remove(ep)
		}
	})

	resolver := func(key tenant.Key) pool.Credentials { return credsByKey[key] }
	return r, resolver, nil
}

func buildDynamicRouter(ctx context.Context, cfg *config.Config, pm *pool.Manager, m *metrics.Collector) (router.Router, session.CredentialResolver, *controlplane.Resolver) {
	cp := cfg.ControlPlane
	resolver := controlplane.NewResolver(cp.MembershipURL, cp.DialTimeout)
	resolver.SetOnStatusChange(func(replica string, available bool) { m.ReplicaAvailability(replica, available) })
	resolver.SetOnPick(func(replica string) { m.ResolverPicked(replica) })
	resolver.Start(cp.PollInterval)

	readyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := resolver.Ready(readyCtx); err != nil {
		slog.Warn("control plane not ready within startup timeout, continuing in background", "err", err)
	}

	backends := topology.NewTenantBackends()
	subscriber := topology.NewSubscriber(cp.NodeID, resolver, backends)
	go subscriber.Run(ctx)

	d := router.NewDynamic(backends, subscriber)

	bootstrap := pool.Credentials{Username: cp.BootstrapUsername, Password: cp.BootstrapPassword, DBName: cp.BootstrapDBName}
	d.StatusChangeNotify(func(ep backend.Endpoint) {
		switch ep.Status {
		case backend.Available:
			pm.GetOrCreate(ep, bootstrap)
		case backend.Unavailable:
			pm.Remove(ep)
		}
	})

	credResolver := func(tenant.Key) pool.Credentials { return bootstrap }
	return d, credResolver, resolver
}

func staticTenantsOrNil(cfg *config.Config) map[string]config.TenantConfig {
	if cfg.ControlPlane.MembershipURL != "" {
		return nil
	}
	return cfg.Tenants
}

func acceptLoop(ctx context.Context, listener net.Listener, engine *session.Engine) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				slog.Warn("accept failed", "err", err)
				continue
			}
		}
		go engine.Serve(ctx, conn)
	}
}
