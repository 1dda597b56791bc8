// Package serve parses serve command flags and runs the store server.
package serve

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	promadapter "tagredis/adapters/prometheus"
	"tagredis/config"
	"tagredis/db"
	"tagredis/server"
)

const shutdownTimeout = 5 * time.Second

// Config holds serve command configuration.
type Config struct {
	Addr        string        `env:"TAGREDIS_ADDR" envDefault:"127.0.0.1:6399"`
	Unix        string        `env:"TAGREDIS_UNIX_SOCKET"`
	RequirePass string        `env:"TAGREDIS_REQUIREPASS"`
	MetricsAddr string        `env:"TAGREDIS_METRICS_ADDR"`
	Databases   int           `env:"TAGREDIS_DATABASES" envDefault:"16"`
	MaxMemory   int64         `env:"TAGREDIS_MAXMEMORY"`
	Policy      string        `env:"TAGREDIS_MAXMEMORY_POLICY" envDefault:"lru"`
	AppendFile  string        `env:"TAGREDIS_APPENDFILENAME"`
	AppendFsync time.Duration `env:"TAGREDIS_APPENDFSYNC" envDefault:"1s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "TCP listen address")
	fs.StringVar(&cfg.Unix, "unix", cfg.Unix, "Unix socket path (overrides -addr)")
	fs.StringVar(&cfg.RequirePass, "requirepass", cfg.RequirePass, "Password clients must AUTH with")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus listen address, empty to disable")
	fs.IntVar(&cfg.Databases, "databases", cfg.Databases, "Number of logical databases")
	fs.Int64Var(&cfg.MaxMemory, "maxmemory", cfg.MaxMemory, "Per-database byte limit, 0 for none")
	fs.StringVar(&cfg.Policy, "policy", cfg.Policy, "Eviction order among keys with a TTL: lru or lfu")
	fs.StringVar(&cfg.AppendFile, "appendonly", cfg.AppendFile, "Append-only log path, empty to disable")
	fs.DurationVar(&cfg.AppendFsync, "appendfsync", cfg.AppendFsync, "Append-only log fsync period")
	if args == nil {
		args = []string{}
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run serves until ctx is cancelled, then shuts the server down.
func Run(ctx context.Context, cfg Config, log *slog.Logger) error {
	return run(ctx, cfg, log, nil)
}

func run(ctx context.Context, cfg Config, log *slog.Logger, ready func(store, metrics net.Addr)) error {
	store, err := db.New(db.Config{
		Databases:   cfg.Databases,
		MaxBytes:    cfg.MaxMemory,
		Policy:      cfg.Policy,
		AppendFile:  cfg.AppendFile,
		AppendFsync: cfg.AppendFsync,
		Logger:      log,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	srvCfg := server.Config{
		Network:     "tcp",
		Addr:        cfg.Addr,
		RequirePass: cfg.RequirePass,
		Logger:      log,
	}
	if cfg.Unix != "" {
		srvCfg.Network = "unix"
		srvCfg.Addr = cfg.Unix
	}

	var metricsServer *http.Server
	var metricsListener net.Listener
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		srvCfg.Metrics = promadapter.NewServerMetrics(reg)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		metricsListener, err = net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			return err
		}
		log.Info("prometheus metrics server starting", "addr", metricsListener.Addr().String())
	}

	srv := server.New(srvCfg, store)
	if err := srv.Listen(); err != nil {
		if metricsListener != nil {
			_ = metricsListener.Close()
		}
		return err
	}
	if ready != nil {
		var maddr net.Addr
		if metricsListener != nil {
			maddr = metricsListener.Addr()
		}
		ready(srv.Addr(), maddr)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Serve)
	if metricsServer != nil {
		g.Go(func() error {
			if err := metricsServer.Serve(metricsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		err := srv.Shutdown(shutdownCtx)
		if metricsServer != nil {
			err = errors.Join(err, metricsServer.Shutdown(shutdownCtx))
		}
		return err
	})
	return g.Wait()
}
