// Command example listens on the queues named in a YAML config file and
// acks every job ok.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/infigaming-com/go-jetqueue/config"
	"github.com/infigaming-com/go-jetqueue/jetqueue"
	"github.com/infigaming-com/go-jetqueue/observability/metrics"
	"github.com/infigaming-com/go-jetqueue/observability/prom"
	"github.com/infigaming-com/go-jetqueue/util"
	"github.com/infigaming-com/go-jetqueue/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type listener interface {
	Listen(ctx context.Context, handler jetqueue.Handler, lopts jetqueue.ListenOptions) error
}

func main() {
	path := flag.String("config", "jetqueue.yaml", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		zap.L().Fatal("fail to load config", zap.Error(err))
	}

	lg, undo := util.NewLogger(util.WithLogLevel(util.ParseLogLevel(cfg.LogLevel)))
	defer undo()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := prom.NewCollector()
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)

	var open atomic.Bool
	hooks := []jetqueue.Hooks{
		collector.Hooks(),
		{
			OnStateChange: func(_ context.Context, _ string, _, to jetqueue.ConnState) {
				open.Store(to == jetqueue.StateOpen)
			},
		},
	}

	if cfg.Metrics.OTLPEndpoint != "" || cfg.Metrics.OTLPGRPC != "" {
		exporter, shutdown, err := metrics.NewMetricExporter(
			metrics.WithServiceName(cfg.Metrics.ServiceName),
			metrics.WithOTLPEndpoint(cfg.Metrics.OTLPEndpoint),
			metrics.WithOTLPGRPCEndpoint(cfg.Metrics.OTLPGRPC),
		)
		if err != nil {
			lg.Fatal("fail to init metric exporter", zap.Error(err))
		}
		defer shutdown()
		recorder, err := metrics.NewRecorder(exporter.Meter())
		if err != nil {
			lg.Fatal("fail to init metric recorder", zap.Error(err))
		}
		hooks = append(hooks, recorder.Hooks())
	}

	opts, closeClient, err := cfg.ClientOptions(lg, jetqueue.WithHooks(jetqueue.ChainHooks(hooks...)))
	if err != nil {
		lg.Fatal("fail to build client options", zap.Error(err))
	}
	defer closeClient()

	var l listener
	if cfg.Queue != "" {
		l, err = jetqueue.NewQueue(cfg.Queue, opts...)
	} else {
		l, err = jetqueue.NewSubscriber(cfg.Subscriptions, opts...)
	}
	if err != nil {
		lg.Fatal("fail to create listener", zap.Error(err))
	}

	server := web.NewServer(lg,
		web.WithPort(int64(cfg.Metrics.Port)),
		web.WithRoute(http.MethodGet, "/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))),
		web.WithHealthCheck(func(context.Context) error {
			if !open.Load() {
				return errors.New("job connection not open")
			}
			return nil
		}),
	)

	handler := jetqueue.HandlerFunc(func(ctx context.Context, jobs []jetqueue.Job, acker jetqueue.Acker) error {
		entries := make([]jetqueue.AckEntry, 0, len(jobs))
		for _, job := range jobs {
			lg.Info("job received", zap.String("queue", job.Queue), zap.Int64("jobId", int64(job.ID)))
			entries = append(entries, job.OK())
		}
		return jetqueue.AckJobs(acker, entries...)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		err := l.Listen(gctx, handler, cfg.ListenOptions())
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if err := g.Wait(); err != nil {
		lg.Error("listener stopped", zap.Error(err))
		os.Exit(1)
	}
	lg.Info("listener stopped")
}
