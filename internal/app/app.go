// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	gometrics "github.com/rcrowley/go-metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/osamamunirpk/aws-kafka-containers-monitoring/common"
	"github.com/osamamunirpk/aws-kafka-containers-monitoring/common/httpserver"
	"github.com/osamamunirpk/aws-kafka-containers-monitoring/common/kafka/clientmetrics"
	"github.com/osamamunirpk/aws-kafka-containers-monitoring/common/logger"
	"github.com/osamamunirpk/aws-kafka-containers-monitoring/common/shutdown"
	"github.com/osamamunirpk/aws-kafka-containers-monitoring/common/telemetry"
	"github.com/osamamunirpk/aws-kafka-containers-monitoring/internal/config"
	"github.com/osamamunirpk/aws-kafka-containers-monitoring/internal/metrics"
)

const defaultShutdownTimeout = 5 * time.Second

// runner — основной цикл роли.
type runner interface {
	Run(ctx context.Context) error
}

// env — общая для обеих ролей инфраструктура процесса.
type env struct {
	cfg      *config.Config
	log      *logger.Logger
	registry gometrics.Registry
	shutdown func(context.Context) error
}

// setup инициализирует имя сервиса, метрики и трассировку.
func setup(ctx context.Context, cfg *config.Config, log *logger.Logger) (*env, error) {
	common.InitServiceName(cfg.ServiceName)
	metrics.Register(nil)

	tcfg := cfg.Telemetry
	tcfg.ServiceName = cfg.ServiceName
	tcfg.ServiceVersion = cfg.ServiceVersion
	shutdownTracer, err := telemetry.InitTracer(ctx, tcfg, log)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	return &env{
		cfg:      cfg,
		log:      log,
		registry: gometrics.NewRegistry(),
		shutdown: shutdownTracer,
	}, nil
}

func (e *env) close() {
	timeout := e.cfg.Telemetry.Timeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	_ = shutdown.GracefulShutdown("telemetry", timeout, e.shutdown, e.log)
}

// exportClientMetrics публикует реестр go-metrics клиента Sarama в Prometheus.
func (e *env) exportClientMetrics(clientID string) {
	c := clientmetrics.New(e.registry, "sarama", clientID)
	if err := prometheus.Register(c); err != nil {
		e.log.Warn("client metrics not exported", zap.Error(err))
	}
}

// serve запускает цикл и (если включён) HTTP-сервер в одной errgroup.
// Ошибка любого из них останавливает второй.
func (e *env) serve(ctx context.Context, loop runner, ready httpserver.ReadyChecker) error {
	g, gctx := errgroup.WithContext(ctx)

	if e.cfg.HTTP.Enabled {
		srv, err := httpserver.New(httpserver.Config{
			Addr:            e.cfg.HTTP.Addr(),
			ReadTimeout:     e.cfg.HTTP.ReadTimeout,
			WriteTimeout:    e.cfg.HTTP.WriteTimeout,
			IdleTimeout:     e.cfg.HTTP.IdleTimeout,
			ShutdownTimeout: e.cfg.HTTP.ShutdownTimeout,
			MetricsPath:     e.cfg.HTTP.MetricsPath,
			HealthzPath:     e.cfg.HTTP.HealthzPath,
			ReadyzPath:      e.cfg.HTTP.ReadyzPath,
		}, ready, nil, e.log)
		if err != nil {
			return fmt.Errorf("httpserver init: %w", err)
		}
		g.Go(func() error { return srv.Start(gctx) })
	}

	g.Go(func() error {
		err := loop.Run(gctx)
		if err == nil && ctx.Err() == nil {
			// цикл завершился штатно без внешней отмены — останавливаем сервер
			return errLoopStopped
		}
		return err
	})

	err := g.Wait()
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		e.log.Info("service stopped by context")
		return nil
	case errors.Is(err, errLoopStopped):
		return nil
	default:
		return err
	}
}

var errLoopStopped = errors.New("loop stopped")
