// cmd/dashboard-consumer/main.go
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/osamamunirpk/aws-kafka-containers-monitoring/common/configloader"
	"github.com/osamamunirpk/aws-kafka-containers-monitoring/common/logger"
	"github.com/osamamunirpk/aws-kafka-containers-monitoring/common/shutdown"
	"github.com/osamamunirpk/aws-kafka-containers-monitoring/internal/app"
	"github.com/osamamunirpk/aws-kafka-containers-monitoring/internal/config"
)

func main() {
	var cfgFile string

	root := &cobra.Command{
		Use:           "dashboard-consumer",
		Short:         "Joins a Kafka consumer group and counts the records it receives",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfgFile)
		},
	}
	root.Flags().StringVarP(&cfgFile, "config", "c", "", "path to YAML config (optional)")

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "dashboard-consumer: %v\n", err)
		os.Exit(1)
	}
}

func run(parent context.Context, cfgFile string) error {
	// 1. Конфиг
	cfg, err := config.Load(cfgFile, config.RoleConsumer)
	if err != nil {
		return err
	}

	// 2. Логгер
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	// 3. Контекст с отменой по сигналам
	ctx, cancel := shutdown.SignalContext(parent, log)
	defer cancel()

	log.Info("starting service",
		zap.String("service.name", cfg.ServiceName),
		zap.String("service.version", cfg.ServiceVersion),
	)
	log.Sugar().Debugf("loaded configuration: %s", configloader.Dump(cfg))

	// 4. Основной цикл
	if err := app.RunConsumer(ctx, cfg, log); err != nil {
		log.Error("application exited with error", zap.Error(err))
		return err
	}
	log.Info("shutdown complete")
	return nil
}
