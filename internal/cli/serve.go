package cli

import (
	"context"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/yairfalse/flowreg/pkg/config"
	"github.com/yairfalse/flowreg/pkg/logging"
	"github.com/yairfalse/flowreg/pkg/metrics"
	"github.com/yairfalse/flowreg/pkg/registry"
	"github.com/yairfalse/flowreg/pkg/shutdown"
)

var metricsAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the flow registry daemon",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "listen address for the Prometheus scrape endpoint (empty disables)")
	viper.BindPFlag("metrics_addr", serveCmd.Flags().Lookup("metrics-addr"))
}

func loadConfig() (*config.Config, error) {
	if used := viper.ConfigFileUsed(); used != "" {
		return config.Load(used)
	}
	cfg := config.Default()
	if dir := viper.GetString("channel_dir"); dir != "" {
		cfg.Transport.ChannelDir = dir
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, cfg.Validate()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg, err := registry.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := shutdown.Context()
	defer cancel()

	if err := reg.Start(ctx); err != nil {
		return err
	}

	handler := shutdown.NewHandler(30*time.Second, logger)
	handler.Register("registry", reg.Stop)

	if addr := viper.GetString("metrics_addr"); addr != "" {
		exporter, err := metrics.NewExporter(reg)
		if err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", exporter.Handler())
		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
		handler.Register("metrics-endpoint", func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		})
		logger.Info("metrics endpoint listening", zap.String("addr", addr))
	}

	handler.Start()

	<-ctx.Done()
	handler.Shutdown()
	handler.Wait()
	return nil
}
