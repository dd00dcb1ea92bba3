package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/humblenginr/iris_pipeline/actor"
	"github.com/humblenginr/iris_pipeline/artifact"
	"github.com/humblenginr/iris_pipeline/config"
	"github.com/humblenginr/iris_pipeline/dag"
	"github.com/humblenginr/iris_pipeline/logger"
	"github.com/humblenginr/iris_pipeline/metrics"
	"github.com/humblenginr/iris_pipeline/pipeline"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
	v       = viper.New()
)

var rootCmd = &cobra.Command{
	Use:           "iris",
	Short:         "Train and serve the iris KNN classifier on a task-graph engine",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		logger.Init(cfg.Logger())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./"+config.DefaultFile+" when present)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error or disabled")
	rootCmd.PersistentFlags().Bool("log-json", false, "log as JSON")
	rootCmd.PersistentFlags().String("store", "", "artifact store driver: memory or sqlite")

	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log.json", rootCmd.PersistentFlags().Lookup("log-json"))
	_ = v.BindPFlag("store.driver", rootCmd.PersistentFlags().Lookup("store"))

	rootCmd.AddCommand(runCmd, serveCmd, artifactsCmd)
}

// app holds the wired engine shared by the commands.
type app struct {
	store   artifact.Store
	pool    *actor.Pool
	exec    *dag.Executor
	metrics *metrics.Metrics
	log     logger.Logger
}

func openStore(c config.Config) (artifact.Store, error) {
	switch c.Store.Driver {
	case config.DriverMemory:
		return artifact.NewMemoryStore(), nil
	case config.DriverSQLite:
		return artifact.OpenSQLite(c.Store.Path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
}

func newApp(c config.Config) (*app, error) {
	log := logger.GetDefault()
	store, err := openStore(c)
	if err != nil {
		return nil, fmt.Errorf("opening artifact store: %w", err)
	}

	m := metrics.New()
	pool, err := actor.NewPool(c.Pool(), actor.WithLogger(log), actor.WithMetrics(m))
	if err != nil {
		store.Close()
		return nil, err
	}

	registry := dag.NewRegistry()
	if err := pipeline.Register(registry, c.Pipeline()); err != nil {
		pool.Close()
		store.Close()
		return nil, err
	}

	exec := dag.NewExecutor(registry, store,
		dag.WithConcurrency(c.Executor.Concurrency),
		dag.WithPool(pool),
		dag.WithLogger(log),
		dag.WithMetrics(m),
	)
	log.Debug("engine ready", "store", c.Store.Driver, "pool", pool.Name(), "tasks", len(registry.Names()))
	return &app{store: store, pool: pool, exec: exec, metrics: m, log: log}, nil
}

func (a *app) Close() error {
	return errors.Join(a.pool.Close(), a.store.Close())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.GetDefault().Error("command failed", "err", err)
		os.Exit(1)
	}
}
