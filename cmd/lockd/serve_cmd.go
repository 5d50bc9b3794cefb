package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/lockd"
	"pkt.systems/lockd/internal/loggingutil"
	"pkt.systems/pslog"
)

func newServeCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the lockd server",
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			if err := loadConfigFile(configFile); err != nil {
				return err
			}

			cfg := lockd.DefaultConfig()
			if err := bindServeConfig(&cfg); err != nil {
				return err
			}

			level := viper.GetString("log-level")
			mode := viper.GetString("log-mode")
			if level != "" {
				cfg.LogLevel = level
			}
			if mode != "" {
				cfg.LogMode = mode
			}

			logger := baseLogger
			if parsed, ok := pslog.ParseLevel(cfg.LogLevel); ok {
				logger = logger.LogLevel(parsed)
			}
			cliLogger := loggingutil.WithSubsystem(logger, "cli.serve")

			server, err := lockd.NewServer(cfg, lockd.WithLogger(logger))
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			cliLogger.Info("lockd.serve.starting", "listen", cfg.Listen)
			if err := server.Start(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("listen", lockd.DefaultListen, "TCP listen address")
	flags.Duration("default-timeout", lockd.DefaultTimeout, "acquire deadline used when a command omits one")
	flags.Bool("greedy-readers", lockd.DefaultGreedyReaders, "allow new readers to join even with writers queued")
	flags.Int("writer-buffer-size", lockd.DefaultWriterBufferSize, "per-connection outbound queue capacity before drop-oldest engages")
	flags.String("metrics-listen", lockd.DefaultMetricsListen, "Prometheus /metrics listen address (empty disables)")
	flags.String("pprof-listen", lockd.DefaultPprofListen, "net/http/pprof listen address (empty disables)")
	flags.Bool("connguard-enabled", false, "enable listener-level connection guarding")
	flags.Int("connguard-failure-threshold", lockd.DefaultConnGuardFailureThreshold, "suspicious events before hard-blocking a remote")
	flags.Duration("connguard-failure-window", lockd.DefaultConnGuardFailureWindow, "window for counting suspicious events")
	flags.Duration("connguard-block-duration", lockd.DefaultConnGuardBlockDuration, "how long a blocked remote stays blocked")
	flags.Duration("connguard-probe-timeout", lockd.DefaultConnGuardProbeTimeout, "timeout for the pre-classification probe")

	for _, name := range []string{
		"listen", "default-timeout", "greedy-readers", "writer-buffer-size",
		"metrics-listen", "pprof-listen", "connguard-enabled",
		"connguard-failure-threshold", "connguard-failure-window",
		"connguard-block-duration", "connguard-probe-timeout",
	} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	return cmd
}

func bindServeConfig(cfg *lockd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.DefaultTimeout = viper.GetDuration("default-timeout")
	cfg.GreedyReaders = viper.GetBool("greedy-readers")
	cfg.WriterBufferSize = viper.GetInt("writer-buffer-size")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.ConnGuardEnabled = viper.GetBool("connguard-enabled")
	cfg.ConnGuardFailureThreshold = viper.GetInt("connguard-failure-threshold")
	cfg.ConnGuardFailureWindow = viper.GetDuration("connguard-failure-window")
	cfg.ConnGuardBlockDuration = viper.GetDuration("connguard-block-duration")
	cfg.ConnGuardProbeTimeout = viper.GetDuration("connguard-probe-timeout")
	return cfg.Validate()
}
