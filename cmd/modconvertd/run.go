package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"modconvert/internal/api"
	"modconvert/internal/config"
	"modconvert/internal/crypto"
	"modconvert/internal/logx"
	"modconvert/internal/metrics"
	"modconvert/internal/pipeline"
	"modconvert/internal/service"
	"modconvert/internal/store"
)

func buildRunCmd() *cobra.Command {
	var configPath string
	var pretty bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the job queue service and its HTTP façade",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configPath, pretty)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().BoolVar(&pretty, "pretty", isatty.IsTerminal(os.Stdout.Fd()), "use a human-friendly console log writer")
	return cmd
}

// setupLogging configures the global zerolog logger. Both writers are
// wrapped in logx.NewRedactor so a token/secret/password/key value that
// ends up in a log field (a pipeline error message, a persisted job's
// error detail) never reaches stdout in cleartext.
func setupLogging(pretty bool) {
	if pretty {
		out := logx.NewRedactor(colorable.NewColorableStdout())
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen})
		return
	}
	log.Logger = log.Output(zerolog.New(logx.NewRedactor(os.Stdout)).With().Timestamp().Logger())
}

func runServer(configPath string, pretty bool) error {
	setupLogging(pretty)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	svc := service.New(cfg, pipeline.Demo{})

	if cfg.Persistence.Enabled {
		var seal *crypto.Manager
		if cfg.Persistence.Encrypt {
			seal, err = crypto.LoadOrCreate(cfg.Persistence.KeyFile, cfg.Persistence.Passphrase)
			if err != nil {
				return err
			}
		}
		persist, err := store.Open(cfg.Persistence.Path, seal)
		if err != nil {
			return err
		}
		defer persist.Close()
		svc.SetPersistenceHook(persist)
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	svc.SetMetrics(collector)

	svc.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", api.New(svc))

	server := &http.Server{Addr: cfg.Listen, Handler: mux}

	go func() {
		log.Info().Str("addr", cfg.Listen).Msg("starting modconvertd")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.StopGraceMS+5_000)*time.Millisecond)
	defer cancel()

	if err := svc.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("service drain did not complete cleanly")
	}
	return server.Shutdown(shutdownCtx)
}
