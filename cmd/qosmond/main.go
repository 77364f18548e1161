package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v2"

	"github.com/streamhouse/qosmon/pkg/qos/controller"
	"github.com/streamhouse/qosmon/pkg/qos/deployment"
	"github.com/streamhouse/qosmon/pkg/qos/ingest"
)

func main() {
	var (
		cfg             controller.Config
		configFile      string
		constraintsFile string
		jobID           string
		listenAddr      string
		logLevel        string
	)
	fs := flag.NewFlagSet("qosmond", flag.ExitOnError)
	cfg.RegisterFlags(fs)
	fs.StringVar(&configFile, "config.file", "", "Optional YAML file with controller configuration, overrides flag defaults.")
	fs.StringVar(&constraintsFile, "constraints.file", "", "YAML file declaring the job's latency constraints. Required.")
	fs.StringVar(&jobID, "job.id", "", "Job id to monitor. A random id is generated when empty.")
	fs.StringVar(&listenAddr, "http.listen-addr", ":9095", "Address to expose the ingest API and /metrics on.")
	fs.StringVar(&logLevel, "log.level", "info", "Log level: debug, info, warn, error.")
	_ = fs.Parse(os.Args[1:])

	logger := newLogger(logLevel)

	if err := run(cfg, configFile, constraintsFile, jobID, listenAddr, logger); err != nil {
		level.Error(logger).Log("msg", "qosmond failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg controller.Config, configFile, constraintsFile, jobID, listenAddr string, logger log.Logger) error {
	if configFile != "" {
		b, err := os.ReadFile(configFile)
		if err != nil {
			return errors.Wrap(err, "reading config file")
		}
		if err := yaml.UnmarshalStrict(b, &cfg); err != nil {
			return errors.Wrap(err, "parsing config file")
		}
	}

	if constraintsFile == "" {
		return errors.New("-constraints.file is required")
	}
	b, err := os.ReadFile(constraintsFile)
	if err != nil {
		return errors.Wrap(err, "reading constraints file")
	}
	constraints, err := deployment.ParseConstraints(b)
	if err != nil {
		return errors.Wrap(err, "loading constraints")
	}

	job := uuid.New()
	if jobID != "" {
		if job, err = uuid.Parse(jobID); err != nil {
			return errors.Wrap(err, "parsing -job.id")
		}
	}

	ctrl, err := controller.New(cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	ctrl.RegisterListener(controller.NewLogListener(logger))
	if err := ctrl.Open(job, constraints); err != nil {
		return errors.Wrap(err, "opening qos controller")
	}

	router := mux.NewRouter()
	ingest.NewAPI(ctrl, logger, prometheus.DefaultRegisterer).RegisterRoutes(router)
	router.Path("/metrics").Handler(promhttp.Handler())
	router.Path("/ready").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "ready")
	})

	server := &http.Server{Addr: listenAddr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		level.Info(logger).Log("msg", "listening", "addr", listenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		level.Info(logger).Log("msg", "shutting down", "signal", sig)
	case err := <-errCh:
		_ = ctrl.Close()
		return errors.Wrap(err, "http server")
	}

	if err := ctrl.Close(); err != nil {
		level.Warn(logger).Log("msg", "closing qos controller", "err", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Wrap(server.Shutdown(ctx), "http shutdown")
}

func newLogger(lvl string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	var opt level.Option
	switch lvl {
	case "debug":
		opt = level.AllowDebug()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		opt = level.AllowInfo()
	}
	logger = level.NewFilter(logger, opt)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}
