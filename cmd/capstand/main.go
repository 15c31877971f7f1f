package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/capstan-io/capstan/approval"
	"github.com/capstan-io/capstan/executor"
	"github.com/capstan-io/capstan/health"
	transport "github.com/capstan-io/capstan/http"
	"github.com/capstan-io/capstan/ledger"
	"github.com/capstan-io/capstan/notify"
	"github.com/capstan-io/capstan/orchestrator"
	"github.com/capstan-io/capstan/platform"
	"github.com/capstan-io/capstan/registry"
	"github.com/capstan-io/capstan/render"
	"github.com/capstan-io/capstan/snapshot"
)

func main() {
	// Flag domain.
	fs := pflag.NewFlagSet("default", pflag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "DESCRIPTION\n")
		fmt.Fprintf(os.Stderr, "  capstand promotes artifacts through environments, gated by health checks and approvals.\n")
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "FLAGS\n")
		fs.PrintDefaults()
	}
	var (
		listenAddr        = fs.StringP("listen", "l", ":3031", "Listen address for API clients")
		configPath        = fs.String("config", "capstan.yaml", "Path to the environment chain and render config")
		databaseSource    = fs.String("database-source", "file:capstan.db", "SQLite DSN for the deployment ledger")
		snapshotRetention = fs.Int("snapshot-retention", snapshot.DefaultRetention, "Snapshots to keep per environment")
		healthInterval    = fs.Duration("health-interval", health.DefaultPollInterval, "Interval between health probes")
		healthDwell       = fs.Duration("health-dwell", health.DefaultDwell, "How long a target must stay healthy to pass")
		slackHookURL      = fs.String("slack-hook-url", "", "Slack webhook URL for deployment notifications; empty disables Slack")
		slackUsername     = fs.String("slack-username", "capstan", "Username to post Slack notifications as")
		shutdownTimeout   = fs.Duration("shutdown-timeout", 30*time.Second, "How long to wait for pipelines to park on shutdown")
	)
	fs.Parse(os.Args)

	// Logger component.
	var logger log.Logger
	{
		logger = log.NewLogfmtLogger(os.Stderr)
		logger = log.With(logger, "ts", log.DefaultTimestampUTC)
		logger = log.With(logger, "caller", log.DefaultCaller)
	}

	// Configuration. Everything depends on the chain, so fail hard.
	chain, envConfigs, artifacts, err := loadConfig(*configPath)
	if err != nil {
		logger.Log("stage", "config", "err", err)
		os.Exit(1)
	}

	// Ledger component. Migrations run on open.
	var deploymentLedger ledger.Ledger
	{
		l, err := ledger.Open(*databaseSource)
		if err != nil {
			logger.Log("stage", "ledger init", "err", err)
			os.Exit(1)
		}
		defer l.Close()
		deploymentLedger = ledger.Instrumented(l)
		logger.Log("ledger", *databaseSource)
	}

	// Platform component.
	pform := platform.NewStandalone()

	// Registry component, seeded from config.
	var resolver *registry.Resolver
	{
		source := registry.NewInMemSource()
		for _, a := range artifacts {
			source.Add(a)
		}
		resolver = registry.NewResolver(source, log.With(logger, "component", "registry"))
	}

	// Render component.
	renderer, err := render.NewRenderer()
	if err != nil {
		logger.Log("stage", "render init", "err", err)
		os.Exit(1)
	}

	// Notification component. Failures are logged, never fatal.
	var notifier notify.Notifier
	{
		sinks := []notify.Notifier{notify.NewLogNotifier(log.With(logger, "component", "notify"))}
		if *slackHookURL != "" {
			sinks = append(sinks, notify.NewSlackNotifier(http.DefaultClient, *slackHookURL, *slackUsername))
		}
		notifier = notify.NewMulti(log.With(logger, "component", "notify"), sinks...)
	}

	// Orchestrator component.
	var orch *orchestrator.Orchestrator
	{
		snapshots := snapshot.NewManager(pform, deploymentLedger, *snapshotRetention, log.With(logger, "component", "snapshot"))
		exec := executor.New(pform, log.With(logger, "component", "executor"))
		validator := health.NewValidator(pform, *healthInterval, *healthDwell, log.With(logger, "component", "health"))
		gate := approval.NewGate()
		orch = orchestrator.New(
			deploymentLedger, resolver, renderer, snapshots, exec, validator, gate, notifier,
			orchestrator.Config{Chain: chain, EnvConfigs: envConfigs},
			orchestrator.NewMetrics(),
			log.With(logger, "component", "orchestrator"),
		)
	}

	// Resume whatever the previous process left unfinished.
	if err := orch.Recover(context.Background()); err != nil {
		logger.Log("stage", "recover", "err", err)
		os.Exit(1)
	}

	// HTTP transport component.
	errc := make(chan error)
	{
		router := transport.NewRouter()
		handler := transport.NewHandler(orch, router, log.With(logger, "component", "http"))
		mux := http.NewServeMux()
		mux.Handle("/v1/", handler)
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			logger.Log("addr", *listenAddr)
			errc <- http.ListenAndServe(*listenAddr, mux)
		}()
	}

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	logger.Log("exiting", <-errc)
	if err := orch.Stop(*shutdownTimeout); err != nil {
		logger.Log("stage", "shutdown", "err", err)
	}
}
