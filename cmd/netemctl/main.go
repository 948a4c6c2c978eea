package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/signalsfoundry/netem-controller/core"
	"github.com/signalsfoundry/netem-controller/internal/audit"
	"github.com/signalsfoundry/netem-controller/internal/logging"
	"github.com/signalsfoundry/netem-controller/internal/observability"
	"github.com/signalsfoundry/netem-controller/internal/sbi"
	"github.com/signalsfoundry/netem-controller/timectrl"
)

func main() {
	scenarioPath := flag.String("scenario", "", "path to the scenario document (required)")
	targetsFlag := flag.String("targets", "", "comma-separated endpoint names (required)")
	defaultIface := flag.String("interface", "eth0", "interface to shape in uniform (non-roaming) mode")
	auditDir := flag.String("audit-dir", "artifacts", "directory for the audit log and run artifacts")
	networksFlag := flag.String(
		"networks",
		"",
		"logical network rules as label=cidr,label=cidr (default: testbed wifi/cellular networks)",
	)
	metricsAddr := flag.String("metrics-addr", "", "listen address for /metrics (disabled when empty)")
	dockerBin := flag.String("docker", "docker", "docker client binary used to reach endpoints")
	runID := flag.String("run-id", "", "run identifier for log correlation (random when empty)")

	flag.Parse()

	// Required parameters are validated before anything touches an
	// endpoint's network stack.
	if *scenarioPath == "" {
		fatalUsage("missing required -scenario")
	}
	targets, err := parseTargets(*targetsFlag)
	if err != nil {
		fatalUsage(err.Error())
	}

	rules := core.DefaultNetworkRules()
	if *networksFlag != "" {
		rules, err = core.ParseNetworkRules(*networksFlag)
		if err != nil {
			fatalUsage(err.Error())
		}
	}

	log, id := logging.WithRunLogger(logging.NewFromEnv(), *runID)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ParseError is the only fatal error kind; it always surfaces here,
	// before any mutation.
	scenario, err := core.LoadScenarioFile(*scenarioPath)
	if err != nil {
		log.Error(ctx, "scenario rejected", logging.Err(err))
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "tracing init failed", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	metrics, err := observability.NewControllerCollector(nil)
	if err != nil {
		log.Error(ctx, "metrics init failed", logging.Err(err))
		os.Exit(1)
	}
	metrics.SetScenarioSteps(len(scenario.Steps))
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Warn(ctx, "metrics listener stopped", logging.Err(err))
			}
		}()
	}

	auditLog, err := audit.Open(*auditDir, nil)
	if err != nil {
		log.Error(ctx, "audit log unavailable", logging.Err(err))
		os.Exit(1)
	}
	defer auditLog.Close()

	auditLog.Header(id, scenario.Name, scenario.Seed, targets)
	if err := auditLog.SaveScenario(scenario.Raw); err != nil {
		log.Warn(ctx, "scenario copy not persisted", logging.Err(err))
	}

	runner := &sbi.DockerRunner{Binary: *dockerBin}
	applicator := &core.Applicator{Runner: runner, Audit: auditLog, Log: log, Metrics: metrics}
	stepper := &core.Stepper{
		Scenario:         scenario,
		Targets:          targets,
		DefaultInterface: *defaultIface,
		Classifier:       &core.Classifier{Runner: runner, Rules: rules, Audit: auditLog, Metrics: metrics},
		Applicator:       applicator,
		Clock:            timectrl.RealClock{},
		Audit:            auditLog,
		Log:              log,
		Metrics:          metrics,
	}

	log.Info(ctx, "run starting",
		logging.String("scenario", scenario.Name),
		logging.Int("steps", len(scenario.Steps)),
		logging.Strings("targets", targets),
		logging.String("audit_dir", auditLog.Dir()),
	)

	runErr := stepper.Run(ctx)

	// Best-effort clear-all on every exit path, including interruption.
	// The run context is already cancelled by now, so the cleanup gets its
	// own bounded one.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	touched := stepper.TouchedInterfaces()
	if len(touched) == 0 {
		touched = make(map[string][]string, len(targets))
		for _, ep := range targets {
			touched[ep] = []string{*defaultIface}
		}
	}
	if err := applicator.ClearAll(cleanupCtx, touched); err != nil {
		log.Warn(cleanupCtx, "cleanup pass left residue", logging.Err(err))
	}
	auditLog.Event("CLEANUP_COMPLETE", "endpoints", len(touched))

	if failures := stepper.Failures(); len(failures) > 0 {
		log.Warn(cleanupCtx, "run finished with recovered failures", logging.Int("count", len(failures)))
	}
	if runErr != nil && stepper.State() == core.StateInterrupted {
		log.Info(cleanupCtx, "run interrupted", logging.Int("step", stepper.CurrentStep()+1))
	}
}

// parseTargets splits the -targets flag, rejecting an effectively empty
// list.
func parseTargets(spec string) ([]string, error) {
	var targets []string
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			targets = append(targets, part)
		}
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("missing required -targets (comma-separated endpoint names)")
	}
	return targets, nil
}

func fatalUsage(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	flag.Usage()
	os.Exit(2)
}
