// Command fleetctl drives a fleet plan through bring-up, tear-down, or
// repair against a YAML plan file: one cobra root, one subcommand per
// lifecycle verb, shared config/store/cloud wiring pulled into small
// helpers.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetboot/fleetboot/internal/config"
	"github.com/fleetboot/fleetboot/internal/fleet"
	"github.com/fleetboot/fleetboot/internal/iaas"
	"github.com/fleetboot/fleetboot/internal/logging"
	"github.com/fleetboot/fleetboot/internal/metrics"
	"github.com/fleetboot/fleetboot/internal/observability"
	"github.com/fleetboot/fleetboot/internal/remote"
	"github.com/fleetboot/fleetboot/internal/store"
)

var (
	configFile   string
	logLevel     string
	logFormat    string
	pollInterval time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fleetctl",
		Short: "fleetctl - coordinated VM fleet bring-up and tear-down",
		Long:  "A polling-based orchestration CLI that brings a fleet of VMs up, tears it down, or repairs it against a YAML plan.",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "f", "", "path to the plan/config YAML file (required)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override daemon.log_level")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "override daemon.log_format (text, json)")
	rootCmd.PersistentFlags().DurationVar(&pollInterval, "poll-interval", 0, "override the plan poll interval")

	rootCmd.AddCommand(
		upCmd(),
		downCmd(),
		repairCmd(),
		statusCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the plan/config file named by --config, overlays
// FLEET_*-prefixed env vars, then applies any --log-level/--log-format
// flags the invocation set explicitly.
func loadConfig() (*config.Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.LoadFromFile(configFile)
	if err != nil {
		return nil, err
	}
	config.LoadFromEnv(cfg)
	if logLevel != "" {
		cfg.Daemon.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.Daemon.LogFormat = logFormat
	}
	return cfg, nil
}

// initObservability wires structured logging, OpenTelemetry tracing,
// and the Prometheus registry from cfg.
func initObservability(ctx context.Context, cfg *config.Config) error {
	logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)

	if cfg.Daemon.LogFile != "" {
		if err := logging.Default().SetOutput(cfg.Daemon.LogFile); err != nil {
			return fmt.Errorf("open log file %s: %w", cfg.Daemon.LogFile, err)
		}
	}
	if cfg.Daemon.LogConsole != nil {
		logging.Default().SetConsole(*cfg.Daemon.LogConsole)
	}

	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Observability.TracingEnabled,
		Exporter:    "otlp-http",
		Endpoint:    cfg.Observability.OTLPEndpoint,
		ServiceName: "fleetboot",
		SampleRate:  1.0,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	metrics.InitPrometheus("fleetboot", nil)
	return nil
}

// serveMetrics starts the /metrics (JSON) and /metrics/prometheus
// endpoints in the background when addr is set, and stops them when
// ctx is cancelled.
func serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Global().JSONHandler())
	mux.Handle("GET /metrics/prometheus", metrics.PrometheusHandler())
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("metrics server exited", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}

func buildCloud(cfg *config.Config) iaas.Cloud {
	if cfg.IaaS.UseMemory {
		return iaas.NewMemoryCloud()
	}
	return iaas.NewEc2Cloud()
}

func buildStore(ctx context.Context, cfg *config.Config) (fleet.RecordStore, error) {
	if cfg.Store.PostgresDSN != "" {
		return store.NewPostgresStore(ctx, cfg.Store.PostgresDSN)
	}
	return store.NewMemoryStore(), nil
}

// buildPlan constructs a Plan from cfg's level list and registers every
// record, in file order, as one AddLevel call per level. When hydrate
// is set, each record is first overlaid with its persisted runtime
// state (instance_id, state, hostname, exported attributes, history)
// so down/repair operate against what was actually launched rather
// than the bare plan file.
func buildPlan(ctx context.Context, cfg *config.Config, st fleet.RecordStore, cloud iaas.Cloud, hydrate bool) (*fleet.Plan, error) {
	plan := fleet.NewPlan(st, cloud, remote.DefaultConfig(), nil)
	for _, level := range cfg.Plan.Records(cfg.IaaS) {
		if hydrate {
			for _, rec := range level {
				hydrateFromStore(ctx, st, rec)
			}
		}
		if err := plan.AddLevel(level); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// hydrateFromStore overlays rec's runtime fields with its persisted
// record, if one exists. A fresh fleet (or a service never
// successfully launched) has no persisted record, in which case rec
// is left as the plan file describes it.
func hydrateFromStore(ctx context.Context, st fleet.RecordStore, rec *fleet.Record) {
	persisted, err := st.Load(ctx, rec.Name)
	if err != nil {
		return
	}
	rec.ID = persisted.ID
	rec.InstanceID = persisted.InstanceID
	rec.State = persisted.State
	rec.Hostname = persisted.Hostname
	rec.LastError = persisted.LastError
	rec.Exported = persisted.Exported
	rec.History = persisted.History
}

// runPlan starts the plan with the given lifecycle verb, drives it to
// completion or cancellation, and prints the final status document.
func runPlan(ctx context.Context, plan *fleet.Plan, cfg *config.Config, start func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer logging.Default().Close()

	serveMetrics(ctx, cfg.Observability.MetricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Op().Info("shutdown signal received, cancelling plan")
		plan.Cancel()
		cancel()
	}()

	interval := pollInterval
	if interval == 0 {
		var err error
		interval, err = time.ParseDuration(cfg.Daemon.PollInterval)
		if err != nil {
			interval = 500 * time.Millisecond
		}
	}

	if err := start(ctx); err != nil {
		return err
	}
	runErr := plan.Drive(ctx, interval)

	printStatus(plan)
	return runErr
}

func printStatus(plan *fleet.Plan) {
	doc := plan.GetJSONDoc()
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		logging.Op().Error("failed to marshal status", "error", err)
		return
	}
	fmt.Println(string(out))
	logging.Op().Info("run finished", "uptime", time.Since(metrics.StartTime()).String())
}

func upCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Bring the fleet up: acquire hosts and contextualize every service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := initObservability(ctx, cfg); err != nil {
				return err
			}
			st, err := buildStore(ctx, cfg)
			if err != nil {
				return err
			}
			plan, err := buildPlan(ctx, cfg, st, buildCloud(cfg), false)
			if err != nil {
				return err
			}
			return runPlan(ctx, plan, cfg, plan.BringUp)
		},
	}
}

func downCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Tear the fleet down in reverse level order",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := initObservability(ctx, cfg); err != nil {
				return err
			}
			st, err := buildStore(ctx, cfg)
			if err != nil {
				return err
			}
			plan, err := buildPlan(ctx, cfg, st, buildCloud(cfg), true)
			if err != nil {
				return err
			}
			return runPlan(ctx, plan, cfg, plan.TearDown)
		},
	}
}

func repairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Re-run bring-up without tear-down (fails on services already contextualized)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := initObservability(ctx, cfg); err != nil {
				return err
			}
			st, err := buildStore(ctx, cfg)
			if err != nil {
				return err
			}
			plan, err := buildPlan(ctx, cfg, st, buildCloud(cfg), true)
			if err != nil {
				return err
			}
			return runPlan(ctx, plan, cfg, plan.Repair)
		},
	}
}

func statusCmd() *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List every persisted service record and its last known state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := buildStore(ctx, cfg)
			if err != nil {
				return err
			}
			recs, err := st.List(ctx)
			if err != nil {
				return err
			}
			if outputJSON {
				out, err := json.MarshalIndent(recs, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SERVICE\tSTATE\tHOSTNAME\tINSTANCE\tLAST ERROR")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Name, r.State, r.Hostname, r.InstanceID, r.LastError)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVarP(&outputJSON, "output-json", "j", false, "print raw JSON instead of a table")
	return cmd
}
