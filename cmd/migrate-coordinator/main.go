// Command migrate-coordinator runs one coordinator process over the
// migration coordination engine: a single coordinator owns each
// Migration's state machine, and multiple coordinator processes may
// run different Migrations concurrently. It wires the Status Store,
// Lock Manager, Topology, the two reference Store Drivers, the
// Validator and the Event Bus Adapter into one Orchestrator, then
// serves the Control API in-process, the surface migratectl's
// subcommands would reach over a future wire transport.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/migctl/pkg/driver/bboltdriver"
	"github.com/cuemby/migctl/pkg/driver/sqlitedriver"
	"github.com/cuemby/migctl/pkg/events"
	"github.com/cuemby/migctl/pkg/eventbus"
	"github.com/cuemby/migctl/pkg/executor"
	"github.com/cuemby/migctl/pkg/lock"
	"github.com/cuemby/migctl/pkg/log"
	"github.com/cuemby/migctl/pkg/metrics"
	"github.com/cuemby/migctl/pkg/orchestrator"
	"github.com/cuemby/migctl/pkg/status"
	"github.com/cuemby/migctl/pkg/topology"
	"github.com/cuemby/migctl/pkg/types"
	"github.com/cuemby/migctl/pkg/validator"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "migrate-coordinator",
	Short:   "Coordination engine for cross-shard schema and data migrations",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("migrate-coordinator version %s\nCommit: %s\n", Version, Commit))
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("node-id", "coordinator-1", "Unique coordinator node ID")
	runCmd.Flags().String("bind-addr", "127.0.0.1:7946", "Raft bind address")
	runCmd.Flags().String("data-dir", "./migctl-data", "Data directory for Status Store and reference drivers")
	runCmd.Flags().String("topology-file", "./topology.yaml", "Static topology snapshot (topology_source: static)")
	runCmd.Flags().Int("relational-parallelism", 4, "per_store_class_parallelism for the relational store class")
	runCmd.Flags().Int("document-parallelism", 4, "per_store_class_parallelism for the document store class")
	runCmd.Flags().Duration("lock-ttl", 30*time.Second, "Lock Manager lease TTL")
	runCmd.Flags().String("rollback-policy", string(types.RollbackPolicyCompensate), "Default rollback_policy: compensate or halt")
	runCmd.Flags().String("event-bus-kind", string(eventbus.BrokerA), "event_bus_kind: broker_a or broker_b")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9191", "Address for the /metrics, /health, /ready, /live endpoints")
	runCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	runCmd.Flags().Bool("log-json", false, "Output logs in JSON format")
	runCmd.Flags().Bool("bootstrap", true, "Bootstrap a new single-node Raft cluster (false to join an existing one)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the coordinator's reconciliation loop and Control API",
	RunE: func(cmd *cobra.Command, args []string) error {
		logLevel, _ := cmd.Flags().GetString("log-level")
		logJSON, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		topologyFile, _ := cmd.Flags().GetString("topology-file")
		relParallelism, _ := cmd.Flags().GetInt("relational-parallelism")
		docParallelism, _ := cmd.Flags().GetInt("document-parallelism")
		lockTTL, _ := cmd.Flags().GetDuration("lock-ttl")
		rollbackPolicy, _ := cmd.Flags().GetString("rollback-policy")
		busKind, _ := cmd.Flags().GetString("event-bus-kind")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		bootstrap, _ := cmd.Flags().GetBool("bootstrap")

		sm, err := status.NewManager(status.Config{NodeID: nodeID, BindAddr: bindAddr, DataDir: dataDir})
		if err != nil {
			return fmt.Errorf("status manager: %w", err)
		}
		if bootstrap {
			if err := sm.Bootstrap(); err != nil {
				return fmt.Errorf("bootstrap status store: %w", err)
			}
		} else {
			if err := sm.JoinExisting(); err != nil {
				return fmt.Errorf("join status store: %w", err)
			}
		}

		lockMgr := lock.NewManager(sm)
		reconciler := lock.NewReconciler(lockMgr, sm.GetMigration)
		reconciler.Start()
		defer reconciler.Stop()

		topo, err := topology.New(topology.NewStaticSource(topologyFile))
		if err != nil {
			return fmt.Errorf("load topology: %w", err)
		}

		relDir, docDir := dataDir+"/relational", dataDir+"/document"
		if err := os.MkdirAll(relDir, 0755); err != nil {
			return fmt.Errorf("create relational data dir: %w", err)
		}
		if err := os.MkdirAll(docDir, 0755); err != nil {
			return fmt.Errorf("create document data dir: %w", err)
		}
		relDriver := sqlitedriver.New(relDir)
		docDriver := bboltdriver.New(docDir)

		executors := map[types.StoreClass]*executor.Executor{
			types.StoreClassRelational: executor.New(sm, lockMgr, relDriver),
			types.StoreClassDocument:   executor.New(sm, lockMgr, docDriver),
		}

		v := validator.New(
			[]validator.Check{validator.HealthCheck},
			[]validator.Check{validator.HealthCheck},
			nil,
		)

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		metricsCollector := status.NewMetricsCollector(sm)
		metricsCollector.Start()
		defer metricsCollector.Stop()

		orch := orchestrator.New(sm, lockMgr, topo, executors, v, broker, orchestrator.Config{
			PerStoreClassParallelism: map[types.StoreClass]int{
				types.StoreClassRelational: relParallelism,
				types.StoreClassDocument:   docParallelism,
			},
			LockTTL:               lockTTL,
			DefaultRollbackPolicy: types.RollbackPolicy(rollbackPolicy),
		})
		orch.Start()
		defer orch.Stop()

		bus := eventbus.New(eventbus.NewInMemBackend(eventbus.Kind(busKind)), broker)
		bus.OnRequest(func(req *types.MigrationRequest) {
			if _, err := orch.Submit(context.Background(), req); err != nil {
				log.Logger.Error().Err(err).Str("request_id", req.ID).Msg("event bus migration.request submit failed")
			}
		})
		bus.OnCancel(func(migrationID string) {
			if err := orch.Cancel(context.Background(), migrationID); err != nil {
				log.Logger.Error().Err(err).Str("migration_id", migrationID).Msg("event bus migration.cancel failed")
			}
		})

		busCtx, cancelBus := context.WithCancel(context.Background())
		go func() {
			if err := bus.Run(busCtx); err != nil && busCtx.Err() == nil {
				log.Logger.Error().Err(err).Msg("event bus adapter exited")
			}
		}()
		defer cancelBus()

		metrics.SetVersion(Version)
		metrics.MarkCritical("status_store", "orchestrator")
		metrics.Report("status_store", metrics.CondOK, "bootstrapped")
		metrics.Report("orchestrator", metrics.CondOK, "running")

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		mux.HandleFunc("/live", metrics.LivenessHandler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Logger.Error().Err(err).Msg("metrics server error")
			}
		}()
		fmt.Printf("coordinator %s running, metrics at http://%s/metrics\n", nodeID, metricsAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		return sm.Shutdown()
	},
}
