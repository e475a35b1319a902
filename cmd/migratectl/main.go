// Command migratectl is the operator CLI for the migration coordination
// engine: submit, cancel, list and inspect Migrations through the
// Control API. The Control API has no wire transport in this
// repository, so migratectl builds the same in-process wiring the
// coordinator binary does and calls controlapi.Service directly, the
// seam a future HTTP/gRPC front-end would implement without touching
// the engine. Run
// it against a data directory with no coordinator daemon already
// attached to it; a concurrently running migrate-coordinator holds the
// Raft log exclusively.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cuemby/migctl/pkg/controlapi"
	"github.com/cuemby/migctl/pkg/driver/bboltdriver"
	"github.com/cuemby/migctl/pkg/driver/sqlitedriver"
	"github.com/cuemby/migctl/pkg/events"
	"github.com/cuemby/migctl/pkg/executor"
	"github.com/cuemby/migctl/pkg/lock"
	"github.com/cuemby/migctl/pkg/log"
	"github.com/cuemby/migctl/pkg/orchestrator"
	"github.com/cuemby/migctl/pkg/status"
	"github.com/cuemby/migctl/pkg/topology"
	"github.com/cuemby/migctl/pkg/types"
	"github.com/cuemby/migctl/pkg/validator"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "migratectl",
	Short: "Operator CLI for the migration coordination engine",
}

func init() {
	rootCmd.PersistentFlags().String("node-id", "migratectl", "Node ID this one-shot invocation bootstraps/joins as")
	rootCmd.PersistentFlags().String("bind-addr", "127.0.0.1:7947", "Raft bind address for this invocation")
	rootCmd.PersistentFlags().String("data-dir", "./migctl-data", "Coordinator data directory")
	rootCmd.PersistentFlags().String("topology-file", "./topology.yaml", "Static topology snapshot")
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")

	submitCmd.Flags().String("request", "", "Path to a MigrationRequest YAML document (required)")
	submitCmd.MarkFlagRequired("request")

	statusCmd.Flags().Bool("events", true, "Include the event log in the output")
	statusCmd.Flags().Bool("watch", false, "Drive the engine and stream the Migration's events until it terminates")

	rootCmd.AddCommand(submitCmd, cancelCmd, listCmd, statusCmd)
}

// engine is the in-process wiring handed to each subcommand: the
// Control API surface plus the broker and orchestrator behind it, for
// commands (watch) that need more than the request/response calls.
type engine struct {
	svc    controlapi.Service
	broker *events.Broker
	orch   *orchestrator.Orchestrator
}

// withService builds the in-process engine against the flags'
// --data-dir/--topology-file, runs fn, then tears the engine down.
func withService(cmd *cobra.Command, fn func(ctx context.Context, eng *engine) error) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	log.Init(log.Config{Level: log.Level(logLevel)})

	nodeID, _ := cmd.Flags().GetString("node-id")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	topologyFile, _ := cmd.Flags().GetString("topology-file")

	sm, err := status.NewManager(status.Config{NodeID: nodeID, BindAddr: bindAddr, DataDir: dataDir})
	if err != nil {
		return fmt.Errorf("status manager: %w", err)
	}
	if err := sm.Bootstrap(); err != nil {
		return fmt.Errorf("bootstrap status store: %w", err)
	}
	defer sm.Shutdown()

	lockMgr := lock.NewManager(sm)

	topo, err := topology.New(topology.NewStaticSource(topologyFile))
	if err != nil {
		return fmt.Errorf("load topology: %w", err)
	}

	executors := map[types.StoreClass]*executor.Executor{
		types.StoreClassRelational: executor.New(sm, lockMgr, sqlitedriver.New(dataDir+"/relational")),
		types.StoreClassDocument:   executor.New(sm, lockMgr, bboltdriver.New(dataDir+"/document")),
	}
	v := validator.New([]validator.Check{validator.HealthCheck}, []validator.Check{validator.HealthCheck}, nil)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	orch := orchestrator.New(sm, lockMgr, topo, executors, v, broker, orchestrator.Config{
		PerStoreClassParallelism: map[types.StoreClass]int{
			types.StoreClassRelational: 1,
			types.StoreClassDocument:   1,
		},
	})

	// Give the Raft leader election a moment before issuing the first
	// apply; a lone-voter cluster elects itself almost immediately.
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, &engine{svc: orch, broker: broker, orch: orch})
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a MigrationRequest document",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("request")
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read request file: %w", err)
		}
		var req types.MigrationRequest
		if err := yaml.Unmarshal(raw, &req); err != nil {
			return fmt.Errorf("parse request file: %w", err)
		}
		req.CreatedAt = time.Now()

		return withService(cmd, func(ctx context.Context, eng *engine) error {
			mig, err := eng.svc.Submit(ctx, &req)
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			fmt.Printf("migration submitted: %s\n", mig.ID)
			fmt.Printf("  request:  %s\n", mig.RequestID)
			fmt.Printf("  state:    %s\n", mig.State)
			fmt.Printf("  digest:   %s\n", mig.PlanDigest)
			return nil
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel MIGRATION_ID",
	Short: "Request a Migration move to cancelling",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		return withService(cmd, func(ctx context.Context, eng *engine) error {
			if err := eng.svc.Cancel(ctx, id); err != nil {
				return fmt.Errorf("cancel: %w", err)
			}
			fmt.Printf("cancel requested: %s\n", id)
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every known Migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, eng *engine) error {
			migs, err := eng.svc.List(ctx)
			if err != nil {
				return fmt.Errorf("list: %w", err)
			}
			if len(migs) == 0 {
				fmt.Println("no migrations found")
				return nil
			}
			fmt.Printf("%-38s %-20s %-14s %s\n", "ID", "NAME", "STATE", "PROCESSED")
			for _, m := range migs {
				fmt.Printf("%-38s %-20s %-14s %d\n", m.ID, truncate(m.Name, 20), m.State, m.AggregateProcessed)
			}
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status MIGRATION_ID",
	Short: "Show a Migration's state, per-shard progress and event history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		showEvents, _ := cmd.Flags().GetBool("events")
		watch, _ := cmd.Flags().GetBool("watch")
		return withService(cmd, func(ctx context.Context, eng *engine) error {
			st, err := eng.svc.Status(ctx, id)
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			fmt.Printf("Migration: %s\n", st.Migration.ID)
			fmt.Printf("  Name:       %s\n", st.Migration.Name)
			fmt.Printf("  State:      %s\n", st.Migration.State)
			fmt.Printf("  Stage:      %d\n", st.Migration.CurrentStage)
			fmt.Printf("  Processed:  %d\n", st.Migration.AggregateProcessed)
			if st.Migration.LastError != "" {
				fmt.Printf("  Last error: %s\n", st.Migration.LastError)
			}
			if len(st.Migration.UnrecoverableSteps) > 0 {
				fmt.Printf("  Unrecoverable steps: %s\n", strings.Join(st.Migration.UnrecoverableSteps, ", "))
			}

			if len(st.Progress) > 0 {
				fmt.Println("\nShard progress:")
				fmt.Printf("  %-20s %-10s %-12s %s\n", "STEP", "SHARD", "STATUS", "ITEMS")
				for _, p := range st.Progress {
					fmt.Printf("  %-20s %-10s %-12s %d\n", p.StepID, p.ShardID, p.Status, p.ItemsProcessed)
				}
			}

			if showEvents && len(st.Events) > 0 {
				fmt.Println("\nEvents:")
				for _, e := range st.Events {
					fmt.Printf("  %s  %s\n", e.Timestamp.Format(time.RFC3339), e.Kind)
				}
			}
			if watch {
				return watchMigration(ctx, eng, id)
			}
			return nil
		})
	},
}

// watchMigration starts the reconciliation loop in this process and
// streams the Migration's events as it is driven forward, returning
// once it reaches a terminal state.
func watchMigration(ctx context.Context, eng *engine, id string) error {
	sub := eng.broker.SubscribeMigration(id)
	defer eng.broker.Unsubscribe(sub)

	eng.orch.Start()
	defer eng.orch.Stop()

	fmt.Println("\nWatching:")
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case evt := <-sub:
			fmt.Printf("  %s  %s\n", evt.Timestamp.Format(time.RFC3339), evt.Kind)
		case <-ticker.C:
			st, err := eng.svc.Status(ctx, id)
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			if st.Migration.State.Terminal() {
				fmt.Printf("terminal state: %s\n", st.Migration.State)
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("watch: %w", ctx.Err())
		}
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
