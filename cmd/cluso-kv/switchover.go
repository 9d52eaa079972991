package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dd0wney/cluso-kv/pkg/admin"
	"github.com/dd0wney/cluso-kv/pkg/logging"
)

func newSwitchoverCmd() *cobra.Command {
	var (
		clusterFile string
		target      string
		dryRun      bool
		force       bool
		syncTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "switchover",
		Short: "Promote a replica and repoint the rest of the group at it",
		Long: "switchover reads a cluster file, finds the current master, waits for the chosen\n" +
			"replica to catch up, promotes it and repoints the old master and the other\n" +
			"replicas at it. Stop client writes to the old master first.",
		Example: "cluso-kv switchover --cluster cluster.yaml --to node-b",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cluster, err := admin.LoadCluster(clusterFile)
			if err != nil {
				return fmt.Errorf("failed to load cluster config: %w", err)
			}
			cmd.SilenceUsage = true

			logger := logging.NewConsoleLogger(os.Stderr, logging.InfoLevel)
			sw, err := admin.NewSwitchover(cluster, logger)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			topo, err := sw.Discover(ctx)
			if err != nil {
				return err
			}
			plan, err := sw.Plan(topo, target)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Switchover plan: %s -> %s\n%s", plan.Master.Name, plan.Target.Name, plan)
			if dryRun {
				return nil
			}

			res, err := sw.Execute(ctx, plan, admin.SwitchoverOptions{SyncTimeout: syncTimeout, Force: force})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s is now master at offset %d (repointed: %v, took %.2fs)\n",
				res.NewMaster, res.Offset, res.Repointed, res.WaitedSeconds)
			return nil
		},
	}
	cmd.Flags().StringVar(&clusterFile, "cluster", "cluster.yaml", "cluster configuration file")
	cmd.Flags().StringVar(&target, "to", "", "node to promote (default: the most caught-up connected replica)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show the plan without executing it")
	cmd.Flags().BoolVar(&force, "force", false, "promote even if the target did not catch up in time")
	cmd.Flags().DurationVar(&syncTimeout, "sync-timeout", 30*time.Second, "how long to wait for the target to catch up")
	return cmd
}
