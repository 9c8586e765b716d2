package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sanctl/sanctl/internal/config"
	"github.com/sanctl/sanctl/internal/execx"
	"github.com/sanctl/sanctl/internal/iscsi"
	"github.com/sanctl/sanctl/internal/journal"
	"github.com/sanctl/sanctl/internal/monitor"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run one health-probe cycle for a target/mount pair",
	Long: `Monitor is the probe the generated cron entry runs: it checks the
session (reconnecting if absent or degraded) and, independently, the
mount (remounting if missing). All outcomes are appended to the shared
monitor log. It never prompts and is safe to run concurrently with
itself; reconnect and mount are idempotent at the tool layer.`,
	Run: runMonitor,
}

func init() {
	monitorCmd.Flags().String("target", "", "iSCSI target IQN")
	monitorCmd.Flags().String("portal", "", "portal address")
	monitorCmd.Flags().String("mount", "", "mount path")
}

func runMonitor(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fail("loading config: %v", err)
	}

	target, _ := cmd.Flags().GetString("target")
	portal, _ := cmd.Flags().GetString("portal")
	mountpoint, _ := cmd.Flags().GetString("mount")
	if target == "" || portal == "" || mountpoint == "" {
		fail("monitor requires --target, --portal and --mount")
	}

	ctx := context.Background()
	run := execx.NewSystem()

	checker := &monitor.Checker{
		Sessions: iscsi.NewClient(run, log),
		Run:      run,
		LogPath:  cfg.Paths.MonitorLog,
		Settle:   cfg.MonitorSettle(),
	}
	if jnl, err := journal.Open(cfg.Paths.JournalDB); err == nil {
		defer jnl.Close()
		checker.Journal = jnl
	}

	// Repair failures are the probe's normal business and are logged;
	// only an unwritable log is a hard error.
	if err := checker.Check(ctx, target, portal, mountpoint); err != nil {
		fail("%v", err)
	}
}
