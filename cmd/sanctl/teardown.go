package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sanctl/sanctl/internal/blockdev"
	"github.com/sanctl/sanctl/internal/config"
	"github.com/sanctl/sanctl/internal/execx"
	"github.com/sanctl/sanctl/internal/fstab"
	"github.com/sanctl/sanctl/internal/iscsi"
	"github.com/sanctl/sanctl/internal/journal"
	"github.com/sanctl/sanctl/internal/monitor"
	"github.com/sanctl/sanctl/internal/systemd"
	"github.com/sanctl/sanctl/internal/teardown"
)

var teardownCmd = &cobra.Command{
	Use:   "teardown",
	Short: "Remove sessions, mounts, configuration and monitor artifacts",
	Long: `Teardown undoes provisioning: fstab lines for recognized mount paths
are removed (with the same backup discipline), active mounts are
unmounted, all sessions are logged out, node records purged, stale device
entries force-removed, and monitor artifacts deleted. Every step runs
even if earlier ones fail; residual state is reported at the end.`,
	Run: runTeardown,
}

func runTeardown(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fail("loading config: %v", err)
	}

	ctx := context.Background()
	run := execx.NewSystem()

	sysd, err := systemd.Connect(ctx)
	if err != nil {
		fail("%v", err)
	}
	defer sysd.Close()

	jnl, err := journal.Open(cfg.Paths.JournalDB)
	if err != nil {
		log.Warnf("event journal unavailable: %v", err)
		jnl = nil
	} else {
		defer jnl.Close()
	}

	exe, err := os.Executable()
	if err != nil {
		exe = "sanctl"
	}

	ctrl := &teardown.Controller{
		ISCSI:   iscsi.NewClient(run, log),
		Disks:   blockdev.NewInspector(run),
		Runner:  run,
		Fstab:   fstab.New(cfg.Paths.Fstab),
		Systemd: sysd,
		Artifacts: &monitor.Artifacts{
			Run:        run,
			ScriptDir:  cfg.Paths.ScriptDir,
			LogPath:    cfg.Paths.MonitorLog,
			Schedule:   cfg.Monitor.Schedule,
			Executable: exe,
		},
		Log:     log,
		UnitDir: cfg.Paths.UnitDir,
	}
	if jnl != nil {
		ctrl.Journal = jnl
	}

	report := ctrl.Run(ctx)
	fmt.Print(report.Summary())

	record(jnl, journal.CategoryTeardown, "completed", "", "", map[string]any{
		"clean":     report.Clean(),
		"residuals": len(report.Residuals),
	})

	if !report.Clean() {
		os.Exit(1)
	}
}
