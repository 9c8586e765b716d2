package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/spf13/cobra"

	"github.com/sanctl/sanctl/internal/blockdev"
	"github.com/sanctl/sanctl/internal/config"
	"github.com/sanctl/sanctl/internal/execx"
	"github.com/sanctl/sanctl/internal/fstab"
	"github.com/sanctl/sanctl/internal/iscsi"
	"github.com/sanctl/sanctl/internal/journal"
	"github.com/sanctl/sanctl/internal/monitor"
	"github.com/sanctl/sanctl/internal/mountctl"
	"github.com/sanctl/sanctl/internal/prepare"
	"github.com/sanctl/sanctl/internal/prompt"
	"github.com/sanctl/sanctl/internal/systemd"
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Attach an iSCSI target and mount it persistently",
	Long: `Provision establishes the iSCSI session, resolves the block device it
produced, prepares a partition and filesystem (adopting existing data
unless destruction is explicitly confirmed), registers a boot-safe fstab
entry, activates the mount, and installs the recurring health probe.

Values not given as flags are prompted for. The whole run is sequential
and fail-fast: the first unrecoverable error aborts it.`,
	Run: runProvision,
}

func init() {
	provisionCmd.Flags().String("target", "", "iSCSI target IQN")
	provisionCmd.Flags().String("portal", "", "portal address (IPv4, optional :port)")
	provisionCmd.Flags().String("username", "", "CHAP username")
	provisionCmd.Flags().String("password", "", "CHAP secret (prompted without echo if omitted)")
	provisionCmd.Flags().String("mount", "", "mount path")
}

// portalRe loosely matches IPv4 with an optional port; a mismatch only
// warns, since hostnames and IPv6 portals do work.
var portalRe = regexp.MustCompile(`^\d{1,3}(\.\d{1,3}){3}(:\d+)?$`)

func runProvision(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fail("loading config: %v", err)
	}

	term := prompt.NewTerminal()
	target := requireInput(cmd, term, "target", "iSCSI target IQN")
	portal := requireInput(cmd, term, "portal", "Portal address")
	username := requireInput(cmd, term, "username", "CHAP username")
	secret := requireSecret(cmd, term, "password", "CHAP secret")
	mountpoint := requireInput(cmd, term, "mount", "Mount path")

	if !portalRe.MatchString(portal) {
		log.Warnf("portal %q does not look like IPv4[:port]", portal)
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

	client := iscsi.NewClient(run, log)

	daemon, err := client.EnsureDaemon(ctx, sysd, cfg.Services.ISCSIDaemons)
	if err != nil {
		fail("%v", err)
	}
	log.Infof("iSCSI daemon %s is active", daemon)

	// Discovery failure is survivable: the node record may already
	// exist from an earlier run.
	if err := client.Discover(ctx, portal); err != nil {
		log.Warnf("%v (continuing with cached node record)", err)
	}

	if err := client.ConfigureNode(ctx, target, portal, username, secret); err != nil {
		fail("%v", err)
	}
	if err := client.Login(ctx, target, portal); err != nil {
		fail("%v", err)
	}
	record(jnl, journal.CategoryProvision, "login", target, mountpoint, nil)

	resolver := blockdev.NewResolver(client, log, cfg.SettleInterval())
	device, err := resolver.Resolve(ctx, target)
	if err != nil {
		fail("%v", err)
	}
	log.Infof("session %s produced block device %s", target, device)

	prep := &prepare.Preparer{
		Disks:          blockdev.NewInspector(run),
		Run:            run,
		Confirm:        term,
		Log:            log,
		FilesystemType: cfg.Storage.FilesystemType,
		Settle:         cfg.SettleInterval(),
	}
	res, err := prep.Prepare(ctx, device)
	if errors.Is(err, prepare.ErrAborted) {
		fmt.Println("aborted at operator request; no changes were made")
		return
	}
	if err != nil {
		fail("%v", err)
	}
	record(jnl, journal.CategoryProvision, "prepared", target, mountpoint, map[string]any{
		"partition":     res.Partition,
		"uuid":          res.UUID,
		"fstype":        res.FSType,
		"formatted":     res.Formatted,
		"repartitioned": res.Repartitioned,
	})

	reg := &mountctl.Registrar{
		Run:              run,
		Systemd:          sysd,
		Fstab:            fstab.New(cfg.Paths.Fstab),
		Log:              log,
		UnitDir:          cfg.Paths.UnitDir,
		MountOptions:     cfg.Storage.MountOptions,
		DeviceTimeoutSec: cfg.Storage.DeviceTimeoutSec,
	}
	if err := reg.Register(ctx, res.UUID, res.FSType, mountpoint); err != nil {
		fail("%v", err)
	}
	record(jnl, journal.CategoryProvision, "registered", target, mountpoint, map[string]any{"uuid": res.UUID})

	exe, err := os.Executable()
	if err != nil {
		exe = "sanctl"
	}
	arts := &monitor.Artifacts{
		Run:        run,
		ScriptDir:  cfg.Paths.ScriptDir,
		LogPath:    cfg.Paths.MonitorLog,
		Schedule:   cfg.Monitor.Schedule,
		Executable: exe,
	}
	script, err := arts.Install(ctx, target, portal, mountpoint)
	if err != nil {
		fail("%v", err)
	}
	record(jnl, journal.CategoryProvision, "monitor_installed", target, mountpoint, map[string]any{"script": script})

	fmt.Printf("provisioned %s\n", mountpoint)
	fmt.Printf("  target:    %s via %s\n", target, portal)
	fmt.Printf("  partition: %s (UUID=%s, %s)\n", res.Partition, res.UUID, res.FSType)
	fmt.Printf("  monitor:   %s, scheduled %q\n", script, cfg.Monitor.Schedule)
}

// requireInput takes the value from the flag or prompts for it; an empty
// result is a validation failure.
func requireInput(cmd *cobra.Command, term *prompt.Terminal, flag, label string) string {
	val, _ := cmd.Flags().GetString(flag)
	if val == "" {
		var err error
		val, err = term.ReadLine(label)
		if err != nil {
			fail("%v", err)
		}
	}
	if val == "" {
		fail("%s must not be empty", label)
	}
	return val
}

func requireSecret(cmd *cobra.Command, term *prompt.Terminal, flag, label string) string {
	val, _ := cmd.Flags().GetString(flag)
	if val == "" {
		var err error
		val, err = term.ReadSecret(label)
		if err != nil {
			fail("%v", err)
		}
	}
	if val == "" {
		fail("%s must not be empty", label)
	}
	return val
}

// record appends to the journal when it is available; journal trouble
// never interrupts the flow.
func record(jnl *journal.Journal, category, action, target, mountpoint string, details map[string]any) {
	if jnl == nil {
		return
	}
	if err := jnl.Record(category, action, target, mountpoint, details); err != nil {
		log.Warnf("journal write failed: %v", err)
	}
}
