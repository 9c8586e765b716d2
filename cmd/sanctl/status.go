package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sanctl/sanctl/internal/blockdev"
	"github.com/sanctl/sanctl/internal/config"
	"github.com/sanctl/sanctl/internal/execx"
	"github.com/sanctl/sanctl/internal/iscsi"
	"github.com/sanctl/sanctl/internal/monitor"
	"github.com/sanctl/sanctl/internal/mountctl"
)

// Status is the read-only overview of everything sanctl manages.
type Status struct {
	Sessions []SessionStatus `json:"sessions"`
	Mounts   []MountStatus   `json:"mounts"`
	Monitors []MonitorStatus `json:"monitors"`
}

type SessionStatus struct {
	Target  string         `json:"target"`
	Portal  string         `json:"portal"`
	State   string         `json:"state"`
	Devices []DeviceStatus `json:"devices,omitempty"`
}

type DeviceStatus struct {
	Path  string `json:"path"`
	State string `json:"state"`
	Size  string `json:"size,omitempty"`
}

type MountStatus struct {
	Spec       string `json:"spec"`
	MountPoint string `json:"mount_point"`
	FSType     string `json:"fstype"`
	Options    string `json:"options"`
	Mounted    bool   `json:"mounted"`
}

type MonitorStatus struct {
	Name       string `json:"name"`
	MountPoint string `json:"mount_point"`
	Scheduled  bool   `json:"scheduled"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sessions, managed mounts and monitor artifacts",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output as JSON")
}

func runStatus(cmd *cobra.Command, args []string) {
	jsonOut, _ := cmd.Flags().GetBool("json")

	cfg, err := config.Load(cfgFile)
	if err != nil {
		fail("loading config: %v", err)
	}

	ctx := context.Background()
	run := execx.NewSystem()
	client := iscsi.NewClient(run, log)
	disks := blockdev.NewInspector(run)

	status := &Status{}

	sessions, err := client.Sessions(ctx)
	if err != nil {
		fail("%v", err)
	}
	for _, s := range sessions {
		ss := SessionStatus{Target: s.Target, Portal: s.Portal}
		state, err := client.SessionState(ctx, s.Target)
		if err != nil {
			state = iscsi.StateDegraded
		}
		ss.State = string(state)

		atts, _ := client.Attachments(ctx, s.Target)
		for _, a := range atts {
			ds := DeviceStatus{Path: "/dev/" + a.Device, State: a.State}
			if dev, err := disks.Inspect(ctx, ds.Path); err == nil && dev.Size > 0 {
				ds.Size = humanize.IBytes(uint64(dev.Size))
			}
			ss.Devices = append(ss.Devices, ds)
		}
		status.Sessions = append(status.Sessions, ss)
	}

	// Managed mounts: fstab lines carrying the bounded device-wait
	// option the registrar writes.
	entries, err := mountctl.ManagedEntries(cfg.Paths.Fstab)
	if err != nil {
		fail("%v", err)
	}
	for _, e := range entries {
		status.Mounts = append(status.Mounts, MountStatus{
			Spec:       e.Spec,
			MountPoint: e.File,
			FSType:     e.VfsType,
			Options:    e.Options,
			Mounted:    mountctl.Mounted(ctx, run, e.File),
		})
	}

	arts := &monitor.Artifacts{Run: run, ScriptDir: cfg.Paths.ScriptDir}
	mounts, _ := arts.InstalledMounts()
	cronEntries, _ := arts.CronEntries(ctx)
	for name, mp := range mounts {
		scheduled := false
		for _, line := range cronEntries {
			if strings.HasSuffix(strings.TrimSpace(line), ":"+name) {
				scheduled = true
			}
		}
		status.Monitors = append(status.Monitors, MonitorStatus{Name: name, MountPoint: mp, Scheduled: scheduled})
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(status)
		return
	}
	printStatus(status)
}

func printStatus(s *Status) {
	fmt.Println("Sessions:")
	if len(s.Sessions) == 0 {
		fmt.Println("  none")
	}
	for _, sess := range s.Sessions {
		fmt.Printf("  %s via %s: %s\n", sess.Target, sess.Portal, sess.State)
		for _, d := range sess.Devices {
			size := d.Size
			if size == "" {
				size = "?"
			}
			fmt.Printf("    %s  %s  %s\n", d.Path, size, d.State)
		}
	}

	fmt.Println("Managed mounts:")
	if len(s.Mounts) == 0 {
		fmt.Println("  none")
	}
	for _, m := range s.Mounts {
		state := "not mounted"
		if m.Mounted {
			state = "mounted"
		}
		fmt.Printf("  %s on %s (%s): %s\n", m.Spec, m.MountPoint, m.FSType, state)
	}

	fmt.Println("Monitors:")
	if len(s.Monitors) == 0 {
		fmt.Println("  none")
	}
	for _, m := range s.Monitors {
		sched := "not scheduled"
		if m.Scheduled {
			sched = "scheduled"
		}
		fmt.Printf("  %s -> %s (%s)\n", m.Name, m.MountPoint, sched)
	}
}
