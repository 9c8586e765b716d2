// Package teardown removes everything provisioning created: fstab lines,
// mounts, sessions, node records, stale devices and monitor artifacts.
// Unlike provisioning it never fail-fasts: every step runs, everything
// that could not be cleaned is reported at the end.
package teardown

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sanctl/sanctl/internal/blockdev"
	"github.com/sanctl/sanctl/internal/execx"
	"github.com/sanctl/sanctl/internal/fstab"
	"github.com/sanctl/sanctl/internal/iscsi"
	"github.com/sanctl/sanctl/internal/monitor"
	"github.com/sanctl/sanctl/internal/mountctl"
	"github.com/sanctl/sanctl/internal/systemd"
)

// SessionOps is the slice of the iSCSI client teardown needs.
type SessionOps interface {
	Sessions(ctx context.Context) ([]iscsi.Session, error)
	AllAttachments(ctx context.Context) ([]iscsi.Attachment, error)
	LogoutAll(ctx context.Context) error
	DeleteAllNodes(ctx context.Context) error
}

// PathSource supplies mount paths the journal remembers provisioning.
type PathSource interface {
	MountPaths() ([]string, error)
}

// FstabOps is the slice of the fstab file teardown needs.
type FstabOps interface {
	Remove(mountpoint string) (int, error)
	Entries() ([]fstab.Entry, error)
	EntriesFor(mountpoint string) ([]fstab.Entry, error)
}

// Report aggregates per-category outcomes.
type Report struct {
	Steps     []Step
	Residuals []string
}

// Step is one teardown category's outcome.
type Step struct {
	Name   string
	Detail string
	Err    error
}

// Clean reports whether nothing was left behind.
func (r *Report) Clean() bool {
	return len(r.Residuals) == 0
}

// Summary renders the consolidated pass/fail report.
func (r *Report) Summary() string {
	var b strings.Builder
	for _, s := range r.Steps {
		mark := "ok"
		if s.Err != nil {
			mark = "FAILED: " + s.Err.Error()
		}
		fmt.Fprintf(&b, "  %-20s %s", s.Name, mark)
		if s.Detail != "" {
			fmt.Fprintf(&b, " (%s)", s.Detail)
		}
		b.WriteString("\n")
	}
	if len(r.Residuals) == 0 {
		b.WriteString("no residual state remains\n")
	} else {
		b.WriteString("residual state:\n")
		for _, res := range r.Residuals {
			fmt.Fprintf(&b, "  - %s\n", res)
		}
	}
	return b.String()
}

// Controller runs the teardown flow.
type Controller struct {
	ISCSI     SessionOps
	Disks     *blockdev.Inspector
	Runner    execx.Runner
	Fstab     FstabOps
	Systemd   systemd.Manager
	Artifacts *monitor.Artifacts
	Journal   PathSource // optional
	Log       *logrus.Logger

	// UnitDir is where generated mount units live.
	UnitDir string
	// SysBlockDir is /sys/block; overridable for tests.
	SysBlockDir string
}

// Run executes every teardown step and verifies the result by direct
// re-query, never by trusting exit status alone.
func (t *Controller) Run(ctx context.Context) *Report {
	report := &Report{}
	if t.SysBlockDir == "" {
		t.SysBlockDir = "/sys/block"
	}

	devices := t.attachedDevices(ctx)
	paths := t.recognizedPaths(ctx, devices)

	// 1. Persisted mount configuration, backup-before-mutate. One path
	// failing must not stop the others from being attempted.
	step := Step{Name: "fstab lines"}
	removed := 0
	for _, p := range paths {
		n, err := t.Fstab.Remove(p)
		if err != nil {
			if step.Err == nil {
				step.Err = err
			}
			continue
		}
		removed += n
	}
	step.Detail = fmt.Sprintf("%d removed", removed)
	report.Steps = append(report.Steps, step)

	// 2. Active mounts, plus any generated persistence units.
	step = Step{Name: "mounts"}
	unmounted := 0
	for _, p := range paths {
		if mountctl.Mounted(ctx, t.Runner, p) {
			if err := mountctl.Unmount(ctx, t.Runner, p); err != nil {
				step.Err = err
				continue
			}
			unmounted++
		}
		if _, err := mountctl.CleanupUnits(ctx, t.Systemd, t.UnitDir, p); err != nil && step.Err == nil {
			step.Err = err
		}
	}
	step.Detail = fmt.Sprintf("%d unmounted", unmounted)
	report.Steps = append(report.Steps, step)

	// 3. Sessions.
	step = Step{Name: "sessions"}
	step.Err = t.ISCSI.LogoutAll(ctx)
	report.Steps = append(report.Steps, step)

	// 4. Node records.
	step = Step{Name: "node records"}
	step.Err = t.ISCSI.DeleteAllNodes(ctx)
	report.Steps = append(report.Steps, step)

	// 5. Stale device entries.
	step = Step{Name: "device entries"}
	step.Detail, step.Err = t.removeStaleDevices(devices)
	report.Steps = append(report.Steps, step)

	// 6. Monitor artifacts.
	step = Step{Name: "monitor artifacts"}
	for _, p := range paths {
		if err := t.Artifacts.Remove(ctx, p); err != nil {
			step.Err = err
		}
	}
	report.Steps = append(report.Steps, step)

	// 7. Verification by re-query.
	t.verify(ctx, paths, report)
	return report
}

// recognizedPaths unions every source of managed mount paths: installed
// monitor artifacts, the journal, and fstab lines whose UUID belongs to a
// partition on an iSCSI-attached device.
func (t *Controller) recognizedPaths(ctx context.Context, devices []string) []string {
	set := make(map[string]bool)

	if mounts, err := t.Artifacts.InstalledMounts(); err == nil {
		for _, m := range mounts {
			set[m] = true
		}
	}

	if t.Journal != nil {
		if paths, err := t.Journal.MountPaths(); err == nil {
			for _, p := range paths {
				set[p] = true
			}
		}
	}

	uuids := make(map[string]bool)
	for _, dev := range devices {
		parts, err := t.Disks.Partitions(ctx, "/dev/"+dev)
		if err != nil {
			continue
		}
		for _, part := range parts {
			if part.UUID != "" {
				uuids[part.UUID] = true
			}
		}
	}
	if entries, err := t.Fstab.Entries(); err == nil {
		for _, e := range entries {
			if id, ok := strings.CutPrefix(e.Spec, "UUID="); ok && uuids[id] {
				set[e.File] = true
			}
		}
	}

	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (t *Controller) attachedDevices(ctx context.Context) []string {
	atts, err := t.ISCSI.AllAttachments(ctx)
	if err != nil {
		t.Log.Warnf("could not enumerate attached devices: %v", err)
		return nil
	}
	var devices []string
	for _, a := range atts {
		devices = append(devices, a.Device)
	}
	return devices
}

// removeStaleDevices force-deletes SCSI device entries the logout left
// behind.
func (t *Controller) removeStaleDevices(devices []string) (string, error) {
	removed := 0
	var firstErr error
	for _, dev := range devices {
		deleteFile := filepath.Join(t.SysBlockDir, dev, "device", "delete")
		if _, err := os.Stat(deleteFile); os.IsNotExist(err) {
			continue // already gone with the session
		}
		if err := os.WriteFile(deleteFile, []byte("1\n"), 0200); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("removing device %s: %w", dev, err)
			}
			continue
		}
		removed++
	}
	return fmt.Sprintf("%d removed", removed), firstErr
}

// verify re-queries every cleaned surface and records residuals.
func (t *Controller) verify(ctx context.Context, paths []string, report *Report) {
	if sessions, err := t.ISCSI.Sessions(ctx); err != nil {
		report.Residuals = append(report.Residuals, fmt.Sprintf("session state unverifiable: %v", err))
	} else {
		for _, s := range sessions {
			report.Residuals = append(report.Residuals, fmt.Sprintf("session still active: %s (%s)", s.Target, s.Portal))
		}
	}

	for _, p := range paths {
		if mountctl.Mounted(ctx, t.Runner, p) {
			report.Residuals = append(report.Residuals, fmt.Sprintf("still mounted: %s", p))
		}
		if entries, err := t.Fstab.EntriesFor(p); err == nil && len(entries) > 0 {
			report.Residuals = append(report.Residuals, fmt.Sprintf("fstab still references %s", p))
		}
	}

	if mounts, err := t.Artifacts.InstalledMounts(); err == nil {
		for name := range mounts {
			report.Residuals = append(report.Residuals, fmt.Sprintf("monitor script remains: %s", name))
		}
	}
	if entries, err := t.Artifacts.CronEntries(ctx); err == nil {
		for _, e := range entries {
			report.Residuals = append(report.Residuals, fmt.Sprintf("crontab entry remains: %s", e))
		}
	}
}
