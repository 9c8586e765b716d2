// Package mountctl makes a prepared partition durably and immediately
// mounted: stale persistence units are removed, the fstab line is
// rewritten last-writer-wins, and activation is verified by direct query.
package mountctl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sanctl/sanctl/internal/execx"
	"github.com/sanctl/sanctl/internal/fstab"
	"github.com/sanctl/sanctl/internal/systemd"
)

// Mounted reports whether mountpoint is currently mounted.
func Mounted(ctx context.Context, run execx.Runner, mountpoint string) bool {
	return run.Run(ctx, "findmnt", "-n", "--mountpoint", mountpoint) == nil
}

// Mount activates the fstab entry for mountpoint.
func Mount(ctx context.Context, run execx.Runner, mountpoint string) error {
	if err := run.Run(ctx, "mount", mountpoint); err != nil {
		return fmt.Errorf("mounting %s: %w", mountpoint, err)
	}
	return nil
}

// Unmount deactivates mountpoint.
func Unmount(ctx context.Context, run execx.Runner, mountpoint string) error {
	if err := run.Run(ctx, "umount", mountpoint); err != nil {
		return fmt.Errorf("unmounting %s: %w", mountpoint, err)
	}
	return nil
}

// Registrar installs the durable mount binding.
type Registrar struct {
	Run     execx.Runner
	Systemd systemd.Manager
	Fstab   *fstab.File
	Log     *logrus.Logger

	// UnitDir is where generated mount units live (/etc/systemd/system).
	UnitDir string
	// MountOptions are the base options (defaults,nofail).
	MountOptions string
	// DeviceTimeoutSec bounds how long boot waits for the device, so an
	// unreachable LUN cannot hang the boot sequence.
	DeviceTimeoutSec int
}

// Options renders the full option string for the fstab line.
func (r *Registrar) Options() string {
	opts := r.MountOptions
	if opts == "" {
		opts = "defaults,nofail"
	}
	timeout := r.DeviceTimeoutSec
	if timeout <= 0 {
		timeout = 30
	}
	return fmt.Sprintf("%s,x-systemd.device-timeout=%d", opts, timeout)
}

// Register binds the filesystem UUID to mountpoint persistently and
// activates it now. Running it twice leaves one fstab line, one active
// mount and no orphaned units.
func (r *Registrar) Register(ctx context.Context, uuid, fsType, mountpoint string) error {
	removed, err := CleanupUnits(ctx, r.Systemd, r.UnitDir, mountpoint)
	if err != nil {
		return err
	}
	for _, path := range removed {
		r.Log.Infof("removed stale unit file %s", path)
	}

	if Mounted(ctx, r.Run, mountpoint) {
		r.Log.Infof("%s is currently mounted; unmounting before reconfiguration", mountpoint)
		if err := Unmount(ctx, r.Run, mountpoint); err != nil {
			return err
		}
	}

	entry := fstab.Entry{
		Spec:    "UUID=" + uuid,
		File:    mountpoint,
		VfsType: fsType,
		Options: r.Options(),
		Freq:    0,
		Passno:  2,
	}
	if err := r.Fstab.Upsert(entry); err != nil {
		return err
	}

	if err := os.MkdirAll(mountpoint, 0755); err != nil {
		return fmt.Errorf("creating mount point %s: %w", mountpoint, err)
	}

	if err := Mount(ctx, r.Run, mountpoint); err != nil {
		return r.activationFailure(ctx, mountpoint, err)
	}
	if !Mounted(ctx, r.Run, mountpoint) {
		return r.activationFailure(ctx, mountpoint, fmt.Errorf("mount reported success but %s is not mounted", mountpoint))
	}
	return nil
}

// CleanupUnits stops, disables and deletes any persistence unit a prior
// run (or a prior naming scheme) left for this mount path, so stale
// configuration cannot race a new one. It returns the unit files removed.
func CleanupUnits(ctx context.Context, mgr systemd.Manager, unitDir, mountpoint string) ([]string, error) {
	names := []string{UnitName(mountpoint)}
	if legacy := LegacyUnitName(mountpoint); legacy != names[0] {
		names = append(names, legacy)
	}

	var removed []string
	for _, name := range names {
		if err := mgr.StopAndDisable(ctx, name); err != nil {
			return removed, fmt.Errorf("removing stale unit %s: %w", name, err)
		}
		path := filepath.Join(unitDir, name)
		switch err := os.Remove(path); {
		case err == nil:
			removed = append(removed, path)
		case os.IsNotExist(err):
		default:
			return removed, fmt.Errorf("removing %s: %w", path, err)
		}
	}
	if len(removed) > 0 {
		if err := mgr.Reload(ctx); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// ManagedEntries returns the fstab entries sanctl wrote, recognized by
// the bounded device-wait option the registrar always includes.
func ManagedEntries(fstabPath string) ([]fstab.Entry, error) {
	entries, err := fstab.New(fstabPath).Entries()
	if err != nil {
		return nil, err
	}
	var managed []fstab.Entry
	for _, e := range entries {
		if strings.Contains(e.Options, "x-systemd.device-timeout=") {
			managed = append(managed, e)
		}
	}
	return managed, nil
}

// activationFailure decorates a post-write mount failure with enough
// state for manual recovery: the configuration was already mutated and
// cannot be silently rolled back.
func (r *Registrar) activationFailure(ctx context.Context, mountpoint string, cause error) error {
	contents, _ := r.Fstab.Contents()
	state := "not mounted"
	if out, err := r.Run.Output(ctx, "findmnt", "--mountpoint", mountpoint); err == nil {
		state = string(out)
	}
	return fmt.Errorf("mount activation failed for %s: %w\ncurrent %s:\n%s\nmount state: %s",
		mountpoint, cause, r.Fstab.Path, contents, state)
}
