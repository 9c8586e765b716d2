// Package prepare decides how to treat whatever is already on a freshly
// attached device: adopt it, or replace it after explicit confirmation.
// Absent prior structures are prepared without prompting.
package prepare

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sanctl/sanctl/internal/blockdev"
	"github.com/sanctl/sanctl/internal/execx"
)

// ErrAborted marks the operator's clean decline of an unknown-filesystem
// continuation. It maps to exit 0, not a failure.
var ErrAborted = errors.New("aborted by operator")

// Confirmer answers destructive yes/no questions. The default answer is
// always "no".
type Confirmer interface {
	Confirm(question string) (bool, error)
}

// acceptedFilesystems is the journaling default and its predecessors.
var acceptedFilesystems = map[string]bool{
	"ext2": true,
	"ext3": true,
	"ext4": true,
}

// Result describes the partition chosen or created.
type Result struct {
	Partition     string // device path
	UUID          string
	FSType        string
	Repartitioned bool
	Formatted     bool
}

// Preparer runs the partition/filesystem state machine for one device.
type Preparer struct {
	Disks   *blockdev.Inspector
	Run     execx.Runner
	Confirm Confirmer
	Log     *logrus.Logger

	// FilesystemType is used when formatting; ext4 by default.
	FilesystemType string
	// Settle bounds the wait for the kernel to expose a new partition.
	Settle time.Duration
}

// Prepare inspects the device and returns a mountable partition with a
// filesystem and UUID, creating either only when safe.
func (p *Preparer) Prepare(ctx context.Context, device string) (*Result, error) {
	res := &Result{}

	partition, repartitioned, err := p.preparePartition(ctx, device)
	if err != nil {
		return nil, err
	}
	res.Partition = partition
	res.Repartitioned = repartitioned

	fstype, formatted, err := p.prepareFilesystem(ctx, partition)
	if err != nil {
		return nil, err
	}
	res.FSType = fstype
	res.Formatted = formatted

	id, err := p.Disks.FilesystemUUID(ctx, partition)
	if err != nil {
		return nil, err
	}
	// ext filesystems carry RFC-4122 UUIDs; an adopted foreign filesystem
	// keeps whatever identifier blkid reports (vfat serials and the like).
	if acceptedFilesystems[fstype] {
		if _, perr := uuid.Parse(id); perr != nil {
			return nil, fmt.Errorf("partition %s has a malformed %s UUID (%q)", partition, fstype, id)
		}
	}
	res.UUID = id
	return res, nil
}

// preparePartition returns the partition to use, creating a fresh GPT
// table only on an empty disk or after explicit confirmation.
func (p *Preparer) preparePartition(ctx context.Context, device string) (string, bool, error) {
	parts, err := p.Disks.Partitions(ctx, device)
	if err != nil {
		return "", false, err
	}

	if len(parts) == 0 {
		part, err := p.createPartition(ctx, device)
		return part, true, err
	}

	p.Log.Warnf("device %s already has %d partition(s):", device, len(parts))
	for _, part := range parts {
		desc := part.FSType
		if desc == "" {
			desc = "no filesystem"
		}
		p.Log.Warnf("  %s  %s  %s", part.Path, humanize.IBytes(uint64(part.Size)), desc)
	}

	destroy, err := p.Confirm.Confirm(fmt.Sprintf("Destroy the existing partition table on %s and create a new one", device))
	if err != nil {
		return "", false, err
	}
	if !destroy {
		p.Log.Infof("keeping existing partitions; adopting %s", parts[0].Path)
		return parts[0].Path, false, nil
	}

	part, err := p.createPartition(ctx, device)
	return part, true, err
}

// createPartition writes a GPT label (so capacities beyond 2 TiB work)
// with one partition spanning the disk, then waits for the kernel node.
func (p *Preparer) createPartition(ctx context.Context, device string) (string, error) {
	if err := p.Run.Run(ctx, "parted", "-s", device, "mklabel", "gpt"); err != nil {
		return "", fmt.Errorf("creating partition table on %s: %w", device, err)
	}
	if err := p.Run.Run(ctx, "parted", "-s", device, "mkpart", "primary", "0%", "100%"); err != nil {
		return "", fmt.Errorf("creating partition on %s: %w", device, err)
	}
	// Best effort; the bounded poll below is the real wait.
	_ = p.Run.Run(ctx, "udevadm", "settle")

	part, err := p.waitForPartition(ctx, device)
	if err != nil {
		return "", fmt.Errorf("partition created on %s but never appeared: %w", device, err)
	}
	return part, nil
}

func (p *Preparer) waitForPartition(ctx context.Context, device string) (string, error) {
	lookup := func() (string, error) {
		parts, err := p.Disks.Partitions(ctx, device)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		if len(parts) == 0 {
			return "", fmt.Errorf("no partition on %s yet", device)
		}
		return parts[0].Path, nil
	}

	if p.Settle <= 0 {
		return lookup()
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = p.Settle
	return backoff.RetryWithData(func() (string, error) {
		return lookup()
	}, backoff.WithContext(bo, ctx))
}

// prepareFilesystem returns the partition's final filesystem type,
// formatting only when the partition is blank or the operator confirmed.
func (p *Preparer) prepareFilesystem(ctx context.Context, partition string) (string, bool, error) {
	existing, err := p.Disks.FilesystemType(ctx, partition)
	if err != nil {
		return "", false, err
	}

	if existing == "" {
		if err := p.format(ctx, partition); err != nil {
			return "", false, err
		}
		return p.FilesystemType, true, nil
	}

	if !acceptedFilesystems[existing] {
		// A signature we do not manage: make sure the operator really
		// wants sanctl to touch this partition at all.
		cont, err := p.Confirm.Confirm(fmt.Sprintf("%s has an unrecognized %s filesystem; continue anyway", partition, existing))
		if err != nil {
			return "", false, err
		}
		if !cont {
			return "", false, ErrAborted
		}
	}

	overwrite, err := p.Confirm.Confirm(fmt.Sprintf("Overwrite the existing %s filesystem on %s", existing, partition))
	if err != nil {
		return "", false, err
	}
	if !overwrite {
		p.Log.Infof("adopting existing %s filesystem on %s", existing, partition)
		return existing, false, nil
	}

	if err := p.format(ctx, partition); err != nil {
		return "", false, err
	}
	return p.FilesystemType, true, nil
}

func (p *Preparer) format(ctx context.Context, partition string) error {
	fstype := p.FilesystemType
	if fstype == "" {
		fstype = "ext4"
	}
	if !strings.HasPrefix(fstype, "ext") {
		return fmt.Errorf("unsupported filesystem type %q", fstype)
	}
	p.Log.Infof("creating %s filesystem on %s", fstype, partition)
	if err := p.Run.Run(ctx, "mkfs."+fstype, "-q", partition); err != nil {
		return fmt.Errorf("formatting %s as %s: %w", partition, fstype, err)
	}
	return nil
}
