// Package blockdev answers typed questions about local block devices via
// lsblk and blkid, and resolves the device an iSCSI session produced.
package blockdev

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/sanctl/sanctl/internal/execx"
)

// Device is one lsblk node.
type Device struct {
	Name     string
	Path     string
	Type     string // disk, part, ...
	Size     int64
	FSType   string
	UUID     string
	Children []Device
}

// Inspector queries lsblk and blkid.
type Inspector struct {
	Run execx.Runner
}

// NewInspector returns an Inspector using the given runner.
func NewInspector(run execx.Runner) *Inspector {
	return &Inspector{Run: run}
}

// Inspect returns the device at path with its children.
func (i *Inspector) Inspect(ctx context.Context, path string) (*Device, error) {
	out, err := i.Run.Output(ctx, "lsblk", "-J", "-b", "-o", "NAME,PATH,TYPE,SIZE,FSTYPE,UUID", path)
	if err != nil {
		return nil, fmt.Errorf("lsblk %s: %w", path, err)
	}

	var result struct {
		Blockdevices []lsblkNode `json:"blockdevices"`
	}
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("parsing lsblk output for %s: %w", path, err)
	}
	if len(result.Blockdevices) == 0 {
		return nil, fmt.Errorf("lsblk returned no device for %s", path)
	}
	dev := result.Blockdevices[0].device()
	return &dev, nil
}

// Partitions returns the child partitions of the device at path.
func (i *Inspector) Partitions(ctx context.Context, path string) ([]Device, error) {
	dev, err := i.Inspect(ctx, path)
	if err != nil {
		return nil, err
	}
	var parts []Device
	for _, c := range dev.Children {
		if c.Type == "part" {
			parts = append(parts, c)
		}
	}
	return parts, nil
}

// FilesystemType probes the partition for a filesystem signature. An
// empty string means no signature was found.
func (i *Inspector) FilesystemType(ctx context.Context, path string) (string, error) {
	out, err := i.Run.Output(ctx, "blkid", "-o", "value", "-s", "TYPE", path)
	fstype := strings.TrimSpace(string(out))
	if err != nil {
		// blkid exits non-zero with no output when the device simply
		// carries no recognizable signature.
		if fstype == "" {
			return "", nil
		}
		return "", fmt.Errorf("blkid %s: %w", path, err)
	}
	return fstype, nil
}

// FilesystemUUID returns the partition's filesystem UUID as blkid
// reports it. A formatted partition always has one, but not every
// filesystem uses RFC-4122 identifiers (vfat serials look like
// 1234-ABCD), so only an empty or multi-token value is rejected here.
func (i *Inspector) FilesystemUUID(ctx context.Context, path string) (string, error) {
	out, err := i.Run.Output(ctx, "blkid", "-o", "value", "-s", "UUID", path)
	if err != nil {
		return "", fmt.Errorf("blkid %s: %w", path, err)
	}
	id := strings.TrimSpace(string(out))
	if id == "" || len(strings.Fields(id)) != 1 {
		return "", fmt.Errorf("partition %s has no usable UUID (%q)", path, id)
	}
	return id, nil
}

type lsblkNode struct {
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	Type     string      `json:"type"`
	Size     int64       `json:"size"`
	FSType   *string     `json:"fstype"`
	UUID     *string     `json:"uuid"`
	Children []lsblkNode `json:"children"`
}

func (n lsblkNode) device() Device {
	d := Device{
		Name: n.Name,
		Path: n.Path,
		Type: n.Type,
		Size: n.Size,
	}
	if n.FSType != nil {
		d.FSType = strings.TrimSpace(*n.FSType)
	}
	if n.UUID != nil {
		d.UUID = strings.TrimSpace(*n.UUID)
	}
	for _, c := range n.Children {
		d.Children = append(d.Children, c.device())
	}
	return d
}

// VerifyBlockDevice confirms path exists and is a block special file.
func VerifyBlockDevice(path string) error {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFBLK {
		return fmt.Errorf("%s exists but is not a block device", path)
	}
	return nil
}
