// Package monitor holds the recurring self-healing probe and the
// generated artifacts (script + crontab entry) that schedule it.
package monitor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sanctl/sanctl/internal/execx"
	"github.com/sanctl/sanctl/internal/iscsi"
	"github.com/sanctl/sanctl/internal/mountctl"
)

// SessionClient is the slice of the iSCSI client the probe needs.
type SessionClient interface {
	SessionState(ctx context.Context, target string) (iscsi.State, error)
	Login(ctx context.Context, target, portal string) error
}

// Recorder receives probe outcomes for the shared event journal.
type Recorder interface {
	Record(category, action, target, mountPath string, details map[string]any) error
}

// Checker is one stateless probe invocation. Session and mount recovery
// are checked independently: either can be broken while the other is
// healthy. It never prompts; every outcome is appended to LogPath.
type Checker struct {
	Sessions SessionClient
	Run      execx.Runner
	Journal  Recorder // optional

	// LogPath is the shared append-only monitor log.
	LogPath string
	// Settle is the pause between a reconnect attempt and the mount
	// re-check.
	Settle time.Duration
}

// Check runs one probe cycle for the target/mount pair.
func (c *Checker) Check(ctx context.Context, target, portal, mountpoint string) error {
	state, err := c.Sessions.SessionState(ctx, target)
	if err != nil {
		if lerr := c.logf("session check for %s failed: %v", target, err); lerr != nil {
			return lerr
		}
		state = iscsi.StateAbsent
	}

	switch state {
	case iscsi.StateEstablished:
		if err := c.logf("session %s established", target); err != nil {
			return err
		}
	default:
		// Absent, degraded and connecting all get the same medicine:
		// logging in to an already-active session is a safe no-op.
		if err := c.logf("session %s %s; attempting login", target, state); err != nil {
			return err
		}
		if err := c.Sessions.Login(ctx, target, portal); err != nil {
			if lerr := c.logf("login for %s failed: %v", target, err); lerr != nil {
				return lerr
			}
		} else if err := c.logf("login for %s succeeded", target); err != nil {
			return err
		}
		c.record("session_repair", target, mountpoint, map[string]any{"state": string(state)})
		if c.Settle > 0 {
			time.Sleep(c.Settle)
		}
	}

	if mountctl.Mounted(ctx, c.Run, mountpoint) {
		return c.logf("mount %s active", mountpoint)
	}
	if err := c.logf("mount %s missing; attempting mount", mountpoint); err != nil {
		return err
	}
	if err := mountctl.Mount(ctx, c.Run, mountpoint); err != nil {
		c.record("mount_repair_failed", target, mountpoint, map[string]any{"error": err.Error()})
		return c.logf("mount %s failed: %v", mountpoint, err)
	}
	c.record("mount_repair", target, mountpoint, nil)
	return c.logf("mount %s restored", mountpoint)
}

// logf appends one timestamped line to the shared monitor log.
func (c *Checker) logf(format string, args ...any) error {
	f, err := os.OpenFile(c.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening monitor log: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("%s %s\n", time.Now().Format("2006-01-02 15:04:05"), fmt.Sprintf(format, args...))
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("appending to monitor log: %w", err)
	}
	return nil
}

func (c *Checker) record(action, target, mountpoint string, details map[string]any) {
	if c.Journal == nil {
		return
	}
	// Journal trouble must never break the probe.
	_ = c.Journal.Record("monitor", action, target, mountpoint, details)
}
