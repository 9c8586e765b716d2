// Package systemd wraps the systemd D-Bus API behind a small Manager
// interface so callers can be tested without a running init system.
package systemd

import (
	"context"
	"fmt"
	"time"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
)

// Manager is the subset of systemd operations sanctl needs.
type Manager interface {
	// UnitExists reports whether the named unit is known to systemd.
	UnitExists(ctx context.Context, name string) (bool, error)
	// EnsureRunning enables the unit for boot and starts it, verifying
	// it reaches the active state.
	EnsureRunning(ctx context.Context, name string) error
	// StopAndDisable stops the unit and removes its boot enablement.
	// A unit that is not loaded is not an error.
	StopAndDisable(ctx context.Context, name string) error
	// Reload asks systemd to re-read unit files.
	Reload(ctx context.Context) error
	// Close releases the connection.
	Close()
}

// DBus is the production Manager backed by the system bus.
type DBus struct {
	conn *sddbus.Conn
}

// Connect opens a connection to the systemd manager on the system bus.
func Connect(ctx context.Context) (*DBus, error) {
	conn, err := sddbus.NewWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to systemd: %w", err)
	}
	return &DBus{conn: conn}, nil
}

func (d *DBus) UnitExists(ctx context.Context, name string) (bool, error) {
	props, err := d.conn.GetUnitPropertiesContext(ctx, name)
	if err != nil {
		return false, fmt.Errorf("querying unit %s: %w", name, err)
	}
	load, _ := props["LoadState"].(string)
	return load == "loaded", nil
}

func (d *DBus) EnsureRunning(ctx context.Context, name string) error {
	if _, _, err := d.conn.EnableUnitFilesContext(ctx, []string{name}, false, true); err != nil {
		return fmt.Errorf("enabling %s: %w", name, err)
	}

	done := make(chan string, 1)
	if _, err := d.conn.StartUnitContext(ctx, name, "replace", done); err != nil {
		return fmt.Errorf("starting %s: %w", name, err)
	}
	select {
	case result := <-done:
		if result != "done" {
			return fmt.Errorf("starting %s: job result %q", name, result)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	props, err := d.conn.GetUnitPropertiesContext(ctx, name)
	if err != nil {
		return fmt.Errorf("verifying %s: %w", name, err)
	}
	if active, _ := props["ActiveState"].(string); active != "active" {
		return fmt.Errorf("unit %s did not become active (state %q)", name, active)
	}
	return nil
}

func (d *DBus) StopAndDisable(ctx context.Context, name string) error {
	exists, err := d.UnitExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	done := make(chan string, 1)
	if _, err := d.conn.StopUnitContext(ctx, name, "replace", done); err != nil {
		return fmt.Errorf("stopping %s: %w", name, err)
	}
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		return fmt.Errorf("stopping %s: timed out", name)
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := d.conn.DisableUnitFilesContext(ctx, []string{name}, false); err != nil {
		return fmt.Errorf("disabling %s: %w", name, err)
	}
	return nil
}

func (d *DBus) Reload(ctx context.Context) error {
	if err := d.conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	return nil
}

func (d *DBus) Close() {
	d.conn.Close()
}
