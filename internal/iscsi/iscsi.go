// Package iscsi drives the open-iscsi initiator (iscsiadm) and translates
// its text output into typed session and attachment records. All output
// parsing lives in parse.go so a format change breaks one function.
package iscsi

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sanctl/sanctl/internal/execx"
	"github.com/sanctl/sanctl/internal/systemd"
)

// State describes an initiator session as sanctl sees it.
type State string

const (
	// StateAbsent means no session exists for the target.
	StateAbsent State = "absent"
	// StateConnecting means a login is in progress.
	StateConnecting State = "connecting"
	// StateEstablished means the session is fully operational.
	StateEstablished State = "established"
	// StateDegraded means the transport reports the session as present
	// but not operational. Handled as a reconnect case, never a no-op.
	StateDegraded State = "degraded"
)

// Session is one row of `iscsiadm -m session`.
type Session struct {
	SID    string
	Portal string
	Target string
	State  State
}

// Attachment is a SCSI disk a session exposed to the kernel.
type Attachment struct {
	Device string // bare name, e.g. sdb
	State  string // e.g. running
}

// Operational reports whether the kernel considers the disk usable.
func (a Attachment) Operational() bool {
	return a.State == "running"
}

// Client wraps iscsiadm.
type Client struct {
	Run execx.Runner
	Log *logrus.Logger
}

// NewClient returns a Client using the given runner.
func NewClient(run execx.Runner, log *logrus.Logger) *Client {
	return &Client{Run: run, Log: log}
}

// EnsureDaemon makes sure an iSCSI management daemon is installed, enabled
// and active. Candidate unit names are probed in order; if none exists the
// error names every candidate so the diagnostic is actionable.
func (c *Client) EnsureDaemon(ctx context.Context, mgr systemd.Manager, candidates []string) (string, error) {
	if !c.Run.LookPath("iscsiadm") {
		return "", fmt.Errorf("iscsiadm not installed")
	}
	for _, unit := range candidates {
		exists, err := mgr.UnitExists(ctx, unit)
		if err != nil {
			return "", err
		}
		if !exists {
			continue
		}
		if err := mgr.EnsureRunning(ctx, unit); err != nil {
			return "", fmt.Errorf("iSCSI daemon %s: %w", unit, err)
		}
		return unit, nil
	}
	return "", fmt.Errorf("no iSCSI daemon found (tried %s)", strings.Join(candidates, ", "))
}

// Discover runs sendtargets discovery against the portal. Callers treat a
// failure as non-fatal: the node record may already exist locally.
func (c *Client) Discover(ctx context.Context, portal string) error {
	if err := c.Run.Run(ctx, "iscsiadm", "-m", "discovery", "-t", "sendtargets", "-p", portal); err != nil {
		return fmt.Errorf("target discovery against %s: %w", portal, err)
	}
	return nil
}

// ConfigureNode sets CHAP credentials and automatic boot startup on the
// node record, then reads the record back to verify the values stuck.
func (c *Client) ConfigureNode(ctx context.Context, target, portal, username, secret string) error {
	updates := [][2]string{
		{"node.session.auth.authmethod", "CHAP"},
		{"node.session.auth.username", username},
		{"node.session.auth.password", secret},
		{"node.startup", "automatic"},
	}
	for _, kv := range updates {
		err := c.Run.Run(ctx, "iscsiadm", "-m", "node", "-T", target, "-p", portal,
			"-o", "update", "-n", kv[0], "-v", kv[1])
		if err != nil {
			return fmt.Errorf("updating %s: %w", kv[0], err)
		}
	}

	out, err := c.Run.Output(ctx, "iscsiadm", "-m", "node", "-T", target, "-p", portal)
	if err != nil {
		return fmt.Errorf("reading node record back: %w", err)
	}
	record := parseNodeRecord(string(out))
	if got := record["node.startup"]; got != "automatic" {
		return fmt.Errorf("node record verification failed: node.startup = %q, want automatic", got)
	}
	if got := record["node.session.auth.authmethod"]; got != "CHAP" {
		return fmt.Errorf("node record verification failed: authmethod = %q, want CHAP", got)
	}
	return nil
}

// Login establishes the session for the target.
func (c *Client) Login(ctx context.Context, target, portal string) error {
	if err := c.Run.Run(ctx, "iscsiadm", "-m", "node", "-T", target, "-p", portal, "--login"); err != nil {
		return fmt.Errorf("login to %s: %w", target, err)
	}
	return nil
}

// Logout ends the session for the target.
func (c *Client) Logout(ctx context.Context, target, portal string) error {
	if err := c.Run.Run(ctx, "iscsiadm", "-m", "node", "-T", target, "-p", portal, "--logout"); err != nil {
		return fmt.Errorf("logout from %s: %w", target, err)
	}
	return nil
}

// LogoutAll ends every active session.
func (c *Client) LogoutAll(ctx context.Context) error {
	err := c.Run.Run(ctx, "iscsiadm", "-m", "node", "--logoutall=all")
	if err != nil && !noSessions(err) {
		return fmt.Errorf("logging out all sessions: %w", err)
	}
	return nil
}

// DeleteNode purges the local node record for the target.
func (c *Client) DeleteNode(ctx context.Context, target, portal string) error {
	if err := c.Run.Run(ctx, "iscsiadm", "-m", "node", "-T", target, "-p", portal, "-o", "delete"); err != nil {
		return fmt.Errorf("deleting node record for %s: %w", target, err)
	}
	return nil
}

// DeleteAllNodes purges every local node record.
func (c *Client) DeleteAllNodes(ctx context.Context) error {
	err := c.Run.Run(ctx, "iscsiadm", "-m", "node", "-o", "delete")
	if err != nil && !noRecords(err) {
		return fmt.Errorf("deleting node records: %w", err)
	}
	return nil
}

// Sessions lists active sessions. No active sessions is an empty list,
// not an error.
func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	out, err := c.Run.Output(ctx, "iscsiadm", "-m", "session")
	if err != nil {
		if noSessions(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return parseSessionList(string(out)), nil
}

// SessionState returns the session state for a specific target, probing
// the detailed session view so degraded sessions are distinguishable from
// absent ones.
func (c *Client) SessionState(ctx context.Context, target string) (State, error) {
	out, err := c.Run.Output(ctx, "iscsiadm", "-m", "session", "-P", "1")
	if err != nil {
		if noSessions(err) {
			return StateAbsent, nil
		}
		return StateAbsent, fmt.Errorf("querying session state: %w", err)
	}
	for _, d := range parseSessionDetail(string(out)) {
		if d.Target == target {
			return d.State, nil
		}
	}
	return StateAbsent, nil
}

// Attachments returns the SCSI disks the target's session exposed,
// parsed from the verbose session view.
func (c *Client) Attachments(ctx context.Context, target string) ([]Attachment, error) {
	out, err := c.Run.Output(ctx, "iscsiadm", "-m", "session", "-P", "3")
	if err != nil {
		if noSessions(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying attached devices: %w", err)
	}
	for _, d := range parseSessionDetail(string(out)) {
		if d.Target == target {
			return d.Attachments, nil
		}
	}
	return nil, nil
}

// AllAttachments returns every attached disk across all sessions.
func (c *Client) AllAttachments(ctx context.Context) ([]Attachment, error) {
	out, err := c.Run.Output(ctx, "iscsiadm", "-m", "session", "-P", "3")
	if err != nil {
		if noSessions(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying attached devices: %w", err)
	}
	var all []Attachment
	for _, d := range parseSessionDetail(string(out)) {
		all = append(all, d.Attachments...)
	}
	return all, nil
}

// Rescan asks every active session to re-enumerate its LUNs.
func (c *Client) Rescan(ctx context.Context) error {
	if err := c.Run.Run(ctx, "iscsiadm", "-m", "session", "--rescan"); err != nil {
		return fmt.Errorf("session rescan: %w", err)
	}
	return nil
}

// iscsiadm exits non-zero with these messages when there is simply
// nothing to operate on.
func noSessions(err error) bool {
	return strings.Contains(err.Error(), "No active sessions")
}

func noRecords(err error) bool {
	return strings.Contains(err.Error(), "No records found")
}
