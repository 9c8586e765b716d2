package iscsi

import (
	"regexp"
	"strings"
)

// SessionDetail is one target block of `iscsiadm -m session -P 1|3`.
type SessionDetail struct {
	Target      string
	Portal      string
	State       State
	Attachments []Attachment
}

// tcp: [1] 10.0.0.5:3260,1 iqn.test:disk1 (non-flash)
var sessionLineRe = regexp.MustCompile(`^\S+: \[(\d+)\] (\S+?),\S+ (\S+)`)

// parseSessionList translates `iscsiadm -m session` output.
func parseSessionList(out string) []Session {
	var sessions []Session
	for _, line := range strings.Split(out, "\n") {
		m := sessionLineRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		sessions = append(sessions, Session{
			SID:    m[1],
			Portal: m[2],
			Target: m[3],
			State:  StateEstablished, // refined by the detail view
		})
	}
	return sessions
}

var attachedDiskRe = regexp.MustCompile(`Attached scsi disk (\S+)\s+State: (\S+)`)

// parseSessionDetail translates the verbose per-target session view. It
// recognizes the target header, the session state line and, at -P 3,
// attached disk lines.
func parseSessionDetail(out string) []SessionDetail {
	var details []SessionDetail
	var cur *SessionDetail

	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "Target:"):
			if cur != nil {
				details = append(details, *cur)
			}
			name := strings.TrimSpace(strings.TrimPrefix(line, "Target:"))
			// Trailing "(non-flash)" annotation.
			if i := strings.IndexByte(name, ' '); i > 0 {
				name = name[:i]
			}
			cur = &SessionDetail{Target: name, State: StateDegraded}

		case cur == nil:
			continue

		case strings.HasPrefix(line, "Current Portal:"):
			portal := strings.TrimSpace(strings.TrimPrefix(line, "Current Portal:"))
			if i := strings.IndexByte(portal, ','); i > 0 {
				portal = portal[:i]
			}
			cur.Portal = portal

		case strings.HasPrefix(line, "iSCSI Session State:"):
			cur.State = sessionState(strings.TrimSpace(strings.TrimPrefix(line, "iSCSI Session State:")))

		default:
			if m := attachedDiskRe.FindStringSubmatch(line); m != nil {
				cur.Attachments = append(cur.Attachments, Attachment{Device: m[1], State: m[2]})
			}
		}
	}
	if cur != nil {
		details = append(details, *cur)
	}
	return details
}

// sessionState maps the initiator's wire state to our coarse model: a
// listed session that is not LOGGED_IN is degraded, not absent.
func sessionState(s string) State {
	switch strings.ToUpper(s) {
	case "LOGGED_IN", "LOGGED IN":
		return StateEstablished
	case "IN LOGIN", "LOGGING IN":
		return StateConnecting
	default:
		return StateDegraded
	}
}

// parseNodeRecord translates `iscsiadm -m node -T x -p y` key = value
// output into a map for round-trip verification.
func parseNodeRecord(out string) map[string]string {
	record := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		record[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return record
}
