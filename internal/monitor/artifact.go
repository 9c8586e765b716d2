package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sanctl/sanctl/internal/execx"
	"github.com/sanctl/sanctl/internal/mountctl"
)

// cronTagPrefix marks crontab lines sanctl owns so later removal is
// unambiguous.
const cronTagPrefix = "# sanctl:"

// Name derives the artifact name for a mount path: its final segment.
func Name(mountpoint string) string {
	return mountctl.LastSegment(mountpoint)
}

// Artifacts installs and removes the probe script / crontab entry pair.
// Exactly one pair exists per served mount; reinstalling replaces it.
type Artifacts struct {
	Run execx.Runner

	// ScriptDir holds the generated probe scripts.
	ScriptDir string
	// LogPath is where the scheduled probe appends its output.
	LogPath string
	// Schedule is the cron expression for the entry.
	Schedule string
	// Executable is the sanctl binary the script invokes.
	Executable string
}

// ScriptPath returns the probe script path for a mount path.
func (a *Artifacts) ScriptPath(mountpoint string) string {
	return filepath.Join(a.ScriptDir, fmt.Sprintf("check-%s.sh", Name(mountpoint)))
}

// Install writes the probe script and replaces the crontab entry for this
// mount. It returns the script path.
func (a *Artifacts) Install(ctx context.Context, target, portal, mountpoint string) (string, error) {
	if err := os.MkdirAll(a.ScriptDir, 0755); err != nil {
		return "", fmt.Errorf("creating script directory: %w", err)
	}

	script := a.ScriptPath(mountpoint)
	body := fmt.Sprintf(`#!/bin/sh
# Generated by sanctl; do not edit. Reinstalled on every provisioning run.
exec %s monitor --target %s --portal %s --mount %s >> %s 2>&1
`, a.Executable, target, portal, mountpoint, a.LogPath)
	if err := os.WriteFile(script, []byte(body), 0755); err != nil {
		return "", fmt.Errorf("writing probe script: %w", err)
	}

	name := Name(mountpoint)
	entry := fmt.Sprintf("%s %s %s%s", a.Schedule, script, cronTagPrefix, name)
	if err := a.replaceCronEntry(ctx, name, entry); err != nil {
		return "", err
	}
	return script, nil
}

// Remove deletes the probe script and crontab entry for the mount path.
func (a *Artifacts) Remove(ctx context.Context, mountpoint string) error {
	if err := a.replaceCronEntry(ctx, Name(mountpoint), ""); err != nil {
		return err
	}
	if err := os.Remove(a.ScriptPath(mountpoint)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing probe script: %w", err)
	}
	return nil
}

// InstalledMounts maps artifact names to the mount paths their scripts
// serve, read back from the generated scripts themselves.
func (a *Artifacts) InstalledMounts() (map[string]string, error) {
	scripts, err := filepath.Glob(filepath.Join(a.ScriptDir, "check-*.sh"))
	if err != nil {
		return nil, err
	}
	mounts := make(map[string]string)
	for _, script := range scripts {
		data, err := os.ReadFile(script)
		if err != nil {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(script), "check-"), ".sh")
		if m := mountFlag(string(data)); m != "" {
			mounts[name] = m
		}
	}
	return mounts, nil
}

// CronEntries returns the sanctl-tagged crontab lines.
func (a *Artifacts) CronEntries(ctx context.Context) ([]string, error) {
	lines, err := a.crontab(ctx)
	if err != nil {
		return nil, err
	}
	var tagged []string
	for _, line := range lines {
		if strings.Contains(line, cronTagPrefix) {
			tagged = append(tagged, line)
		}
	}
	return tagged, nil
}

// replaceCronEntry rewrites the crontab with all lines tagged for name
// removed and, when entry is non-empty, the new line appended.
func (a *Artifacts) replaceCronEntry(ctx context.Context, name, entry string) error {
	lines, err := a.crontab(ctx)
	if err != nil {
		return err
	}

	tag := cronTagPrefix + name
	var kept []string
	for _, line := range lines {
		if strings.HasSuffix(strings.TrimSpace(line), tag) {
			continue
		}
		kept = append(kept, line)
	}
	if entry != "" {
		kept = append(kept, entry)
	}

	content := ""
	if len(kept) > 0 {
		content = strings.Join(kept, "\n") + "\n"
	}
	if err := a.Run.RunInput(ctx, content, "crontab", "-"); err != nil {
		return fmt.Errorf("updating crontab: %w", err)
	}
	return nil
}

func (a *Artifacts) crontab(ctx context.Context) ([]string, error) {
	out, err := a.Run.Output(ctx, "crontab", "-l")
	if err != nil {
		// An empty crontab is not an error.
		if strings.Contains(err.Error(), "no crontab") {
			return nil, nil
		}
		return nil, fmt.Errorf("reading crontab: %w", err)
	}
	text := strings.TrimRight(string(out), "\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}

// mountFlag extracts the --mount argument from a generated script.
func mountFlag(script string) string {
	fields := strings.Fields(script)
	for i, f := range fields {
		if f == "--mount" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}
