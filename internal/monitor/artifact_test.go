package monitor

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanctl/sanctl/internal/execx"
)

func newTestArtifacts(t *testing.T, fake *execx.Fake) *Artifacts {
	t.Helper()
	return &Artifacts{
		Run:        fake,
		ScriptDir:  t.TempDir(),
		LogPath:    "/var/log/sanctl-monitor.log",
		Schedule:   "* * * * *",
		Executable: "/usr/local/bin/sanctl",
	}
}

// lastCrontabWrite returns the content of the most recent `crontab -`
// invocation.
func lastCrontabWrite(t *testing.T, fake *execx.Fake) string {
	t.Helper()
	for i := len(fake.Calls) - 1; i >= 0; i-- {
		c := fake.Calls[i]
		if c.Line() == "crontab -" {
			return c.Input
		}
	}
	t.Fatal("crontab was never written")
	return ""
}

func TestInstallWritesScriptAndCronEntry(t *testing.T) {
	fake := execx.NewFake()
	a := newTestArtifacts(t, fake)

	script, err := a.Install(context.Background(), "iqn.test:disk1", "10.0.0.5:3260", "/mnt/backup")
	require.NoError(t, err)
	assert.Equal(t, a.ScriptPath("/mnt/backup"), script)

	data, err := os.ReadFile(script)
	require.NoError(t, err)
	body := string(data)
	assert.True(t, strings.HasPrefix(body, "#!/bin/sh\n"))
	assert.Contains(t, body, "monitor --target iqn.test:disk1 --portal 10.0.0.5:3260 --mount /mnt/backup")
	assert.Contains(t, body, ">> /var/log/sanctl-monitor.log 2>&1")

	info, err := os.Stat(script)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	written := lastCrontabWrite(t, fake)
	assert.Contains(t, written, "* * * * * "+script+" # sanctl:backup")
}

func TestInstallReplacesExistingEntry(t *testing.T) {
	fake := execx.NewFake()
	a := newTestArtifacts(t, fake)

	stale := "0 * * * * /old/check-backup.sh # sanctl:backup"
	fake.Respond("crontab -l", stale+"\n# unrelated comment\n30 4 * * * /usr/bin/backup-rotate\n", nil)

	_, err := a.Install(context.Background(), "iqn.test:disk1", "10.0.0.5:3260", "/mnt/backup")
	require.NoError(t, err)

	written := lastCrontabWrite(t, fake)
	assert.NotContains(t, written, "/old/check-backup.sh")
	assert.Equal(t, 1, strings.Count(written, "# sanctl:backup"), "one tagged entry per mount")
	// Foreign crontab lines are preserved verbatim.
	assert.Contains(t, written, "# unrelated comment")
	assert.Contains(t, written, "30 4 * * * /usr/bin/backup-rotate")
}

func TestInstallWithNoExistingCrontab(t *testing.T) {
	fake := execx.NewFake()
	fake.Respond("crontab -l", "", errors.New("no crontab for root"))
	a := newTestArtifacts(t, fake)

	_, err := a.Install(context.Background(), "iqn.test:disk1", "10.0.0.5:3260", "/mnt/backup")
	require.NoError(t, err)
	assert.Contains(t, lastCrontabWrite(t, fake), "# sanctl:backup")
}

func TestRemoveDeletesScriptAndEntry(t *testing.T) {
	fake := execx.NewFake()
	a := newTestArtifacts(t, fake)

	script, err := a.Install(context.Background(), "iqn.test:disk1", "10.0.0.5:3260", "/mnt/backup")
	require.NoError(t, err)

	entry := "* * * * * " + script + " # sanctl:backup"
	fake.Respond("crontab -l", entry+"\n", nil)

	require.NoError(t, a.Remove(context.Background(), "/mnt/backup"))

	_, statErr := os.Stat(script)
	assert.True(t, os.IsNotExist(statErr))
	assert.NotContains(t, lastCrontabWrite(t, fake), "# sanctl:backup")
}

func TestRemoveMissingScriptIsIdempotent(t *testing.T) {
	a := newTestArtifacts(t, execx.NewFake())
	require.NoError(t, a.Remove(context.Background(), "/mnt/backup"))
}

func TestInstalledMounts(t *testing.T) {
	fake := execx.NewFake()
	a := newTestArtifacts(t, fake)

	_, err := a.Install(context.Background(), "iqn.test:disk1", "10.0.0.5:3260", "/mnt/backup")
	require.NoError(t, err)
	_, err = a.Install(context.Background(), "iqn.test:disk2", "10.0.0.6:3260", "/srv/archive")
	require.NoError(t, err)

	mounts, err := a.InstalledMounts()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"backup":  "/mnt/backup",
		"archive": "/srv/archive",
	}, mounts)
}

func TestCronEntries(t *testing.T) {
	fake := execx.NewFake()
	fake.Respond("crontab -l",
		"30 4 * * * /usr/bin/backup-rotate\n* * * * * /s/check-backup.sh # sanctl:backup\n", nil)
	a := newTestArtifacts(t, fake)

	entries, err := a.CronEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0], "# sanctl:backup")
}
