package mountctl

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanctl/sanctl/internal/execx"
	"github.com/sanctl/sanctl/internal/fstab"
)

func TestUnitName(t *testing.T) {
	assert.Equal(t, "mnt-backup.mount", UnitName("/mnt/backup"))
	assert.Equal(t, "srv-iscsi\\x2ddata.mount", UnitName("/srv/iscsi-data"))
	assert.Equal(t, "-.mount", UnitName("/"))
}

func TestLegacyUnitName(t *testing.T) {
	assert.Equal(t, "backup.mount", LegacyUnitName("/mnt/backup"))
	assert.Equal(t, "data.mount", LegacyUnitName("/data"))
}

func TestLastSegment(t *testing.T) {
	assert.Equal(t, "backup", LastSegment("/mnt/backup"))
	assert.Equal(t, "backup", LastSegment("/mnt/backup/"))
	assert.Equal(t, "root", LastSegment("/"))
}

type fakeManager struct {
	stopped []string
	reloads int
	stopErr error
}

func (f *fakeManager) UnitExists(ctx context.Context, name string) (bool, error) { return false, nil }
func (f *fakeManager) EnsureRunning(ctx context.Context, name string) error      { return nil }
func (f *fakeManager) Reload(ctx context.Context) error {
	f.reloads++
	return nil
}
func (f *fakeManager) Close() {}

func (f *fakeManager) StopAndDisable(ctx context.Context, name string) error {
	f.stopped = append(f.stopped, name)
	return f.stopErr
}

func TestCleanupUnitsRemovesBothNamingSchemes(t *testing.T) {
	unitDir := t.TempDir()
	for _, name := range []string{"mnt-backup.mount", "backup.mount"} {
		require.NoError(t, os.WriteFile(filepath.Join(unitDir, name), []byte("[Mount]\n"), 0644))
	}

	mgr := &fakeManager{}
	removed, err := CleanupUnits(context.Background(), mgr, unitDir, "/mnt/backup")
	require.NoError(t, err)

	assert.Equal(t, []string{"mnt-backup.mount", "backup.mount"}, mgr.stopped)
	assert.Len(t, removed, 2)
	assert.Equal(t, 1, mgr.reloads)

	entries, err := os.ReadDir(unitDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCleanupUnitsNothingToRemove(t *testing.T) {
	mgr := &fakeManager{}
	removed, err := CleanupUnits(context.Background(), mgr, t.TempDir(), "/mnt/backup")
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.Zero(t, mgr.reloads, "no daemon reload when no unit file was deleted")
}

func newTestRegistrar(t *testing.T, fake *execx.Fake) *Registrar {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return &Registrar{
		Run:     fake,
		Systemd: &fakeManager{},
		Fstab:   fstab.New(filepath.Join(t.TempDir(), "fstab")),
		Log:     log,
		UnitDir: t.TempDir(),
	}
}

const testRegUUID = "11111111-2222-3333-4444-555555555555"

func TestRegisterWritesOneLineAndMounts(t *testing.T) {
	mountpoint := filepath.Join(t.TempDir(), "backup")

	fake := execx.NewFake()
	// Not mounted before registration; mounted after.
	fake.Respond("findmnt -n --mountpoint "+mountpoint, "", errors.New("exit status 1"))
	fake.Respond("findmnt -n --mountpoint "+mountpoint, "", nil)

	r := newTestRegistrar(t, fake)
	require.NoError(t, r.Register(context.Background(), testRegUUID, "ext4", mountpoint))

	assert.True(t, fake.Called("mount "+mountpoint))
	assert.False(t, fake.Called("umount"))

	entries, err := r.Fstab.EntriesFor(mountpoint)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "UUID="+testRegUUID, entries[0].Spec)
	assert.Equal(t, "ext4", entries[0].VfsType)
	assert.Equal(t, "defaults,nofail,x-systemd.device-timeout=30", entries[0].Options)
	assert.Equal(t, 2, entries[0].Passno)

	info, err := os.Stat(mountpoint)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestRegisterTwiceKeepsOneEntry(t *testing.T) {
	mountpoint := filepath.Join(t.TempDir(), "backup")

	fake := execx.NewFake()
	fake.Respond("findmnt -n --mountpoint "+mountpoint, "", errors.New("exit status 1"))
	fake.Respond("findmnt -n --mountpoint "+mountpoint, "", nil)

	r := newTestRegistrar(t, fake)
	require.NoError(t, r.Register(context.Background(), testRegUUID, "ext4", mountpoint))
	// Second run: the mount is now active, so it gets unmounted first.
	require.NoError(t, r.Register(context.Background(), testRegUUID, "ext4", mountpoint))

	assert.True(t, fake.Called("umount "+mountpoint))

	entries, err := r.Fstab.EntriesFor(mountpoint)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRegisterActivationFailureDumpsState(t *testing.T) {
	mountpoint := filepath.Join(t.TempDir(), "backup")

	fake := execx.NewFake()
	fake.Respond("findmnt -n --mountpoint "+mountpoint, "", errors.New("exit status 1"))
	fake.Respond("mount "+mountpoint, "", errors.New("mount: wrong fs type"))

	r := newTestRegistrar(t, fake)
	err := r.Register(context.Background(), testRegUUID, "ext4", mountpoint)
	require.Error(t, err)

	// The failure carries the already-written configuration.
	assert.Contains(t, err.Error(), "mount activation failed")
	assert.Contains(t, err.Error(), "UUID="+testRegUUID)
}

func TestOptionsDefaultsAndTimeout(t *testing.T) {
	r := &Registrar{}
	assert.Equal(t, "defaults,nofail,x-systemd.device-timeout=30", r.Options())

	r = &Registrar{MountOptions: "defaults", DeviceTimeoutSec: 60}
	assert.Equal(t, "defaults,x-systemd.device-timeout=60", r.Options())
}

func TestManagedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fstab")
	content := "/dev/sda1 / ext4 defaults 0 1\n" +
		"UUID=abc /mnt/backup ext4 defaults,nofail,x-systemd.device-timeout=30 0 2\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	managed, err := ManagedEntries(path)
	require.NoError(t, err)
	require.Len(t, managed, 1)
	assert.Equal(t, "/mnt/backup", managed[0].File)
}
